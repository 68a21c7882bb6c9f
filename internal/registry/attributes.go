package registry

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
)

// Attribute names understood by UpdateDevice and UpdateEntity.
const (
	AttrName          = "name"
	AttrNameByUser    = "name_by_user"
	AttrManufacturer  = "manufacturer"
	AttrModel         = "model"
	AttrSWVersion     = "sw_version"
	AttrHWVersion     = "hw_version"
	AttrSerialNumber  = "serial_number"
	AttrViaDeviceID   = "via_device_id"
	AttrDisabledBy    = "disabled_by"
	AttrConfigEntries = "config_entries"
	AttrDeviceID      = "device_id"
)

// Attributes is a partial set of attribute values keyed by attribute name.
//
// Optional attributes take a string or nil (unset). disabled_by takes a
// DisabledBy value as a string; "" or nil means enabled.
type Attributes map[string]any

// Clone returns a shallow copy of a.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Pick returns the subset of a named by keys. Keys missing from a are
// left out.
func (a Attributes) Pick(keys []string) Attributes {
	out := make(Attributes, len(keys))
	for _, k := range keys {
		if v, ok := a[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Attributes returns the device's current attribute values.
func (d *Device) Attributes() Attributes {
	return Attributes{
		AttrName:          d.Name,
		AttrNameByUser:    optionalValue(d.NameByUser),
		AttrManufacturer:  optionalValue(d.Manufacturer),
		AttrModel:         optionalValue(d.Model),
		AttrSWVersion:     optionalValue(d.SWVersion),
		AttrHWVersion:     optionalValue(d.HWVersion),
		AttrSerialNumber:  optionalValue(d.SerialNumber),
		AttrViaDeviceID:   optionalValue(d.ViaDeviceID),
		AttrDisabledBy:    string(d.DisabledBy),
		AttrConfigEntries: slices.Clone(d.ConfigEntries),
	}
}

// Attributes returns the entity's current attribute values.
func (e *Entity) Attributes() Attributes {
	return Attributes{
		AttrName:       optionalValue(e.Name),
		AttrDeviceID:   optionalValue(e.DeviceID),
		AttrDisabledBy: string(e.DisabledBy),
	}
}

// ValuesEqual compares two attribute values. nil and a nil *string are
// the same unset value.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalise(a), normalise(b))
}

func normalise(v any) any {
	if p, ok := v.(*string); ok {
		if p == nil {
			return nil
		}
		return *p
	}
	if d, ok := v.(DisabledBy); ok {
		return string(d)
	}
	return v
}

func optionalValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// toOptionalString converts an attribute value into an optional string.
func toOptionalString(name string, v any) (*string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &val, nil
	case *string:
		return copyStringPtr(val), nil
	default:
		return nil, fmt.Errorf("%w: %s must be a string or null, got %T", ErrInvalidAttribute, name, v)
	}
}

func toDisabledBy(v any) (DisabledBy, error) {
	var d DisabledBy
	switch val := v.(type) {
	case nil:
		return DisabledByNone, nil
	case string:
		d = DisabledBy(val)
	case DisabledBy:
		d = val
	default:
		return "", fmt.Errorf("%w: disabled_by must be a string or null, got %T", ErrInvalidAttribute, v)
	}
	if !d.IsValid() {
		return "", fmt.Errorf("%w: unknown disabled_by %q", ErrInvalidAttribute, d)
	}
	return d, nil
}

// applyDeviceAttributes writes attrs onto d and returns the sorted names
// of attributes whose value changed. d is left untouched on error.
func applyDeviceAttributes(d *Device, attrs Attributes) ([]string, error) {
	next := d.DeepCopy()
	for name, v := range attrs {
		var err error
		switch name {
		case AttrName:
			s, ok := v.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("%w: name must be a non-empty string", ErrInvalidAttribute)
			}
			next.Name = s
		case AttrNameByUser:
			next.NameByUser, err = toOptionalString(name, v)
		case AttrManufacturer:
			next.Manufacturer, err = toOptionalString(name, v)
		case AttrModel:
			next.Model, err = toOptionalString(name, v)
		case AttrSWVersion:
			next.SWVersion, err = toOptionalString(name, v)
		case AttrHWVersion:
			next.HWVersion, err = toOptionalString(name, v)
		case AttrSerialNumber:
			next.SerialNumber, err = toOptionalString(name, v)
		case AttrViaDeviceID:
			next.ViaDeviceID, err = toOptionalString(name, v)
			if err == nil && next.ViaDeviceID != nil && *next.ViaDeviceID == d.ID {
				err = fmt.Errorf("%w: device cannot be connected via itself", ErrInvalidAttribute)
			}
		case AttrDisabledBy:
			next.DisabledBy, err = toDisabledBy(v)
		default:
			return nil, fmt.Errorf("%w: device attribute %q is not writable", ErrInvalidAttribute, name)
		}
		if err != nil {
			return nil, err
		}
	}

	changes := diff(d.Attributes(), next.Attributes())
	*d = *next
	return changes, nil
}

// applyEntityAttributes writes attrs onto e and returns the sorted names
// of attributes whose value changed. e is left untouched on error.
func applyEntityAttributes(e *Entity, attrs Attributes) ([]string, error) {
	next := e.DeepCopy()
	for name, v := range attrs {
		var err error
		switch name {
		case AttrName:
			next.Name, err = toOptionalString(name, v)
		case AttrDeviceID:
			next.DeviceID, err = toOptionalString(name, v)
		case AttrDisabledBy:
			next.DisabledBy, err = toDisabledBy(v)
		default:
			return nil, fmt.Errorf("%w: entity attribute %q is not writable", ErrInvalidAttribute, name)
		}
		if err != nil {
			return nil, err
		}
	}

	changes := diff(e.Attributes(), next.Attributes())
	*e = *next
	return changes, nil
}

func diff(before, after Attributes) []string {
	var changes []string
	for name, v := range after {
		if !ValuesEqual(before[name], v) {
			changes = append(changes, name)
		}
	}
	sort.Strings(changes)
	return changes
}
