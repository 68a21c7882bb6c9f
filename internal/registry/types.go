package registry

import (
	"slices"
	"time"
)

// Kind identifies which registry a change event or lookup refers to.
type Kind string

const (
	KindDevice Kind = "device"
	KindEntity Kind = "entity"
)

// Action is the kind of mutation carried by a ChangeEvent.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// DisabledBy records who disabled a device or entity. The zero value
// means enabled.
type DisabledBy string

const (
	DisabledByNone        DisabledBy = ""
	DisabledByUser        DisabledBy = "user"
	DisabledByIntegration DisabledBy = "integration"
	DisabledByConfigEntry DisabledBy = "config_entry"
)

// IsValid reports whether d is a recognised disabled-by value.
func (d DisabledBy) IsValid() bool {
	switch d {
	case DisabledByNone, DisabledByUser, DisabledByIntegration, DisabledByConfigEntry:
		return true
	}
	return false
}

// ChangeEvent is emitted after a registry mutation has been persisted.
//
// Seq is assigned under the registry lock and increases with every emitted
// event, so it identifies one mutation exactly. Notifiers may still see
// events from concurrent writers out of Seq order.
//
// Changes lists the attribute names whose values differ from before the
// mutation and Values holds what the mutation wrote for each of them.
// Both are only populated for ActionUpdate.
type ChangeEvent struct {
	Seq      uint64
	Kind     Kind
	TargetID string
	Action   Action
	Changes  []string
	Values   Attributes
}

// Has reports whether attribute is among the changed attributes.
func (e ChangeEvent) Has(attribute string) bool {
	return slices.Contains(e.Changes, attribute)
}

// Device is a physical or logical device known to the registry.
type Device struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	NameByUser   *string `json:"name_by_user,omitempty"`
	Manufacturer *string `json:"manufacturer,omitempty"`
	Model        *string `json:"model,omitempty"`
	SWVersion    *string `json:"sw_version,omitempty"`
	HWVersion    *string `json:"hw_version,omitempty"`
	SerialNumber *string `json:"serial_number,omitempty"`
	ViaDeviceID  *string `json:"via_device_id,omitempty"`

	DisabledBy DisabledBy `json:"disabled_by,omitempty"`

	// ConfigEntries lists the configuration entries (integrations or
	// modification records) that reference this device.
	ConfigEntries []string `json:"config_entries"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// DisplayName returns the user-assigned name if set, otherwise Name.
func (d *Device) DisplayName() string {
	if d.NameByUser != nil && *d.NameByUser != "" {
		return *d.NameByUser
	}
	return d.Name
}

// Disabled reports whether the device is disabled.
func (d *Device) Disabled() bool {
	return d.DisabledBy != DisabledByNone
}

// DeepCopy returns an independent copy of the device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	cp.NameByUser = copyStringPtr(d.NameByUser)
	cp.Manufacturer = copyStringPtr(d.Manufacturer)
	cp.Model = copyStringPtr(d.Model)
	cp.SWVersion = copyStringPtr(d.SWVersion)
	cp.HWVersion = copyStringPtr(d.HWVersion)
	cp.SerialNumber = copyStringPtr(d.SerialNumber)
	cp.ViaDeviceID = copyStringPtr(d.ViaDeviceID)
	cp.ConfigEntries = slices.Clone(d.ConfigEntries)
	return &cp
}

// Entity is a single capability (sensor, switch, light...) optionally
// attached to a device.
type Entity struct {
	// ID is the stable registry identifier.
	ID string `json:"id"`
	// EntityID is the human-facing identifier, e.g. "light.kitchen".
	EntityID     string     `json:"entity_id"`
	Name         *string    `json:"name,omitempty"`
	OriginalName string     `json:"original_name"`
	Platform     string     `json:"platform"`
	DeviceID     *string    `json:"device_id,omitempty"`
	DisabledBy   DisabledBy `json:"disabled_by,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// DeepCopy returns an independent copy of the entity.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Name = copyStringPtr(e.Name)
	cp.DeviceID = copyStringPtr(e.DeviceID)
	return &cp
}

// BelongsTo reports whether the entity is attached to deviceID.
func (e *Entity) BelongsTo(deviceID string) bool {
	return e.DeviceID != nil && *e.DeviceID == deviceID
}

func copyStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
