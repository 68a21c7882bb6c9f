package modification

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// Kind is the closed set of modification kinds.
type Kind string

const (
	// KindDevice overlays attributes onto one device.
	KindDevice Kind = "device"
	// KindEntity overlays attributes onto one entity.
	KindEntity Kind = "entity"
	// KindMerge collapses member devices into a primary device.
	KindMerge Kind = "merge"
)

// IsValid reports whether k is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindDevice, KindEntity, KindMerge:
		return true
	}
	return false
}

// Overlay keys accepted per kind.
var (
	deviceOverlayKeys = []string{
		registry.AttrManufacturer,
		registry.AttrModel,
		registry.AttrSWVersion,
		registry.AttrHWVersion,
		registry.AttrSerialNumber,
		registry.AttrViaDeviceID,
	}
	entityOverlayKeys = []string{
		registry.AttrDeviceID,
	}
)

// OverlayKeys returns the attribute names an overlay of kind may set.
func OverlayKeys(k Kind) []string {
	switch k {
	case KindDevice:
		return slices.Clone(deviceOverlayKeys)
	case KindEntity:
		return slices.Clone(entityOverlayKeys)
	}
	return nil
}

// Key addresses one attribute of one registry item inside a Snapshot.
type Key struct {
	TargetID  string
	Attribute string
}

// Snapshot holds captured attribute values keyed by (target, attribute).
//
// Device and entity records key it by their own target ID and overlay
// keys. Merge records store (member, "disabled_by") for each member and
// (entity, "device_id") = member for each captured sub-entity.
type Snapshot map[Key]any

// Get returns the captured value and whether one exists.
func (s Snapshot) Get(targetID, attribute string) (any, bool) {
	v, ok := s[Key{TargetID: targetID, Attribute: attribute}]
	return v, ok
}

// Has reports whether a value has been captured for (targetID, attribute).
func (s Snapshot) Has(targetID, attribute string) bool {
	_, ok := s.Get(targetID, attribute)
	return ok
}

// Set stores v for (targetID, attribute).
func (s Snapshot) Set(targetID, attribute string, v any) {
	s[Key{TargetID: targetID, Attribute: attribute}] = v
}

// Delete drops the value for (targetID, attribute).
func (s Snapshot) Delete(targetID, attribute string) {
	delete(s, Key{TargetID: targetID, Attribute: attribute})
}

// Keys returns every key in a stable order.
func (s Snapshot) Keys() []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TargetID != keys[j].TargetID {
			return keys[i].TargetID < keys[j].TargetID
		}
		return keys[i].Attribute < keys[j].Attribute
	})
	return keys
}

// ForTarget returns the captured attributes of one target.
func (s Snapshot) ForTarget(targetID string) registry.Attributes {
	out := registry.Attributes{}
	for k, v := range s {
		if k.TargetID == targetID {
			out[k.Attribute] = v
		}
	}
	return out
}

// Targets returns, sorted, every target that has attribute captured.
func (s Snapshot) Targets(attribute string) []string {
	var out []string
	for k := range s {
		if k.Attribute == attribute {
			out = append(out, k.TargetID)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy of s.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MergeOptions configures a merge modification.
type MergeOptions struct {
	// DisableMembers disables member devices while the merge is active.
	DisableMembers bool `json:"disable_members" yaml:"disable_members"`
	// CreatePrimary means the primary device was created by the merge and
	// is removed again on revert.
	CreatePrimary bool `json:"create_primary,omitempty" yaml:"create_primary,omitempty"`
	// PrimaryName names the created primary device.
	PrimaryName string `json:"primary_name,omitempty" yaml:"primary_name,omitempty"`
}

// Record is one declared modification and its captured original data.
//
// For merges TargetID is the primary device and Members the member
// devices. Overlay is empty for merges.
type Record struct {
	ID        string
	Name      string
	Kind      Kind
	TargetID  string
	Overlay   registry.Attributes
	Original  Snapshot
	Members   []string
	Options   MergeOptions
	CreatedAt time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Overlay = r.Overlay.Clone()
	cp.Original = r.Original.Clone()
	cp.Members = slices.Clone(r.Members)
	return &cp
}

// Validate checks the structural invariants of r.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidDeclaration)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDeclaration, r.Kind)
	}
	if r.TargetID == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidDeclaration)
	}

	switch r.Kind {
	case KindDevice, KindEntity:
		if err := validateOverlay(r.Kind, r.Overlay); err != nil {
			return err
		}
		for k := range r.Original {
			if k.TargetID != r.TargetID {
				return fmt.Errorf("%w: original data for foreign target %s", ErrInvalidDeclaration, k.TargetID)
			}
			if _, ok := r.Overlay[k.Attribute]; !ok {
				return fmt.Errorf("%w: original data for %q which is not overlaid", ErrInvalidDeclaration, k.Attribute)
			}
		}
	case KindMerge:
		if len(r.Members) == 0 {
			return fmt.Errorf("%w: merge has no members", ErrInsufficientMembers)
		}
		if slices.Contains(r.Members, r.TargetID) {
			return fmt.Errorf("%w: primary %s is also listed as a member", ErrInvalidDeclaration, r.TargetID)
		}
	}
	return nil
}

// retainOverlayKeys drops original data for attributes no longer overlaid.
func (r *Record) retainOverlayKeys() {
	for k := range r.Original {
		if _, ok := r.Overlay[k.Attribute]; !ok || k.TargetID != r.TargetID {
			delete(r.Original, k)
		}
	}
}

// capturedEntities returns the sub-entities a merge captured.
func (r *Record) capturedEntities() []string {
	return r.Original.Targets(registry.AttrDeviceID)
}

// owns reports whether a merge record covers deviceID as primary or member.
func (r *Record) owns(deviceID string) bool {
	return r.TargetID == deviceID || slices.Contains(r.Members, deviceID)
}

func validateOverlay(kind Kind, overlay registry.Attributes) error {
	if len(overlay) == 0 {
		return fmt.Errorf("%w: %s overlay is empty", ErrInvalidDeclaration, kind)
	}
	allowed := OverlayKeys(kind)
	for key, v := range overlay {
		if !slices.Contains(allowed, key) {
			return fmt.Errorf("%w: %s overlay may not set %q", ErrInvalidDeclaration, kind, key)
		}
		switch v.(type) {
		case nil, string:
		default:
			return fmt.Errorf("%w: overlay value for %q must be a string or null, got %T", ErrInvalidDeclaration, key, v)
		}
	}
	return nil
}
