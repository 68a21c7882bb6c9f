package modification

import (
	"slices"

	"github.com/nerrad567/gray-logic-devicetools/internal/registry"
)

// IsClaimedByMerge reports whether any merge has captured entityID.
func IsClaimedByMerge(records []*Record, entityID string) bool {
	for _, r := range records {
		if r.Kind == KindMerge && r.Original.Has(entityID, registry.AttrDeviceID) {
			return true
		}
	}
	return false
}

// HasEntityConflict reports whether an entity modification has moved an
// entity away from one of deviceIDs.
func HasEntityConflict(records []*Record, deviceIDs []string) bool {
	for _, r := range records {
		if r.Kind != KindEntity {
			continue
		}
		origin, ok := r.Original.Get(r.TargetID, registry.AttrDeviceID)
		if !ok {
			continue
		}
		if s, isString := origin.(string); isString && slices.Contains(deviceIDs, s) {
			return true
		}
	}
	return false
}

// IsMergedDevice reports whether deviceID is the primary or a member of
// any merge.
func IsMergedDevice(records []*Record, deviceID string) bool {
	return mergeOwning(records, deviceID) != nil
}

// HasDeviceModification reports whether deviceID already has a device
// modification.
func HasDeviceModification(records []*Record, deviceID string) bool {
	return findTarget(records, KindDevice, deviceID) != nil
}

// HasEntityModification reports whether entityID already has an entity
// modification.
func HasEntityModification(records []*Record, entityID string) bool {
	return findTarget(records, KindEntity, entityID) != nil
}

func mergeOwning(records []*Record, deviceID string) *Record {
	for _, r := range records {
		if r.Kind == KindMerge && r.owns(deviceID) {
			return r
		}
	}
	return nil
}

func findTarget(records []*Record, kind Kind, targetID string) *Record {
	for _, r := range records {
		if r.Kind == kind && r.TargetID == targetID {
			return r
		}
	}
	return nil
}
