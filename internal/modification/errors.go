package modification

import "errors"

// Domain errors for the modification package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, modification.ErrConflictDetected) {
//	    // reject the declaration
//	}
var (
	// ErrTargetNotFound is returned when the device or entity a
	// modification refers to does not exist.
	ErrTargetNotFound = errors.New("modification: target not found")

	// ErrConflictDetected is returned when a declaration overlaps an
	// active merge or entity modification.
	ErrConflictDetected = errors.New("modification: conflict detected")

	// ErrInsufficientMembers is returned when a merge would involve fewer
	// than two devices.
	ErrInsufficientMembers = errors.New("modification: insufficient merge members")

	// ErrStaleOriginalData is reported (logged, not returned) when a revert
	// finds no captured original for an overlaid attribute.
	ErrStaleOriginalData = errors.New("modification: stale original data")

	// ErrDuplicateModification is returned when a target already has a
	// modification of the same kind.
	ErrDuplicateModification = errors.New("modification: target already modified")

	// ErrRecordNotFound is returned when a modification ID does not exist.
	ErrRecordNotFound = errors.New("modification: record not found")

	// ErrInvalidDeclaration is returned when a declaration is malformed.
	ErrInvalidDeclaration = errors.New("modification: invalid declaration")

	// ErrTargetDisabled is returned when the target device is disabled.
	ErrTargetDisabled = errors.New("modification: target disabled")
)
