package registry

import "errors"

// Domain errors for the registry package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, registry.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a device or entity ID does not exist.
	ErrNotFound = errors.New("registry: not found")

	// ErrExists is returned when creating a device or entity whose ID is taken.
	ErrExists = errors.New("registry: already exists")

	// ErrInvalidAttribute is returned when an update names an unknown or
	// read-only attribute, or carries a value of the wrong type.
	ErrInvalidAttribute = errors.New("registry: invalid attribute")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("registry: invalid device")

	// ErrInvalidEntity is returned when entity validation fails.
	ErrInvalidEntity = errors.New("registry: invalid entity")
)
