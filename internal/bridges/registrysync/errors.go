package registrysync

import "errors"

var (
	// ErrInvalidPayload is returned by the ingress handler when a set
	// message is not a JSON object.
	ErrInvalidPayload = errors.New("registrysync: invalid payload")

	// ErrUnknownKind is returned for set topics naming neither device nor entity.
	ErrUnknownKind = errors.New("registrysync: unknown registry kind")
)
