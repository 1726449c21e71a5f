package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrInvalidPayload) {
//	    // keep the previous state
//	}
var (
	// ErrInvalidPayload is returned when a feed snapshot cannot be decoded.
	ErrInvalidPayload = errors.New("device: invalid payload")

	// ErrInvalidValue is returned when a single field value has the wrong type.
	ErrInvalidValue = errors.New("device: invalid value")

	// ErrUnknownField is returned for a field name that is not part of the state.
	ErrUnknownField = errors.New("device: unknown field")
)
