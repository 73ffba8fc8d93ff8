package mqtt

import "errors"

var (
	// ErrNotConnected is returned when the broker connection is down.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrBadPayload is returned for inbound messages that cannot be decoded.
	ErrBadPayload = errors.New("mqtt: bad payload")
)
