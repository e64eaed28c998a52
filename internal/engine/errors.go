package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned as values across the engine boundary.
var (
	// ErrUnknownInboundSessionID means no inbound group session exists
	// for the (sender key, session id) pair. The caller may retry after
	// a late room key arrives.
	ErrUnknownInboundSessionID = errors.New("engine: unknown inbound group session id")

	// ErrUnknownSession means no pairwise session with the given id is
	// known for the peer.
	ErrUnknownSession = errors.New("engine: unknown olm session")

	// ErrMalformedPlaintext means a decryption succeeded but the
	// plaintext is not a valid JSON payload.
	ErrMalformedPlaintext = errors.New("engine: decrypted payload is not valid JSON")

	// ErrEncryptionDisabled means the target room or device has no
	// configured encryption algorithm.
	ErrEncryptionDisabled = errors.New("engine: encryption not enabled")
)

// RoomMismatchError is returned when an inbound group session exists
// but was bound to a different room, which would let a homeserver
// reroute events between rooms.
type RoomMismatchError struct {
	Expected string
	Got      string
}

func (e *RoomMismatchError) Error() string {
	return fmt.Sprintf("engine: inbound group session belongs to room %s, not %s", e.Expected, e.Got)
}

// DuplicateMessageIndexError is returned when a (sender key, session
// id, message index) triple is decrypted twice within one timeline.
type DuplicateMessageIndexError struct {
	Index uint32
}

func (e *DuplicateMessageIndexError) Error() string {
	return fmt.Sprintf("engine: duplicate message index %d in timeline", e.Index)
}

// DecryptionError wraps a primitive decrypt failure.
type DecryptionError struct {
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("engine: decryption failed: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// SessionInitError wraps a pairwise session setup failure. The caller
// may retry with a different one-time key.
type SessionInitError struct {
	Err error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("engine: session setup failed: %v", e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// DeviceIdentityChangedError is the alarm raised when a known device id
// reappears with different identity keys. The original record is kept.
type DeviceIdentityChangedError struct {
	UserID   string
	DeviceID string
}

func (e *DeviceIdentityChangedError) Error() string {
	return fmt.Sprintf("engine: device %s/%s advertises changed identity keys", e.UserID, e.DeviceID)
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
