package engine

import (
	"errors"
	"fmt"
	"log"

	"github.com/svanholm/matrix-go/internal/store"
)

// DeviceDirectory validates and stores per-user device records. A
// record is only accepted when it carries a valid self-signature by its
// advertised ed25519 key; once a device id has been seen, its identity
// keys are immutable.
type DeviceDirectory struct {
	device *OlmDevice
	store  *store.Store
	logger *log.Logger
}

// NewDeviceDirectory creates a directory using the OlmDevice for
// signature verification.
func NewDeviceDirectory(device *OlmDevice, st *store.Store, logger *log.Logger) *DeviceDirectory {
	return &DeviceDirectory{device: device, store: st, logger: logger}
}

func (dir *DeviceDirectory) logf(format string, args ...any) {
	if dir.logger != nil {
		dir.logger.Printf(format, args...)
	}
}

// signableDeviceKeys builds the canonical device-keys object covered by
// the self-signature.
func signableDeviceKeys(d *store.Device) map[string]any {
	return map[string]any{
		"user_id":    d.UserID,
		"device_id":  d.DeviceID,
		"algorithms": d.Algorithms,
		"keys": map[string]string{
			"curve25519:" + d.DeviceID: d.Curve25519Key,
			"ed25519:" + d.DeviceID:    d.Ed25519Key,
		},
	}
}

// UpsertUserDevices validates and stores a batch of device records for
// one user. Invalid records are dropped; the first error per batch is
// returned after all valid records have been stored, so one bad device
// does not block the rest. A known device id advertising different
// identity keys raises DeviceIdentityChangedError and keeps the
// original record.
func (dir *DeviceDirectory) UpsertUserDevices(userID string, devices []*store.Device) error {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, d := range devices {
		if d.UserID != userID {
			keep(fmt.Errorf("engine: device %s claims user %s in a batch for %s", d.DeviceID, d.UserID, userID))
			continue
		}
		sig := d.Signatures[userID]["ed25519:"+d.DeviceID]
		if sig == "" {
			keep(fmt.Errorf("engine: device %s/%s has no self-signature", userID, d.DeviceID))
			continue
		}
		if err := dir.device.VerifySignature(d.Ed25519Key, signableDeviceKeys(d), sig); err != nil {
			dir.logf("dropping device %s/%s: bad self-signature", userID, d.DeviceID)
			keep(fmt.Errorf("engine: device %s/%s self-signature: %w", userID, d.DeviceID, err))
			continue
		}

		existing, err := dir.store.GetDevice(userID, d.DeviceID)
		if err != nil {
			keep(storeErr("load device", err))
			continue
		}
		if existing != nil {
			if existing.Curve25519Key != d.Curve25519Key || existing.Ed25519Key != d.Ed25519Key {
				dir.logf("ALARM: device %s/%s changed identity keys", userID, d.DeviceID)
				keep(&DeviceIdentityChangedError{UserID: userID, DeviceID: d.DeviceID})
				continue
			}
			// The record is immutable across refreshes; only the
			// display name may move.
			if existing.DisplayName == d.DisplayName {
				continue
			}
			existing.DisplayName = d.DisplayName
			if err := dir.store.PutDevice(existing); err != nil {
				keep(storeErr("store device", err))
			}
			continue
		}

		d.Verification = store.VerificationUnknown
		if err := dir.store.PutDevice(d); err != nil {
			keep(storeErr("store device", err))
			continue
		}
	}

	if err := dir.store.SetDeviceTrackingOutdated(userID, false); err != nil {
		keep(storeErr("store device tracking", err))
	}
	return firstErr
}

// GetDevice returns one device record, or nil if unknown.
func (dir *DeviceDirectory) GetDevice(userID, deviceID string) (*store.Device, error) {
	d, err := dir.store.GetDevice(userID, deviceID)
	return d, storeErr("load device", err)
}

// GetDeviceByIdentityKey finds the device advertising the given
// curve25519 key, or nil if unknown.
func (dir *DeviceDirectory) GetDeviceByIdentityKey(identityKey string) (*store.Device, error) {
	d, err := dir.store.GetDeviceByIdentityKey(identityKey)
	return d, storeErr("load device", err)
}

// ListUserDevices returns all known devices of a user.
func (dir *DeviceDirectory) ListUserDevices(userID string) ([]*store.Device, error) {
	ds, err := dir.store.ListDevices(userID)
	return ds, storeErr("list devices", err)
}

// SetVerification records a caller-driven verification transition.
func (dir *DeviceDirectory) SetVerification(userID, deviceID string, state store.VerificationState) error {
	return storeErr("set verification", dir.store.SetDeviceVerification(userID, deviceID, state))
}

// MarkTrackingOutdated flags a user's device list as needing a refresh,
// typically on a device-list change notice from the server.
func (dir *DeviceDirectory) MarkTrackingOutdated(userID string) error {
	return storeErr("store device tracking", dir.store.SetDeviceTrackingOutdated(userID, true))
}

// TrackingOutdated reports whether a user's device list needs a refresh
// before keys may be shared.
func (dir *DeviceDirectory) TrackingOutdated(userID string) (bool, error) {
	outdated, err := dir.store.DeviceTrackingOutdated(userID)
	return outdated, storeErr("load device tracking", err)
}

// IsIdentityChanged reports whether err is the identity-change alarm.
func IsIdentityChanged(err error) bool {
	var e *DeviceIdentityChangedError
	return errors.As(err, &e)
}
