package engine

import (
	"errors"
	"testing"

	"github.com/svanholm/matrix-go/internal/store"
)

// signedDevice builds a correctly self-signed directory record for the
// given engine, the way a real device advertises itself.
func signedDevice(t *testing.T, d *OlmDevice, userID, deviceID string) *store.Device {
	t.Helper()
	dev := &store.Device{
		UserID:        userID,
		DeviceID:      deviceID,
		Curve25519Key: d.Curve25519Key(),
		Ed25519Key:    d.Ed25519Key(),
		Algorithms:    []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
	}
	sig, err := d.SignJSON(signableDeviceKeys(dev))
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	dev.Signatures = map[string]map[string]string{
		userID: {"ed25519:" + deviceID: sig},
	}
	return dev
}

func newTestDirectory(t *testing.T) (*DeviceDirectory, *OlmDevice) {
	t.Helper()
	local, st := newTestDevice(t)
	return NewDeviceDirectory(local, st, nil), local
}

func TestUpsertValidDevice(t *testing.T) {
	dir, _ := newTestDirectory(t)
	remote, _ := newTestDevice(t)
	dev := signedDevice(t, remote, "@bob:example.org", "BOBDEVICE")

	if err := dir.UpsertUserDevices("@bob:example.org", []*store.Device{dev}); err != nil {
		t.Fatalf("UpsertUserDevices: %v", err)
	}

	got, err := dir.GetDevice("@bob:example.org", "BOBDEVICE")
	if err != nil || got == nil {
		t.Fatalf("GetDevice: %+v, %v", got, err)
	}
	if got.Verification != store.VerificationUnknown {
		t.Fatalf("verification %v, want unknown on first sight", got.Verification)
	}
	if got.Curve25519Key != remote.Curve25519Key() {
		t.Fatal("stored wrong identity key")
	}

	byKey, err := dir.GetDeviceByIdentityKey(remote.Curve25519Key())
	if err != nil || byKey == nil || byKey.DeviceID != "BOBDEVICE" {
		t.Fatalf("GetDeviceByIdentityKey: %+v, %v", byKey, err)
	}

	outdated, err := dir.TrackingOutdated("@bob:example.org")
	if err != nil || outdated {
		t.Fatalf("tracking should be fresh after upsert: %v, %v", outdated, err)
	}
}

func TestUpsertDropsUnsignedAndBadSignature(t *testing.T) {
	dir, _ := newTestDirectory(t)
	remote, _ := newTestDevice(t)

	unsigned := signedDevice(t, remote, "@bob:example.org", "UNSIGNED")
	unsigned.Signatures = nil

	tampered := signedDevice(t, remote, "@bob:example.org", "TAMPERED")
	tampered.Curve25519Key = "changed-after-signing"

	valid := signedDevice(t, remote, "@bob:example.org", "VALID")

	err := dir.UpsertUserDevices("@bob:example.org", []*store.Device{unsigned, tampered, valid})
	if err == nil {
		t.Fatal("expected an error for the dropped records")
	}

	if got, _ := dir.GetDevice("@bob:example.org", "UNSIGNED"); got != nil {
		t.Fatal("unsigned record was stored")
	}
	if got, _ := dir.GetDevice("@bob:example.org", "TAMPERED"); got != nil {
		t.Fatal("tampered record was stored")
	}
	if got, _ := dir.GetDevice("@bob:example.org", "VALID"); got == nil {
		t.Fatal("valid record was dropped along with the bad ones")
	}
}

func TestDeviceIdentityChangeAlarm(t *testing.T) {
	dir, _ := newTestDirectory(t)
	remote, _ := newTestDevice(t)
	original := signedDevice(t, remote, "@bob:example.org", "BOBDEVICE")
	if err := dir.UpsertUserDevices("@bob:example.org", []*store.Device{original}); err != nil {
		t.Fatalf("UpsertUserDevices: %v", err)
	}

	// The same device id reappears with a different identity: alarm,
	// and the original record stays.
	imposter, _ := newTestDevice(t)
	replacement := signedDevice(t, imposter, "@bob:example.org", "BOBDEVICE")

	err := dir.UpsertUserDevices("@bob:example.org", []*store.Device{replacement})
	var changed *DeviceIdentityChangedError
	if !errors.As(err, &changed) {
		t.Fatalf("err %v, want DeviceIdentityChangedError", err)
	}
	if !IsIdentityChanged(err) {
		t.Fatal("IsIdentityChanged should report true")
	}

	got, err := dir.GetDevice("@bob:example.org", "BOBDEVICE")
	if err != nil || got == nil {
		t.Fatalf("GetDevice: %+v, %v", got, err)
	}
	if got.Curve25519Key != remote.Curve25519Key() {
		t.Fatal("original record was replaced")
	}
}

func TestVerificationTransitions(t *testing.T) {
	dir, _ := newTestDirectory(t)
	remote, _ := newTestDevice(t)
	dev := signedDevice(t, remote, "@bob:example.org", "BOBDEVICE")
	if err := dir.UpsertUserDevices("@bob:example.org", []*store.Device{dev}); err != nil {
		t.Fatalf("UpsertUserDevices: %v", err)
	}

	for _, state := range []store.VerificationState{
		store.VerificationUnverified,
		store.VerificationVerified,
		store.VerificationBlocked,
	} {
		if err := dir.SetVerification("@bob:example.org", "BOBDEVICE", state); err != nil {
			t.Fatalf("SetVerification(%v): %v", state, err)
		}
		got, err := dir.GetDevice("@bob:example.org", "BOBDEVICE")
		if err != nil || got.Verification != state {
			t.Fatalf("verification %v, want %v (%v)", got.Verification, state, err)
		}
	}

	// A refresh does not reset the verification state.
	if err := dir.UpsertUserDevices("@bob:example.org", []*store.Device{signedDevice(t, remote, "@bob:example.org", "BOBDEVICE")}); err != nil {
		t.Fatalf("UpsertUserDevices refresh: %v", err)
	}
	got, err := dir.GetDevice("@bob:example.org", "BOBDEVICE")
	if err != nil || got.Verification != store.VerificationBlocked {
		t.Fatalf("verification %v after refresh, want blocked", got.Verification)
	}
}

func TestTrackingLifecycle(t *testing.T) {
	dir, _ := newTestDirectory(t)
	outdated, err := dir.TrackingOutdated("@carol:example.org")
	if err != nil || !outdated {
		t.Fatalf("unseen user: %v, %v", outdated, err)
	}

	remote, _ := newTestDevice(t)
	dev := signedDevice(t, remote, "@carol:example.org", "CARLDEV")
	if err := dir.UpsertUserDevices("@carol:example.org", []*store.Device{dev}); err != nil {
		t.Fatalf("UpsertUserDevices: %v", err)
	}
	if outdated, _ = dir.TrackingOutdated("@carol:example.org"); outdated {
		t.Fatal("tracking should be fresh after upsert")
	}

	if err := dir.MarkTrackingOutdated("@carol:example.org"); err != nil {
		t.Fatalf("MarkTrackingOutdated: %v", err)
	}
	if outdated, _ = dir.TrackingOutdated("@carol:example.org"); !outdated {
		t.Fatal("tracking should be outdated after a device-list change")
	}
}
