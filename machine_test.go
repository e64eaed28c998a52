package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/svanholm/matrix-go/internal/engine"
)

const testRoom = "!test:example.org"

func newTestMachine(t *testing.T, userID string) *Machine {
	t.Helper()
	m, err := NewMachine(userID, WithDBPath(filepath.Join(t.TempDir(), "crypto.db")))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// deviceRecordOf builds the directory record a machine would advertise
// about itself, self-signed.
func deviceRecordOf(t *testing.T, m *Machine) *Device {
	t.Helper()
	keys, err := m.DeviceKeys()
	if err != nil {
		t.Fatalf("DeviceKeys: %v", err)
	}
	curve, ed := m.IdentityKeys()
	return &Device{
		UserID:        m.UserID(),
		DeviceID:      m.DeviceID(),
		Curve25519Key: curve,
		Ed25519Key:    ed,
		Algorithms:    []string{AlgorithmOlmV1, AlgorithmMegolmV1},
		Signatures:    keys["signatures"].(map[string]map[string]string),
	}
}

// introduce registers each machine's device in the other's directory.
func introduce(t *testing.T, a, b *Machine) {
	t.Helper()
	if err := a.Directory().UpsertUserDevices(b.UserID(), []*Device{deviceRecordOf(t, b)}); err != nil {
		t.Fatalf("upsert %s into %s: %v", b.UserID(), a.UserID(), err)
	}
	if err := b.Directory().UpsertUserDevices(a.UserID(), []*Device{deviceRecordOf(t, a)}); err != nil {
		t.Fatalf("upsert %s into %s: %v", a.UserID(), b.UserID(), err)
	}
}

// connectOlm claims a one-time key from `to` and establishes a pairwise
// session from `from`, the way a key-claim round trip would.
func connectOlm(t *testing.T, from, to *Machine) {
	t.Helper()
	if err := to.OlmDevice().GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	var otk string
	for _, v := range to.OlmDevice().OneTimeKeys() {
		otk = v
	}
	if err := to.OlmDevice().MarkKeysAsPublished(); err != nil {
		t.Fatalf("MarkKeysAsPublished: %v", err)
	}
	toCurve, _ := to.IdentityKeys()
	if _, err := from.EstablishOutboundSession(toCurve, otk); err != nil {
		t.Fatalf("EstablishOutboundSession: %v", err)
	}
}

// shareRoomKeyWith runs the full sharing pipeline: sender wraps the
// room key for the recipient's device, recipient decrypts the olm
// envelope and installs the session.
func shareRoomKeyWith(t *testing.T, from, to *Machine, roomID string) {
	t.Helper()
	shared, skipped, err := from.ShareRoomKey(roomID, []*Device{deviceRecordOf(t, to)})
	if err != nil {
		t.Fatalf("ShareRoomKey: %v", err)
	}
	if len(skipped) != 0 {
		t.Fatalf("ShareRoomKey skipped %d devices", len(skipped))
	}
	content, ok := shared[to.UserID()+"/"+to.DeviceID()]
	if !ok {
		t.Fatalf("no share for %s/%s", to.UserID(), to.DeviceID())
	}

	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal olm content: %v", err)
	}
	dec, err := to.DecryptToDeviceEvent(&ToDeviceEvent{
		Type:    EventTypeEncrypted,
		Sender:  from.UserID(),
		Content: raw,
	})
	if err != nil {
		t.Fatalf("DecryptToDeviceEvent: %v", err)
	}
	if dec.Type != EventTypeRoomKey {
		t.Fatalf("inner event type %q, want %q", dec.Type, EventTypeRoomKey)
	}
	if err := to.HandleToDevice(dec); err != nil {
		t.Fatalf("HandleToDevice: %v", err)
	}
}

// encryptRoomMessage encrypts a plain text message event and returns
// the room event a recipient would see.
func encryptRoomMessage(t *testing.T, from *Machine, roomID, body string) *RoomEvent {
	t.Helper()
	content, _, err := from.EncryptRoomEvent(roomID, "m.room.message", map[string]string{
		"msgtype": "m.text",
		"body":    body,
	})
	if err != nil {
		t.Fatalf("EncryptRoomEvent: %v", err)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal megolm content: %v", err)
	}
	return &RoomEvent{
		Type:    EventTypeEncrypted,
		RoomID:  roomID,
		Sender:  from.UserID(),
		Content: raw,
	}
}

func messageBody(t *testing.T, dec *DecryptedEvent) string {
	t.Helper()
	var content struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(dec.Content, &content); err != nil {
		t.Fatalf("unmarshal decrypted content: %v", err)
	}
	return content.Body
}

// setupAliceBob wires up two machines ready to exchange in testRoom.
func setupAliceBob(t *testing.T) (alice, bob *Machine) {
	t.Helper()
	alice = newTestMachine(t, "@alice:example.org")
	bob = newTestMachine(t, "@bob:example.org")
	introduce(t, alice, bob)
	connectOlm(t, alice, bob)
	if err := alice.SetRoomEncryption(testRoom, AlgorithmMegolmV1); err != nil {
		t.Fatalf("SetRoomEncryption: %v", err)
	}
	return alice, bob
}

func TestIdentityRestoredAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crypto.db")
	m, err := NewMachine("@alice:example.org", WithDBPath(dbPath))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	curve, ed := m.IdentityKeys()
	deviceID := m.DeviceID()
	m.Close()

	m2, err := NewMachine("@alice:example.org", WithDBPath(dbPath))
	if err != nil {
		t.Fatalf("NewMachine after restart: %v", err)
	}
	defer m2.Close()
	curve2, ed2 := m2.IdentityKeys()
	if curve != curve2 || ed != ed2 || m2.DeviceID() != deviceID {
		t.Fatal("identity changed across restart")
	}
}

// S1: first-ever message from Alice to Bob.
func TestScenarioFirstMessage(t *testing.T) {
	alice, bob := setupAliceBob(t)
	shareRoomKeyWith(t, alice, bob, testRoom)

	ev := encryptRoomMessage(t, alice, testRoom, "Hello I'm Alice!")
	dec, err := bob.DecryptRoomEvent(ev, "timeline-1")
	if err != nil {
		t.Fatalf("DecryptRoomEvent: %v", err)
	}
	if got := messageBody(t, dec); got != "Hello I'm Alice!" {
		t.Fatalf("body %q", got)
	}

	aliceCurve, aliceEd := alice.IdentityKeys()
	if dec.KeysProved["curve25519"] != aliceCurve {
		t.Fatalf("keys proved %v", dec.KeysProved)
	}
	if dec.KeysClaimed["ed25519"] != aliceEd {
		t.Fatalf("keys claimed %v", dec.KeysClaimed)
	}
}

// S2: replaying the identical ciphertext in the same timeline is
// rejected; without a timeline it succeeds.
func TestScenarioReplay(t *testing.T) {
	alice, bob := setupAliceBob(t)
	shareRoomKeyWith(t, alice, bob, testRoom)
	ev := encryptRoomMessage(t, alice, testRoom, "Hello I'm Alice!")

	if _, err := bob.DecryptRoomEvent(ev, "timeline-1"); err != nil {
		t.Fatalf("first decrypt: %v", err)
	}

	_, err := bob.DecryptRoomEvent(ev, "timeline-1")
	var dup *engine.DuplicateMessageIndexError
	if !errors.As(err, &dup) {
		t.Fatalf("err %v, want DuplicateMessageIndexError", err)
	}
	if dup.Index != 0 {
		t.Fatalf("duplicate index %d, want 0", dup.Index)
	}

	if _, err := bob.DecryptRoomEvent(ev, ""); err != nil {
		t.Fatalf("decrypt without timeline: %v", err)
	}

	// A rebuilt timeline legitimately decrypts again.
	bob.ResetReplayTracking("timeline-1")
	if _, err := bob.DecryptRoomEvent(ev, "timeline-1"); err != nil {
		t.Fatalf("decrypt after reset: %v", err)
	}
}

// S3: Bob re-logs-in on a fresh device; old ciphertexts are
// undecryptable until Alice rotates and re-shares.
func TestScenarioNewDevice(t *testing.T) {
	alice, bob := setupAliceBob(t)
	shareRoomKeyWith(t, alice, bob, testRoom)
	oldEvent := encryptRoomMessage(t, alice, testRoom, "Hello I'm Alice!")
	if _, err := bob.DecryptRoomEvent(oldEvent, "timeline-1"); err != nil {
		t.Fatalf("old device decrypt: %v", err)
	}

	// Bob's new login: a fresh store, fresh keys, fresh device id.
	newBob := newTestMachine(t, "@bob:example.org")
	if newBob.DeviceID() == bob.DeviceID() {
		t.Fatal("new login should have a new device id")
	}
	introduce(t, alice, newBob)
	connectOlm(t, alice, newBob)

	if _, err := newBob.DecryptRoomEvent(oldEvent, "timeline-1"); !errors.Is(err, ErrUnknownInboundSessionID) {
		t.Fatalf("err %v, want ErrUnknownInboundSessionID on new device", err)
	}

	alice.RotateRoomSession(testRoom)
	shareRoomKeyWith(t, alice, newBob, testRoom)
	newEvent := encryptRoomMessage(t, alice, testRoom, "Hello I'm still Alice!")
	dec, err := newBob.DecryptRoomEvent(newEvent, "timeline-1")
	if err != nil {
		t.Fatalf("DecryptRoomEvent after re-share: %v", err)
	}
	if got := messageBody(t, dec); got != "Hello I'm still Alice!" {
		t.Fatalf("body %q", got)
	}
}

// S4: a replayed room key with the ratchet exported at a later index
// must not overwrite the installed session.
func TestScenarioRoomKeyReplayIgnored(t *testing.T) {
	alice, bob := setupAliceBob(t)
	shareRoomKeyWith(t, alice, bob, testRoom)
	m1 := encryptRoomMessage(t, alice, testRoom, "M1")

	// The attacker re-sends the room key, now exported at index 1.
	lateKey, err := alice.RoomKeyForSharing(testRoom)
	if err != nil {
		t.Fatalf("RoomKeyForSharing: %v", err)
	}
	raw, err := json.Marshal(lateKey)
	if err != nil {
		t.Fatalf("marshal room key: %v", err)
	}
	aliceCurve, aliceEd := alice.IdentityKeys()
	if err := bob.HandleToDevice(&DecryptedOlmEvent{
		Type:        EventTypeRoomKey,
		Sender:      alice.UserID(),
		Content:     raw,
		SenderKey:   aliceCurve,
		KeysClaimed: map[string]string{"ed25519": aliceEd},
	}); err != nil {
		t.Fatalf("HandleToDevice: %v", err)
	}

	// The original state survived: M1 still decrypts.
	dec, err := bob.DecryptRoomEvent(m1, "timeline-1")
	if err != nil {
		t.Fatalf("DecryptRoomEvent: %v", err)
	}
	if got := messageBody(t, dec); got != "M1" {
		t.Fatalf("body %q", got)
	}
}

// S5: blocking a device keeps it out of key shares; unblocking restores
// delivery.
func TestScenarioBlockedDevice(t *testing.T) {
	alice, bob := setupAliceBob(t)
	carol := newTestMachine(t, "@carol:example.org")
	introduce(t, alice, carol)
	connectOlm(t, alice, carol)

	shareRoomKeyWith(t, alice, bob, testRoom)
	shareRoomKeyWith(t, alice, carol, testRoom)
	m1 := encryptRoomMessage(t, alice, testRoom, "M1")
	if _, err := bob.DecryptRoomEvent(m1, "t"); err != nil {
		t.Fatalf("bob decrypt M1: %v", err)
	}

	// Alice blocks Bob's device and rotates so he cannot follow along.
	if err := alice.Directory().SetVerification(bob.UserID(), bob.DeviceID(), VerificationBlocked); err != nil {
		t.Fatalf("SetVerification: %v", err)
	}
	alice.RotateRoomSession(testRoom)

	shared, _, err := alice.ShareRoomKey(testRoom, []*Device{deviceRecordOf(t, bob), deviceRecordOf(t, carol)})
	if err != nil {
		t.Fatalf("ShareRoomKey: %v", err)
	}
	if _, ok := shared[bob.UserID()+"/"+bob.DeviceID()]; ok {
		t.Fatal("room key was shared with a blocked device")
	}
	carolShare, ok := shared[carol.UserID()+"/"+carol.DeviceID()]
	if !ok {
		t.Fatal("room key missing for carol")
	}
	rawShare, _ := json.Marshal(carolShare)
	dec, err := carol.DecryptToDeviceEvent(&ToDeviceEvent{Type: EventTypeEncrypted, Sender: alice.UserID(), Content: rawShare})
	if err != nil {
		t.Fatalf("carol DecryptToDeviceEvent: %v", err)
	}
	if err := carol.HandleToDevice(dec); err != nil {
		t.Fatalf("carol HandleToDevice: %v", err)
	}

	m2 := encryptRoomMessage(t, alice, testRoom, "M2")
	if _, err := carol.DecryptRoomEvent(m2, "t"); err != nil {
		t.Fatalf("carol decrypt M2: %v", err)
	}
	if _, err := bob.DecryptRoomEvent(m2, "t"); !errors.Is(err, ErrUnknownInboundSessionID) {
		t.Fatalf("bob decrypt M2: %v, want ErrUnknownInboundSessionID", err)
	}

	// Unblock: Bob receives the session and reads M3.
	if err := alice.Directory().SetVerification(bob.UserID(), bob.DeviceID(), VerificationUnverified); err != nil {
		t.Fatalf("SetVerification: %v", err)
	}
	shareRoomKeyWith(t, alice, bob, testRoom)
	m3 := encryptRoomMessage(t, alice, testRoom, "M3")
	dec2, err := bob.DecryptRoomEvent(m3, "t")
	if err != nil {
		t.Fatalf("bob decrypt M3: %v", err)
	}
	if got := messageBody(t, dec2); got != "M3" {
		t.Fatalf("body %q", got)
	}
}

// S6: back-pagination decrypts five events in reverse chronological
// order.
func TestScenarioBackPagination(t *testing.T) {
	alice, bob := setupAliceBob(t)
	shareRoomKeyWith(t, alice, bob, testRoom)

	var events []*RoomEvent
	for i := 0; i < 5; i++ {
		events = append(events, encryptRoomMessage(t, alice, testRoom, fmt.Sprintf("message %d", i)))
	}

	for i := len(events) - 1; i >= 0; i-- {
		dec, err := bob.DecryptRoomEvent(events[i], "pagination-timeline")
		if err != nil {
			t.Fatalf("DecryptRoomEvent %d: %v", i, err)
		}
		if got, want := messageBody(t, dec), fmt.Sprintf("message %d", i); got != want {
			t.Fatalf("body %q, want %q", got, want)
		}
	}
}

// A room without encryption enabled refuses to encrypt.
func TestEncryptionDisabled(t *testing.T) {
	alice := newTestMachine(t, "@alice:example.org")
	if _, _, err := alice.EncryptRoomEvent("!plain:example.org", "m.room.message", map[string]string{"body": "x"}); !errors.Is(err, ErrEncryptionDisabled) {
		t.Fatalf("err %v, want ErrEncryptionDisabled", err)
	}
}

// A rerouted event carrying a room id the session is not bound to is
// rejected.
func TestRoomMismatchAtFacade(t *testing.T) {
	alice, bob := setupAliceBob(t)
	shareRoomKeyWith(t, alice, bob, testRoom)
	ev := encryptRoomMessage(t, alice, testRoom, "M1")
	ev.RoomID = "!other:example.org"

	_, err := bob.DecryptRoomEvent(ev, "t")
	var mismatch *engine.RoomMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err %v, want RoomMismatchError", err)
	}
}

// Key uploads are signed and verifiable by the advertised fingerprint.
func TestSignedKeyUploads(t *testing.T) {
	alice := newTestMachine(t, "@alice:example.org")
	_, aliceEd := alice.IdentityKeys()

	keys, err := alice.DeviceKeys()
	if err != nil {
		t.Fatalf("DeviceKeys: %v", err)
	}
	sig := keys["signatures"].(map[string]map[string]string)[alice.UserID()]["ed25519:"+alice.DeviceID()]
	if err := alice.OlmDevice().VerifySignature(aliceEd, keys, sig); err != nil {
		t.Fatalf("device keys signature: %v", err)
	}

	if err := alice.OlmDevice().GenerateOneTimeKeys(2); err != nil {
		t.Fatalf("GenerateOneTimeKeys: %v", err)
	}
	upload, err := alice.OneTimeKeysForUpload()
	if err != nil {
		t.Fatalf("OneTimeKeysForUpload: %v", err)
	}
	if len(upload) != 2 {
		t.Fatalf("upload size %d, want 2", len(upload))
	}
	for id, v := range upload {
		obj := v.(map[string]any)
		sig := obj["signatures"].(map[string]map[string]string)[alice.UserID()]["ed25519:"+alice.DeviceID()]
		if err := alice.OlmDevice().VerifySignature(aliceEd, obj, sig); err != nil {
			t.Fatalf("one-time key %s signature: %v", id, err)
		}
	}
}
