package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	matrix "github.com/svanholm/matrix-go"
)

type selftestCommand struct {
	Message string `short:"m" long:"message" default:"selftest" description:"Message to round-trip"`
}

// Execute spins up two throwaway devices in a temp directory, shares a
// room key from one to the other and verifies a message round-trips.
func (cmd *selftestCommand) Execute(args []string) error {
	dir, err := os.MkdirTemp("", "mxcrypt-selftest")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	alice, err := matrix.NewMachine("@alice:selftest", matrix.WithDBPath(filepath.Join(dir, "alice.db")))
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := matrix.NewMachine("@bob:selftest", matrix.WithDBPath(filepath.Join(dir, "bob.db")))
	if err != nil {
		return err
	}
	defer bob.Close()

	fmt.Printf("=== Self-Test ===\n")
	aliceCurve, aliceEd := alice.IdentityKeys()
	fmt.Printf("Alice device %s curve25519 %s\n", alice.DeviceID(), aliceCurve)
	bobCurve, _ := bob.IdentityKeys()
	fmt.Printf("Bob   device %s curve25519 %s\n", bob.DeviceID(), bobCurve)

	// Exchange directory records.
	if err := crossRegister(alice, bob); err != nil {
		return err
	}
	if err := crossRegister(bob, alice); err != nil {
		return err
	}

	// Claim a one-time key and open the pairwise channel.
	if err := bob.OlmDevice().GenerateOneTimeKeys(1); err != nil {
		return err
	}
	var otk string
	for _, v := range bob.OlmDevice().OneTimeKeys() {
		otk = v
	}
	if err := bob.OlmDevice().MarkKeysAsPublished(); err != nil {
		return err
	}
	if _, err := alice.EstablishOutboundSession(bobCurve, otk); err != nil {
		return err
	}

	roomID := "!" + uuid.NewString() + ":selftest"
	if err := alice.SetRoomEncryption(roomID, matrix.AlgorithmMegolmV1); err != nil {
		return err
	}

	// Share the room key over the pairwise channel.
	shared, skipped, err := alice.ShareRoomKey(roomID, []*matrix.Device{deviceRecord(bob)})
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		return fmt.Errorf("room key share skipped %d devices", len(skipped))
	}
	raw, err := json.Marshal(shared[bob.UserID()+"/"+bob.DeviceID()])
	if err != nil {
		return err
	}
	dec, err := bob.DecryptToDeviceEvent(&matrix.ToDeviceEvent{
		Type:    matrix.EventTypeEncrypted,
		Sender:  alice.UserID(),
		Content: raw,
	})
	if err != nil {
		return fmt.Errorf("bob failed to unwrap room key: %w", err)
	}
	if err := bob.HandleToDevice(dec); err != nil {
		return fmt.Errorf("bob failed to install room key: %w", err)
	}

	// Encrypt, deliver, decrypt.
	content, _, err := alice.EncryptRoomEvent(roomID, "m.room.message", map[string]string{
		"msgtype": "m.text",
		"body":    cmd.Message,
	})
	if err != nil {
		return err
	}
	rawEvent, err := json.Marshal(content)
	if err != nil {
		return err
	}
	plain, err := bob.DecryptRoomEvent(&matrix.RoomEvent{
		Type:    matrix.EventTypeEncrypted,
		RoomID:  roomID,
		Sender:  alice.UserID(),
		Content: rawEvent,
	}, "selftest-timeline")
	if err != nil {
		return fmt.Errorf("bob failed to decrypt: %w", err)
	}

	var body struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(plain.Content, &body); err != nil {
		return err
	}
	if body.Body != cmd.Message {
		return fmt.Errorf("round trip mismatch: got %q, want %q", body.Body, cmd.Message)
	}
	if plain.KeysProved["curve25519"] != aliceCurve || plain.KeysClaimed["ed25519"] != aliceEd {
		return fmt.Errorf("sender key attribution mismatch")
	}

	fmt.Printf("PASS: %q round-tripped with verified sender keys\n", cmd.Message)
	return nil
}

// crossRegister installs other's self-signed record into m's directory.
func crossRegister(m, other *matrix.Machine) error {
	keys, err := other.DeviceKeys()
	if err != nil {
		return err
	}
	rec := deviceRecord(other)
	rec.Signatures = keys["signatures"].(map[string]map[string]string)
	return m.Directory().UpsertUserDevices(other.UserID(), []*matrix.Device{rec})
}

func deviceRecord(m *matrix.Machine) *matrix.Device {
	curve, ed := m.IdentityKeys()
	keys, _ := m.DeviceKeys()
	sigs, _ := keys["signatures"].(map[string]map[string]string)
	return &matrix.Device{
		UserID:        m.UserID(),
		DeviceID:      m.DeviceID(),
		Curve25519Key: curve,
		Ed25519Key:    ed,
		Algorithms:    []string{matrix.AlgorithmOlmV1, matrix.AlgorithmMegolmV1},
		Signatures:    sigs,
	}
}
