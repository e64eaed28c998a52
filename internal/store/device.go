package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// VerificationState is the locally-decided trust level of a device. It
// never changes what encryption produces, only whether keys are shared
// to the device.
type VerificationState int

const (
	VerificationUnknown VerificationState = iota
	VerificationUnverified
	VerificationVerified
	VerificationBlocked
)

func (v VerificationState) String() string {
	switch v {
	case VerificationUnknown:
		return "unknown"
	case VerificationUnverified:
		return "unverified"
	case VerificationVerified:
		return "verified"
	case VerificationBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("VerificationState(%d)", int(v))
	}
}

// Device is one remote device's directory record.
type Device struct {
	UserID        string
	DeviceID      string
	Curve25519Key string
	Ed25519Key    string
	Algorithms    []string
	Signatures    map[string]map[string]string
	DisplayName   string
	Verification  VerificationState
}

// PutDevice upserts one device record.
func (s *Store) PutDevice(d *Device) error {
	algorithms, err := json.Marshal(d.Algorithms)
	if err != nil {
		return fmt.Errorf("store: marshal algorithms: %w", err)
	}
	signatures, err := json.Marshal(d.Signatures)
	if err != nil {
		return fmt.Errorf("store: marshal signatures: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO device
		 (user_id, device_id, curve25519_key, ed25519_key, algorithms, signatures, display_name, verification)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, d.DeviceID, d.Curve25519Key, d.Ed25519Key, algorithms, signatures, d.DisplayName, int(d.Verification),
	)
	if err != nil {
		return fmt.Errorf("store: put device: %w", err)
	}
	return nil
}

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	d := &Device{}
	var algorithms, signatures []byte
	var verification int
	err := row.Scan(&d.UserID, &d.DeviceID, &d.Curve25519Key, &d.Ed25519Key,
		&algorithms, &signatures, &d.DisplayName, &verification)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(algorithms, &d.Algorithms); err != nil {
		return nil, fmt.Errorf("store: unmarshal algorithms: %w", err)
	}
	if err := json.Unmarshal(signatures, &d.Signatures); err != nil {
		return nil, fmt.Errorf("store: unmarshal signatures: %w", err)
	}
	d.Verification = VerificationState(verification)
	return d, nil
}

const deviceColumns = "user_id, device_id, curve25519_key, ed25519_key, algorithms, signatures, display_name, verification"

// GetDevice loads one device record. Returns nil, nil if absent.
func (s *Store) GetDevice(userID, deviceID string) (*Device, error) {
	row := s.db.QueryRow(
		"SELECT "+deviceColumns+" FROM device WHERE user_id = ? AND device_id = ?",
		userID, deviceID,
	)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device: %w", err)
	}
	return d, nil
}

// GetDeviceByIdentityKey finds the device advertising the given
// Curve25519 identity key. Returns nil, nil if unknown.
func (s *Store) GetDeviceByIdentityKey(identityKey string) (*Device, error) {
	row := s.db.QueryRow(
		"SELECT "+deviceColumns+" FROM device WHERE curve25519_key = ? LIMIT 1",
		identityKey,
	)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device by identity key: %w", err)
	}
	return d, nil
}

// ListDevices returns all known devices of a user, ordered by device id.
func (s *Store) ListDevices(userID string) ([]*Device, error) {
	rows, err := s.db.Query(
		"SELECT "+deviceColumns+" FROM device WHERE user_id = ? ORDER BY device_id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// SetDeviceVerification updates the verification state of a device.
func (s *Store) SetDeviceVerification(userID, deviceID string, state VerificationState) error {
	res, err := s.db.Exec(
		"UPDATE device SET verification = ? WHERE user_id = ? AND device_id = ?",
		int(state), userID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: set device verification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: set device verification: unknown device %s/%s", userID, deviceID)
	}
	return nil
}

// SetDeviceTrackingOutdated flags whether a user's device list needs a
// refresh before keys are shared to them.
func (s *Store) SetDeviceTrackingOutdated(userID string, outdated bool) error {
	v := 0
	if outdated {
		v = 1
	}
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO device_tracking (user_id, outdated) VALUES (?, ?)",
		userID, v,
	)
	if err != nil {
		return fmt.Errorf("store: set device tracking: %w", err)
	}
	return nil
}

// DeviceTrackingOutdated reports whether a user's device list needs a
// refresh. Users never seen before are outdated.
func (s *Store) DeviceTrackingOutdated(userID string) (bool, error) {
	var outdated int
	err := s.db.QueryRow(
		"SELECT outdated FROM device_tracking WHERE user_id = ?", userID,
	).Scan(&outdated)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get device tracking: %w", err)
	}
	return outdated != 0, nil
}

// SetRoomAlgorithm records the encryption algorithm enabled in a room.
func (s *Store) SetRoomAlgorithm(roomID, algorithm string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO room_algorithm (room_id, algorithm) VALUES (?, ?)",
		roomID, algorithm,
	)
	if err != nil {
		return fmt.Errorf("store: set room algorithm: %w", err)
	}
	return nil
}

// GetRoomAlgorithm returns the algorithm enabled in a room, or "" if
// the room is not encrypted.
func (s *Store) GetRoomAlgorithm(roomID string) (string, error) {
	var algorithm string
	err := s.db.QueryRow(
		"SELECT algorithm FROM room_algorithm WHERE room_id = ?", roomID,
	).Scan(&algorithm)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get room algorithm: %w", err)
	}
	return algorithm, nil
}
