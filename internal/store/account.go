package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	accountKeyPickle   = "pickle"
	accountKeyDeviceID = "device_id"
)

func (s *Store) getAccountValue(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM account WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) setAccountValue(key string, value []byte) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: store account %s: %w", key, err)
	}
	return nil
}

// LoadAccountPickle returns the stored account pickle, or nil if the
// device has no account yet.
func (s *Store) LoadAccountPickle() ([]byte, error) {
	return s.getAccountValue(accountKeyPickle)
}

// StoreAccountPickle persists the account pickle. Last write wins; it is
// called after every account mutation.
func (s *Store) StoreAccountPickle(pickle []byte) error {
	return s.setAccountValue(accountKeyPickle, pickle)
}

// LoadDeviceID returns the stored device id, or "" if none is set.
func (s *Store) LoadDeviceID() (string, error) {
	value, err := s.getAccountValue(accountKeyDeviceID)
	return string(value), err
}

// StoreDeviceID persists the device id.
func (s *Store) StoreDeviceID(deviceID string) error {
	return s.setAccountValue(accountKeyDeviceID, []byte(deviceID))
}
