package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// InboundGroupSessionRecord is the stored form of an inbound group
// session: the pickled ratchet plus the metadata bound at install time.
type InboundGroupSessionRecord struct {
	SenderKey        string
	SessionID        string
	Pickle           []byte
	RoomID           string
	KeysClaimed      map[string]string
	ForwardingChains []string
}

// StoreInboundGroupSession upserts an inbound group session keyed by
// (sender key, session id).
func (s *Store) StoreInboundGroupSession(rec *InboundGroupSessionRecord) error {
	keysClaimed, err := json.Marshal(rec.KeysClaimed)
	if err != nil {
		return fmt.Errorf("store: marshal keys claimed: %w", err)
	}
	chains := rec.ForwardingChains
	if chains == nil {
		chains = []string{}
	}
	forwardingChains, err := json.Marshal(chains)
	if err != nil {
		return fmt.Errorf("store: marshal forwarding chains: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO inbound_group_session
		 (sender_key, session_id, pickle, room_id, keys_claimed, forwarding_chains)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SenderKey, rec.SessionID, rec.Pickle, rec.RoomID, keysClaimed, forwardingChains,
	)
	if err != nil {
		return fmt.Errorf("store: store inbound group session: %w", err)
	}
	return nil
}

// GetInboundGroupSession loads an inbound group session record.
// Returns nil, nil if absent.
func (s *Store) GetInboundGroupSession(senderKey, sessionID string) (*InboundGroupSessionRecord, error) {
	rec := &InboundGroupSessionRecord{SenderKey: senderKey, SessionID: sessionID}
	var keysClaimed, forwardingChains []byte
	err := s.db.QueryRow(
		`SELECT pickle, room_id, keys_claimed, forwarding_chains
		 FROM inbound_group_session WHERE sender_key = ? AND session_id = ?`,
		senderKey, sessionID,
	).Scan(&rec.Pickle, &rec.RoomID, &keysClaimed, &forwardingChains)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load inbound group session: %w", err)
	}
	if err := json.Unmarshal(keysClaimed, &rec.KeysClaimed); err != nil {
		return nil, fmt.Errorf("store: unmarshal keys claimed: %w", err)
	}
	if err := json.Unmarshal(forwardingChains, &rec.ForwardingChains); err != nil {
		return nil, fmt.Errorf("store: unmarshal forwarding chains: %w", err)
	}
	return rec, nil
}

// RemoveInboundGroupSession deletes an inbound group session.
func (s *Store) RemoveInboundGroupSession(senderKey, sessionID string) error {
	_, err := s.db.Exec(
		"DELETE FROM inbound_group_session WHERE sender_key = ? AND session_id = ?",
		senderKey, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: remove inbound group session: %w", err)
	}
	return nil
}
