package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StoreOlmSession upserts a pairwise session pickle keyed by the peer's
// identity key and the session id. When lastReceived is set the session
// is stamped with the time a message last arrived on it. The stamp is
// only stored: nothing reads it back, and the engine's session chooser
// picks the smallest session id.
func (s *Store) StoreOlmSession(peerKey, sessionID string, pickle []byte, lastReceived bool) error {
	var err error
	if lastReceived {
		_, err = s.db.Exec(
			`INSERT INTO olm_session (peer_key, session_id, pickle, last_received) VALUES (?, ?, ?, ?)
			 ON CONFLICT(peer_key, session_id) DO UPDATE SET pickle = excluded.pickle, last_received = excluded.last_received`,
			peerKey, sessionID, pickle, time.Now().Unix(),
		)
	} else {
		_, err = s.db.Exec(
			`INSERT INTO olm_session (peer_key, session_id, pickle, last_received) VALUES (?, ?, ?, 0)
			 ON CONFLICT(peer_key, session_id) DO UPDATE SET pickle = excluded.pickle`,
			peerKey, sessionID, pickle,
		)
	}
	if err != nil {
		return fmt.Errorf("store: store olm session: %w", err)
	}
	return nil
}

// GetOlmSession loads one session pickle. Returns nil, nil if absent.
func (s *Store) GetOlmSession(peerKey, sessionID string) ([]byte, error) {
	var pickle []byte
	err := s.db.QueryRow(
		"SELECT pickle FROM olm_session WHERE peer_key = ? AND session_id = ?",
		peerKey, sessionID,
	).Scan(&pickle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load olm session: %w", err)
	}
	return pickle, nil
}

// GetOlmSessions loads all session pickles for a peer, keyed by session id.
func (s *Store) GetOlmSessions(peerKey string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		"SELECT session_id, pickle FROM olm_session WHERE peer_key = ?",
		peerKey,
	)
	if err != nil {
		return nil, fmt.Errorf("store: load olm sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string][]byte)
	for rows.Next() {
		var sessionID string
		var pickle []byte
		if err := rows.Scan(&sessionID, &pickle); err != nil {
			return nil, fmt.Errorf("store: scan olm session: %w", err)
		}
		sessions[sessionID] = pickle
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate olm sessions: %w", err)
	}
	return sessions, nil
}

// RemoveOlmSession deletes a session. The next encrypt attempt to that
// peer must establish a fresh one; used to recover wedged sessions.
func (s *Store) RemoveOlmSession(peerKey, sessionID string) error {
	_, err := s.db.Exec(
		"DELETE FROM olm_session WHERE peer_key = ? AND session_id = ?",
		peerKey, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: remove olm session: %w", err)
	}
	return nil
}
