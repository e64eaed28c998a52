package engine

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/svanholm/matrix-go/internal/canonicaljson"
	"github.com/svanholm/matrix-go/internal/olm"
	"github.com/svanholm/matrix-go/internal/store"
)

// OlmDevice owns the device account and mediates every pairwise
// operation. The account and its one-time key pool are guarded by a
// single mutex; each pairwise session has its own lock, so traffic to
// different peers ratchets in parallel.
type OlmDevice struct {
	store  *store.Store
	logger *log.Logger

	mu      sync.Mutex // guards account
	account *olm.Account

	curve25519Key string
	ed25519Key    string

	sessionLocks *lockMap
}

// NewOlmDevice loads the account from the store, creating and
// persisting a fresh one on first use, and caches the identity keys.
func NewOlmDevice(st *store.Store, logger *log.Logger) (*OlmDevice, error) {
	d := &OlmDevice{
		store:        st,
		logger:       logger,
		sessionLocks: newLockMap(),
	}

	pickle, err := st.LoadAccountPickle()
	if err != nil {
		return nil, storeErr("load account", err)
	}
	if pickle == nil {
		account, err := olm.NewAccount()
		if err != nil {
			return nil, err
		}
		d.account = account
		if err := d.persistAccount(); err != nil {
			return nil, err
		}
		d.logf("created new account")
	} else {
		account, err := olm.UnpickleAccount(pickle)
		if err != nil {
			return nil, err
		}
		d.account = account
	}

	d.curve25519Key, d.ed25519Key = d.account.IdentityKeys()
	return d, nil
}

func (d *OlmDevice) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// persistAccount writes the account pickle. Callers hold d.mu or are
// still single-threaded in the constructor.
func (d *OlmDevice) persistAccount() error {
	pickle, err := d.account.Pickle()
	if err != nil {
		return err
	}
	return storeErr("store account", d.store.StoreAccountPickle(pickle))
}

// Curve25519Key returns the device's long-lived identity key.
func (d *OlmDevice) Curve25519Key() string { return d.curve25519Key }

// Ed25519Key returns the device's long-lived fingerprint key.
func (d *OlmDevice) Ed25519Key() string { return d.ed25519Key }

// SignMessage signs an arbitrary byte string with the fingerprint key.
func (d *OlmDevice) SignMessage(message []byte) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.account.Sign(message)
}

// SignJSON signs the canonical JSON form of v, with the signatures and
// unsigned fields removed first.
func (d *OlmDevice) SignJSON(v any) (string, error) {
	canonical, err := canonicaljson.MarshalSignable(v)
	if err != nil {
		return "", err
	}
	return d.SignMessage(canonical), nil
}

// VerifySignature checks an ed25519 signature over the canonical JSON
// form of v.
func (d *OlmDevice) VerifySignature(ed25519Key string, v any, signature string) error {
	canonical, err := canonicaljson.MarshalSignable(v)
	if err != nil {
		return err
	}
	return olm.VerifySignature(ed25519Key, canonical, signature)
}

// SHA256 returns the base64 digest of the UTF-8 bytes of message.
func (d *OlmDevice) SHA256(message string) string {
	return olm.SHA256([]byte(message))
}

// OneTimeKeys returns the unpublished one-time keys, keyed by key id.
func (d *OlmDevice) OneTimeKeys() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.account.OneTimeKeys()
}

// MaxNumberOfOneTimeKeys reports the account's one-time key capacity.
func (d *OlmDevice) MaxNumberOfOneTimeKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.account.MaxNumberOfOneTimeKeys()
}

// GenerateOneTimeKeys adds n fresh one-time keys and persists the
// account.
func (d *OlmDevice) GenerateOneTimeKeys(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.account.GenOneTimeKeys(n); err != nil {
		return err
	}
	return d.persistAccount()
}

// MarkKeysAsPublished marks all one-time keys as published and persists
// the account.
func (d *OlmDevice) MarkKeysAsPublished() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.account.MarkKeysAsPublished()
	return d.persistAccount()
}

// CreateOutboundSession establishes a pairwise session to a remote
// device from its identity key and a claimed one-time key, persists it
// and returns the session id.
func (d *OlmDevice) CreateOutboundSession(theirIdentityKey, theirOneTimeKey string) (string, error) {
	d.mu.Lock()
	session, err := olm.NewOutboundSession(d.account, theirIdentityKey, theirOneTimeKey)
	d.mu.Unlock()
	if err != nil {
		return "", &SessionInitError{Err: err}
	}
	if err := d.persistSession(theirIdentityKey, session, false); err != nil {
		return "", err
	}
	return session.ID(), nil
}

// CreateInboundSession establishes a pairwise session from a received
// pre-key message and returns the decrypted payload with the new
// session id. The consumed one-time key is removed from the account and
// the account persisted before the session is, so a crash in between
// never republishes a consumed key.
func (d *OlmDevice) CreateInboundSession(theirIdentityKey string, messageType int, ciphertext string) (payload string, sessionID string, err error) {
	if messageType != olm.MessageTypePreKey {
		return "", "", &SessionInitError{Err: fmt.Errorf("message type %d is not a pre-key message", messageType)}
	}

	d.mu.Lock()
	session, err := olm.NewInboundSession(d.account, theirIdentityKey, ciphertext)
	if err != nil {
		d.mu.Unlock()
		return "", "", &SessionInitError{Err: err}
	}
	d.account.RemoveOneTimeKeysForSession(session)
	if err := d.persistAccount(); err != nil {
		d.mu.Unlock()
		return "", "", err
	}
	d.mu.Unlock()

	plaintext, err := session.Decrypt(messageType, ciphertext)
	if err != nil {
		return "", "", &SessionInitError{Err: err}
	}
	if err := d.persistSession(theirIdentityKey, session, true); err != nil {
		return "", "", err
	}
	d.logf("created inbound session %s with %s", session.ID(), theirIdentityKey)
	return string(plaintext), session.ID(), nil
}

// SessionIDs returns the known session ids for a peer.
func (d *OlmDevice) SessionIDs(theirIdentityKey string) ([]string, error) {
	sessions, err := d.store.GetOlmSessions(theirIdentityKey)
	if err != nil {
		return nil, storeErr("load sessions", err)
	}
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SessionID picks the session to use for a peer: the lexicographically
// smallest id. Both ends converge on the same choice without
// coordination. Returns "" when no session exists.
func (d *OlmDevice) SessionID(theirIdentityKey string) (string, error) {
	ids, err := d.SessionIDs(theirIdentityKey)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// EncryptMessage encrypts a payload on an existing pairwise session and
// persists the advanced ratchet.
func (d *OlmDevice) EncryptMessage(theirIdentityKey, sessionID, payload string) (messageType int, ciphertext string, err error) {
	err = d.withSession(theirIdentityKey, sessionID, false, func(session *olm.Session) error {
		var encErr error
		messageType, ciphertext, encErr = session.Encrypt([]byte(payload))
		return encErr
	})
	return messageType, ciphertext, err
}

// DecryptMessage decrypts a message on an existing pairwise session and
// persists the advanced ratchet, stamping the session as the most
// recent recipient.
func (d *OlmDevice) DecryptMessage(theirIdentityKey, sessionID string, messageType int, ciphertext string) (string, error) {
	var plaintext []byte
	err := d.withSession(theirIdentityKey, sessionID, true, func(session *olm.Session) error {
		pt, decErr := session.Decrypt(messageType, ciphertext)
		if decErr != nil {
			return &DecryptionError{Err: decErr}
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// MatchesSession reports whether a pre-key message belongs to the named
// session; used to deduplicate setup when two pre-key messages arrive.
func (d *OlmDevice) MatchesSession(theirIdentityKey, sessionID string, messageType int, ciphertext string) bool {
	if messageType != olm.MessageTypePreKey {
		return false
	}
	matches := false
	err := d.withSessionReadOnly(theirIdentityKey, sessionID, func(session *olm.Session) {
		matches = session.MatchesInbound(ciphertext)
	})
	if err != nil {
		return false
	}
	return matches
}

// DiscardSession removes a pairwise session so the next exchange
// establishes a fresh one; the recovery path for wedged sessions.
func (d *OlmDevice) DiscardSession(theirIdentityKey, sessionID string) error {
	lock := d.sessionLocks.get(theirIdentityKey + "|" + sessionID)
	lock.Lock()
	defer lock.Unlock()
	return storeErr("remove session", d.store.RemoveOlmSession(theirIdentityKey, sessionID))
}

func (d *OlmDevice) persistSession(theirIdentityKey string, session *olm.Session, lastReceived bool) error {
	pickle, err := session.Pickle()
	if err != nil {
		return err
	}
	return storeErr("store session", d.store.StoreOlmSession(theirIdentityKey, session.ID(), pickle, lastReceived))
}

// withSession loads a session under its lock, runs fn, and writes the
// mutated session back.
func (d *OlmDevice) withSession(theirIdentityKey, sessionID string, lastReceived bool, fn func(*olm.Session) error) error {
	lock := d.sessionLocks.get(theirIdentityKey + "|" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := d.loadSession(theirIdentityKey, sessionID)
	if err != nil {
		return err
	}
	if err := fn(session); err != nil {
		return err
	}
	return d.persistSession(theirIdentityKey, session, lastReceived)
}

func (d *OlmDevice) withSessionReadOnly(theirIdentityKey, sessionID string, fn func(*olm.Session)) error {
	lock := d.sessionLocks.get(theirIdentityKey + "|" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := d.loadSession(theirIdentityKey, sessionID)
	if err != nil {
		return err
	}
	fn(session)
	return nil
}

func (d *OlmDevice) loadSession(theirIdentityKey, sessionID string) (*olm.Session, error) {
	pickle, err := d.store.GetOlmSession(theirIdentityKey, sessionID)
	if err != nil {
		return nil, storeErr("load session", err)
	}
	if pickle == nil {
		return nil, ErrUnknownSession
	}
	return olm.UnpickleSession(pickle)
}
