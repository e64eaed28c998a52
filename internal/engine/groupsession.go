package engine

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/svanholm/matrix-go/internal/olm"
	"github.com/svanholm/matrix-go/internal/store"
)

// DecryptionResult is the outcome of a successful group decryption.
type DecryptionResult struct {
	// Payload is the decrypted event payload.
	Payload json.RawMessage
	// KeysClaimed are the keys the sender asserted when the session was
	// shared; nothing about the decryption proves them.
	KeysClaimed map[string]string
	// KeysProved holds the keys the decryption itself vouches for: the
	// curve25519 sender key that persuaded us to store the session.
	KeysProved map[string]string
}

// GroupSessionManager creates, shares and consumes group ratchet
// sessions. Outbound sessions live in memory only: the engine forgets
// them on restart, which forces a fresh session and a re-share instead
// of requiring a record of who already holds the old one.
type GroupSessionManager struct {
	store  *store.Store
	logger *log.Logger

	mu       sync.Mutex // guards outbound
	outbound map[string]*olm.OutboundGroupSession

	inboundLocks *lockMap
	replay       *replayIndex
}

// NewGroupSessionManager creates a manager over the given store.
func NewGroupSessionManager(st *store.Store, logger *log.Logger) *GroupSessionManager {
	return &GroupSessionManager{
		store:        st,
		logger:       logger,
		outbound:     make(map[string]*olm.OutboundGroupSession),
		inboundLocks: newLockMap(),
		replay:       newReplayIndex(),
	}
}

func (g *GroupSessionManager) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// CreateOutboundGroupSession creates a group session and caches it by
// session id.
func (g *GroupSessionManager) CreateOutboundGroupSession() (string, error) {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.outbound[session.ID()] = session
	g.mu.Unlock()
	return session.ID(), nil
}

// DiscardOutboundGroupSession drops an outbound session from the cache.
// Rotation is exactly this: the next encrypt needs a new session, and a
// new session means a new share.
func (g *GroupSessionManager) DiscardOutboundGroupSession(sessionID string) {
	g.mu.Lock()
	delete(g.outbound, sessionID)
	g.mu.Unlock()
}

// SessionKey exports the current ratchet state of an outbound session
// for sharing.
func (g *GroupSessionManager) SessionKey(sessionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.outbound[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	return session.Key(), nil
}

// MessageIndex reports the index the next group message will use.
func (g *GroupSessionManager) MessageIndex(sessionID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.outbound[sessionID]
	if !ok {
		return 0, ErrUnknownSession
	}
	return session.MessageIndex(), nil
}

// EncryptGroupMessage encrypts a payload with an outbound session,
// advancing the ratchet.
func (g *GroupSessionManager) EncryptGroupMessage(sessionID, payload string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	session, ok := g.outbound[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	return session.Encrypt([]byte(payload))
}

// AddInboundGroupSession imports a shared session key and binds it to
// the room and sender. Returns false without touching the store when a
// session with the same (sender key, session id) already exists: a
// re-share carrying an advanced ratchet must not overwrite the earlier
// state, or a sender could unreplay its own history. Returns false for
// keys that fail to import or whose id does not match the claim.
func (g *GroupSessionManager) AddInboundGroupSession(sessionID, sessionKey, roomID, senderKey string, keysClaimed map[string]string) (bool, error) {
	return g.addInbound(sessionID, sessionKey, roomID, senderKey, keysClaimed, nil)
}

// AddForwardedInboundGroupSession installs a session whose key arrived
// in export format via an m.forwarded_room_key event, recording the
// chain of forwarders.
func (g *GroupSessionManager) AddForwardedInboundGroupSession(sessionID, sessionKey, roomID, senderKey string, keysClaimed map[string]string, forwardingChains []string) (bool, error) {
	if forwardingChains == nil {
		forwardingChains = []string{}
	}
	return g.addInbound(sessionID, sessionKey, roomID, senderKey, keysClaimed, forwardingChains)
}

func (g *GroupSessionManager) addInbound(sessionID, sessionKey, roomID, senderKey string, keysClaimed map[string]string, forwardingChains []string) (bool, error) {
	lock := g.inboundLocks.get(senderKey + "|" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := g.store.GetInboundGroupSession(senderKey, sessionID)
	if err != nil {
		return false, storeErr("load inbound group session", err)
	}
	if existing != nil {
		g.logf("ignoring update for megolm session %s/%s", senderKey, sessionID)
		return false, nil
	}

	session, err := olm.ImportInboundGroupSession(sessionKey)
	if err != nil {
		g.logf("rejecting megolm session %s/%s: %v", senderKey, sessionID, err)
		return false, nil
	}
	if session.ID() != sessionID {
		g.logf("rejecting megolm session from %s: id mismatch", senderKey)
		return false, nil
	}

	pickle, err := session.Pickle()
	if err != nil {
		return false, err
	}
	rec := &store.InboundGroupSessionRecord{
		SenderKey:        senderKey,
		SessionID:        sessionID,
		Pickle:           pickle,
		RoomID:           roomID,
		KeysClaimed:      keysClaimed,
		ForwardingChains: forwardingChains,
	}
	if err := g.store.StoreInboundGroupSession(rec); err != nil {
		return false, storeErr("store inbound group session", err)
	}
	return true, nil
}

// RemoveInboundGroupSession discards a stored inbound session.
func (g *GroupSessionManager) RemoveInboundGroupSession(senderKey, sessionID string) error {
	lock := g.inboundLocks.get(senderKey + "|" + sessionID)
	lock.Lock()
	defer lock.Unlock()
	return storeErr("remove inbound group session", g.store.RemoveInboundGroupSession(senderKey, sessionID))
}

// HasInboundGroupSession reports whether a session is installed.
func (g *GroupSessionManager) HasInboundGroupSession(senderKey, sessionID string) (bool, error) {
	rec, err := g.store.GetInboundGroupSession(senderKey, sessionID)
	if err != nil {
		return false, storeErr("load inbound group session", err)
	}
	return rec != nil, nil
}

// DecryptGroupMessage decrypts a group ciphertext. The timeline id, when
// non-empty, scopes the replay check: a (sender key, session id,
// message index) triple decrypts at most once per timeline.
func (g *GroupSessionManager) DecryptGroupMessage(body, roomID, timeline, sessionID, senderKey string) (*DecryptionResult, error) {
	lock := g.inboundLocks.get(senderKey + "|" + sessionID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := g.store.GetInboundGroupSession(senderKey, sessionID)
	if err != nil {
		return nil, storeErr("load inbound group session", err)
	}
	if rec == nil {
		return nil, ErrUnknownInboundSessionID
	}

	// The session was bound to a room when installed; a mismatch means
	// the homeserver is pretending the event belongs elsewhere.
	if rec.RoomID != roomID {
		return nil, &RoomMismatchError{Expected: rec.RoomID, Got: roomID}
	}

	session, err := olm.UnpickleInboundGroupSession(rec.Pickle)
	if err != nil {
		return nil, err
	}
	plaintext, index, err := session.Decrypt(body)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}

	if timeline != "" {
		if !g.replay.markSeen(timeline, replayKey(senderKey, sessionID, index)) {
			return nil, &DuplicateMessageIndexError{Index: index}
		}
	}

	pickle, err := session.Pickle()
	if err != nil {
		return nil, err
	}
	rec.Pickle = pickle
	if err := g.store.StoreInboundGroupSession(rec); err != nil {
		return nil, storeErr("store inbound group session", err)
	}

	if !json.Valid(plaintext) {
		return nil, ErrMalformedPlaintext
	}
	return &DecryptionResult{
		Payload:     json.RawMessage(plaintext),
		KeysClaimed: rec.KeysClaimed,
		// The sender must have held the curve25519 key to get the
		// session stored in the first place; nothing else is proved.
		KeysProved: map[string]string{"curve25519": senderKey},
	}, nil
}

// ExportInboundGroupSession exports a stored session's ratchet at the
// given index in the unsigned export format, for key forwarding.
func (g *GroupSessionManager) ExportInboundGroupSession(senderKey, sessionID string, index uint32) (string, error) {
	rec, err := g.store.GetInboundGroupSession(senderKey, sessionID)
	if err != nil {
		return "", storeErr("load inbound group session", err)
	}
	if rec == nil {
		return "", ErrUnknownInboundSessionID
	}
	session, err := olm.UnpickleInboundGroupSession(rec.Pickle)
	if err != nil {
		return "", err
	}
	return session.Export(index)
}

// ResetReplayAttackCheck drops replay tracking for a timeline. A
// discarded and rebuilt timeline legitimately decrypts its events
// again.
func (g *GroupSessionManager) ResetReplayAttackCheck(timeline string) {
	g.replay.reset(timeline)
}
