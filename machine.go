// Package matrix provides the device-local crypto engine for end-to-end
// encrypted group messaging: identity and one-time key management,
// pairwise channels to other devices, group session creation, sharing
// and decryption, replay defence, and signed-JSON attestation. Network
// transport and room state belong to the caller.
package matrix

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/svanholm/matrix-go/internal/engine"
	"github.com/svanholm/matrix-go/internal/store"
)

// Re-exported engine types so callers rarely need the internal packages.
type (
	Device            = store.Device
	VerificationState = store.VerificationState
	DecryptionResult  = engine.DecryptionResult
)

// Verification states of a remote device.
const (
	VerificationUnknown    = store.VerificationUnknown
	VerificationUnverified = store.VerificationUnverified
	VerificationVerified   = store.VerificationVerified
	VerificationBlocked    = store.VerificationBlocked
)

// Errors surfaced by the engine; see the engine package for the full
// set of typed errors.
var (
	ErrUnknownInboundSessionID = engine.ErrUnknownInboundSessionID
	ErrUnknownSession          = engine.ErrUnknownSession
	ErrMalformedPlaintext      = engine.ErrMalformedPlaintext
	ErrEncryptionDisabled      = engine.ErrEncryptionDisabled
)

// Machine is the per-device crypto engine. It owns the account, the
// pairwise session manager, the group session manager and the device
// directory, and is safe for concurrent use.
type Machine struct {
	userID   string
	deviceID string

	store     *store.Store
	device    *engine.OlmDevice
	groups    *engine.GroupSessionManager
	directory *engine.DeviceDirectory
	logger    *log.Logger

	mu           sync.Mutex
	roomSessions map[string]string // room id -> outbound group session id
}

// Option configures a Machine.
type Option func(*machineConfig)

type machineConfig struct {
	dbPath   string
	deviceID string
	logger   *log.Logger
}

// WithDBPath sets the store location. Defaults to the standard data dir.
func WithDBPath(path string) Option {
	return func(c *machineConfig) { c.dbPath = path }
}

// WithDeviceID forces the device id instead of generating one on first
// run.
func WithDeviceID(deviceID string) Option {
	return func(c *machineConfig) { c.deviceID = deviceID }
}

// WithLogger sets an optional logger; nil disables logging.
func WithLogger(logger *log.Logger) Option {
	return func(c *machineConfig) { c.logger = logger }
}

// NewMachine opens (or creates) the crypto state for a user's device.
// On first run an account and a device id are created and persisted;
// afterwards the same identity keys are restored on every start.
func NewMachine(userID string, opts ...Option) (*Machine, error) {
	var cfg machineConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(cfg.dbPath)
	if err != nil {
		return nil, err
	}

	device, err := engine.NewOlmDevice(st, cfg.logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	deviceID, err := st.LoadDeviceID()
	if err != nil {
		st.Close()
		return nil, err
	}
	if deviceID == "" {
		deviceID = cfg.deviceID
		if deviceID == "" {
			deviceID = uuid.NewString()
		}
		if err := st.StoreDeviceID(deviceID); err != nil {
			st.Close()
			return nil, err
		}
	}

	m := &Machine{
		userID:       userID,
		deviceID:     deviceID,
		store:        st,
		device:       device,
		groups:       engine.NewGroupSessionManager(st, cfg.logger),
		directory:    engine.NewDeviceDirectory(device, st, cfg.logger),
		logger:       cfg.logger,
		roomSessions: make(map[string]string),
	}
	return m, nil
}

// Close releases the store. Outbound group sessions are deliberately
// lost: the next start creates fresh ones and re-shares.
func (m *Machine) Close() error {
	return m.store.Close()
}

func (m *Machine) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// UserID returns the owning user id.
func (m *Machine) UserID() string { return m.userID }

// DeviceID returns this device's id.
func (m *Machine) DeviceID() string { return m.deviceID }

// IdentityKeys returns the long-lived curve25519 identity key and
// ed25519 fingerprint key.
func (m *Machine) IdentityKeys() (curve25519, ed25519 string) {
	return m.device.Curve25519Key(), m.device.Ed25519Key()
}

// Directory exposes the device directory.
func (m *Machine) Directory() *engine.DeviceDirectory { return m.directory }

// OlmDevice exposes the pairwise engine.
func (m *Machine) OlmDevice() *engine.OlmDevice { return m.device }

// Groups exposes the group session manager.
func (m *Machine) Groups() *engine.GroupSessionManager { return m.groups }

// DeviceKeys builds the signed device-keys object for upload.
func (m *Machine) DeviceKeys() (map[string]any, error) {
	keys := map[string]any{
		"user_id":    m.userID,
		"device_id":  m.deviceID,
		"algorithms": []string{AlgorithmOlmV1, AlgorithmMegolmV1},
		"keys": map[string]string{
			"curve25519:" + m.deviceID: m.device.Curve25519Key(),
			"ed25519:" + m.deviceID:    m.device.Ed25519Key(),
		},
	}
	sig, err := m.device.SignJSON(keys)
	if err != nil {
		return nil, err
	}
	keys["signatures"] = map[string]map[string]string{
		m.userID: {"ed25519:" + m.deviceID: sig},
	}
	return keys, nil
}

// OneTimeKeysForUpload signs the unpublished one-time keys in the
// upload format. The caller must call MarkKeysAsPublished once the
// server has accepted them.
func (m *Machine) OneTimeKeysForUpload() (map[string]any, error) {
	out := make(map[string]any)
	for id, key := range m.device.OneTimeKeys() {
		obj := map[string]any{"key": key}
		sig, err := m.device.SignJSON(obj)
		if err != nil {
			return nil, err
		}
		obj["signatures"] = map[string]map[string]string{
			m.userID: {"ed25519:" + m.deviceID: sig},
		}
		out["signed_curve25519:"+id] = obj
	}
	return out, nil
}

// SetRoomEncryption enables an algorithm for a room. Only megolm is
// supported for room events.
func (m *Machine) SetRoomEncryption(roomID, algorithm string) error {
	if algorithm != AlgorithmMegolmV1 {
		return fmt.Errorf("matrix: unsupported room algorithm %q", algorithm)
	}
	return m.store.SetRoomAlgorithm(roomID, algorithm)
}

// EstablishOutboundSession creates a pairwise session to a device from
// its identity key and a claimed one-time key, returning the session
// id.
func (m *Machine) EstablishOutboundSession(theirIdentityKey, theirOneTimeKey string) (string, error) {
	return m.device.CreateOutboundSession(theirIdentityKey, theirOneTimeKey)
}

// EncryptForDevice wraps an event for one recipient device over the
// pairwise channel. The deterministic session chooser picks the session;
// ErrUnknownSession means none exists yet and a one-time key must be
// claimed first. Blocked devices are refused.
func (m *Machine) EncryptForDevice(userID, deviceID, eventType string, content any) (*OlmEventContent, error) {
	dev, err := m.directory.GetDevice(userID, deviceID)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("matrix: unknown device %s/%s", userID, deviceID)
	}
	if dev.Verification == store.VerificationBlocked {
		return nil, fmt.Errorf("matrix: device %s/%s is blocked", userID, deviceID)
	}
	hasOlm := false
	for _, alg := range dev.Algorithms {
		if alg == AlgorithmOlmV1 {
			hasOlm = true
		}
	}
	if !hasOlm {
		return nil, ErrEncryptionDisabled
	}

	sessionID, err := m.device.SessionID(dev.Curve25519Key)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrUnknownSession
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("matrix: marshal content: %w", err)
	}
	payload, err := json.Marshal(olmPayload{
		Type:          eventType,
		Content:       rawContent,
		Sender:        m.userID,
		Recipient:     userID,
		RecipientKeys: map[string]string{"ed25519": dev.Ed25519Key},
		Keys:          map[string]string{"ed25519": m.device.Ed25519Key()},
	})
	if err != nil {
		return nil, fmt.Errorf("matrix: marshal olm payload: %w", err)
	}

	msgType, body, err := m.device.EncryptMessage(dev.Curve25519Key, sessionID, string(payload))
	if err != nil {
		return nil, err
	}
	return &OlmEventContent{
		Algorithm: AlgorithmOlmV1,
		SenderKey: m.device.Curve25519Key(),
		Ciphertext: map[string]OlmCiphertext{
			dev.Curve25519Key: {Type: msgType, Body: body},
		},
	}, nil
}

// DecryptedOlmEvent is a to-device event recovered from a pairwise
// channel: the inner event plus the sender key the channel proved and
// the keys the sender merely claimed in the envelope.
type DecryptedOlmEvent struct {
	Type        string
	Sender      string
	Content     json.RawMessage
	SenderKey   string
	KeysClaimed map[string]string
}

// DecryptToDeviceEvent unwraps an olm-encrypted to-device event
// addressed to this device and returns the inner event. New sessions
// are established from pre-key messages; duplicate pre-key messages are
// routed to the session they already created.
func (m *Machine) DecryptToDeviceEvent(ev *ToDeviceEvent) (*DecryptedOlmEvent, error) {
	var content OlmEventContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return nil, fmt.Errorf("matrix: parse olm event: %w", err)
	}
	if content.Algorithm != AlgorithmOlmV1 {
		return nil, fmt.Errorf("matrix: unexpected algorithm %q", content.Algorithm)
	}
	ct, ok := content.Ciphertext[m.device.Curve25519Key()]
	if !ok {
		return nil, fmt.Errorf("matrix: event not addressed to this device")
	}

	plaintext, err := m.decryptOlm(content.SenderKey, ct)
	if err != nil {
		return nil, err
	}

	var payload olmPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, ErrMalformedPlaintext
	}
	if payload.Recipient != m.userID {
		return nil, fmt.Errorf("matrix: olm payload addressed to %q", payload.Recipient)
	}
	if keys := payload.RecipientKeys["ed25519"]; keys != "" && keys != m.device.Ed25519Key() {
		return nil, fmt.Errorf("matrix: olm payload bound to another device")
	}

	return &DecryptedOlmEvent{
		Type:        payload.Type,
		Sender:      payload.Sender,
		Content:     payload.Content,
		SenderKey:   content.SenderKey,
		KeysClaimed: payload.Keys,
	}, nil
}

func (m *Machine) decryptOlm(senderKey string, ct OlmCiphertext) (string, error) {
	// Try the sessions we already share with this sender.
	sessionIDs, err := m.device.SessionIDs(senderKey)
	if err != nil {
		return "", err
	}
	for _, sessionID := range sessionIDs {
		if ct.Type == 0 && !m.device.MatchesSession(senderKey, sessionID, ct.Type, ct.Body) {
			continue
		}
		plaintext, err := m.device.DecryptMessage(senderKey, sessionID, ct.Type, ct.Body)
		if err == nil {
			return plaintext, nil
		}
		m.logf("session %s failed to decrypt from %s: %v", sessionID, senderKey, err)
		if ct.Type != 0 {
			// A normal message only ever decrypts on its own session.
			return "", err
		}
	}
	if ct.Type != 0 {
		return "", ErrUnknownSession
	}
	// A fresh pre-key message: establish a new inbound session.
	plaintext, _, err := m.device.CreateInboundSession(senderKey, ct.Type, ct.Body)
	if err != nil {
		return "", err
	}
	return plaintext, nil
}

// HandleToDevice processes a decrypted to-device event. Room keys are
// installed into the group session manager; the proved sender key and
// the claimed keys come from the pairwise channel the event arrived on.
func (m *Machine) HandleToDevice(ev *DecryptedOlmEvent) error {
	switch ev.Type {
	case EventTypeRoomKey:
		var content RoomKeyContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("matrix: parse room key: %w", err)
		}
		if content.Algorithm != AlgorithmMegolmV1 {
			return fmt.Errorf("matrix: unsupported room key algorithm %q", content.Algorithm)
		}
		senderKey := ev.SenderKey
		if senderKey == "" {
			senderKey = content.SenderKey
		}
		keysClaimed := ev.KeysClaimed
		if keysClaimed == nil {
			keysClaimed = content.Keys
		}
		added, err := m.groups.AddInboundGroupSession(
			content.SessionID, content.SessionKey, content.RoomID, senderKey, keysClaimed)
		if err != nil {
			return err
		}
		if !added {
			m.logf("room key for %s/%s not installed", senderKey, content.SessionID)
		}
		return nil

	case EventTypeForwardedRoomKey:
		var content ForwardedRoomKeyContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("matrix: parse forwarded room key: %w", err)
		}
		if content.Algorithm != AlgorithmMegolmV1 {
			return fmt.Errorf("matrix: unsupported room key algorithm %q", content.Algorithm)
		}
		chain := append([]string{}, content.ForwardingKeyChain...)
		if ev.SenderKey != "" {
			chain = append(chain, ev.SenderKey)
		}
		added, err := m.groups.AddForwardedInboundGroupSession(
			content.SessionID, content.SessionKey, content.RoomID, content.SenderKey,
			map[string]string{"ed25519": content.SenderClaimedEd25519Key}, chain)
		if err != nil {
			return err
		}
		if !added {
			m.logf("forwarded room key for %s/%s not installed", content.SenderKey, content.SessionID)
		}
		return nil

	default:
		// Not a crypto event; nothing to do.
		return nil
	}
}

// ensureOutboundSession returns the room's current outbound group
// session id, creating one when missing. Returns true when the session
// is new and must be shared before the ciphertext is sent.
func (m *Machine) ensureOutboundSession(roomID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID, ok := m.roomSessions[roomID]; ok {
		return sessionID, false, nil
	}
	sessionID, err := m.groups.CreateOutboundGroupSession()
	if err != nil {
		return "", false, err
	}
	m.roomSessions[roomID] = sessionID
	return sessionID, true, nil
}

// RotateRoomSession discards the room's outbound session. The next
// encrypt creates a fresh session, which forces a re-share; callers do
// this on membership changes or on their own age/usage policy.
func (m *Machine) RotateRoomSession(roomID string) {
	m.mu.Lock()
	sessionID, ok := m.roomSessions[roomID]
	delete(m.roomSessions, roomID)
	m.mu.Unlock()
	if ok {
		m.groups.DiscardOutboundGroupSession(sessionID)
	}
}

// RoomKeyForSharing builds the m.room_key payload for the room's
// current outbound session, to be wrapped with EncryptForDevice for
// each recipient device.
func (m *Machine) RoomKeyForSharing(roomID string) (*RoomKeyContent, error) {
	sessionID, _, err := m.ensureOutboundSession(roomID)
	if err != nil {
		return nil, err
	}
	sessionKey, err := m.groups.SessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	return &RoomKeyContent{
		Algorithm:  AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: sessionKey,
	}, nil
}

// ShareRoomKey wraps the room's current session key for each recipient
// device over its pairwise channel. Blocked devices are left out and are
// not in the returned list. Devices that EncryptForDevice refuses (no
// established session, unknown to the directory, no olm algorithm) are
// returned as skipped so the caller can claim one-time keys and retry.
func (m *Machine) ShareRoomKey(roomID string, recipients []*Device) (map[string]*OlmEventContent, []*Device, error) {
	roomKey, err := m.RoomKeyForSharing(roomID)
	if err != nil {
		return nil, nil, err
	}

	shared := make(map[string]*OlmEventContent)
	var skipped []*Device
	for _, dev := range recipients {
		known, err := m.directory.GetDevice(dev.UserID, dev.DeviceID)
		if err != nil {
			return nil, nil, err
		}
		if dev.Verification == store.VerificationBlocked ||
			(known != nil && known.Verification == store.VerificationBlocked) {
			m.logf("not sharing room key with blocked device %s/%s", dev.UserID, dev.DeviceID)
			continue
		}
		content, err := m.EncryptForDevice(dev.UserID, dev.DeviceID, EventTypeRoomKey, roomKey)
		if err != nil {
			m.logf("skipping %s/%s: %v", dev.UserID, dev.DeviceID, err)
			skipped = append(skipped, dev)
			continue
		}
		shared[dev.UserID+"/"+dev.DeviceID] = content
	}
	return shared, skipped, nil
}

// EncryptRoomEvent encrypts a room event with the room's outbound group
// session. The room must have encryption enabled. Returns the encrypted
// content and whether a new session was created (in which case the key
// must be shared before the event is sent).
func (m *Machine) EncryptRoomEvent(roomID, eventType string, content any) (*MegolmEventContent, bool, error) {
	algorithm, err := m.store.GetRoomAlgorithm(roomID)
	if err != nil {
		return nil, false, err
	}
	if algorithm == "" {
		return nil, false, ErrEncryptionDisabled
	}

	sessionID, created, err := m.ensureOutboundSession(roomID)
	if err != nil {
		return nil, false, err
	}

	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, false, fmt.Errorf("matrix: marshal content: %w", err)
	}
	payload, err := json.Marshal(megolmPayload{
		Type:    eventType,
		Content: rawContent,
		RoomID:  roomID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("matrix: marshal megolm payload: %w", err)
	}

	ciphertext, err := m.groups.EncryptGroupMessage(sessionID, string(payload))
	if err != nil {
		return nil, false, err
	}
	return &MegolmEventContent{
		Algorithm:  AlgorithmMegolmV1,
		Ciphertext: ciphertext,
		SenderKey:  m.device.Curve25519Key(),
		DeviceID:   m.deviceID,
		SessionID:  sessionID,
	}, created, nil
}

// DecryptRoomEvent decrypts an m.room.encrypted room event. The
// timeline id, when non-empty, scopes replay defence; passing "" skips
// it, which is what callers do for detached one-off decryptions.
func (m *Machine) DecryptRoomEvent(ev *RoomEvent, timeline string) (*DecryptedEvent, error) {
	var content MegolmEventContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return nil, fmt.Errorf("matrix: parse encrypted event: %w", err)
	}
	if content.Algorithm != AlgorithmMegolmV1 {
		return nil, fmt.Errorf("matrix: unexpected algorithm %q", content.Algorithm)
	}

	result, err := m.groups.DecryptGroupMessage(
		content.Ciphertext, ev.RoomID, timeline, content.SessionID, content.SenderKey)
	if err != nil {
		return nil, err
	}

	var payload megolmPayload
	if err := json.Unmarshal(result.Payload, &payload); err != nil {
		return nil, ErrMalformedPlaintext
	}
	if payload.RoomID != ev.RoomID {
		return nil, &engine.RoomMismatchError{Expected: payload.RoomID, Got: ev.RoomID}
	}

	return &DecryptedEvent{
		Type:        payload.Type,
		Content:     payload.Content,
		SenderKey:   content.SenderKey,
		KeysClaimed: result.KeysClaimed,
		KeysProved:  result.KeysProved,
	}, nil
}

// ResetReplayTracking drops replay state for a timeline that is being
// discarded and rebuilt.
func (m *Machine) ResetReplayTracking(timeline string) {
	m.groups.ResetReplayAttackCheck(timeline)
}
