package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
)

const (
	groupMessageVersion  = 3
	sessionKeyVersion    = 2
	sessionExportVersion = 1
	groupMsgHeaderLen    = 1 + 4 // version | index
	sessionKeyCoreLen    = 1 + 4 + keySize + ed25519.PublicKeySize
	sessionExportLen     = 1 + 4 + keySize + ed25519.PublicKeySize
	groupSignatureLen    = ed25519.SignatureSize
	megolmRatchetAdvance = "MEGOLM_RATCHET"
)

func advanceGroupRatchet(r [keySize]byte) [keySize]byte {
	var next [keySize]byte
	copy(next[:], hmacSHA256(r[:], []byte(megolmRatchetAdvance)))
	return next
}

func groupRatchetAt(start [keySize]byte, from, to uint32) [keySize]byte {
	r := start
	for i := from; i < to; i++ {
		r = advanceGroupRatchet(r)
	}
	return r
}

// OutboundGroupSession is the sender side of a group ratchet. It lives
// in memory only; losing it on restart forces a new session and a
// re-share, which is the intended rotation mechanism.
type OutboundGroupSession struct {
	signingKey ed25519.PrivateKey
	ratchet    [keySize]byte
	counter    uint32
}

// NewOutboundGroupSession creates a group session with a fresh ratchet
// seed and signing key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	s := &OutboundGroupSession{}
	if _, err := rand.Read(s.ratchet[:]); err != nil {
		return nil, errOp("group", "read random: %v", err)
	}
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errOp("group", "generate signing key: %v", err)
	}
	s.signingKey = signingKey
	return s, nil
}

// ID returns the session identifier, the base64 signing public key.
func (s *OutboundGroupSession) ID() string {
	return b64.EncodeToString(s.signingKey.Public().(ed25519.PublicKey))
}

// MessageIndex returns the index the next message will use.
func (s *OutboundGroupSession) MessageIndex() int {
	return int(s.counter)
}

// Key exports the current ratchet state, signed by the session key, for
// sharing with recipients. A recipient importing it can decrypt from
// the current message index onward.
func (s *OutboundGroupSession) Key() string {
	core := make([]byte, 0, sessionKeyCoreLen)
	core = append(core, sessionKeyVersion)
	core = binary.BigEndian.AppendUint32(core, s.counter)
	core = append(core, s.ratchet[:]...)
	core = append(core, s.signingKey.Public().(ed25519.PublicKey)...)
	sig := ed25519.Sign(s.signingKey, core)
	return b64.EncodeToString(append(core, sig...))
}

// Encrypt encrypts a group message and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	c, err := newMessageCipher(s.ratchet[:], infoMegolm)
	if err != nil {
		return "", err
	}
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}

	body := make([]byte, 0, groupMsgHeaderLen+len(ct)+macLength+groupSignatureLen)
	body = append(body, groupMessageVersion)
	body = binary.BigEndian.AppendUint32(body, s.counter)
	body = append(body, ct...)
	body = append(body, c.MAC(body)...)
	body = append(body, ed25519.Sign(s.signingKey, body)...)

	s.ratchet = advanceGroupRatchet(s.ratchet)
	s.counter++
	return b64.EncodeToString(body), nil
}

// InboundGroupSession is the receiver side of a group ratchet. The
// stored ratchet stays at the first known index so any message from
// that index onward can be decrypted again; it cannot be rewound.
type InboundGroupSession struct {
	signingPub      ed25519.PublicKey
	ratchet         [keySize]byte
	firstKnownIndex uint32
}

// ImportInboundGroupSession builds an inbound session from a session
// key (signed, from OutboundGroupSession.Key) or from the unsigned
// export format (from Export).
func ImportInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	raw, err := b64.DecodeString(sessionKey)
	if err != nil {
		return nil, errOp("import", "bad base64 session key: %v", err)
	}
	if len(raw) == 0 {
		return nil, errOp("import", "empty session key")
	}

	s := &InboundGroupSession{}
	switch raw[0] {
	case sessionKeyVersion:
		if len(raw) != sessionKeyCoreLen+groupSignatureLen {
			return nil, errOp("import", "bad session key length %d", len(raw))
		}
		core, sig := raw[:sessionKeyCoreLen], raw[sessionKeyCoreLen:]
		s.firstKnownIndex = binary.BigEndian.Uint32(core[1:5])
		copy(s.ratchet[:], core[5:5+keySize])
		s.signingPub = ed25519.PublicKey(append([]byte(nil), core[5+keySize:]...))
		if !ed25519.Verify(s.signingPub, core, sig) {
			return nil, errOp("import", "bad session key signature")
		}
	case sessionExportVersion:
		if len(raw) != sessionExportLen {
			return nil, errOp("import", "bad session export length %d", len(raw))
		}
		s.firstKnownIndex = binary.BigEndian.Uint32(raw[1:5])
		copy(s.ratchet[:], raw[5:5+keySize])
		s.signingPub = ed25519.PublicKey(append([]byte(nil), raw[5+keySize:]...))
	default:
		return nil, errOp("import", "unsupported session key version %d", raw[0])
	}
	return s, nil
}

// ID returns the session identifier, the base64 signing public key.
func (s *InboundGroupSession) ID() string {
	return b64.EncodeToString(s.signingPub)
}

// FirstKnownIndex reports the earliest message index this session can
// decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstKnownIndex
}

// Decrypt decrypts a group message and returns the plaintext and the
// message index. The session state is not advanced, so messages may be
// decrypted again (replay defence is the engine's concern).
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, uint32, error) {
	raw, err := b64.DecodeString(ciphertext)
	if err != nil {
		return nil, 0, errOp("decrypt", "bad base64 message: %v", err)
	}
	if len(raw) < groupMsgHeaderLen+macLength+groupSignatureLen {
		return nil, 0, errOp("decrypt", "group message too short")
	}
	if raw[0] != groupMessageVersion {
		return nil, 0, errOp("decrypt", "unsupported group message version %d", raw[0])
	}

	signed := raw[:len(raw)-groupSignatureLen]
	sig := raw[len(raw)-groupSignatureLen:]
	if !ed25519.Verify(s.signingPub, signed, sig) {
		return nil, 0, errOp("decrypt", "bad group message signature")
	}

	index := binary.BigEndian.Uint32(raw[1:5])
	if index < s.firstKnownIndex {
		return nil, 0, errOp("decrypt", "message index %d below first known index %d", index, s.firstKnownIndex)
	}

	mk := groupRatchetAt(s.ratchet, s.firstKnownIndex, index)
	c, err := newMessageCipher(mk[:], infoMegolm)
	if err != nil {
		return nil, 0, err
	}
	macStart := len(signed) - macLength
	if !c.VerifyMAC(signed[:macStart], signed[macStart:]) {
		return nil, 0, errOp("decrypt", "bad group message mac")
	}
	plaintext, err := c.Decrypt(signed[groupMsgHeaderLen:macStart])
	if err != nil {
		return nil, 0, err
	}
	return plaintext, index, nil
}

// Export serialises the ratchet at the given index in the unsigned
// export format, for key forwarding. The index must not precede the
// first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.firstKnownIndex {
		return "", errOp("export", "index %d below first known index %d", index, s.firstKnownIndex)
	}
	r := groupRatchetAt(s.ratchet, s.firstKnownIndex, index)
	out := make([]byte, 0, sessionExportLen)
	out = append(out, sessionExportVersion)
	out = binary.BigEndian.AppendUint32(out, index)
	out = append(out, r[:]...)
	out = append(out, s.signingPub...)
	return b64.EncodeToString(out), nil
}

type inboundGroupPickle struct {
	SigningPub      []byte `json:"signing_pub"`
	Ratchet         []byte `json:"ratchet"`
	FirstKnownIndex uint32 `json:"first_known_index"`
}

// Pickle serialises the inbound session for storage.
func (s *InboundGroupSession) Pickle() ([]byte, error) {
	data, err := json.Marshal(inboundGroupPickle{
		SigningPub:      s.signingPub,
		Ratchet:         s.ratchet[:],
		FirstKnownIndex: s.firstKnownIndex,
	})
	if err != nil {
		return nil, errOp("pickle", "inbound group session: %v", err)
	}
	return data, nil
}

// UnpickleInboundGroupSession restores an inbound session from its
// pickled form.
func UnpickleInboundGroupSession(data []byte) (*InboundGroupSession, error) {
	var p inboundGroupPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errOp("unpickle", "inbound group session: %v", err)
	}
	if len(p.SigningPub) != ed25519.PublicKeySize || len(p.Ratchet) != keySize {
		return nil, errOp("unpickle", "inbound group session: bad key length")
	}
	s := &InboundGroupSession{
		signingPub:      ed25519.PublicKey(p.SigningPub),
		firstKnownIndex: p.FirstKnownIndex,
	}
	copy(s.ratchet[:], p.Ratchet)
	return s, nil
}
