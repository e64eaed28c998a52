package olm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
)

// Message types at the primitive boundary.
const (
	MessageTypePreKey = 0
	MessageTypeNormal = 1
)

const (
	messageVersion = 3

	// Fixed offsets of the ratchet message layout:
	// version(1) | ratchet pub(32) | index(4) | ciphertext | mac(8)
	msgHeaderLen = 1 + keySize + 4

	// Pre-key wrapper layout:
	// version(1) | sender identity(32) | base key(32) | one-time key(32) | message
	preKeyHeaderLen = 1 + 3*keySize
)

type receiverChain struct {
	RatchetPub [keySize]byte
	ChainKey   [keySize]byte
	Index      uint32
}

// preKeyState carries the triple that identifies a pre-key exchange:
// the initiator's identity key, the initiator's base key and the
// responder's one-time key.
type preKeyState struct {
	IdentityPub [keySize]byte
	BasePub     [keySize]byte
	OneTimePub  [keySize]byte
}

// Session is a pairwise double-ratchet channel with one remote device.
// It is not safe for concurrent use; the engine serialises access.
type Session struct {
	id            string
	theirIdentity [keySize]byte

	rootKey [keySize]byte

	ratchetPriv   [keySize]byte
	ratchetPub    [keySize]byte
	sendChainKey  [keySize]byte
	sendIndex     uint32
	haveSendChain bool

	recvChains []*receiverChain

	// outboundPreKey is set on outbound-created sessions until the first
	// reply is decrypted; while set, Encrypt emits pre-key messages.
	outboundPreKey *preKeyState
	// inboundOrigin is set on inbound-created sessions and never
	// cleared; MatchesInbound compares against it.
	inboundOrigin *preKeyState
}

// sessionID derives the shared session identifier from the pre-key
// triple. Both ends compute the same value without coordination.
func sessionID(st *preKeyState) string {
	h := sha256.New()
	h.Write(st.IdentityPub[:])
	h.Write(st.BasePub[:])
	h.Write(st.OneTimePub[:])
	return b64.EncodeToString(h.Sum(nil))
}

func decodeKey(op, s string) ([keySize]byte, error) {
	var key [keySize]byte
	raw, err := b64.DecodeString(s)
	if err != nil {
		return key, errOp(op, "bad base64 key: %v", err)
	}
	if len(raw) != keySize {
		return key, errOp(op, "bad key length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// NewOutboundSession establishes a session to a remote device given its
// identity key and one of its published one-time keys.
func NewOutboundSession(account *Account, theirIdentityKey, theirOneTimeKey string) (*Session, error) {
	theirIdentity, err := decodeKey("outbound", theirIdentityKey)
	if err != nil {
		return nil, err
	}
	theirOneTime, err := decodeKey("outbound", theirOneTimeKey)
	if err != nil {
		return nil, err
	}

	basePriv, basePub, err := curve25519KeyPair()
	if err != nil {
		return nil, err
	}

	s1, err := agree(account.identityPriv, theirOneTime)
	if err != nil {
		return nil, err
	}
	s2, err := agree(basePriv, theirIdentity)
	if err != nil {
		return nil, err
	}
	s3, err := agree(basePriv, theirOneTime)
	if err != nil {
		return nil, err
	}
	secret := append(append(s1, s2...), s3...)

	root, chain, err := deriveRootAndChain(secret)
	if err != nil {
		return nil, err
	}

	ratchetPriv, ratchetPub, err := curve25519KeyPair()
	if err != nil {
		return nil, err
	}

	s := &Session{
		theirIdentity: theirIdentity,
		rootKey:       root,
		ratchetPriv:   ratchetPriv,
		ratchetPub:    ratchetPub,
		sendChainKey:  chain,
		haveSendChain: true,
		outboundPreKey: &preKeyState{
			IdentityPub: account.identityPub,
			BasePub:     basePub,
			OneTimePub:  theirOneTime,
		},
	}
	s.id = sessionID(s.outboundPreKey)
	return s, nil
}

// NewInboundSession establishes a session from a received pre-key
// message. The consumed one-time key stays in the account pool until
// RemoveOneTimeKeysForSession is called.
func NewInboundSession(account *Account, theirIdentityKey, preKeyMessage string) (*Session, error) {
	raw, err := b64.DecodeString(preKeyMessage)
	if err != nil {
		return nil, errOp("inbound", "bad base64 message: %v", err)
	}
	st, inner, err := parsePreKeyHeader(raw)
	if err != nil {
		return nil, err
	}

	if theirIdentityKey != "" {
		claimed, err := decodeKey("inbound", theirIdentityKey)
		if err != nil {
			return nil, err
		}
		if claimed != st.IdentityPub {
			return nil, errOp("inbound", "identity key mismatch")
		}
	}

	otk := account.findOneTimeKey(st.OneTimePub)
	if otk == nil {
		return nil, errOp("inbound", "no matching one-time key")
	}

	s1, err := agree(otk.Private, st.IdentityPub)
	if err != nil {
		return nil, err
	}
	s2, err := agree(account.identityPriv, st.BasePub)
	if err != nil {
		return nil, err
	}
	s3, err := agree(otk.Private, st.BasePub)
	if err != nil {
		return nil, err
	}
	secret := append(append(s1, s2...), s3...)

	root, chain, err := deriveRootAndChain(secret)
	if err != nil {
		return nil, err
	}

	theirRatchet, _, _, _, err := parseMessage(inner)
	if err != nil {
		return nil, err
	}

	s := &Session{
		theirIdentity: st.IdentityPub,
		rootKey:       root,
		recvChains: []*receiverChain{{
			RatchetPub: theirRatchet,
			ChainKey:   chain,
		}},
		inboundOrigin: st,
	}
	s.id = sessionID(st)
	return s, nil
}

// ID returns the opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) usedOneTimeKey() *[keySize]byte {
	if s.inboundOrigin == nil {
		return nil
	}
	return &s.inboundOrigin.OneTimePub
}

// Encrypt advances the sending ratchet and returns the message type and
// base64 ciphertext.
func (s *Session) Encrypt(plaintext []byte) (int, string, error) {
	if !s.haveSendChain {
		if len(s.recvChains) == 0 {
			return 0, "", errOp("encrypt", "no ratchet state")
		}
		ratchetPriv, ratchetPub, err := curve25519KeyPair()
		if err != nil {
			return 0, "", err
		}
		dh, err := agree(ratchetPriv, s.recvChains[0].RatchetPub)
		if err != nil {
			return 0, "", err
		}
		root, chain, err := ratchetRootStep(s.rootKey, dh)
		if err != nil {
			return 0, "", err
		}
		s.rootKey = root
		s.ratchetPriv, s.ratchetPub = ratchetPriv, ratchetPub
		s.sendChainKey = chain
		s.sendIndex = 0
		s.haveSendChain = true
	}

	mk := messageKey(s.sendChainKey)
	c, err := newMessageCipher(mk[:], infoKeys)
	if err != nil {
		return 0, "", err
	}
	ct, err := c.Encrypt(plaintext)
	if err != nil {
		return 0, "", err
	}

	body := make([]byte, 0, msgHeaderLen+len(ct)+macLength)
	body = append(body, messageVersion)
	body = append(body, s.ratchetPub[:]...)
	body = binary.BigEndian.AppendUint32(body, s.sendIndex)
	body = append(body, ct...)
	body = append(body, c.MAC(body)...)

	s.sendChainKey = advanceChainKey(s.sendChainKey)
	s.sendIndex++

	if s.outboundPreKey != nil {
		wrapped := make([]byte, 0, preKeyHeaderLen+len(body))
		wrapped = append(wrapped, messageVersion)
		wrapped = append(wrapped, s.outboundPreKey.IdentityPub[:]...)
		wrapped = append(wrapped, s.outboundPreKey.BasePub[:]...)
		wrapped = append(wrapped, s.outboundPreKey.OneTimePub[:]...)
		wrapped = append(wrapped, body...)
		return MessageTypePreKey, b64.EncodeToString(wrapped), nil
	}
	return MessageTypeNormal, b64.EncodeToString(body), nil
}

// Decrypt decrypts a received message of the given type.
func (s *Session) Decrypt(messageType int, ciphertext string) ([]byte, error) {
	raw, err := b64.DecodeString(ciphertext)
	if err != nil {
		return nil, errOp("decrypt", "bad base64 message: %v", err)
	}

	body := raw
	if messageType == MessageTypePreKey {
		st, inner, err := parsePreKeyHeader(raw)
		if err != nil {
			return nil, err
		}
		if s.inboundOrigin == nil || *st != *s.inboundOrigin {
			return nil, errOp("decrypt", "pre-key message does not match session")
		}
		body = inner
	}

	theirRatchet, index, ct, mac, err := parseMessage(body)
	if err != nil {
		return nil, err
	}

	chain := s.findReceiverChain(theirRatchet)
	if chain == nil {
		if !s.haveSendChain {
			return nil, errOp("decrypt", "unknown ratchet key")
		}
		dh, err := agree(s.ratchetPriv, theirRatchet)
		if err != nil {
			return nil, err
		}
		root, chainKey, err := ratchetRootStep(s.rootKey, dh)
		if err != nil {
			return nil, err
		}
		chain = &receiverChain{RatchetPub: theirRatchet, ChainKey: chainKey}
		s.rootKey = root
		s.recvChains = append([]*receiverChain{chain}, s.recvChains...)
		// The next Encrypt must ratchet forward with a fresh key.
		s.haveSendChain = false
	}

	if index < chain.Index {
		return nil, errOp("decrypt", "message index %d already ratcheted past", index)
	}
	ck := chain.ChainKey
	for i := chain.Index; i < index; i++ {
		ck = advanceChainKey(ck)
	}
	mk := messageKey(ck)
	c, err := newMessageCipher(mk[:], infoKeys)
	if err != nil {
		return nil, err
	}
	if !c.VerifyMAC(body[:len(body)-macLength], mac) {
		return nil, errOp("decrypt", "bad mac")
	}
	plaintext, err := c.Decrypt(ct)
	if err != nil {
		return nil, err
	}

	chain.ChainKey = advanceChainKey(ck)
	chain.Index = index + 1

	if messageType == MessageTypeNormal {
		// A reply proves the pre-key exchange completed.
		s.outboundPreKey = nil
	}
	return plaintext, nil
}

// MatchesInbound reports whether the given pre-key message belongs to
// the exchange this session was created from.
func (s *Session) MatchesInbound(preKeyMessage string) bool {
	if s.inboundOrigin == nil {
		return false
	}
	raw, err := b64.DecodeString(preKeyMessage)
	if err != nil {
		return false
	}
	st, _, err := parsePreKeyHeader(raw)
	if err != nil {
		return false
	}
	return *st == *s.inboundOrigin
}

func (s *Session) findReceiverChain(ratchetPub [keySize]byte) *receiverChain {
	for _, c := range s.recvChains {
		if c.RatchetPub == ratchetPub {
			return c
		}
	}
	return nil
}

func parsePreKeyHeader(raw []byte) (*preKeyState, []byte, error) {
	if len(raw) < preKeyHeaderLen {
		return nil, nil, errOp("parse", "pre-key message too short")
	}
	if raw[0] != messageVersion {
		return nil, nil, errOp("parse", "unsupported pre-key version %d", raw[0])
	}
	st := &preKeyState{}
	copy(st.IdentityPub[:], raw[1:1+keySize])
	copy(st.BasePub[:], raw[1+keySize:1+2*keySize])
	copy(st.OneTimePub[:], raw[1+2*keySize:preKeyHeaderLen])
	return st, raw[preKeyHeaderLen:], nil
}

func parseMessage(body []byte) (ratchetPub [keySize]byte, index uint32, ct, mac []byte, err error) {
	if len(body) < msgHeaderLen+macLength {
		return ratchetPub, 0, nil, nil, errOp("parse", "message too short")
	}
	if body[0] != messageVersion {
		return ratchetPub, 0, nil, nil, errOp("parse", "unsupported message version %d", body[0])
	}
	copy(ratchetPub[:], body[1:1+keySize])
	index = binary.BigEndian.Uint32(body[1+keySize : msgHeaderLen])
	ct = body[msgHeaderLen : len(body)-macLength]
	mac = body[len(body)-macLength:]
	return ratchetPub, index, ct, mac, nil
}

type sessionPickle struct {
	ID            string           `json:"id"`
	TheirIdentity []byte           `json:"their_identity"`
	RootKey       []byte           `json:"root_key"`
	RatchetPriv   []byte           `json:"ratchet_priv"`
	RatchetPub    []byte           `json:"ratchet_pub"`
	SendChainKey  []byte           `json:"send_chain_key"`
	SendIndex     uint32           `json:"send_index"`
	HaveSendChain bool             `json:"have_send_chain"`
	RecvChains    []chainPickle    `json:"recv_chains"`
	OutboundPK    *preKeyStatePack `json:"outbound_prekey,omitempty"`
	InboundOrigin *preKeyStatePack `json:"inbound_origin,omitempty"`
}

type chainPickle struct {
	RatchetPub []byte `json:"ratchet_pub"`
	ChainKey   []byte `json:"chain_key"`
	Index      uint32 `json:"index"`
}

type preKeyStatePack struct {
	IdentityPub []byte `json:"identity_pub"`
	BasePub     []byte `json:"base_pub"`
	OneTimePub  []byte `json:"one_time_pub"`
}

func packPreKeyState(st *preKeyState) *preKeyStatePack {
	if st == nil {
		return nil
	}
	return &preKeyStatePack{
		IdentityPub: st.IdentityPub[:],
		BasePub:     st.BasePub[:],
		OneTimePub:  st.OneTimePub[:],
	}
}

func unpackPreKeyState(p *preKeyStatePack) (*preKeyState, error) {
	if p == nil {
		return nil, nil
	}
	if len(p.IdentityPub) != keySize || len(p.BasePub) != keySize || len(p.OneTimePub) != keySize {
		return nil, errOp("unpickle", "session: bad pre-key state")
	}
	st := &preKeyState{}
	copy(st.IdentityPub[:], p.IdentityPub)
	copy(st.BasePub[:], p.BasePub)
	copy(st.OneTimePub[:], p.OneTimePub)
	return st, nil
}

// Pickle serialises the session for storage.
func (s *Session) Pickle() ([]byte, error) {
	p := sessionPickle{
		ID:            s.id,
		TheirIdentity: s.theirIdentity[:],
		RootKey:       s.rootKey[:],
		RatchetPriv:   s.ratchetPriv[:],
		RatchetPub:    s.ratchetPub[:],
		SendChainKey:  s.sendChainKey[:],
		SendIndex:     s.sendIndex,
		HaveSendChain: s.haveSendChain,
		OutboundPK:    packPreKeyState(s.outboundPreKey),
		InboundOrigin: packPreKeyState(s.inboundOrigin),
	}
	for _, c := range s.recvChains {
		p.RecvChains = append(p.RecvChains, chainPickle{
			RatchetPub: c.RatchetPub[:],
			ChainKey:   c.ChainKey[:],
			Index:      c.Index,
		})
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errOp("pickle", "session: %v", err)
	}
	return data, nil
}

// UnpickleSession restores a session from its pickled form.
func UnpickleSession(data []byte) (*Session, error) {
	var p sessionPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errOp("unpickle", "session: %v", err)
	}
	s := &Session{
		id:            p.ID,
		sendIndex:     p.SendIndex,
		haveSendChain: p.HaveSendChain,
	}
	copy(s.theirIdentity[:], p.TheirIdentity)
	copy(s.rootKey[:], p.RootKey)
	copy(s.ratchetPriv[:], p.RatchetPriv)
	copy(s.ratchetPub[:], p.RatchetPub)
	copy(s.sendChainKey[:], p.SendChainKey)
	for _, c := range p.RecvChains {
		rc := &receiverChain{Index: c.Index}
		copy(rc.RatchetPub[:], c.RatchetPub)
		copy(rc.ChainKey[:], c.ChainKey)
		s.recvChains = append(s.recvChains, rc)
	}
	var err error
	if s.outboundPreKey, err = unpackPreKeyState(p.OutboundPK); err != nil {
		return nil, err
	}
	if s.inboundOrigin, err = unpackPreKeyState(p.InboundOrigin); err != nil {
		return nil, err
	}
	return s, nil
}
