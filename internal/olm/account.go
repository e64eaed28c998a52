package olm

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
)

// b64 is the unpadded base64 used for all keys, ids and messages that
// cross the primitive boundary.
var b64 = base64.RawStdEncoding

// maxOneTimeKeys is the largest number of one-time keys an account holds
// at once, published or not.
const maxOneTimeKeys = 100

type oneTimeKey struct {
	ID        string
	Private   [keySize]byte
	Public    [keySize]byte
	Published bool
}

// Account holds a device's long-lived key material: the Curve25519
// identity key, the Ed25519 fingerprint key and the one-time key pool.
type Account struct {
	identityPriv [keySize]byte
	identityPub  [keySize]byte
	signingKey   ed25519.PrivateKey
	oneTimeKeys  []*oneTimeKey
	nextKeyID    uint32
}

// NewAccount creates an account with fresh identity and fingerprint keys
// and an empty one-time key pool.
func NewAccount() (*Account, error) {
	a := &Account{nextKeyID: 1}
	priv, pub, err := curve25519KeyPair()
	if err != nil {
		return nil, err
	}
	a.identityPriv, a.identityPub = priv, pub

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errOp("account", "generate signing key: %v", err)
	}
	a.signingKey = signingKey
	return a, nil
}

// IdentityKeys returns the base64 Curve25519 identity key and Ed25519
// fingerprint key.
func (a *Account) IdentityKeys() (curve25519, ed25519Key string) {
	pub := a.signingKey.Public().(ed25519.PublicKey)
	return b64.EncodeToString(a.identityPub[:]), b64.EncodeToString(pub)
}

// Sign signs an arbitrary byte string with the fingerprint key.
func (a *Account) Sign(message []byte) string {
	return b64.EncodeToString(ed25519.Sign(a.signingKey, message))
}

// OneTimeKeys returns the unpublished one-time keys, keyed by key id.
func (a *Account) OneTimeKeys() map[string]string {
	keys := make(map[string]string)
	for _, k := range a.oneTimeKeys {
		if !k.Published {
			keys[k.ID] = b64.EncodeToString(k.Public[:])
		}
	}
	return keys
}

// MaxNumberOfOneTimeKeys reports the pool capacity.
func (a *Account) MaxNumberOfOneTimeKeys() int {
	return maxOneTimeKeys
}

// GenOneTimeKeys adds n fresh one-time keys to the pool. The oldest keys
// are discarded if the pool would exceed its capacity.
func (a *Account) GenOneTimeKeys(n int) error {
	for i := 0; i < n; i++ {
		priv, pub, err := curve25519KeyPair()
		if err != nil {
			return err
		}
		var id [4]byte
		binary.BigEndian.PutUint32(id[:], a.nextKeyID)
		a.nextKeyID++
		a.oneTimeKeys = append(a.oneTimeKeys, &oneTimeKey{
			ID:      b64.EncodeToString(id[:]),
			Private: priv,
			Public:  pub,
		})
	}
	if excess := len(a.oneTimeKeys) - maxOneTimeKeys; excess > 0 {
		a.oneTimeKeys = a.oneTimeKeys[excess:]
	}
	return nil
}

// MarkKeysAsPublished marks every one-time key as published.
func (a *Account) MarkKeysAsPublished() {
	for _, k := range a.oneTimeKeys {
		k.Published = true
	}
}

// RemoveOneTimeKeysForSession removes the one-time key consumed when the
// given inbound session was established.
func (a *Account) RemoveOneTimeKeysForSession(s *Session) {
	used := s.usedOneTimeKey()
	if used == nil {
		return
	}
	for i, k := range a.oneTimeKeys {
		if k.Public == *used {
			a.oneTimeKeys = append(a.oneTimeKeys[:i], a.oneTimeKeys[i+1:]...)
			return
		}
	}
}

func (a *Account) findOneTimeKey(pub [keySize]byte) *oneTimeKey {
	for _, k := range a.oneTimeKeys {
		if k.Public == pub {
			return k
		}
	}
	return nil
}

type accountPickle struct {
	IdentityPriv []byte          `json:"identity_priv"`
	IdentityPub  []byte          `json:"identity_pub"`
	SigningKey   []byte          `json:"signing_key"`
	OneTimeKeys  []oneTimePickle `json:"one_time_keys"`
	NextKeyID    uint32          `json:"next_key_id"`
}

type oneTimePickle struct {
	ID        string `json:"id"`
	Private   []byte `json:"priv"`
	Public    []byte `json:"pub"`
	Published bool   `json:"published"`
}

// Pickle serialises the account for storage.
func (a *Account) Pickle() ([]byte, error) {
	p := accountPickle{
		IdentityPriv: a.identityPriv[:],
		IdentityPub:  a.identityPub[:],
		SigningKey:   a.signingKey,
		NextKeyID:    a.nextKeyID,
	}
	for _, k := range a.oneTimeKeys {
		p.OneTimeKeys = append(p.OneTimeKeys, oneTimePickle{
			ID:        k.ID,
			Private:   k.Private[:],
			Public:    k.Public[:],
			Published: k.Published,
		})
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errOp("pickle", "%v", err)
	}
	return data, nil
}

// UnpickleAccount restores an account from its pickled form.
func UnpickleAccount(data []byte) (*Account, error) {
	var p accountPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errOp("unpickle", "account: %v", err)
	}
	if len(p.IdentityPriv) != keySize || len(p.IdentityPub) != keySize {
		return nil, errOp("unpickle", "account: bad identity key length")
	}
	if len(p.SigningKey) != ed25519.PrivateKeySize {
		return nil, errOp("unpickle", "account: bad signing key length")
	}
	a := &Account{
		signingKey: ed25519.PrivateKey(p.SigningKey),
		nextKeyID:  p.NextKeyID,
	}
	copy(a.identityPriv[:], p.IdentityPriv)
	copy(a.identityPub[:], p.IdentityPub)
	for _, k := range p.OneTimeKeys {
		if len(k.Private) != keySize || len(k.Public) != keySize {
			return nil, errOp("unpickle", "account: bad one-time key length")
		}
		otk := &oneTimeKey{ID: k.ID, Published: k.Published}
		copy(otk.Private[:], k.Private)
		copy(otk.Public[:], k.Public)
		a.oneTimeKeys = append(a.oneTimeKeys, otk)
	}
	return a, nil
}
