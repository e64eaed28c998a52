package olm

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// HKDF info strings. These are baked into every pickled session; changing
// them invalidates all stored key material.
const (
	infoRoot    = "OLM_ROOT"
	infoRatchet = "OLM_RATCHET"
	infoKeys    = "OLM_KEYS"
	infoMegolm  = "MEGOLM_KEYS"
)

const keySize = 32

// curve25519KeyPair generates a fresh X25519 key pair.
func curve25519KeyPair() (priv, pub [keySize]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, errOp("keygen", "read random: %v", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, errOp("keygen", "derive public key: %v", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// agree performs X25519 key agreement.
func agree(priv, pub [keySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, errOp("agree", "%v", err)
	}
	return shared, nil
}

func hkdfBytes(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errOp("hkdf", "%v", err)
	}
	return out, nil
}

// deriveRootAndChain turns the triple-DH shared secret into the initial
// root key and chain key.
func deriveRootAndChain(secret []byte) (root, chain [keySize]byte, err error) {
	buf, err := hkdfBytes(secret, nil, infoRoot, 2*keySize)
	if err != nil {
		return root, chain, err
	}
	copy(root[:], buf[:keySize])
	copy(chain[:], buf[keySize:])
	return root, chain, nil
}

// ratchetRootStep advances the root key with a fresh DH output and
// yields the next chain key.
func ratchetRootStep(root [keySize]byte, dh []byte) (newRoot, chain [keySize]byte, err error) {
	buf, err := hkdfBytes(dh, root[:], infoRatchet, 2*keySize)
	if err != nil {
		return newRoot, chain, err
	}
	copy(newRoot[:], buf[:keySize])
	copy(chain[:], buf[keySize:])
	return newRoot, chain, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// advanceChainKey computes C(i+1) from C(i).
func advanceChainKey(ck [keySize]byte) [keySize]byte {
	var next [keySize]byte
	copy(next[:], hmacSHA256(ck[:], []byte{0x02}))
	return next
}

// messageKey derives the message key for the current chain position.
func messageKey(ck [keySize]byte) [keySize]byte {
	var mk [keySize]byte
	copy(mk[:], hmacSHA256(ck[:], []byte{0x01}))
	return mk
}
