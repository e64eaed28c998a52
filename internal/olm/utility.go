package olm

import (
	"crypto/ed25519"
	"crypto/sha256"
)

// SHA256 returns the base64 SHA-256 digest of the input.
func SHA256(input []byte) string {
	sum := sha256.Sum256(input)
	return b64.EncodeToString(sum[:])
}

// VerifySignature checks an Ed25519 signature over message. The key and
// signature are base64.
func VerifySignature(ed25519Key string, message []byte, signature string) error {
	key, err := b64.DecodeString(ed25519Key)
	if err != nil {
		return errOp("verify", "bad base64 key: %v", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return errOp("verify", "bad key length %d", len(key))
	}
	sig, err := b64.DecodeString(signature)
	if err != nil {
		return errOp("verify", "bad base64 signature: %v", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return errOp("verify", "bad signature length %d", len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(key), message, sig) {
		return errOp("verify", "signature mismatch")
	}
	return nil
}
