package olm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
)

// macLength is the number of MAC bytes appended to ratchet messages.
const macLength = 8

// messageCipher is the AES-256-CBC + HMAC-SHA256 construction shared by
// the pairwise and group ratchets. All keys and the IV are derived from
// a single secret via HKDF.
type messageCipher struct {
	aesKey []byte
	macKey []byte
	iv     []byte
}

func newMessageCipher(secret []byte, info string) (*messageCipher, error) {
	buf, err := hkdfBytes(secret, nil, info, 80)
	if err != nil {
		return nil, err
	}
	return &messageCipher{
		aesKey: buf[0:32],
		macKey: buf[32:64],
		iv:     buf[64:80],
	}, nil
}

func (c *messageCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, errOp("encrypt", "%v", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *messageCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errOp("decrypt", "invalid ciphertext length %d", len(ciphertext))
	}
	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, errOp("decrypt", "%v", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

// MAC returns the truncated HMAC-SHA256 over message.
func (c *messageCipher) MAC(message []byte) []byte {
	return hmacSHA256(c.macKey, message)[:macLength]
}

// VerifyMAC checks a truncated MAC in constant time.
func (c *messageCipher) VerifyMAC(message, mac []byte) bool {
	return hmac.Equal(c.MAC(message), mac)
}

// pkcs7Pad appends PKCS#7 padding to data so the result is a multiple of blockSize.
func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	padding := make([]byte, pad)
	for i := range padding {
		padding[i] = byte(pad)
	}
	return append(data, padding...)
}

// pkcs7Unpad removes and validates PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errOp("unpad", "invalid data length %d", len(data))
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize {
		return nil, errOp("unpad", "invalid padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errOp("unpad", "inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}
