package olm

import (
	"bytes"
	"testing"
)

func TestMessageCipherRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	c, err := newMessageCipher(secret, infoKeys)
	if err != nil {
		t.Fatalf("newMessageCipher: %v", err)
	}

	for _, pt := range [][]byte{
		[]byte(""),
		[]byte("short"),
		bytes.Repeat([]byte("block-sized-1234"), 4),
		bytes.Repeat([]byte{0xff}, 1000),
	} {
		ct, err := c.Encrypt(pt)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := c.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatalf("round trip mismatch for %d-byte plaintext", len(pt))
		}
	}
}

func TestMessageCipherKeysDifferByInfo(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	olmCipher, err := newMessageCipher(secret, infoKeys)
	if err != nil {
		t.Fatalf("newMessageCipher: %v", err)
	}
	megolmCipher, err := newMessageCipher(secret, infoMegolm)
	if err != nil {
		t.Fatalf("newMessageCipher: %v", err)
	}
	ct, err := olmCipher.Encrypt([]byte("domain separated"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if pt, err := megolmCipher.Decrypt(ct); err == nil && bytes.Equal(pt, []byte("domain separated")) {
		t.Fatal("ciphers with different info strings share keys")
	}
}

func TestMACVerify(t *testing.T) {
	c, err := newMessageCipher([]byte("another secret value............"), infoKeys)
	if err != nil {
		t.Fatalf("newMessageCipher: %v", err)
	}
	msg := []byte("authenticated bytes")
	mac := c.MAC(msg)
	if len(mac) != macLength {
		t.Fatalf("mac length %d, want %d", len(mac), macLength)
	}
	if !c.VerifyMAC(msg, mac) {
		t.Fatal("VerifyMAC rejected a valid mac")
	}
	if c.VerifyMAC([]byte("other bytes"), mac) {
		t.Fatal("VerifyMAC accepted a mac for different bytes")
	}
}
