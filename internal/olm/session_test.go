package olm

import (
	"bytes"
	"testing"
)

// establishPair sets up an outbound session on alice towards bob and
// returns both accounts plus alice's session and the first pre-key
// message carrying plaintext.
func establishPair(t *testing.T, plaintext string) (alice, bob *Account, aliceSess *Session, msgType int, ciphertext string) {
	t.Helper()
	var err error
	alice, err = NewAccount()
	if err != nil {
		t.Fatalf("NewAccount alice: %v", err)
	}
	bob, err = NewAccount()
	if err != nil {
		t.Fatalf("NewAccount bob: %v", err)
	}
	if err := bob.GenOneTimeKeys(1); err != nil {
		t.Fatalf("GenOneTimeKeys: %v", err)
	}
	var otk string
	for _, v := range bob.OneTimeKeys() {
		otk = v
	}
	bobCurve, _ := bob.IdentityKeys()

	aliceSess, err = NewOutboundSession(alice, bobCurve, otk)
	if err != nil {
		t.Fatalf("NewOutboundSession: %v", err)
	}
	msgType, ciphertext, err = aliceSess.Encrypt([]byte(plaintext))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return alice, bob, aliceSess, msgType, ciphertext
}

func TestSessionEstablishAndRoundTrip(t *testing.T) {
	alice, bob, aliceSess, msgType, ct := establishPair(t, "hello bob")

	if msgType != MessageTypePreKey {
		t.Fatalf("first message type %d, want %d", msgType, MessageTypePreKey)
	}
	aliceCurve, _ := alice.IdentityKeys()
	bobSess, err := NewInboundSession(bob, aliceCurve, ct)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if bobSess.ID() != aliceSess.ID() {
		t.Fatalf("session ids differ: %q vs %q", bobSess.ID(), aliceSess.ID())
	}

	pt, err := bobSess.Decrypt(msgType, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hello bob" {
		t.Fatalf("plaintext %q, want %q", pt, "hello bob")
	}
}

func TestSessionPingPong(t *testing.T) {
	alice, bob, aliceSess, msgType, ct := establishPair(t, "m0")
	aliceCurve, _ := alice.IdentityKeys()
	bobSess, err := NewInboundSession(bob, aliceCurve, ct)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := bobSess.Decrypt(msgType, ct); err != nil {
		t.Fatalf("Decrypt m0: %v", err)
	}

	// Several round trips exercise the DH ratchet on both sides.
	conversation := []struct {
		from, to *Session
		text     string
	}{
		{bobSess, aliceSess, "m1 from bob"},
		{aliceSess, bobSess, "m2 from alice"},
		{aliceSess, bobSess, "m3 from alice"},
		{bobSess, aliceSess, "m4 from bob"},
		{bobSess, aliceSess, "m5 from bob"},
		{aliceSess, bobSess, "m6 from alice"},
	}
	for _, step := range conversation {
		mt, c, err := step.from.Encrypt([]byte(step.text))
		if err != nil {
			t.Fatalf("Encrypt %q: %v", step.text, err)
		}
		pt, err := step.to.Decrypt(mt, c)
		if err != nil {
			t.Fatalf("Decrypt %q: %v", step.text, err)
		}
		if string(pt) != step.text {
			t.Fatalf("plaintext %q, want %q", pt, step.text)
		}
	}
}

func TestSessionSkippedMessage(t *testing.T) {
	alice, bob, aliceSess, _, ct0 := establishPair(t, "m0")
	aliceCurve, _ := alice.IdentityKeys()
	bobSess, err := NewInboundSession(bob, aliceCurve, ct0)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := bobSess.Decrypt(MessageTypePreKey, ct0); err != nil {
		t.Fatalf("Decrypt m0: %v", err)
	}

	// m1 is lost in transit; m2 still decrypts.
	if _, _, err := aliceSess.Encrypt([]byte("m1 lost")); err != nil {
		t.Fatalf("Encrypt m1: %v", err)
	}
	mt2, ct2, err := aliceSess.Encrypt([]byte("m2"))
	if err != nil {
		t.Fatalf("Encrypt m2: %v", err)
	}
	pt, err := bobSess.Decrypt(mt2, ct2)
	if err != nil {
		t.Fatalf("Decrypt m2: %v", err)
	}
	if string(pt) != "m2" {
		t.Fatalf("plaintext %q, want m2", pt)
	}

	// Replaying an already-ratcheted index fails.
	if _, err := bobSess.Decrypt(mt2, ct2); err == nil {
		t.Fatal("expected failure replaying old index")
	}
}

func TestMatchesInbound(t *testing.T) {
	alice, bob, _, _, ct := establishPair(t, "m0")
	aliceCurve, _ := alice.IdentityKeys()
	bobSess, err := NewInboundSession(bob, aliceCurve, ct)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if !bobSess.MatchesInbound(ct) {
		t.Fatal("session should match its own pre-key message")
	}

	// A pre-key message from a different exchange does not match.
	_, _, _, _, other := establishPair(t, "other")
	if bobSess.MatchesInbound(other) {
		t.Fatal("session matched a foreign pre-key message")
	}
}

func TestInboundIdentityMismatch(t *testing.T) {
	_, bob, _, _, ct := establishPair(t, "m0")
	mallory, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	malloryCurve, _ := mallory.IdentityKeys()
	if _, err := NewInboundSession(bob, malloryCurve, ct); err == nil {
		t.Fatal("expected identity key mismatch")
	}
}

func TestRemoveOneTimeKeysForSession(t *testing.T) {
	alice, bob, _, _, ct := establishPair(t, "m0")
	aliceCurve, _ := alice.IdentityKeys()
	before := len(bob.oneTimeKeys)

	bobSess, err := NewInboundSession(bob, aliceCurve, ct)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	bob.RemoveOneTimeKeysForSession(bobSess)
	if got := len(bob.oneTimeKeys); got != before-1 {
		t.Fatalf("pool size %d after removal, want %d", got, before-1)
	}

	// A second pre-key message for the same key can no longer establish.
	if _, err := NewInboundSession(bob, aliceCurve, ct); err == nil {
		t.Fatal("expected failure after one-time key removal")
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	alice, bob, aliceSess, msgType, ct := establishPair(t, "m0")
	aliceCurve, _ := alice.IdentityKeys()
	bobSess, err := NewInboundSession(bob, aliceCurve, ct)
	if err != nil {
		t.Fatalf("NewInboundSession: %v", err)
	}
	if _, err := bobSess.Decrypt(msgType, ct); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	// Pickle both ends mid-conversation and carry on.
	aliceData, err := aliceSess.Pickle()
	if err != nil {
		t.Fatalf("Pickle alice: %v", err)
	}
	bobData, err := bobSess.Pickle()
	if err != nil {
		t.Fatalf("Pickle bob: %v", err)
	}
	aliceSess2, err := UnpickleSession(aliceData)
	if err != nil {
		t.Fatalf("UnpickleSession alice: %v", err)
	}
	bobSess2, err := UnpickleSession(bobData)
	if err != nil {
		t.Fatalf("UnpickleSession bob: %v", err)
	}
	if aliceSess2.ID() != aliceSess.ID() {
		t.Fatal("session id changed across pickle round-trip")
	}

	mt, c, err := bobSess2.Encrypt([]byte("after restore"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := aliceSess2.Decrypt(mt, c)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("after restore")) {
		t.Fatalf("plaintext %q, want %q", pt, "after restore")
	}
}
