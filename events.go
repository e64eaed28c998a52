package matrix

import "encoding/json"

// Encryption algorithms understood by the engine.
const (
	AlgorithmOlmV1    = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"
)

// To-device and room event types handled by the engine.
const (
	EventTypeRoomKey          = "m.room_key"
	EventTypeForwardedRoomKey = "m.forwarded_room_key"
	EventTypeEncrypted        = "m.room.encrypted"
)

// ToDeviceEvent is a device-targeted event delivered by the transport.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// RoomEvent is a room timeline event as delivered by the room layer.
type RoomEvent struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id"`
	RoomID  string          `json:"room_id"`
	Sender  string          `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// MegolmEventContent is the content of an m.room.encrypted room event.
type MegolmEventContent struct {
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id"`
	SessionID  string `json:"session_id"`
}

// OlmCiphertext is one recipient's entry in an olm-encrypted event.
type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OlmEventContent is the content of an olm-encrypted to-device event,
// with one ciphertext per recipient identity key.
type OlmEventContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  string                   `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

// RoomKeyContent is the payload of an m.room_key event, after olm
// decryption. SenderKey and Keys are optional: HandleToDevice takes the
// sender key and claimed keys from the pairwise channel and reads these
// fields only when the decrypted event carries none.
type RoomKeyContent struct {
	Algorithm  string            `json:"algorithm"`
	RoomID     string            `json:"room_id"`
	SessionID  string            `json:"session_id"`
	SessionKey string            `json:"session_key"`
	SenderKey  string            `json:"sender_key,omitempty"`
	Keys       map[string]string `json:"keys,omitempty"`
}

// ForwardedRoomKeyContent is the payload of an m.forwarded_room_key
// event; the session key is in export format and the original sender's
// fingerprint is only claimed.
type ForwardedRoomKeyContent struct {
	Algorithm               string   `json:"algorithm"`
	RoomID                  string   `json:"room_id"`
	SessionID               string   `json:"session_id"`
	SessionKey              string   `json:"session_key"`
	SenderKey               string   `json:"sender_key"`
	SenderClaimedEd25519Key string   `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain      []string `json:"forwarding_curve25519_key_chain"`
}

// olmPayload is the plaintext envelope carried inside a pairwise
// message, binding sender and recipient identities to the inner event.
type olmPayload struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        string            `json:"sender"`
	Recipient     string            `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

// megolmPayload is the plaintext envelope inside a group message,
// binding the room so a decrypted event cannot be replanted elsewhere.
type megolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  string          `json:"room_id"`
}

// DecryptedEvent is the outcome of decrypting a room event.
type DecryptedEvent struct {
	// Type and Content are the decrypted event type and payload.
	Type    string
	Content json.RawMessage
	// SenderKey is the curve25519 key the ciphertext arrived under.
	SenderKey string
	// KeysClaimed are keys the sender asserted when sharing the
	// session; KeysProved are the ones the decryption actually binds.
	KeysClaimed map[string]string
	KeysProved  map[string]string
}
