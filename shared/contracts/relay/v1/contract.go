// Package v1 defines the relay wire protocol v1 contract.
//
// Envelopes are flat JSON objects discriminated by "type". Field names are the contract;
// this package is shared between the server and clients to keep the wire protocol authoritative.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type constants (wire-stable).
const (
	// TypeRegister claims a display name (client -> server). Must be the first envelope.
	TypeRegister = "register"
	// TypeEncryptionKey distributes the shared symmetric key (server -> registering client).
	TypeEncryptionKey = "encryption_key"
	// TypeChatMessage carries an authenticated token in both directions.
	TypeChatMessage = "chat_message"
	// TypeError reports a rejected envelope (server -> client).
	TypeError = "error"

	// Presence notifications (server -> clients).
	TypeUserJoined = "user_joined"
	TypeUserLeft   = "user_left"
	TypeUserList   = "user_list"
)

// Error codes carried in error envelopes.
const (
	CodeProtocolViolation = "protocol_violation"
	CodeValidation        = "validation_error"
	CodeAuthentication    = "authentication_error"
	CodeRateLimited       = "rate_limited"
	CodeBadJSON           = "bad_json"
	CodeInternal          = "internal_error"
)

// Envelope is the canonical wire unit.
//
// Only the fields relevant to Type are populated; the rest are omitted on the wire.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Username string   `json:"username,omitempty"`
	Key      string   `json:"key,omitempty"`
	Content  string   `json:"content,omitempty"`
	Message  string   `json:"message,omitempty"`
	Code     string   `json:"code,omitempty"`
	Users    []string `json:"users,omitempty"`

	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Validate performs structural validation: the type must be present and known.
// Field-level checks belong to the receiver because they depend on session state.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegister,
		TypeEncryptionKey,
		TypeChatMessage,
		TypeError,
		TypeUserJoined,
		TypeUserLeft,
		TypeUserList:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Constructors ----

// Register builds a register envelope.
func Register(username string) Envelope {
	return Envelope{Type: TypeRegister, Username: username}
}

// ChatMessage builds a client -> server chat_message envelope.
func ChatMessage(content string) Envelope {
	return Envelope{Type: TypeChatMessage, Content: content}
}

// EncryptionKey builds an encryption_key envelope.
func EncryptionKey(key string) Envelope {
	return Envelope{Type: TypeEncryptionKey, Key: key}
}

// Error builds an error envelope.
func Error(code, msg string) Envelope {
	return Envelope{Type: TypeError, Code: code, Message: msg}
}

// Stamp returns a copy of e with the server id and timestamp set.
func (e Envelope) Stamp(id string, ts time.Time) Envelope {
	ts = ts.UTC()
	e.ID = id
	e.Timestamp = &ts
	return e
}
