// Package model defines the data structures shared by the Hub, PDS and Gateway.
// In Go, we use structs to represent our data; the `json:"..."` tags describe the
// wire shape every service speaks over HTTP and over the peer transport.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// MessageType distinguishes top-level posts from replies.
type MessageType string

const (
	MessageTypePost  MessageType = "post"
	MessageTypeReply MessageType = "reply"
)

// Message is a signed user message relayed between Hubs.
//
// Hash is a content digest over {did, text, timestamp, parentHash, mentions, embeds}.
// A message is created once by the authoring node and never mutated afterwards,
// except for the Deleted flag (soft delete).
type Message struct {
	Hash           string      `json:"hash"`
	DID            string      `json:"did"`
	Text           string      `json:"text"`
	MessageType    MessageType `json:"messageType"`
	ParentHash     string      `json:"parentHash,omitempty"`
	RootParentHash string      `json:"rootParentHash,omitempty"`
	Mentions       []string    `json:"mentions"`
	Timestamp      int64       `json:"timestamp"` // Unix milliseconds
	Deleted        bool        `json:"deleted"`
	Embeds         []string    `json:"embeds"`
	Signature      string      `json:"signature,omitempty"`  // hex ed25519 signature over the hash bytes
	SigningKey     string      `json:"signingKey,omitempty"` // hex ed25519 public key
}

// hashedFields is the canonical, ordered shape the content hash is computed over.
// encoding/json emits struct fields in declaration order, so the encoding is stable.
type hashedFields struct {
	DID        string   `json:"did"`
	Text       string   `json:"text"`
	Timestamp  int64    `json:"timestamp"`
	ParentHash string   `json:"parentHash"`
	Mentions   []string `json:"mentions"`
	Embeds     []string `json:"embeds"`
}

// ComputeHash recomputes the content hash: "0x" + hex(sha256(canonical JSON)).
// nil and empty slices hash identically.
func (m *Message) ComputeHash() string {
	fields := hashedFields{
		DID:        m.DID,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		ParentHash: m.ParentHash,
		Mentions:   nonNil(m.Mentions),
		Embeds:     nonNil(m.Embeds),
	}
	// Marshal cannot fail for a struct of strings and ints.
	b, _ := json.Marshal(fields)
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// Seal normalizes the message and sets its Hash. Callers building new messages use this
// instead of assigning Hash by hand.
func (m *Message) Seal() {
	m.Mentions = nonNil(m.Mentions)
	m.Embeds = nonNil(m.Embeds)
	if m.MessageType == "" {
		m.MessageType = MessageTypePost
		if m.ParentHash != "" {
			m.MessageType = MessageTypeReply
		}
	}
	m.Hash = m.ComputeHash()
}

// Time converts the millisecond timestamp to a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// IsReply reports whether the message answers another message.
func (m *Message) IsReply() bool {
	return m.ParentHash != "" || m.MessageType == MessageTypeReply
}

// MessageCursor is a position in (timestamp, hash) order, the order the Hub's time index
// and the resync protocol walk. "After" a cursor means a strictly greater timestamp, or
// the same timestamp and a greater hash. An empty Hash marks the end of its millisecond:
// after an empty-hash cursor means strictly after Timestamp.
type MessageCursor struct {
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash,omitempty"`
}

// CursorAt is the cursor positioned on m.
func CursorAt(m *Message) MessageCursor {
	return MessageCursor{Timestamp: m.Timestamp, Hash: m.Hash}
}

// Before reports whether c sorts strictly before o.
func (c MessageCursor) Before(o MessageCursor) bool {
	if c.Timestamp != o.Timestamp {
		return c.Timestamp < o.Timestamp
	}
	if c.Hash == "" || o.Hash == "" {
		// An empty hash stands for the end of its millisecond.
		return c.Hash != "" && o.Hash == ""
	}
	return c.Hash < o.Hash
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
