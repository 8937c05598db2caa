// Package p2p is the Hub-to-Hub transport: a websocket mesh carrying typed JSON frames.
//
// Two exchanges run over a connection:
//   - gossip: a newly stored message is pushed to every connected peer (best effort)
//   - sync: a point-to-point SyncRequest answered by one SyncResponse, correlated by
//     requestId, used by the periodic resync to repair missed gossip
package p2p

import (
	"encoding/json"
	"time"

	"github.com/sakif/relaynet/internal/model"
)

type FrameType string

const (
	FrameHello        FrameType = "hello"
	FrameGossip       FrameType = "gossip"
	FrameSyncRequest  FrameType = "sync_request"
	FrameSyncResponse FrameType = "sync_response"
)

// Frame is the envelope for everything sent between Hubs.
type Frame struct {
	Type      FrameType       `json:"type"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hello is sent by both sides right after connecting.
type Hello struct {
	NodeID        string `json:"nodeId"`
	HighWaterMark int64  `json:"highWaterMark"`
}

// SyncRequest asks a peer for the messages after (SinceTimestamp, SinceHash) in
// (timestamp, hash) order. Without SinceHash that is every message newer than
// SinceTimestamp.
type SyncRequest struct {
	RequestID      string `json:"requestId"`
	SinceTimestamp int64  `json:"sinceTimestamp"`
	SinceHash      string `json:"sinceHash,omitempty"`
	Limit          int    `json:"limit"`
}

// Cursor is the position the request starts after.
func (r SyncRequest) Cursor() model.MessageCursor {
	return model.MessageCursor{Timestamp: r.SinceTimestamp, Hash: r.SinceHash}
}

// SyncResponse answers a SyncRequest. HighWaterMark is the responder's newest timestamp.
type SyncResponse struct {
	RequestID     string          `json:"requestId"`
	Messages      []model.Message `json:"messages"`
	HighWaterMark int64           `json:"highWaterMark"`
}

func newFrame(t FrameType, from string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{
		Type:      t,
		From:      from,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}
