package validator

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/identity"
	"github.com/sakif/relaynet/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestValidator(oracle identity.Oracle, opts ...Option) *Validator {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(oracle, testLogger(), opts...)
}

// newMessage builds a sealed message at fixedNow+offset.
func newMessage(did, text string, offset time.Duration) *model.Message {
	msg := &model.Message{
		DID:       did,
		Text:      text,
		Timestamp: fixedNow.Add(offset).UnixMilli(),
	}
	msg.Seal()
	return msg
}

func TestValidate_Rules(t *testing.T) {
	v := newTestValidator(nil)
	validParent := "0x" + strings.Repeat("ab", 32)

	tests := []struct {
		name       string
		msg        func() *model.Message
		wantReason string // "" means valid
	}{
		{
			name:       "valid post",
			msg:        func() *model.Message { return newMessage("did:proto:42", "hello world", 0) },
			wantReason: "",
		},
		{
			name: "missing text",
			msg: func() *model.Message {
				m := newMessage("did:proto:42", "x", 0)
				m.Text = ""
				return m
			},
			wantReason: ReasonMissingFields,
		},
		{
			name: "unknown messageType",
			msg: func() *model.Message {
				m := newMessage("did:proto:42", "x", 0)
				m.MessageType = "quote"
				return m
			},
			wantReason: ReasonMissingFields,
		},
		{
			name: "tampered text",
			msg: func() *model.Message {
				m := newMessage("did:proto:42", "hello", 0)
				m.Text = "hellO"
				return m
			},
			wantReason: ReasonHashMismatch,
		},
		{
			name:       "exactly 280 characters",
			msg:        func() *model.Message { return newMessage("did:proto:42", strings.Repeat("a", 280), 0) },
			wantReason: "",
		},
		{
			name:       "281 characters",
			msg:        func() *model.Message { return newMessage("did:proto:42", strings.Repeat("a", 281), 0) },
			wantReason: ReasonTooLong,
		},
		{
			name:       "280 multi-byte characters",
			msg:        func() *model.Message { return newMessage("did:proto:42", strings.Repeat("é", 280), 0) },
			wantReason: "",
		},
		{
			name:       "exactly 24h old",
			msg:        func() *model.Message { return newMessage("did:proto:42", "old", -24*time.Hour) },
			wantReason: "",
		},
		{
			name:       "24h and one second old",
			msg:        func() *model.Message { return newMessage("did:proto:42", "old", -24*time.Hour-time.Second) },
			wantReason: ReasonStaleOrFuture,
		},
		{
			name:       "24h and one second in the future",
			msg:        func() *model.Message { return newMessage("did:proto:42", "future", 24*time.Hour+time.Second) },
			wantReason: ReasonStaleOrFuture,
		},
		{
			name: "well-formed parent",
			msg: func() *model.Message {
				m := &model.Message{DID: "did:proto:42", Text: "reply", Timestamp: fixedNow.UnixMilli(),
					ParentHash: validParent, RootParentHash: validParent}
				m.Seal()
				return m
			},
			wantReason: "",
		},
		{
			name: "malformed parent",
			msg: func() *model.Message {
				m := &model.Message{DID: "did:proto:42", Text: "reply", Timestamp: fixedNow.UnixMilli(),
					ParentHash: "0xABC"}
				m.Seal()
				return m
			},
			wantReason: ReasonMalformedParent,
		},
		{
			name: "malformed root parent",
			msg: func() *model.Message {
				m := &model.Message{DID: "did:proto:42", Text: "reply", Timestamp: fixedNow.UnixMilli(),
					ParentHash: validParent, RootParentHash: "root"}
				m.Seal()
				return m
			},
			wantReason: ReasonMalformedParent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), tt.msg())
			require.NoError(t, err)
			if tt.wantReason == "" {
				assert.True(t, res.Valid, "unexpected rejection: %s %s", res.Reason, res.Message)
				assert.NoError(t, res.Err())
				return
			}
			assert.False(t, res.Valid)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.True(t, errors.Is(res.Err(), apperror.ErrValidation))
			assert.Equal(t, tt.wantReason, apperror.ReasonOf(res.Err()))
		})
	}
}

func TestValidate_Identity(t *testing.T) {
	oracle := identity.NewStaticOracle()
	oracle.Register("42", "")
	v := newTestValidator(oracle)
	ctx := context.Background()

	res, err := v.Validate(ctx, newMessage("did:proto:42", "hi", 0))
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = v.Validate(ctx, newMessage("did:proto:7", "hi", 0))
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownIdentity, res.Reason)

	res, err = v.Validate(ctx, newMessage("did:proto:alice", "hi", 0))
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownIdentity, res.Reason)
}

func TestValidate_FailClosed(t *testing.T) {
	v := newTestValidator(nil, WithFailClosed(true))

	res, err := v.Validate(context.Background(), newMessage("did:proto:42", "hi", 0))
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownIdentity, res.Reason)
}

func TestValidate_Signatures(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := identity.NewStaticOracle()
	oracle.Register("42", "")
	oracle.AddKey(hex.EncodeToString(pub))
	v := newTestValidator(oracle)
	ctx := context.Background()

	signed := func() *model.Message {
		m := &model.Message{DID: "did:proto:42", Text: "signed", Timestamp: fixedNow.UnixMilli()}
		Sign(m, priv)
		return m
	}

	t.Run("valid signature", func(t *testing.T) {
		res, err := v.Validate(ctx, signed())
		require.NoError(t, err)
		assert.True(t, res.Valid, res.Message)
	})

	t.Run("signature without key", func(t *testing.T) {
		m := signed()
		m.SigningKey = ""
		res, _ := v.Validate(ctx, m)
		assert.Equal(t, ReasonInvalidKey, res.Reason)
	})

	t.Run("revoked key", func(t *testing.T) {
		_, otherPriv, _ := ed25519.GenerateKey(nil)
		m := &model.Message{DID: "did:proto:42", Text: "signed", Timestamp: fixedNow.UnixMilli()}
		Sign(m, otherPriv)
		res, _ := v.Validate(ctx, m)
		assert.Equal(t, ReasonInvalidKey, res.Reason)
	})

	t.Run("signature over a different hash", func(t *testing.T) {
		m := signed()
		other := signed()
		other.Text = "different"
		other.Seal()
		digest, _ := hex.DecodeString(strings.TrimPrefix(other.Hash, "0x"))
		m.Signature = hex.EncodeToString(ed25519.Sign(priv, digest))
		res, _ := v.Validate(ctx, m)
		assert.Equal(t, ReasonInvalidSignature, res.Reason)
	})

	t.Run("signature verified without oracle", func(t *testing.T) {
		res, err := newTestValidator(nil).Validate(ctx, signed())
		require.NoError(t, err)
		assert.True(t, res.Valid)
	})
}

func TestComputeHash_Integrity(t *testing.T) {
	m := newMessage("did:proto:42", "hello", 0)
	h := m.Hash

	assert.Regexp(t, `^0x[0-9a-f]{64}$`, h)
	assert.Equal(t, h, m.ComputeHash(), "hash must be deterministic")

	m.Mentions = nil
	assert.Equal(t, h, m.ComputeHash(), "nil and empty mentions hash the same")

	m.Mentions = []string{"did:proto:7"}
	assert.NotEqual(t, h, m.ComputeHash())
}
