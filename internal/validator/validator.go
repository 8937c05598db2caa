// Package validator decides whether a candidate Hub message may be stored.
//
// Checks run in a fixed order and stop at the first failure, so every rejection
// carries exactly one reason code:
//
//	MissingFields → HashMismatch → UnknownIdentity → InvalidKey/InvalidSignature
//	→ StaleOrFutureMessage → TooLong → MalformedParent
//
// Apart from the optional Oracle lookups the validator is a pure function of the
// message and the clock.
package validator

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/relaynet/internal/apperror"
	"github.com/sakif/relaynet/internal/identity"
	"github.com/sakif/relaynet/internal/model"
)

// Rejection reason codes.
const (
	ReasonMissingFields    = "MissingFields"
	ReasonHashMismatch     = "HashMismatch"
	ReasonUnknownIdentity  = "UnknownIdentity"
	ReasonInvalidKey       = "InvalidKey"
	ReasonInvalidSignature = "InvalidSignature"
	ReasonStaleOrFuture    = "StaleOrFutureMessage"
	ReasonTooLong          = "TooLong"
	ReasonMalformedParent  = "MalformedParent"
)

const (
	MaxTextLength = 280
	MaxClockSkew  = 24 * time.Hour
)

var hashPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// IsMessageHash reports whether s has the shape of a message hash.
func IsMessageHash(s string) bool {
	return hashPattern.MatchString(s)
}

// Result is the outcome of validating one message.
type Result struct {
	Valid   bool
	Reason  string
	Message string
}

// Err converts a rejection into an apperror validation error. Valid results return nil.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return apperror.Rejected(r.Reason, r.Message)
}

func reject(reason, format string, args ...any) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Validator validates messages against structural, temporal and identity rules.
type Validator struct {
	oracle     identity.Oracle
	failClosed bool
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Validator)

// WithClock replaces time.Now. Tests use it to pin the 24h window.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithFailClosed rejects every message with UnknownIdentity when no Oracle is configured.
func WithFailClosed(failClosed bool) Option {
	return func(v *Validator) { v.failClosed = failClosed }
}

// New creates a Validator. oracle may be nil, in which case identity checks are skipped
// (or, with WithFailClosed, every message is rejected).
func New(oracle identity.Oracle, logger *slog.Logger, opts ...Option) *Validator {
	v := &Validator{
		oracle: oracle,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}

	if oracle == nil {
		if v.failClosed {
			logger.Warn("identity oracle not configured: validator fails closed, all messages will be rejected")
		} else {
			logger.Warn("identity oracle not configured: identity and key checks are SKIPPED (permissive mode)")
		}
	}
	return v
}

// Validate runs every check against msg. The returned error is non-nil only when the
// Oracle could not be reached; rejections are reported through Result.
func (v *Validator) Validate(ctx context.Context, msg *model.Message) (Result, error) {
	// 1. required fields
	if msg.Hash == "" || msg.DID == "" || msg.Text == "" || msg.Timestamp == 0 {
		return reject(ReasonMissingFields, "hash, did, text and timestamp are required"), nil
	}
	switch msg.MessageType {
	case "", model.MessageTypePost, model.MessageTypeReply:
	default:
		return reject(ReasonMissingFields, "unknown messageType %q", msg.MessageType), nil
	}

	// 2. content hash
	if got := msg.ComputeHash(); got != msg.Hash {
		return reject(ReasonHashMismatch, "hash %s does not match content (expected %s)", msg.Hash, got), nil
	}

	// 3. identity
	if res, err := v.checkIdentity(ctx, msg); err != nil || !res.Valid {
		return res, err
	}

	// 4. signing key + signature
	if res, err := v.checkSignature(ctx, msg); err != nil || !res.Valid {
		return res, err
	}

	// 5. timestamp window, inclusive on both ends
	skew := v.now().Sub(msg.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return reject(ReasonStaleOrFuture, "timestamp is %s away from now (max %s)", skew.Round(time.Second), MaxClockSkew), nil
	}

	// 6. length in characters, not bytes
	if n := utf8.RuneCountInString(msg.Text); n > MaxTextLength {
		return reject(ReasonTooLong, "text is %d characters (max %d)", n, MaxTextLength), nil
	}

	// 7. parent references
	if msg.ParentHash != "" && !hashPattern.MatchString(msg.ParentHash) {
		return reject(ReasonMalformedParent, "parentHash %q is not a message hash", msg.ParentHash), nil
	}
	if msg.RootParentHash != "" && !hashPattern.MatchString(msg.RootParentHash) {
		return reject(ReasonMalformedParent, "rootParentHash %q is not a message hash", msg.RootParentHash), nil
	}

	return Result{Valid: true}, nil
}

func (v *Validator) checkIdentity(ctx context.Context, msg *model.Message) (Result, error) {
	if v.oracle == nil {
		if v.failClosed {
			return reject(ReasonUnknownIdentity, "identity oracle not configured"), nil
		}
		v.logger.Debug("identity check skipped", slog.String("did", msg.DID))
		return Result{Valid: true}, nil
	}

	exists, err := identity.DIDExists(ctx, v.oracle, msg.DID)
	if errors.Is(err, identity.ErrNotResolvable) {
		return reject(ReasonUnknownIdentity, "DID %s does not resolve to an on-chain identifier", msg.DID), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("validator: resolving %s: %w", msg.DID, err)
	}
	if !exists {
		return reject(ReasonUnknownIdentity, "DID %s is not registered", msg.DID), nil
	}
	return Result{Valid: true}, nil
}

func (v *Validator) checkSignature(ctx context.Context, msg *model.Message) (Result, error) {
	if msg.Signature == "" && msg.SigningKey == "" {
		return Result{Valid: true}, nil
	}
	if msg.Signature == "" || msg.SigningKey == "" {
		return reject(ReasonInvalidKey, "signature and signingKey must be provided together"), nil
	}

	key, err := hex.DecodeString(strings.TrimPrefix(msg.SigningKey, "0x"))
	if err != nil || len(key) != ed25519.PublicKeySize {
		return reject(ReasonInvalidKey, "signingKey is not a hex ed25519 public key"), nil
	}

	if v.oracle != nil {
		valid, err := v.oracle.KeyValid(ctx, hex.EncodeToString(key))
		if err != nil {
			return Result{}, fmt.Errorf("validator: checking signing key: %w", err)
		}
		if !valid {
			return reject(ReasonInvalidKey, "signing key is not valid for %s", msg.DID), nil
		}
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(msg.Signature, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return reject(ReasonInvalidSignature, "signature is not a hex ed25519 signature"), nil
	}
	digest, err := hex.DecodeString(strings.TrimPrefix(msg.Hash, "0x"))
	if err != nil {
		return reject(ReasonHashMismatch, "hash is not hex"), nil
	}
	if !ed25519.Verify(ed25519.PublicKey(key), digest, sig) {
		return reject(ReasonInvalidSignature, "signature does not verify against signingKey"), nil
	}
	return Result{Valid: true}, nil
}
