package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/sakif/relaynet/internal/apperror"
)

// Method is the DID method used by accounts on this network.
const Method = "proto"

const (
	MinHandleLength = 3
	MaxHandleLength = 63
)

// ErrNotResolvable is returned for DIDs that do not map to a numeric on-chain identifier.
var ErrNotResolvable = errors.New("identity: DID is not oracle-resolvable")

var handlePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-.]*[a-z0-9])?$`)

// ParseDID checks DID syntax. Any DID method is accepted; only did:proto is resolvable.
func ParseDID(raw string) (syntax.DID, error) {
	did, err := syntax.ParseDID(raw)
	if err != nil {
		return "", apperror.ValidationFailed("did", fmt.Sprintf("invalid DID %q", raw))
	}
	return did, nil
}

// HandleDID derives the DID for a handle-based account.
func HandleDID(handle string) string {
	return "did:" + Method + ":" + handle
}

// NumericDID derives the DID for an on-chain identifier.
func NumericDID(id string) string {
	return "did:" + Method + ":" + id
}

// NumericID returns the on-chain identifier encoded in a did:proto DID, if any.
// Handle-derived DIDs (did:proto:alice) return ok=false.
func NumericID(raw string) (string, bool) {
	did, err := syntax.ParseDID(raw)
	if err != nil || did.Method() != Method {
		return "", false
	}
	id := did.Identifier()
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", false
	}
	return id, true
}

// ValidateHandle enforces the handle grammar and length. All-digit handles are refused:
// their handle DID would be an on-chain numeric DID.
func ValidateHandle(handle string) error {
	if len(handle) < MinHandleLength || len(handle) > MaxHandleLength {
		return apperror.ValidationFailed("handle",
			fmt.Sprintf("handle must be %d-%d characters", MinHandleLength, MaxHandleLength))
	}
	if !handlePattern.MatchString(handle) {
		return apperror.ValidationFailed("handle",
			"handle may only contain lowercase letters, digits, '-' and '.' and must start and end with a letter or digit")
	}
	if strings.Trim(handle, "0123456789") == "" {
		return apperror.ValidationFailed("handle", "handle must not be all digits")
	}
	return nil
}

// DIDExists asks the oracle whether a DID's numeric identifier is registered.
// Returns ErrNotResolvable for DIDs without a numeric identifier.
func DIDExists(ctx context.Context, oracle Oracle, did string) (bool, error) {
	id, ok := NumericID(did)
	if !ok {
		return false, ErrNotResolvable
	}
	return oracle.IdentifierExists(ctx, id)
}
