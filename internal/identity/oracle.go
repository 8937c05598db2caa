// Package identity talks to the read-only Identity Oracle and parses account identifiers.
//
// The Oracle answers three questions about the on-chain registry:
//   - does numeric identifier N exist?
//   - is this signing key currently valid?
//   - which identifier (if any) owns this wallet address?
//
// Nothing here writes to the chain.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/relaynet/internal/apperror"
)

// Oracle is the read-only view of the identity registry the services depend on.
type Oracle interface {
	IdentifierExists(ctx context.Context, id string) (bool, error)
	KeyValid(ctx context.Context, key string) (bool, error)
	ResolveWallet(ctx context.Context, address string) (id string, registered bool, err error)
}

// HTTPOracle queries an Oracle over HTTP. Requests carry a bearer API key when one is configured.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

var _ Oracle = (*HTTPOracle)(nil)

// NewHTTPOracle creates an Oracle client for baseURL. apiKey may be empty.
func NewHTTPOracle(baseURL, apiKey string, timeout time.Duration) *HTTPOracle {
	client := &http.Client{Timeout: timeout}
	if apiKey != "" {
		// oauth2.NewClient attaches "Authorization: Bearer <key>" to every request.
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), ts)
		client.Timeout = timeout
	}
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (o *HTTPOracle) IdentifierExists(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	found, err := o.get(ctx, "/v1/identifiers/"+url.PathEscape(id), &resp)
	if err != nil || !found {
		return false, err
	}
	return resp.Exists, nil
}

func (o *HTTPOracle) KeyValid(ctx context.Context, key string) (bool, error) {
	var resp struct {
		Valid bool `json:"valid"`
	}
	found, err := o.get(ctx, "/v1/keys/"+url.PathEscape(key), &resp)
	if err != nil || !found {
		return false, err
	}
	return resp.Valid, nil
}

func (o *HTTPOracle) ResolveWallet(ctx context.Context, address string) (string, bool, error) {
	var resp struct {
		ID         json.Number `json:"id"`
		Registered bool        `json:"registered"`
	}
	found, err := o.get(ctx, "/v1/wallets/"+url.PathEscape(strings.ToLower(address)), &resp)
	if err != nil || !found {
		return "", false, err
	}
	if !resp.Registered || resp.ID == "" || resp.ID == "0" {
		return "", false, nil
	}
	return resp.ID.String(), true, nil
}

// get performs a GET and decodes the body into out. A 404 is reported as found=false.
func (o *HTTPOracle) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("identity: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return false, apperror.Upstream(o.baseURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, apperror.Upstream(o.baseURL, fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, apperror.Upstream(o.baseURL, fmt.Errorf("decoding response: %w", err))
	}
	return true, nil
}

// StaticOracle is an in-memory Oracle. It backs local development and tests.
type StaticOracle struct {
	mu          sync.RWMutex
	identifiers map[string]bool
	keys        map[string]bool
	wallets     map[string]string
}

var _ Oracle = (*StaticOracle)(nil)

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		identifiers: make(map[string]bool),
		keys:        make(map[string]bool),
		wallets:     make(map[string]string),
	}
}

// Register adds identifier id and optionally binds a wallet address to it.
func (o *StaticOracle) Register(id, wallet string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.identifiers[id] = true
	if wallet != "" {
		o.wallets[strings.ToLower(wallet)] = id
	}
}

// AddKey marks a signing key (hex) as valid.
func (o *StaticOracle) AddKey(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys[strings.ToLower(key)] = true
}

// RevokeKey marks a signing key as no longer valid.
func (o *StaticOracle) RevokeKey(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.keys, strings.ToLower(key))
}

func (o *StaticOracle) IdentifierExists(_ context.Context, id string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.identifiers[id], nil
}

func (o *StaticOracle) KeyValid(_ context.Context, key string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.keys[strings.ToLower(key)], nil
}

func (o *StaticOracle) ResolveWallet(_ context.Context, address string) (string, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.wallets[strings.ToLower(address)]
	return id, ok, nil
}
