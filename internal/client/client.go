// Package client holds the HTTP clients one relaynet service uses to talk to another:
// the Gateway calls Hubs and PDS nodes, PDS nodes call each other for replication.
//
// Every non-2xx response is decoded from the shared error body and turned back into
// the apperror sentinel the remote side started from, so a 404 from a PDS is an
// apperror.ErrNotFound here. Transport failures and 5xx become apperror.ErrUpstream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/relaynet/internal/apperror"
)

const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrorBody is the error shape every relaynet service writes.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Field   string `json:"field,omitempty"`
}

// base is the JSON-over-HTTP plumbing shared by HubClient and PDSClient.
type base struct {
	http *http.Client
}

// newBase builds the underlying client. A non-empty token is sent as a bearer token on
// every request.
func newBase(timeout time.Duration, token string) base {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := &http.Client{Timeout: timeout}
	if token != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		hc.Timeout = timeout
	}
	return base{http: hc}
}

// do sends body (if not nil) as JSON and decodes a 2xx response into out (if not nil).
func (b base) do(ctx context.Context, method, endpoint, path string, body, out any) error {
	endpoint = strings.TrimRight(endpoint, "/")
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request to %s%s: %w", endpoint, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("building request to %s%s: %w", endpoint, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return apperror.Upstream(endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(endpoint, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperror.Upstream(endpoint, fmt.Errorf("decoding response from %s: %w", path, err))
	}
	return nil
}

// decodeError maps a remote error response back onto the apperror taxonomy.
func decodeError(endpoint string, resp *http.Response) error {
	var body ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
		if body.Message == "" {
			body.Message = resp.Status
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		if body.Reason != "" {
			return apperror.Rejected(body.Reason, body.Message)
		}
		return apperror.ValidationFailed(body.Field, body.Message)
	case http.StatusUnauthorized:
		return apperror.Unauthorized(body.Message)
	case http.StatusForbidden:
		return apperror.Forbidden(body.Message)
	case http.StatusNotFound:
		return &apperror.AppError{Err: apperror.ErrNotFound, Message: body.Message}
	case http.StatusConflict:
		return &apperror.AppError{Err: apperror.ErrConflict, Message: body.Message}
	default:
		return apperror.Upstream(endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, body.Message))
	}
}
