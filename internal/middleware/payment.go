package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/oauth2"
)

// PAYMENT GATE (x402):
//
//	client ──request──────────────────────► Gateway
//	       ◄──402 {accepts:[requirements]}──           no X-PAYMENT header
//	client ──request + X-PAYMENT: <proof>──► Gateway ──POST /verify──► facilitator
//	                                                ◄──{isValid}───────
//	       ◄──200 (handler ran) or 402 (rejected) or 502 (facilitator down)
//
// The Gateway never settles payments itself; whether a proof is good is entirely the
// facilitator's call.

// PaymentHeader carries the client's payment proof.
const PaymentHeader = "X-PAYMENT"

const x402Version = 1

// PaymentRequirements is one accepted way to pay, as advertised in the challenge.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// Challenge is the 402 response body.
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
	ChallengeID string                `json:"challengeId"`
}

// Verdict is the facilitator's answer.
type Verdict struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Verifier decides whether a payment proof covers req. An error means the verifier
// could not be asked, not that the payment is bad.
type Verifier interface {
	Verify(ctx context.Context, payment string, req PaymentRequirements) (Verdict, error)
}

// PaymentConfig describes what the Gateway charges.
type PaymentConfig struct {
	Network     string
	Asset       string
	PayTo       string
	Price       string // atomic units of Asset
	Description string
	Timeout     time.Duration
}

// HTTPVerifier asks an x402 facilitator at POST {baseURL}/verify.
type HTTPVerifier struct {
	baseURL string
	client  *http.Client
}

var _ Verifier = (*HTTPVerifier)(nil)

// NewHTTPVerifier creates a facilitator client. apiKey may be empty.
func NewHTTPVerifier(baseURL, apiKey string, timeout time.Duration) *HTTPVerifier {
	client := &http.Client{Timeout: timeout}
	if apiKey != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), ts)
		client.Timeout = timeout
	}
	return &HTTPVerifier{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (v *HTTPVerifier) Verify(ctx context.Context, payment string, req PaymentRequirements) (Verdict, error) {
	body, err := json.Marshal(map[string]any{
		"x402Version":         x402Version,
		"paymentHeader":       payment,
		"paymentRequirements": req,
	})
	if err != nil {
		return Verdict{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("payment verifier: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Verdict{}, fmt.Errorf("payment verifier: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Verdict{}, fmt.Errorf("payment verifier: decoding verdict: %w", err)
	}
	return verdict, nil
}

// Payment gates next behind the verifier. A nil verifier disables the gate.
func Payment(v Verifier, cfg PaymentConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "payment"))
	timeoutSeconds := int(cfg.Timeout / time.Second)
	if timeoutSeconds <= 0 {
		timeoutSeconds = 60
	}

	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := PaymentRequirements{
				Scheme:            "exact",
				Network:           cfg.Network,
				MaxAmountRequired: cfg.Price,
				Resource:          r.URL.Path,
				Description:       cfg.Description,
				MimeType:          "application/json",
				PayTo:             cfg.PayTo,
				MaxTimeoutSeconds: timeoutSeconds,
				Asset:             cfg.Asset,
			}

			proof := r.Header.Get(PaymentHeader)
			if proof == "" {
				challenge(w, req, "X-PAYMENT header is required")
				return
			}

			verdict, err := v.Verify(r.Context(), proof, req)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("payment verifier unreachable", slog.String("path", r.URL.Path), slog.Any("error", err))
				writeError(w, http.StatusBadGateway, "upstream_unavailable", "payment verifier unavailable")
				return
			}
			if !verdict.IsValid {
				logger.Info("payment rejected", slog.String("path", r.URL.Path), slog.String("reason", verdict.InvalidReason))
				reason := "payment rejected"
				if verdict.InvalidReason != "" {
					reason += ": " + verdict.InvalidReason
				}
				challenge(w, req, reason)
				return
			}
			logger.Debug("payment accepted", slog.String("path", r.URL.Path), slog.String("payer", verdict.Payer))
			next.ServeHTTP(w, r)
		})
	}
}

func challenge(w http.ResponseWriter, req PaymentRequirements, reason string) {
	writeBody(w, http.StatusPaymentRequired, Challenge{
		X402Version: x402Version,
		Error:       reason,
		Accepts:     []PaymentRequirements{req},
		ChallengeID: xid.New().String(),
	})
}
