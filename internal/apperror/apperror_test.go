package apperror

import (
	"errors"
	"io"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("message", "0xabc"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("handle", "handle is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "Rejected wraps ErrValidation",
			err:       Rejected("HashMismatch", "hash does not match content"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "Conflict wraps ErrConflict",
			err:       Conflict("account", "alice"),
			target:    ErrConflict,
			wantMatch: true,
		},
		{
			name:      "Upstream wraps ErrUpstream",
			err:       Upstream("http://hub", io.EOF),
			target:    ErrUpstream,
			wantMatch: true,
		},
		{
			name:      "Upstream also matches its cause",
			err:       Upstream("http://hub", io.EOF),
			target:    io.EOF,
			wantMatch: true,
		},
		{
			name:      "NotFound does NOT match ErrValidation",
			err:       NotFound("record", "at://x"),
			target:    ErrValidation,
			wantMatch: false,
		},
		{
			name:      "Replication does NOT match ErrUpstream",
			err:       Replication("peer", io.EOF),
			target:    ErrUpstream,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("message", "0xabc"),
			wantMessage: "message not found with id 0xabc",
		},
		{
			name:        "ValidationFailed uses custom message",
			err:         ValidationFailed("handle", "handle is required"),
			wantMessage: "handle is required",
		},
		{
			name:        "Conflict message includes resource and id",
			err:         Conflict("account", "alice"),
			wantMessage: "account conflict with id alice",
		},
		{
			name:        "Upstream message includes cause",
			err:         Upstream("http://pds", io.ErrUnexpectedEOF),
			wantMessage: "upstream http://pds unavailable: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestReasonOf(t *testing.T) {
	err := Rejected("TooLong", "text exceeds 280 characters")
	wrapped := errors.Join(errors.New("submitting"), err)

	if got := ReasonOf(wrapped); got != "TooLong" {
		t.Errorf("ReasonOf() = %q, want %q", got, "TooLong")
	}
	if got := ReasonOf(io.EOF); got != "" {
		t.Errorf("ReasonOf(plain error) = %q, want empty", got)
	}
}

func TestValidationFailedField(t *testing.T) {
	err := ValidationFailed("email", "invalid email format")

	if err.Field != "email" {
		t.Errorf("Field = %q, want %q", err.Field, "email")
	}
}
