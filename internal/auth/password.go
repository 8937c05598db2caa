// PDS account passwords.
//
// Passwords are stored as bcrypt hashes. The hash string carries its own salt and cost
// ("$2a$12$..."), so the accounts table needs a single password_hash column and old
// hashes keep verifying after the configured cost changes.
//
// Replicated accounts never carry a hash: a user signs in at their home PDS only.

package auth

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/relaynet/internal/apperror"
)

// defaultCost applies when auth.bcrypt_cost is unset. Roughly 250ms per hash on a
// current server core.
const defaultCost = 12

// Password length rules for PDS accounts. bcrypt silently truncates input longer than
// 72 bytes, so longer passwords are rejected instead.
const (
	MinPasswordLength = 8
	MaxPasswordBytes  = 72
)

// ErrInvalidPassword is returned by Verify when the password does not match.
var ErrInvalidPassword = errors.New("auth: invalid password")

// PasswordService hashes and checks account passwords at a fixed bcrypt cost.
type PasswordService struct {
	cost int
}

// NewPasswordService creates a PasswordService with the given bcrypt cost.
// A cost of 0 (unset in config) means the default of 12. Values outside bcrypt's range
// are clamped.
//
// Tests in other packages pass bcrypt.MinCost (4) to avoid the ~250ms overhead of
// cost 12 per hashing operation. Do NOT use cost 4 in production.
func NewPasswordService(cost int) *PasswordService {
	switch {
	case cost == 0:
		cost = defaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &PasswordService{cost: cost}
}

// Hash returns the bcrypt hash of plaintext.
//
// Length violations come back as apperror validation errors on the "password" field,
// so the PDS handler can report them as 400s without inspecting strings.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if utf8.RuneCountInString(plaintext) < MinPasswordLength {
		return "", apperror.ValidationFailed("password",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(plaintext) > MaxPasswordBytes {
		return "", apperror.ValidationFailed("password",
			fmt.Sprintf("password must be %d bytes or fewer", MaxPasswordBytes))
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify reports ErrInvalidPassword when plaintext does not match hash. Other errors
// mean the stored hash itself is unreadable.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidPassword
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
