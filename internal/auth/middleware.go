package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// contextKey is an unexported type used for context keys in this package.
//
// WHY A CUSTOM TYPE FOR CONTEXT KEYS?
// context.WithValue uses any as the key type. If you use a plain string like
// context.WithValue(ctx, "did", id), ANY package that knows the string "did"
// can read or shadow your value. Using a package-private type prevents collisions.
type contextKey string

const (
	didKey     contextKey = "did"
	serviceKey contextKey = "service"
)

var errNoBearer = errors.New("auth: missing bearer token")

// RequireAuth enforces authentication on PDS write routes.
//
// Two kinds of caller get through:
//   - an account, with "Authorization: Bearer <accessJwt>"; its DID goes in the context
//   - a trusted relaynet service (the Gateway, a peer PDS) presenting the shared service
//     token; ServiceFromContext reports true and the handler decides what it may do
//
// An empty serviceToken disables the second path.
//
// MIDDLEWARE PATTERN IN GO:
// A middleware is a function that takes an http.Handler and returns a new
// http.Handler. The new handler "wraps" the original:
//
//	func Middleware(next http.Handler) http.Handler {
//	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        // ... do stuff before the handler ...
//	        next.ServeHTTP(w, r)
//	    })
//	}
func RequireAuth(tokens *TokenService, serviceToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, err := bearerToken(r)
			if err != nil {
				unauthorized(w, "AuthenticationRequired", "valid authentication required")
				return
			}
			if serviceToken != "" && tokenEqual(bearer, serviceToken) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceKey, true)))
				return
			}
			if tokens == nil {
				unauthorized(w, "AuthenticationRequired", "valid authentication required")
				return
			}
			did, err := tokens.Validate(bearer, ScopeAccess)
			if err != nil {
				name := "InvalidToken"
				if errors.Is(err, ErrTokenExpired) {
					name = "ExpiredToken"
				}
				unauthorized(w, name, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), didKey, did)))
		})
	}
}

// RequireServiceToken guards the peer-to-peer endpoints. An empty token leaves them
// open, which is only meant for local development.
func RequireServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer, err := bearerToken(r)
			if err != nil || !tokenEqual(bearer, token) {
				unauthorized(w, "AuthenticationRequired", "service token required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceKey, true)))
		})
	}
}

// IdentifyService marks requests carrying the service token without blocking anyone
// else. Public endpoints that accept a privileged payload (account provisioning) use it
// and check ServiceFromContext themselves.
func IdentifyService(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				if bearer, err := bearerToken(r); err == nil && tokenEqual(bearer, token) {
					r = r.WithContext(context.WithValue(r.Context(), serviceKey, true))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalAuth extracts the account DID if a valid access token is present, but does
// NOT block the request if it's missing or invalid.
//
// The Gateway uses it so a signed-in viewer gets their own votes marked on feeds,
// while anonymous reads still work.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens != nil {
				if bearer, err := bearerToken(r); err == nil {
					if did, err := tokens.Validate(bearer, ScopeAccess); err == nil {
						r = r.WithContext(context.WithValue(r.Context(), didKey, did))
					}
				}
			}
			// Always continue, no 401 even if no token
			next.ServeHTTP(w, r)
		})
	}
}

// DIDFromContext retrieves the authenticated account's DID from the request context.
//
// Usage in handlers:
//
//	did, ok := auth.DIDFromContext(r.Context())
//	if !ok {
//	    // anonymous or service caller
//	}
func DIDFromContext(ctx context.Context) (string, bool) {
	did, ok := ctx.Value(didKey).(string)
	return did, ok && did != ""
}

// ServiceFromContext reports whether the caller presented the service token.
func ServiceFromContext(ctx context.Context) bool {
	ok, _ := ctx.Value(serviceKey).(bool)
	return ok
}

// WithDID returns a context carrying did as the authenticated account. Handler tests use
// it instead of minting tokens.
func WithDID(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, didKey, did)
}

// bearerToken reads "Authorization: Bearer <token>".
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errNoBearer
	}
	return strings.TrimSpace(token), nil
}

// tokenEqual compares in constant time.
func tokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// unauthorized writes an XRPC-style error body.
func unauthorized(w http.ResponseWriter, name, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": name, "message": message})
}
