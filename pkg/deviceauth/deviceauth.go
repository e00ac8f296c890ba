package deviceauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid device token")
	ErrTokenExpired = errors.New("device token expired")
	ErrTokenRevoked = errors.New("device token revoked")
)

// Principal identifies an authenticated device agent.
type Principal struct {
	FamilyID string
	DeviceID string
	TokenID  string
}

type contextKey string

const principalContextKey contextKey = "guardian.device"

// Token is a stored device credential. The opaque bearer value is
// never persisted; only its peppered hash is.
type Token struct {
	TokenID   string
	FamilyID  string
	DeviceID  string
	TokenHash string
	Revoked   bool
	ExpiresAt time.Time
}

// TokenStore resolves peppered token hashes and records liveness.
type TokenStore interface {
	GetByHash(ctx context.Context, tokenHash string) (Token, error)
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// HashToken derives the lookup key for an opaque bearer token using a
// fixed application-wide pepper. Plaintext tokens are never stored or
// compared directly.
func HashToken(pepper, token string) string {
	h := sha256.Sum256([]byte(pepper + token))
	return hex.EncodeToString(h[:])
}

// Authenticator validates device bearer tokens.
type Authenticator struct {
	Store  TokenStore
	Pepper string
	now    func() time.Time
}

func New(store TokenStore, pepper string) *Authenticator {
	return &Authenticator{Store: store, Pepper: pepper, now: func() time.Time { return time.Now().UTC() }}
}

// Authenticate resolves a bearer token to a device principal and
// updates the device's last-seen timestamp as a side effect.
func (a *Authenticator) Authenticate(ctx context.Context, bearer string) (Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Principal{}, ErrInvalidToken
	}
	tok, err := a.Store.GetByHash(ctx, HashToken(a.Pepper, bearer))
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	if tok.Revoked {
		return Principal{}, ErrTokenRevoked
	}
	if !tok.ExpiresAt.IsZero() && a.now().After(tok.ExpiresAt) {
		return Principal{}, ErrTokenExpired
	}
	// Best effort: a failed touch must not reject a valid device.
	_ = a.Store.TouchLastSeen(ctx, tok.DeviceID, a.now())
	return Principal{FamilyID: tok.FamilyID, DeviceID: tok.DeviceID, TokenID: tok.TokenID}, nil
}

// Middleware authenticates device endpoints and stores the principal
// in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		principal, err := a.Authenticate(r.Context(), header[len("Bearer "):])
		if err != nil {
			http.Error(w, "invalid device token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// SetNow overrides the clock for tests.
func (a *Authenticator) SetNow(now func() time.Time) { a.now = now }
