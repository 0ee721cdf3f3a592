package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "gatewarden"

type claims struct {
	Role       Role     `json:"role"`
	Facilities []string `json:"facilities,omitempty"`
	jwt.RegisteredClaims
}

// Tokens mints and verifies HS256 bearer tokens for operators, gateways and tenants.
type Tokens struct {
	key []byte
	now func() time.Time
}

// NewTokens returns a Tokens keyed with the shared signing secret.
func NewTokens(signingKey string) (*Tokens, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, errors.New("signing key is required")
	}
	return &Tokens{key: []byte(signingKey), now: time.Now}, nil
}

// Mint returns a signed token for p valid for ttl.
func (t *Tokens) Mint(p Principal, ttl time.Duration) (string, error) {
	if t == nil {
		return "", errors.New("nil tokens")
	}
	if p.Subject == "" {
		return "", errors.New("subject is required")
	}
	if !p.Role.Valid() {
		return "", fmt.Errorf("unknown role %q", p.Role)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := t.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:       p.Role,
		Facilities: p.Facilities,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(t.key)
}

// Verify parses raw and returns the principal it carries.
func (t *Tokens) Verify(raw string) (Principal, error) {
	if t == nil {
		return Principal{}, errors.New("nil tokens")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}

	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Subject == "" || !c.Role.Valid() {
		return Principal{}, fmt.Errorf("%w: incomplete claims", ErrUnauthenticated)
	}

	return Principal{Subject: c.Subject, Role: c.Role, Facilities: c.Facilities}, nil
}

// Middleware authenticates the Authorization bearer header and stores the principal on the request context.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		p, err := t.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireRole rejects principals that do not satisfy allow.
func RequireRole(allow func(Principal) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "bearer token required")
				return
			}
			if !allow(p) {
				writeError(w, http.StatusForbidden, ErrForbidden.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Must returns the principal from ctx or a zero principal that no scope check accepts.
func Must(ctx context.Context) Principal {
	p, _ := FromContext(ctx)
	return p
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "{%q:%q}\n", "error", msg)
}
