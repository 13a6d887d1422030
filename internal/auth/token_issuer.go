package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 24 * time.Hour

	// ScopeCompletionsWrite lets verification collaborators record task completions.
	ScopeCompletionsWrite = "completions:write"
	// ScopeRewardsRead lets claim collaborators read completion state and request vouchers.
	ScopeRewardsRead = "rewards:read"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingCaller        = errors.New("caller must be provided")
	errMissingScopes        = errors.New("at least one scope must be provided")
	errUnknownScope         = errors.New("unknown scope")
)

// KnownScopes lists every scope the API recognizes.
func KnownScopes() []string {
	return []string{ScopeCompletionsWrite, ScopeRewardsRead}
}

// CallerClaims is the JWT payload carried by collaborator services.
type CallerClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// HasScope reports whether the claims grant scope.
func (c CallerClaims) HasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}

// TokenIssuerConfig configures the caller token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints HS256 tokens for collaborator services.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. A zero TTL falls back to 24 hours.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// IssueCallerToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueCallerToken(_ context.Context, caller string, scopes []string) (string, int64, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return "", 0, errMissingCaller
	}
	if len(scopes) == 0 {
		return "", 0, errMissingScopes
	}
	for _, scope := range scopes {
		if !isKnownScope(scope) {
			return "", 0, fmt.Errorf("%w: %s", errUnknownScope, scope)
		}
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL).UTC()

	claims := CallerClaims{
		Scopes: append([]string(nil), scopes...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

func isKnownScope(scope string) bool {
	for _, known := range KnownScopes() {
		if known == scope {
			return true
		}
	}
	return false
}
