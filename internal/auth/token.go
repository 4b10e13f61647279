// Package auth issues and validates the HMAC-signed bearer tokens used by
// the HTTP and websocket surfaces. Identity onboarding happens upstream;
// this service only vouches for tokens it minted itself.
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
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// Identity is the authenticated principal carried by a validated token.
type Identity struct {
	UserID   string
	Username string
	Admin    bool
}

// tokenClaims extends the registered claim set with the caller's display
// name and admin flag.
type tokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

// TokenServiceConfig configures the token issuer and validator.
type TokenServiceConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenService issues and validates bearer tokens.
type TokenService struct {
	config TokenServiceConfig
	clock  func() time.Time
}

// NewTokenService constructs a TokenService with sane defaults.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errMissingIssuer
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{
		config: TokenServiceConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}, nil
}

// IssueToken produces a signed JWT and its expiry (seconds) for the identity.
func (s *TokenService) IssueToken(_ context.Context, identity Identity) (string, int64, error) {
	if len(s.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if identity.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.config.TokenTTL).UTC()

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    s.config.Issuer,
			Audience:  []string{s.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Username: identity.Username,
		Admin:    identity.Admin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the token is well formed and returns its identity.
func (s *TokenService) ValidateToken(tokenString string) (Identity, error) {
	if len(s.config.SigningSecret) == 0 {
		return Identity{}, errMissingSigningSecret
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return s.config.SigningSecret, nil
		},
		jwt.WithAudience(s.config.Audience),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return Identity{}, err
	}
	if claims.Subject == "" {
		return Identity{}, errMissingSubjectClaim
	}
	return Identity{UserID: claims.Subject, Username: claims.Username, Admin: claims.Admin}, nil
}
