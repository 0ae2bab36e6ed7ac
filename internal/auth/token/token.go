// Package token mints and verifies the short-lived bearer tokens handed to
// clients after a successful login.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/opsdeck/opsdeck/internal/auth/role"
	apperrors "github.com/opsdeck/opsdeck/internal/platform/errors"
)

const issuer = "opsdeck"

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Secret string        `env:"OPSDECK_TOKEN_SECRET"`
	TTL    time.Duration `env:"OPSDECK_TOKEN_TTL" envDefault:"12h"`
}

// Config defines how bearer tokens are signed and validated.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// LoadConfigFromEnv reads token configuration from environment variables.
//
// When no secret is configured a random one is generated, which keeps dev
// setups working at the cost of invalidating tokens across restarts.
func LoadConfigFromEnv() (Config, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse token env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return Config{}, fmt.Errorf("generate token secret: %w", err)
		}
		secret = base64.RawStdEncoding.EncodeToString(generated)
	}
	ttl := raw.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return Config{
		Secret: []byte(secret),
		TTL:    ttl,
		Now:    time.Now,
	}, nil
}

// sessionClaims is the internal claims type used for JWT parsing.
type sessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Mint signs a bearer token binding a user id and role.
func Mint(cfg Config, userID string, userRole role.Role) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", fmt.Errorf("token secret is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	issuedAt := now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(cfg.TTL)),
		},
		Role: string(userRole),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a bearer token and returns the identity it binds.
func Verify(cfg Config, tokenString string) (role.Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return role.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return cfg.Secret, nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now().UTC() }),
	)
	if err != nil || !parsed.Valid {
		return role.Identity{}, apperrors.Wrap(apperrors.CodeUnauthenticated, "invalid token", err)
	}
	parsedRole, err := role.ParseRole(claims.Role)
	if err != nil {
		return role.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "invalid token role")
	}
	if claims.Subject == "" {
		return role.Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "invalid token subject")
	}
	return role.Identity{UserID: claims.Subject, Role: parsedRole}, nil
}
