// Package identity issues anonymous device principals and the session tokens
// carried by HTTP clients.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrSecretRequired = errors.New("jwt secret not configured")
	ErrInvalidToken   = errors.New("invalid token")
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

const (
	kindDevice  = "device"
	kindSession = "session"

	DefaultSessionTTL = 12 * time.Hour
)

// Principal is a stable identity bound to a device token.
type Principal struct {
	ID    string
	Token string
}

// Provider yields the principal id used as an operator's document id.
type Provider interface {
	IssueAnonymous(ctx context.Context, deviceToken string) (Principal, error)
}

type claims struct {
	jwt.RegisteredClaims
	Kind string `json:"kind"`
	Role Role   `json:"role,omitempty"`
}

// SessionClaims is the verified content of a session token.
type SessionClaims struct {
	Subject string
	Role    Role
}

type JWTProvider struct {
	Secret     []byte
	Issuer     string
	SessionTTL time.Duration
	Now        func() time.Time
}

var _ Provider = (*JWTProvider)(nil)

func NewJWTProvider(secret string) (*JWTProvider, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	return &JWTProvider{
		Secret:     []byte(secret),
		Issuer:     "opsync",
		SessionTTL: DefaultSessionTTL,
		Now:        time.Now,
	}, nil
}

func (p *JWTProvider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// IssueAnonymous returns the principal of a valid device token, or a fresh
// principal with a new device token when the token is empty or not ours.
func (p *JWTProvider) IssueAnonymous(ctx context.Context, deviceToken string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	if deviceToken != "" {
		if c, err := p.parse(deviceToken, kindDevice); err == nil {
			return Principal{ID: c.Subject, Token: deviceToken}, nil
		}
	}
	id := uuid.NewString()
	token, err := p.sign(claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id,
			Issuer:   p.Issuer,
			IssuedAt: jwt.NewNumericDate(p.now()),
		},
		Kind: kindDevice,
	})
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: id, Token: token}, nil
}

// IssueSession signs a bearer token for subject with the given role.
func (p *JWTProvider) IssueSession(subject string, role Role) (string, error) {
	if subject == "" {
		return "", errors.New("subject required")
	}
	ttl := p.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := p.now()
	return p.sign(claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    p.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: kindSession,
		Role: role,
	})
}

func (p *JWTProvider) ParseSession(token string) (SessionClaims, error) {
	c, err := p.parse(token, kindSession)
	if err != nil {
		return SessionClaims{}, err
	}
	switch c.Role {
	case RoleOperator, RoleAdmin:
	default:
		return SessionClaims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return SessionClaims{Subject: c.Subject, Role: c.Role}, nil
}

func (p *JWTProvider) sign(c claims) (string, error) {
	if len(p.Secret) == 0 {
		return "", ErrSecretRequired
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (p *JWTProvider) parse(token, kind string) (*claims, error) {
	if len(p.Secret) == 0 {
		return nil, ErrSecretRequired
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return p.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: subject claim required", ErrInvalidToken)
	}
	if c.Kind != kind {
		return nil, fmt.Errorf("%w: expected %s token", ErrInvalidToken, kind)
	}
	return c, nil
}
