package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type"`
}

// TokenPair is returned on login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type IssuerConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Issuer signs and verifies HS256 access and refresh tokens.
type Issuer struct {
	cfg IssuerConfig
	now func() time.Time
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 60 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 24 * time.Hour
	}
	return &Issuer{cfg: cfg, now: time.Now}
}

// Issue creates a fresh access/refresh pair for the user.
func (i *Issuer) Issue(userID uuid.UUID, role Role, username string) (TokenPair, error) {
	access, err := i.sign(userID, role, username, TokenTypeAccess, i.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.sign(userID, role, username, TokenTypeRefresh, i.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// IssueAccess creates a new access token only.
func (i *Issuer) IssueAccess(userID uuid.UUID, role Role, username string) (string, error) {
	return i.sign(userID, role, username, TokenTypeAccess, i.cfg.AccessTTL)
}

func (i *Issuer) sign(userID uuid.UUID, role Role, username, tokenType string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:      string(role),
		Username:  username,
		TokenType: tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// Verify parses tokenStr and checks its signature, expiry and type.
func (i *Issuer) Verify(tokenStr, tokenType string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}
	if i.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.cfg.Secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != tokenType {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Actor converts verified claims into a service actor.
func (c *Claims) Actor() (Actor, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return Actor{}, ErrInvalidToken
	}
	role, err := ParseRole(c.Role)
	if err != nil {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: id, Role: role}, nil
}
