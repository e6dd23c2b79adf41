package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validation failures. Everything a caller needs to branch on is one of
// these; the wrapped cause carries the detail for logs.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrUnknownAPIKey = errors.New("unknown api key")
)

// TokenValidator turns a presented credential into a Subject. Implemented
// here for JWTs and static API keys; deployments with an external identity
// service plug their own implementation in.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Subject, error)
	ValidateAPIKey(ctx context.Context, key string) (*Subject, error)
}

// Claims is the JWT claim set issued by the auth REST layer.
type Claims struct {
	UserID   string   `json:"userId"`
	ClientID string   `json:"clientId"`
	CanRead  []string `json:"canRead,omitempty"`
	CanWrite []string `json:"canWrite,omitempty"`
	IsAdmin  bool     `json:"isAdmin,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 tokens and a fixed API-key table.
type JWTValidator struct {
	secretKey     []byte
	tokenDuration time.Duration
	apiKeys       map[string]Subject
}

// NewJWTValidator builds a validator for the given signing secret. apiKeys
// may be nil when API-key auth is not deployed.
func NewJWTValidator(secretKey string, tokenDuration time.Duration, apiKeys map[string]Subject) *JWTValidator {
	return &JWTValidator{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		apiKeys:       apiKeys,
	}
}

// Generate signs a token for the given subject. Used by the REST layer and
// by tests; the sync core itself only validates.
func (v *JWTValidator) Generate(sub Subject) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   sub.UserID,
		ClientID: sub.ClientID,
		CanRead:  sub.Permissions.CanRead,
		CanWrite: sub.Permissions.CanWrite,
		IsAdmin:  sub.Permissions.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "synckit-sync-server",
			Subject:   sub.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// ValidateToken parses and verifies an HS256 token and maps its claims to a
// Subject.
func (v *JWTValidator) ValidateToken(_ context.Context, tokenString string) (*Subject, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}

	sub := &Subject{
		UserID:   claims.UserID,
		ClientID: claims.ClientID,
		Permissions: Permissions{
			CanRead:  claims.CanRead,
			CanWrite: claims.CanWrite,
			IsAdmin:  claims.IsAdmin,
		},
	}
	if claims.ExpiresAt != nil {
		sub.ExpiresAt = claims.ExpiresAt.Time
	}
	if sub.ClientID == "" {
		sub.ClientID = sub.UserID
	}
	return sub, nil
}

// ValidateAPIKey looks the key up in the static table.
func (v *JWTValidator) ValidateAPIKey(_ context.Context, key string) (*Subject, error) {
	sub, ok := v.apiKeys[key]
	if !ok {
		return nil, ErrUnknownAPIKey
	}
	out := sub
	return &out, nil
}
