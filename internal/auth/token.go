package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/v0ropaev/image-processing-service/internal/config"
)

var (
	// ErrTokenExpired means the credential was valid but is past its TTL.
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenInvalid covers malformed, tampered or wrongly signed tokens.
	ErrTokenInvalid = errors.New("invalid token")
)

// TokenManager issues and validates the bearer credentials handed out at
// registration and login. Tokens carry the user's email as subject claim.
type TokenManager struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
}

func NewTokenManager(cfg config.AuthConfig) *TokenManager {
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	// Zero means the config left the TTL unset; any other value is honored
	// as given, negative included.
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &TokenManager{
		secret: []byte(cfg.SigningSecret),
		method: method,
		ttl:    ttl,
	}
}

// Issue signs a fresh token for email, valid for the configured TTL.
func (m *TokenManager) Issue(email string) (string, error) {
	claims := jwt.MapClaims{
		"email": email,
		"exp":   jwt.NewNumericDate(time.Now().Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns the email it was issued for.
func (m *TokenManager) Parse(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenInvalid
	}
	email, ok := claims["email"].(string)
	if !ok || email == "" {
		return "", ErrTokenInvalid
	}
	return email, nil
}
