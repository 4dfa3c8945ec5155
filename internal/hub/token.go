package hub

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const ScopeAdmin = "admin"

var (
	ErrUnauthorized  = errors.New("unauthorized")
	errSecretMissing = errors.New("secret required")
)

// Claims authorize calls to the relay's admin API.
type Claims struct {
	Subject   string
	Scope     string
	ExpiresAt time.Time
}

type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

func (m *TokenManager) Enabled() bool {
	return m != nil && len(m.secret) > 0
}

func (m *TokenManager) Issue(claims Claims, ttl time.Duration) (string, error) {
	if !m.Enabled() {
		return "", errSecretMissing
	}
	now := time.Now()
	tc := tokenClaims{
		Scope: claims.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	return token.SignedString(m.secret)
}

func (m *TokenManager) Verify(token string) (Claims, error) {
	if !m.Enabled() {
		return Claims{}, errSecretMissing
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	out := Claims{
		Subject: claims.Subject,
		Scope:   claims.Scope,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// VerifyAdmin accepts only unexpired tokens carrying the admin scope.
func (m *TokenManager) VerifyAdmin(token string) (Claims, error) {
	claims, err := m.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Scope != ScopeAdmin {
		return Claims{}, ErrUnauthorized
	}
	return claims, nil
}
