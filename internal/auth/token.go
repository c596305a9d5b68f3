package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing = errors.New("access token required")
	ErrTokenExpired = errors.New("access token expired")
	ErrTokenInvalid = errors.New("invalid access token")
)

type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 access tokens.
type TokenManager struct {
	secret []byte
	now    func() time.Time
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret), now: time.Now}
}

func (m *TokenManager) Issue(claims Claims, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("secret required")
	}
	now := m.now()
	tc := tokenClaims{
		Role: claims.Role,
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
	if len(m.secret) == 0 {
		return Claims{}, errors.New("secret required")
	}
	if token == "" {
		return Claims{}, ErrTokenMissing
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}
	return toClaims(tc), nil
}

// Inspect reads the claims of a JWT without checking its signature. The
// client never holds the signing secret; this is only used to fail fast on a
// token the server would reject anyway.
func Inspect(token string) (Claims, bool) {
	if strings.Count(token, ".") != 2 {
		return Claims{}, false
	}
	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return Claims{}, false
	}
	return toClaims(&tc), true
}

// CheckExpiry rejects an empty token and a JWT whose exp is not after now.
// Opaque (non-JWT) tokens pass; the server is the authority for those.
func CheckExpiry(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return ErrTokenMissing
	}
	claims, ok := Inspect(token)
	if !ok || claims.ExpiresAt.IsZero() {
		return nil
	}
	if !now.Before(claims.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

func toClaims(tc *tokenClaims) Claims {
	out := Claims{Subject: tc.Subject, Role: tc.Role}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time
	}
	return out
}
