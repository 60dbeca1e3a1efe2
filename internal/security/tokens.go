package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokensDisabled = errors.New("security: token minting is disabled")
	ErrInvalidToken   = errors.New("security: invalid or expired token")
)

// tokenClaims is the signed payload spec §4.4 describes: {userId,
// fingerprint, iat, exp}.
type tokenClaims struct {
	UserID      string `json:"userId"`
	Fingerprint string `json:"fingerprint"`
	jwt.RegisteredClaims
}

// tokenMinter is the optional bearer-token surface, not required by the
// pairing protocol itself.
type tokenMinter struct {
	enabled    bool
	secret     []byte
	tokenTTL   time.Duration
	refreshTTL time.Duration
}

func newTokenMinter(enabled bool, secret string, tokenTTL, refreshTTL time.Duration) *tokenMinter {
	return &tokenMinter{
		enabled:    enabled,
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		refreshTTL: refreshTTL,
	}
}

// Mint signs a short-TTL access token for (userID, fingerprint).
func (m *tokenMinter) Mint(userID, fingerprint string, now time.Time) (string, error) {
	if !m.enabled {
		return "", ErrTokensDisabled
	}
	return m.sign(userID, fingerprint, now, m.tokenTTL)
}

// MintRefresh signs a long-TTL refresh token for (userID, fingerprint).
func (m *tokenMinter) MintRefresh(userID, fingerprint string, now time.Time) (string, error) {
	if !m.enabled {
		return "", ErrTokensDisabled
	}
	return m.sign(userID, fingerprint, now, m.refreshTTL)
}

func (m *tokenMinter) sign(userID, fingerprint string, now time.Time, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		UserID:      userID,
		Fingerprint: fingerprint,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Verify checks a token's signature and expiry, returning its claims.
func (m *tokenMinter) Verify(tokenString string) (userID, fingerprint string, err error) {
	if !m.enabled {
		return "", "", ErrTokensDisabled
	}
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}
	return claims.UserID, claims.Fingerprint, nil
}
