package httpapi

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrInvalidAdminToken is returned by ValidateAdminSession for any
// unparseable, unsigned, or expired token.
var ErrInvalidAdminToken = errors.New("invalid admin session token")

// adminClaims are the claims carried by an admin session token, signed
// HS256 the way Nebo's internal/middleware/jwt.go signs its internal
// tokens — distinct from the opaque agent bearer tokens C2 issues.
type adminClaims struct {
	Sub string `json:"sub"`
	jwt.RegisteredClaims
}

// NewAdminSession mints a signed admin session token for subject, valid for
// ttl.
func NewAdminSession(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := adminClaims{
		Sub: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "agentcom",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateAdminSession verifies a bearer token signed by NewAdminSession and
// returns its subject.
func ValidateAdminSession(secret, tokenString string) (string, error) {
	var claims adminClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAdminToken
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidAdminToken
	}
	return claims.Sub, nil
}
