package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ServiceAudience scopes service tokens to the scheduled-refresh
// surface; a token minted for anything else is rejected.
const ServiceAudience = "token-refresh"

// ErrInvalidServiceToken is returned for any token that fails
// verification. The handler maps it to 403 without detail.
var ErrInvalidServiceToken = errors.New("invalid service token")

// ServiceTokenVerifier checks the HS256 service credential presented to
// the scheduled refresh endpoint.
type ServiceTokenVerifier struct {
	secret []byte
}

func NewServiceTokenVerifier(secret []byte) *ServiceTokenVerifier {
	return &ServiceTokenVerifier{secret: secret}
}

// Verify parses and validates a service token.
func (v *ServiceTokenVerifier) Verify(tokenString string) error {
	claims := &jwt.RegisteredClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return ErrInvalidServiceToken
	}

	if !claims.VerifyAudience(ServiceAudience, true) {
		return ErrInvalidServiceToken
	}

	return nil
}

// IssueServiceToken mints a service token. Used by the ops tooling and
// by scheduled jobs that call the refresh endpoint.
func IssueServiceToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{ServiceAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}

	return signed, nil
}
