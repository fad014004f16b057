package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const maxJWTLen = 16 * 1024

// Claims is the token shape accepted by JWTVerifier. Only exp is required.
// SID is logged when present.
type Claims struct {
	SID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Parse(token)
	return err
}

// Parse verifies an HS256 token and returns its claims. Every failure is
// reported as ErrInvalidCredentials; the underlying cause is wrapped for
// logging.
func (v JWTVerifier) Parse(token string) (*Claims, error) {
	if token == "" || len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}
	if len(token) > maxJWTLen {
		return nil, fmt.Errorf("%w: token too long", ErrInvalidCredentials)
	}

	now := v.now
	if now == nil {
		now = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
