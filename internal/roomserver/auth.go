package roomserver

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Identity is who an authenticate token speaks for.
type Identity struct {
	UserID   string
	Username string
}

// Verifier checks an authenticate token.
type Verifier func(token string) (Identity, error)

// Claims is the JWT body accepted by JWTVerifier. UserID falls back to the
// registered "sub" claim.
type Claims struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier accepts HMAC-signed tokens issued with secret.
func JWTVerifier(secret string) Verifier {
	key := []byte(secret)

	return func(raw string) (Identity, error) {
		if raw == "" {
			return Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
		}

		var claims Claims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		if !token.Valid {
			return Identity{}, ErrInvalidToken
		}

		id := claims.UserID
		if id == "" {
			id = claims.Subject
		}
		if id == "" {
			return Identity{}, fmt.Errorf("%w: no user_id or sub claim", ErrInvalidToken)
		}
		return Identity{UserID: id, Username: claims.Username}, nil
	}
}
