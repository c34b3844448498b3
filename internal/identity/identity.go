package identity

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid identity token")

// Identity is the already-verified principal attached to a connection at
// handshake time. Tokens are issued by the external auth service; this
// package only decodes the claims it handed us.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// FromToken decodes and checks an HMAC-signed session token using the
// shared secret provisioned by the auth service. An empty or malformed
// token yields ErrInvalidToken; callers decide whether that means an
// anonymous connection or a refused one.
func FromToken(tokenString, secret string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	role, _ := claims["role"].(string)
	if role == "" {
		role = "viewer"
	}

	return &Identity{UserID: sub, Username: name, Role: role}, nil
}
