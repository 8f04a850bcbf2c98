package core

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Bearer-token identity check. The token is minted by the external user
// service; the engine only verifies the signature and reads the subject.
// Any failure is ErrAuthRejected, raised before any session state is
// disclosed.

type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{
		secret: []byte(secret),
	}
}

// Verify returns the authenticated username.
func (self *TokenAuth) Verify(token string) (string, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			return self.secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return "", ErrAuthRejected
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrAuthRejected
	}
	return subject, nil
}

// Mint creates a token for the given user. Used by tools and tests; in
// production tokens come from the external auth service.
func (self *TokenAuth) Mint(user string, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"sub": user,
		"exp": time.Now().Add(ttl).Unix(),
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(self.secret)
}
