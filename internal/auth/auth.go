// Package auth issues and validates JWTs for the broker's admin HTTP
// surface. HS256 via golang-jwt/jwt/v5, with a Claims type embedding
// jwt.RegisteredClaims. It gates cmd/brokerd's GET /status endpoint; the
// wire protocol, including the ADMIN_STATUS command and worker
// connections, is not authenticated, so a deployment with no admin
// surface configured never touches this package.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed tokens and signature mismatches.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrTokenExpired is returned separately from ErrInvalidToken so callers
// can distinguish "log in again" from "this token is garbage".
var ErrTokenExpired = errors.New("auth: token expired")

// Claims identifies the principal behind an authenticated admin or worker
// request.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`

	jwt.RegisteredClaims
}

// Issuer signs and validates tokens with a single HMAC secret. A broker
// node's Issuer is constructed once at startup from configuration.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an Issuer using secret for HS256 signing. secret must
// not be empty; ttl of zero defaults to 24 hours.
func NewIssuer(secret []byte, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, ttl: ttl}
}

// Issue returns a signed token for subject with the given role ("admin" or
// "worker").
func (i *Issuer) Issue(subject, role string) (string, error) {
	claims := &Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "flowbroker",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and verifies tokenString, returning its Claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireRole validates tokenString and checks its Role matches role.
func (i *Issuer) RequireRole(tokenString, role string) (*Claims, error) {
	claims, err := i.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Role != role {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
