// Package auth decodes and issues the bearer tokens carried on every API
// request. Verification (signature, audience, issuer) happens here so the
// service layer only ever sees an already-trusted subject.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Verifier checks HS256 tokens against a shared secret. Audience and issuer
// are only enforced when configured, so dev tokens stay easy to mint.
type Verifier struct {
	secret   []byte
	audience string
	issuer   string
}

func NewVerifier(secret []byte, audience, issuer string) *Verifier {
	return &Verifier{secret: secret, audience: audience, issuer: issuer}
}

// Verify parses and validates token and returns its claims. The subject
// claim is mandatory: a token without a stable subject cannot be mapped to
// a user.
func (v *Verifier) Verify(token string) (Claims, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken signs an HS256 token for subject. Used by the local login path;
// provider-issued tokens arrive already signed.
func IssueToken(secret []byte, subject, name, audience, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	if issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
