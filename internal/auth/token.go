package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"propledger/pkg/domain"
)

// Claims are the JWT claims carried by an access token. Subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string      `json:"tenant_id"`
	Email    string      `json:"email"`
	Role     domain.Role `json:"role"`
}

// validAt checks the time-based claims against now and the issuer.
func (c *Claims) validAt(now time.Time, issuer string) error {
	switch {
	case c.Subject == "":
		return errors.New("claim has no subject")
	case c.TenantID == "":
		return errors.New("claim has no tenant")
	case c.ExpiresAt == nil:
		return errors.New("claim has no expiry")
	case !c.VerifyExpiresAt(now, true):
		return errors.New("token is expired")
	case !c.VerifyNotBefore(now, false):
		return errors.New("token is not valid yet")
	case !c.VerifyIssuer(issuer, true):
		return fmt.Errorf("unexpected issuer %q", c.Issuer)
	}
	return nil
}

// signingMethod is the only algorithm issued or accepted.
var signingMethod = jwt.SigningMethodHS256

type tokenizer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	parser *jwt.Parser
}

func newTokenizer(secret []byte, issuer string, ttl time.Duration) *tokenizer {
	return &tokenizer{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		// Time claims are checked in validAt against the injected clock.
		parser: jwt.NewParser(jwt.WithValidMethods([]string{signingMethod.Alg()}), jwt.WithoutClaimsValidation()),
	}
}

func (t *tokenizer) issue(u domain.User, now time.Time) (string, *Claims, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        domain.NewID(),
			Subject:   u.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		TenantID: u.TenantID,
		Email:    u.Email,
		Role:     u.Role,
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

func (t *tokenizer) parse(raw string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := t.parser.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		if tok.Method.Alg() != signingMethod.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if err := claims.validAt(now, t.issuer); err != nil {
		return nil, err
	}
	return claims, nil
}
