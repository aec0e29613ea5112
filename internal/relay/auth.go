package relay

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Auth issues and verifies the party tokens clients present to the hub.
// The token subject is the party id.
type Auth struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewAuth(secret, issuer string, ttl time.Duration, clk clock.Clock) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("relay secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Auth{secret: []byte(secret), issuer: issuer, ttl: ttl, clock: clk}, nil
}

// Issue mints a token for party.
func (a *Auth) Issue(party string) (string, error) {
	if party == "" {
		return "", errors.New("party id is required")
	}
	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   party,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks token and returns the party it was issued to.
func (a *Auth) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock.Now),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	_, err := jwt.NewParser(opts...).ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("subject missing")
	}
	return claims.Subject, nil
}
