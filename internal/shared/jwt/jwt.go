package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Subject identifies which principal a session token was minted for.
// The realtime gateway's connection handshake and the REST surface's
// bearer auth both bind on this.
type Subject string

const (
	SubjectDriver    Subject = "driver"
	SubjectPassenger Subject = "passenger"
	SubjectAdmin     Subject = "admin"
)

// Claims carries the internal id bound to the session; core handlers
// never trust a client-supplied id over this.
type Claims struct {
	Subject Subject `json:"sub_type"`
	ID      string  `json:"id"`
	jwtlib.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func (i *Issuer) Issue(subject Subject, id string) (string, error) {
	claims := &Claims{
		Subject: subject,
		ID:      id,
		RegisteredClaims: jwtlib.RegisteredClaims{
			IssuedAt:  jwtlib.NewNumericDate(time.Now()),
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(i.ttl)),
			Issuer:    "ridehail-core",
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

var ErrInvalidToken = errors.New("invalid or expired session token")

func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
