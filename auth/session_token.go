package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the claims carried by a gateway session credential.
// The expiry mirrors the upstream access token's expiry so the gateway never
// considers a session valid after the upstream credential has lapsed.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Email     string `json:"email,omitempty"`
}

// SessionIssuer mints and validates session credentials. Tokens are compact
// HS256 JWTs: three dot-delimited segments, which is exactly the structured
// shape the protocol router uses to classify callers as authenticated.
type SessionIssuer struct {
	issuer string
	secret []byte
	now    func() time.Time
}

var _ Authenticator = (*SessionIssuer)(nil)

// NewSessionIssuer builds an issuer. The secret must be non-empty and is
// never exposed by the returned value.
func NewSessionIssuer(issuer string, secret []byte) (*SessionIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("session signing secret is required")
	}
	return &SessionIssuer{issuer: issuer, secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// Mint issues a session credential for the given user and session, expiring
// at expiresAt.
func (si *SessionIssuer) Mint(userID, sessionID, email string, expiresAt time.Time) (string, error) {
	if userID == "" || sessionID == "" {
		return "", errors.New("user and session IDs are required")
	}
	now := si.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    si.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
		Email:     email,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(si.secret)
	if err != nil {
		return "", fmt.Errorf("sign session credential: %w", err)
	}
	return signed, nil
}

// CheckAuthentication validates a session credential and returns its
// identity. Signature, expiry and issuer are all enforced.
func (si *SessionIssuer) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(tok, &claims,
		func(t *jwt.Token) (any, error) { return si.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(si.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(si.now),
	)
	if err != nil {
		return nil, errors.Join(ErrUnauthorized, err)
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: credential missing identity claims", ErrUnauthorized)
	}
	return sessionUser{claims: claims}, nil
}

type sessionUser struct {
	claims SessionClaims
}

func (u sessionUser) UserID() string    { return u.claims.Subject }
func (u sessionUser) SessionID() string { return u.claims.SessionID }

func (u sessionUser) Claims(ref any) error {
	p, ok := ref.(*SessionClaims)
	if !ok {
		return fmt.Errorf("unsupported claims type %T", ref)
	}
	*p = u.claims
	return nil
}
