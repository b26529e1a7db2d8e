// Package auth defines the gateway's caller-facing credential: an opaque
// session token issued at the end of the authorization flow, validated on
// every authenticated request.
package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized indicates authentication failed or the supplied credential
// is invalid or expired.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier of the upstream user.
	UserID() string
	// SessionID returns the identifier of the session the credential binds to.
	SessionID() string
	// Claims unmarshals the credential's claims into the provided reference.
	Claims(ref any) error
}

// Authenticator validates bearer credentials and returns the associated user
// info. It returns ErrUnauthorized (possibly wrapped) for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// IsSessionShaped reports whether tok has the structural shape of a
// gateway-issued session credential: exactly three segments delimited by
// dots or colons. Anything else classifies the caller as discovery traffic.
// This is a shape check only; it implies nothing about validity.
func IsSessionShaped(tok string) bool {
	if tok == "" {
		return false
	}
	parts := strings.FieldsFunc(tok, func(r rune) bool { return r == '.' || r == ':' })
	if len(parts) != 3 {
		return false
	}
	// FieldsFunc collapses empty segments; require the original to have had
	// exactly two delimiters so "a..b.c" does not sneak through.
	delims := 0
	for _, r := range tok {
		if r == '.' || r == ':' {
			delims++
		}
	}
	return delims == 2
}
