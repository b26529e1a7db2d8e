// Package approval remembers which clients a user has already consented to.
//
// The record is a set of client IDs carried in a signed cookie. The cookie
// value is "<hmac-hex>.<base64(JSON array of client ids)>": an HMAC-SHA256
// signature over the canonical JSON encoding of the set, followed by the
// encoded set itself. A record that fails verification is treated as empty,
// never as an error; the worst outcome of tampering is that the consent
// dialog is shown again.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"
)

// CookieName is the name of the approval cookie.
const CookieName = "mcpgate_approved_clients"

// cookieMaxAge keeps remembered consent long-lived (one year).
const cookieMaxAge = int((365 * 24 * time.Hour) / time.Second)

// Set is an ordered, deduplicated set of approved client IDs.
type Set struct {
	ids []string
}

// Contains reports whether clientID has been approved.
func (s Set) Contains(clientID string) bool {
	for _, id := range s.ids {
		if id == clientID {
			return true
		}
	}
	return false
}

// Add returns a set extended with clientID. Adding an already-present ID is a
// no-op; the canonical (sorted) order is preserved either way.
func (s Set) Add(clientID string) Set {
	if s.Contains(clientID) || clientID == "" {
		return s
	}
	ids := append(append([]string(nil), s.ids...), clientID)
	sort.Strings(ids)
	return Set{ids: ids}
}

// IDs returns a copy of the approved client IDs in canonical order.
func (s Set) IDs() []string { return append([]string(nil), s.ids...) }

// canonical returns the JSON encoding the signature covers. The set is kept
// sorted so equal sets always produce identical bytes.
func (s Set) canonical() []byte {
	if s.ids == nil {
		b, _ := json.Marshal([]string{})
		return b
	}
	b, _ := json.Marshal(s.ids)
	return b
}

// Sign computes the HMAC-SHA256 signature of payload under secret. The secret
// never leaves the sign/verify boundary of this package.
func Sign(payload, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify reports whether sig is a valid signature of payload under secret.
// Comparison is constant-time.
func Verify(payload, sig, secret []byte) bool {
	return hmac.Equal(Sign(payload, secret), sig)
}

// Encode renders the signed cookie value for the set.
func (s Set) Encode(secret []byte) string {
	payload := s.canonical()
	sig := Sign(payload, secret)
	return hex.EncodeToString(sig) + "." + base64.StdEncoding.EncodeToString(payload)
}

// Decode parses a cookie value into a Set. Any structural or signature
// failure yields the empty set.
func Decode(value string, secret []byte) Set {
	sigHex, b64, ok := strings.Cut(value, ".")
	if !ok {
		return Set{}
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return Set{}
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Set{}
	}
	if !Verify(payload, sig, secret) {
		return Set{}
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return Set{}
	}
	// Downstream comparisons assume sorted, deduplicated IDs, so rebuild the
	// set through Add rather than trusting the decoded slice's order.
	var s Set
	for _, id := range ids {
		s = s.Add(id)
	}
	return s
}

// FromRequest reads the approval set from the request's cookie, if any.
func FromRequest(r *http.Request, secret []byte) Set {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return Set{}
	}
	return Decode(c.Value, secret)
}

// NewCookie builds the Set-Cookie header carrying the signed set.
func NewCookie(s Set, secret []byte) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    s.Encode(secret),
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
