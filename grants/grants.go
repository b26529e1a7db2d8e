// Package grants stores the short-lived state the authorization broker needs
// across its redirect gaps: pending authorization grants keyed by a one-time
// grant code, and session records keyed by session ID.
//
// Implementations live in grants/memory (single process) and
// grants/redisstore (horizontally scaled deployments).
package grants

import (
	"context"
	"errors"
	"time"

	"github.com/mcpgate/mcpgate/tokenbridge"
)

// ErrNotFound is returned when a grant or session does not exist, has
// expired, or has already been consumed.
var ErrNotFound = errors.New("grant not found")

// Grant is one pass through the authorization flow. It is created at the
// upstream callback, completed asynchronously by the token bridge, and
// consumed exactly once by the gateway's token endpoint.
type Grant struct {
	// Code is the one-time grant code handed back to the caller's
	// redirect URI.
	Code string `json:"code"`

	// Snapshot of the original authorization request.
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	Scope         string `json:"scope,omitempty"`
	State         string `json:"state,omitempty"`
	CodeChallenge string `json:"code_challenge,omitempty"`

	// Pending props persisted at the callback: the upstream one-time code
	// and the callback redirect URI it was bound to.
	UpstreamCode string `json:"upstream_code"`
	CallbackURI  string `json:"callback_uri"`

	// Completion state, filled by the asynchronous exchange.
	Ready    bool                    `json:"ready"`
	Cred     *tokenbridge.Credential `json:"credential,omitempty"`
	Identity *tokenbridge.Identity   `json:"identity,omitempty"`

	Failed     bool   `json:"failed,omitempty"`
	FailStatus int    `json:"fail_status,omitempty"`
	FailBody   string `json:"fail_body,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Session is the durable record behind an issued session credential.
type Session struct {
	ID    string            `json:"id"`
	Props tokenbridge.Props `json:"props"`

	// ClientID is the registered client the session was issued to.
	ClientID string `json:"client_id,omitempty"`

	// RefreshSecret authenticates the refresh_token grant at the token
	// endpoint. Set only when the upstream issued a refresh token; rotated
	// on every use.
	RefreshSecret string `json:"refresh_secret,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Store persists grants and sessions with TTL semantics.
type Store interface {
	// PutGrant stores a new grant that expires after ttl.
	PutGrant(ctx context.Context, g Grant, ttl time.Duration) error
	// GetGrant fetches a grant without consuming it.
	GetGrant(ctx context.Context, code string) (Grant, error)
	// UpdateGrant replaces a stored grant, preserving its remaining TTL.
	UpdateGrant(ctx context.Context, g Grant) error
	// ConsumeGrant fetches and deletes a grant in one step. A second
	// consume of the same code returns ErrNotFound.
	ConsumeGrant(ctx context.Context, code string) (Grant, error)

	PutSession(ctx context.Context, s Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateSession replaces a session record, preserving its remaining TTL.
	UpdateSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error

	Close() error
}
