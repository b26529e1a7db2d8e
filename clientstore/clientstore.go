// Package clientstore is the registry of dynamically registered OAuth
// clients. Only public clients are supported: registration is unattended, so
// no confidential secret is ever issued.
package clientstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no client exists for an ID.
var ErrNotFound = errors.New("client not found")

// AuthMethodNone is the only supported token endpoint auth method.
const AuthMethodNone = "none"

// Client is one registered public client.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	AuthMethod   string
	CreatedAt    time.Time
}

// AllowsRedirect reports whether uri exactly matches one of the client's
// registered redirect URIs.
func (c Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// Store is the client registry. Reads vastly outnumber writes; drivers are
// expected to be safe for concurrent use without caller-side locking.
type Store interface {
	Get(ctx context.Context, id string) (Client, error)
	Put(ctx context.Context, c Client) error
	List(ctx context.Context) ([]Client, error)
	Close() error
}
