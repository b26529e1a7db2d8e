package actor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/catalog"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
)

// DefaultIdleTTL is how long an actor may sit without messages before it is
// evicted. The shared discovery actor is never evicted.
const DefaultIdleTTL = 30 * time.Minute

// Registry creates actors on demand and guarantees at most one live instance
// per key.
type Registry struct {
	cat     catalog.Catalog
	log     *slog.Logger
	idleTTL time.Duration

	mu     sync.Mutex
	actors map[string]*Actor
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL overrides the idle eviction deadline.
func WithIdleTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTTL = ttl }
}

// WithLogger sets the logger handed to actors.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(cat catalog.Catalog, opts ...RegistryOption) *Registry {
	r := &Registry{
		cat:     cat,
		log:     slog.Default(),
		idleTTL: DefaultIdleTTL,
		actors:  make(map[string]*Actor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// get returns the live actor for key, creating it if needed.
func (r *Registry) get(key string, ident Context) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[key]; ok {
		return a
	}
	a := newActor(key, r.cat, ident, r.log)
	r.actors[key] = a
	return a
}

// Deliver routes one message to the actor for key, creating the actor on
// demand and retrying transparently if it loses a race with eviction.
func (r *Registry) Deliver(ctx context.Context, key string, ident Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	for {
		a := r.get(key, ident)
		resp, err := a.Deliver(ctx, ident, req)
		if errors.Is(err, ErrStopped) {
			continue
		}
		return resp, err
	}
}

// Actor exposes the live actor for key so transports that own a whole
// connection (duplex) can bind to it directly.
func (r *Registry) Actor(key string, ident Context) *Actor {
	return r.get(key, ident)
}

// Run evicts idle actors until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case <-t.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.idleTTL)
	r.mu.Lock()
	var evicted []*Actor
	for key, a := range r.actors {
		if key == DiscoveryKey {
			continue
		}
		if a.idleSince().Before(cutoff) {
			delete(r.actors, key)
			evicted = append(evicted, a)
		}
	}
	r.mu.Unlock()
	for _, a := range evicted {
		a.close()
		r.log.Info("actor.evict", slog.String("key", a.Key()))
	}
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()
	for _, a := range actors {
		a.close()
	}
}
