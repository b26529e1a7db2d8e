// Package actor hosts per-session state behind sequentially processed
// mailboxes. Exactly one actor instance serves a given key at a time and
// messages for that key are handled in arrival order, which is what makes the
// discovery context swap below safe without locking.
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

// DiscoveryKey is the well-known key of the single shared actor that serves
// all unauthenticated traffic. Sharing one instance avoids repeated
// cold-start cost; in exchange the discovery path must stay stateless.
const DiscoveryKey = "discovery"

// ProtocolVersion is the revision of the RPC surface advertised at
// initialization.
const ProtocolVersion = "2025-06-18"

// ErrStopped is returned when a message is delivered to an actor that has
// been evicted. Callers should fetch a fresh instance and retry.
var ErrStopped = errors.New("actor stopped")

const mailboxDepth = 32

type state int

const (
	stateUninitialized state = iota
	stateReady
)

type envelope struct {
	ctx   context.Context
	ident Context
	req   *jsonrpc.Request
	reply chan *jsonrpc.Response
}

// Actor is one isolated unit of session state.
type Actor struct {
	key string
	cat catalog.Catalog
	log *slog.Logger

	mailbox chan envelope
	stop    chan struct{}
	stopped sync.Once

	mu         sync.Mutex
	lastActive time.Time
	closed     bool

	// ident and st are touched only by the run loop.
	ident Context
	st    state
}

func newActor(key string, cat catalog.Catalog, ident Context, log *slog.Logger) *Actor {
	a := &Actor{
		key:        key,
		cat:        cat,
		log:        log,
		mailbox:    make(chan envelope, mailboxDepth),
		stop:       make(chan struct{}),
		lastActive: time.Now(),
		ident:      ident,
	}
	go a.run()
	return a
}

// Key returns the actor's session key.
func (a *Actor) Key() string { return a.key }

// Done is closed when the actor is evicted. Long-lived transports bound to
// the actor use it to end their connection alongside the actor.
func (a *Actor) Done() <-chan struct{} { return a.stop }

// Deliver enqueues one message and waits for its response. Notifications
// resolve with a nil response. The ident passed here is constructed by the
// protocol router and is the only channel through which identity context
// reaches the actor.
func (a *Actor) Deliver(ctx context.Context, ident Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	env := envelope{ctx: ctx, ident: ident, req: req, reply: make(chan *jsonrpc.Response, 1)}
	select {
	case a.mailbox <- env:
	case <-a.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-env.reply:
		return resp, nil
	case <-a.stop:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Actor) run() {
	for {
		select {
		case <-a.stop:
			return
		case env := <-a.mailbox:
			a.touch()
			env.reply <- a.handle(env.ctx, env.ident, env.req)
		}
	}
}

// handle classifies and executes one message. It runs only on the run loop
// goroutine.
func (a *Actor) handle(ctx context.Context, ident Context, req *jsonrpc.Request) *jsonrpc.Response {
	// Attach the context the router resolved for this message. For the
	// shared discovery actor this is Missing; for per-caller actors it is
	// the caller's authenticated props.
	a.ident = ident

	if IsDiscoveryMethod(req.Method) {
		// Swap in the discovery context, run, then restore whatever
		// context was attached. Discovery must behave identically whether
		// or not this instance currently holds someone's authenticated
		// context.
		saved := a.ident
		a.ident = Discovery()
		resp := a.handleDiscovery(ctx, req)
		a.ident = saved
		return resp
	}

	if req.IsNotification() {
		// Non-discovery notifications are accepted and dropped; there is
		// no response channel to report a gate failure on.
		return nil
	}

	props, ok := a.ident.Props()
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeAuthenticationRequired,
			"authentication required", map[string]any{"method": req.Method})
	}

	result, err := a.cat.Call(ctx, props, req.Method, req.Params)
	if err != nil {
		if errors.Is(err, catalog.ErrMethodNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
		}
		a.log.ErrorContext(ctx, "catalog.call.fail",
			slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		a.log.ErrorContext(ctx, "catalog.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

func (a *Actor) handleDiscovery(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	desc, err := a.cat.Describe(ctx)
	if err != nil {
		a.log.ErrorContext(ctx, "catalog.describe.fail", slog.String("err", err.Error()))
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	var result any
	switch req.Method {
	case "initialize":
		a.st = stateReady
		result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo": map[string]any{
				"name":    desc.ServerName,
				"version": desc.ServerVersion,
			},
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
				"prompts":   map[string]any{},
			},
		}
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = map[string]any{"tools": desc.Tools}
	case "resources/list":
		result = map[string]any{"resources": desc.Resources}
	case "prompts/list":
		result = map[string]any{"prompts": desc.Prompts}
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found", nil)
	}

	if req.IsNotification() {
		return nil
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}

func (a *Actor) touch() {
	a.mu.Lock()
	a.lastActive = time.Now()
	a.mu.Unlock()
}

func (a *Actor) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}

func (a *Actor) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.stopped.Do(func() { close(a.stop) })
}
