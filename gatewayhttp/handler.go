// Package gatewayhttp is the gateway's single ingress point. One endpoint
// accepts duplex upgrades, server-streaming responses, and plain JSON
// request/response traffic, classifies each connection's auth class, and
// dispatches into the session actor layer.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mcpgate/mcpgate/actor"
	"github.com/mcpgate/mcpgate/auth"
	"github.com/mcpgate/mcpgate/grants"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/internal/wellknown"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
	acceptableMediaTypes = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	keepaliveInterval = 15 * time.Second
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	serverName string
	logger     *slog.Logger
	realm      string
	limits     actor.Limits
	authServer string
}

// WithServerName sets the human-readable name surfaced in resource metadata.
func WithServerName(name string) Option {
	return func(c *config) { c.serverName = name }
}

// WithLogger sets the slog logger. If not provided, slog.Default() is used.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.logger = log }
}

// WithRealm sets the authentication realm advertised in WWW-Authenticate
// challenges. Empty (the default) omits the realm attribute.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithDuplexLimits overrides the per-connection bounds enforced on upgraded
// duplex sessions.
func WithDuplexLimits(l actor.Limits) Option {
	return func(c *config) { c.limits = l }
}

// WithAuthorizationServer sets the issuer advertised in the protected
// resource metadata. Defaults to the public endpoint's origin.
func WithAuthorizationServer(issuer string) Option {
	return func(c *config) { c.authServer = issuer }
}

// Handler is the protocol router.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	authn    auth.Authenticator
	registry *actor.Registry
	sessions grants.Store
	bridge   *tokenbridge.Bridge
	realm    string
	limits   actor.Limits
	upgrader websocket.Upgrader

	endpointURL *url.URL
	prmDocument wellknown.ProtectedResourceMetadata
	asDocument  wellknown.AuthServerMetadata
}

// New constructs the router for the given public endpoint URL.
func New(publicEndpoint string, authn auth.Authenticator, registry *actor.Registry, sessions grants.Store, bridge *tokenbridge.Bridge, opts ...Option) (*Handler, error) {
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("actor registry is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}

	u, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid public endpoint %q: %w", publicEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("public endpoint must use HTTP or HTTPS, got %q", u.Scheme)
	}

	cfg := &config{logger: slog.Default(), limits: actor.DefaultLimits()}
	for _, opt := range opts {
		opt(cfg)
	}
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host}
	issuer := cfg.authServer
	if issuer == "" {
		issuer = origin.String()
	}

	h := &Handler{
		log:         cfg.logger,
		authn:       authn,
		registry:    registry,
		sessions:    sessions,
		bridge:      bridge,
		realm:       cfg.realm,
		limits:      cfg.limits,
		endpointURL: u,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are programmatic clients, not browsers; origin
			// enforcement happens at the credential layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	// Upgrade signals were present but the handshake could not complete:
	// the requested transport is not deliverable.
	h.upgrader.Error = func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		writeJSONError(w, http.StatusUpgradeRequired, "requested transport unavailable: "+reason.Error())
	}

	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:               u.String(),
		AuthorizationServers:   []string{issuer},
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           cfg.serverName,
	}
	h.asDocument = wellknown.AuthServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             origin.String() + "/authorize",
		TokenEndpoint:                     origin.String() + "/token",
		RegistrationEndpoint:              origin.String() + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+path, h.handlePost)
	mux.HandleFunc("GET "+path, h.handleGet)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleMetadata(&h.prmDocument))
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", handleMetadataPreflight)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleMetadata(&h.asDocument))
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", handleMetadataPreflight)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSONError emits a transport-level JSON error body. This is not
// JSON-RPC framing; it is used before a message exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// isUpgradeRequest checks three independent duplex-upgrade signals. Any one
// suffices: intermediary proxies are known to rewrite or drop individual
// headers while normalizing protocol versions, so no single signal can be
// trusted to survive the path.
func isUpgradeRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	if r.Header.Get("Sec-Websocket-Key") != "" && r.Header.Get("Sec-Websocket-Version") != "" {
		return true
	}
	return headerContainsToken(r.Header, "Connection", "upgrade")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// handleGet serves the two long-lived transports: duplex upgrades and SSE
// streams. The upgrade check runs before anything touches the request body;
// parsing would corrupt the handshake.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		h.handleDuplex(w, r)
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{eventStreamMediaType}); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "GET requires accepting text/event-stream or a duplex upgrade")
		return
	}

	key, ident, ok := h.classify(w, r)
	if !ok {
		return
	}
	h.serveStream(w, r, key, ident)
}

// handleDuplex hands the raw connection to the target actor's native duplex
// handler. Classification uses only the handshake headers; bodies are never
// inspected on this path.
func (h *Handler) handleDuplex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := actor.DiscoveryKey
	ident := actor.Missing()
	if tok := bearerToken(r); auth.IsSessionShaped(tok) {
		resolvedKey, resolvedIdent, ok := h.resolveAuthenticated(w, r, tok)
		if !ok {
			return
		}
		key, ident = resolvedKey, resolvedIdent
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader's Error hook already wrote the rejection.
		h.log.WarnContext(ctx, "duplex.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithActorData(ctx, &logctx.ActorData{Key: key, AuthClass: ident.Class()})
	h.log.InfoContext(ctx, "duplex.start")

	a := h.registry.Actor(key, ident)
	if err := a.ServeConn(ctx, conn, ident, h.limits); err != nil && !errors.Is(err, context.Canceled) {
		h.log.InfoContext(ctx, "duplex.end", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "duplex.end")
}

// handlePost serves single JSON-RPC messages, answering as a plain JSON body
// or as a short SSE stream depending on the caller's accept preference.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	key, ident, ok := h.classify(w, r)
	if !ok {
		return
	}
	ctx = logctx.WithActorData(ctx, &logctx.ActorData{Key: key, AuthClass: ident.Class()})

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := jsonrpc.ParseRequest(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Negotiate the response format before dispatch so an unacceptable
	// Accept header never executes the operation.
	accepted, _, err := contenttype.GetAcceptableMediaType(r, acceptableMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow application/json or text/event-stream")
		return
	}

	resp, err := h.registry.Deliver(ctx, key, ident, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		h.log.ErrorContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to dispatch message")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "rpc.notification.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if accepted.Matches(eventStreamMediaType) {
		h.writeSSEResponse(w, r, resp)
	} else {
		w.Header().Set("Content-Type", jsonMediaType.String())
		_ = json.NewEncoder(w).Encode(resp)
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok",
		slog.String("method", req.Method), slog.Duration("dur", time.Since(start)))
}

// classify determines the auth class of a non-duplex request and resolves
// the target actor key and identity context. On failure it writes the
// response and returns ok=false.
func (h *Handler) classify(w http.ResponseWriter, r *http.Request) (string, actor.Context, bool) {
	tok := bearerToken(r)
	if !auth.IsSessionShaped(tok) {
		// No credential, or one without the issued three-segment shape:
		// discovery traffic, served by the shared actor with no identity
		// context attached.
		return actor.DiscoveryKey, actor.Missing(), true
	}
	return h.resolveAuthenticated(w, r, tok)
}

// resolveAuthenticated validates a structured credential, loads the session
// props behind it, and refreshes the upstream credential inline when it is
// about to lapse.
func (h *Handler) resolveAuthenticated(w http.ResponseWriter, r *http.Request, tok string) (string, actor.Context, bool) {
	ctx := r.Context()

	userInfo, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, h.bearerChallenge("invalid_token", "session credential rejected"))
		writeJSONError(w, http.StatusUnauthorized, "invalid session credential")
		return "", actor.Context{}, false
	}

	sess, err := h.sessions.GetSession(ctx, userInfo.SessionID())
	if err != nil {
		if errors.Is(err, grants.ErrNotFound) {
			w.Header().Set(wwwAuthenticateHeader, h.bearerChallenge("invalid_token", "session no longer exists"))
			writeJSONError(w, http.StatusUnauthorized, "session no longer exists")
			return "", actor.Context{}, false
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		return "", actor.Context{}, false
	}

	if h.bridge != nil && sess.Props.Cred.NeedsRefresh() && sess.Props.Cred.RefreshToken != "" {
		// Runs inline with the request that noticed; the single-flight
		// guard inside the bridge collapses concurrent refreshes of the
		// same session.
		cred, err := h.bridge.RefreshSession(ctx, sess.ID, sess.Props.Cred.RefreshToken)
		if err != nil {
			h.log.WarnContext(ctx, "session.refresh.fail",
				slog.String("session", sess.ID), slog.String("err", err.Error()))
			if time.Now().After(sess.Props.Cred.ExpiresAt) {
				w.Header().Set(wwwAuthenticateHeader, h.bearerChallenge("invalid_token", "upstream credential expired"))
				writeJSONError(w, http.StatusUnauthorized, "upstream credential expired")
				return "", actor.Context{}, false
			}
			// Not yet expired: serve with the current credential.
		} else {
			cred.MergeInto(&sess.Props)
			if err := h.sessions.UpdateSession(ctx, sess); err != nil {
				h.log.ErrorContext(ctx, "session.update.fail", slog.String("err", err.Error()))
			}
		}
	}

	return "sess:" + sess.ID, actor.Authenticated(&sess.Props), true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get(authorizationHeader)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func (h *Handler) bearerChallenge(errCode, description string) string {
	var b strings.Builder
	b.WriteString("Bearer ")
	if h.realm != "" {
		fmt.Fprintf(&b, "realm=%q, ", h.realm)
	}
	fmt.Fprintf(&b, "error=%q, error_description=%q", errCode, description)
	return b.String()
}

func (h *Handler) handleMetadata(doc any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			http.Error(w, "failed to encode metadata", http.StatusInternalServerError)
		}
	}
}

func handleMetadataPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}
