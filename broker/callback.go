package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mcpgate/mcpgate/grants"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

// exchangeTimeout bounds the asynchronous upstream code exchange.
const exchangeTimeout = 30 * time.Second

// handleCallback receives the upstream identity provider's redirect. It
// persists the one-time upstream code on a pending grant, kicks off the
// upstream exchange asynchronously, and sends the caller back to their
// original redirect URI with a one-time grant code.
func (b *Broker) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	st, err := decodeFlowState(q.Get("state"))
	if err != nil {
		b.log.InfoContext(ctx, "callback.state.invalid", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed state")
		return
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{FlowID: st.FlowID, ClientID: st.ClientID, State: "callback_received"})

	// A missing upstream code is a hard failure, not something to ignore:
	// without it the flow cannot complete and silently redirecting would
	// strand the caller.
	code := q.Get("code")
	if code == "" {
		if upErr := q.Get("error"); upErr != "" {
			b.log.InfoContext(ctx, "callback.upstream.denied", slog.String("upstream_error", upErr))
			redirectWithError(w, r, st.RedirectURI, st.State, upErr, q.Get("error_description"))
			return
		}
		b.log.InfoContext(ctx, "callback.code.missing")
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing authorization code")
		return
	}

	g := grants.Grant{
		Code:          ulid.Make().String(),
		ClientID:      st.ClientID,
		RedirectURI:   st.RedirectURI,
		Scope:         st.Scope,
		State:         st.State,
		CodeChallenge: st.CodeChallenge,
		UpstreamCode:  code,
		CallbackURI:   b.upstream.RedirectURL,
		CreatedAt:     b.now(),
	}
	if err := b.grants.PutGrant(ctx, g, grantTTL); err != nil {
		b.log.ErrorContext(ctx, "callback.grant.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to persist authorization grant")
		return
	}

	// Complete the credential asynchronously; the token endpoint waits on
	// the grant becoming ready. WithoutCancel: the exchange must not die
	// with this request's connection.
	go b.completeGrant(context.WithoutCancel(ctx), g)

	u, err := url.Parse(st.RedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	rq := u.Query()
	rq.Set("code", g.Code)
	if st.State != "" {
		rq.Set("state", st.State)
	}
	u.RawQuery = rq.Encode()

	b.log.InfoContext(ctx, "callback.ok", slog.String("grant", g.Code))
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// completeGrant performs the upstream code exchange and marks the grant
// ready or failed.
func (b *Broker) completeGrant(ctx context.Context, g grants.Grant) {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	cred, err := b.bridge.Exchange(ctx, g.UpstreamCode, g.CallbackURI)
	if err != nil {
		g.Failed = true
		var exErr *tokenbridge.ExchangeError
		if errors.As(err, &exErr) {
			g.FailStatus = exErr.Status
			g.FailBody = exErr.Body
		} else {
			g.FailBody = err.Error()
		}
		b.log.WarnContext(ctx, "grant.exchange.fail",
			slog.String("grant", g.Code), slog.String("err", err.Error()))
		if uerr := b.grants.UpdateGrant(ctx, g); uerr != nil {
			b.log.ErrorContext(ctx, "grant.update.fail", slog.String("err", uerr.Error()))
		}
		return
	}

	g.Cred = cred
	if ident, err := b.bridge.ResolveIdentity(ctx, cred); err == nil {
		g.Identity = ident
	} else {
		// No verifiable identity from the upstream: fall back to a
		// per-grant subject so the session still keys a unique actor.
		b.log.InfoContext(ctx, "grant.identity.unresolved", slog.String("err", err.Error()))
		g.Identity = &tokenbridge.Identity{Subject: "grant:" + g.Code}
	}
	g.Ready = true

	if err := b.grants.UpdateGrant(ctx, g); err != nil {
		b.log.ErrorContext(ctx, "grant.update.fail", slog.String("err", err.Error()))
		return
	}
	b.log.InfoContext(ctx, "grant.exchange.ok", slog.String("grant", g.Code))
}
