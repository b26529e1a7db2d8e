package broker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mcpgate/mcpgate/grants"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken serves the token endpoint. The authorization_code grant trades
// a one-time grant code for the gateway's session credential; the
// refresh_token grant renews an existing session once that credential has
// lapsed. Either way the credential's TTL mirrors the upstream access
// token's expiry so the gateway never vouches for a session whose upstream
// credential has lapsed.
func (b *Broker) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	switch gt := r.PostForm.Get("grant_type"); gt {
	case "authorization_code":
		b.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		b.handleRefreshGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (b *Broker) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.PostForm.Get("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	g, err := b.waitForGrant(r, code)
	if err != nil {
		if errors.Is(err, grants.ErrNotFound) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired authorization code")
			return
		}
		writeOAuthError(w, http.StatusServiceUnavailable, "server_error", "authorization is still completing; retry shortly")
		return
	}

	if cid := r.PostForm.Get("client_id"); cid != "" && cid != g.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	}
	if ruri := r.PostForm.Get("redirect_uri"); ruri != "" && ruri != g.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization request")
		return
	}
	if !verifyPKCE(g.CodeChallenge, r.PostForm.Get("code_verifier")) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	// The grant is valid; consume it so the code can never be replayed.
	g, err = b.grants.ConsumeGrant(ctx, code)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "authorization code already used")
		return
	}

	if g.Failed {
		writeUpstreamExchangeError(w, g.FailStatus, g.FailBody)
		return
	}

	sessionID := ulid.Make().String()
	props := tokenbridge.Props{
		Subject: g.Identity.Subject,
		Email:   g.Identity.Email,
		Cred:    *g.Cred,
	}
	if g.Identity.Name != "" {
		props.DisplayName = g.Identity.Name
	}

	sess := grants.Session{
		ID:        sessionID,
		Props:     props,
		ClientID:  g.ClientID,
		CreatedAt: b.now(),
	}
	sessionTTL := time.Until(g.Cred.ExpiresAt)
	if g.Cred.RefreshToken != "" {
		// The session outlives its first credential: the refresh_token grant
		// renews it until the record's TTL runs out.
		sessionTTL = refreshableSessionTTL
		sess.RefreshSecret = ulid.Make().String()
	}
	if err := b.grants.PutSession(ctx, sess, sessionTTL); err != nil {
		b.log.ErrorContext(ctx, "token.session.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to persist session")
		return
	}

	tok, err := b.sessions.Mint(props.Subject, sessionID, props.Email, g.Cred.ExpiresAt)
	if err != nil {
		b.log.ErrorContext(ctx, "token.mint.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue session credential")
		return
	}

	b.log.InfoContext(ctx, "token.issued",
		slog.String("session", sessionID), slog.String("client_id", g.ClientID))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  tok,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(g.Cred.ExpiresAt).Seconds()),
		RefreshToken: encodeRefreshToken(sess),
		Scope:        g.Scope,
	})
}

// handleRefreshGrant renews a session whose credential has lapsed: the
// upstream refresh token stored on the session record is redeemed, the
// record updated in place, and a fresh session credential minted against
// the new upstream expiry. The gateway refresh token rotates on every use.
func (b *Broker) handleRefreshGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, secret, ok := splitRefreshToken(r.PostForm.Get("refresh_token"))
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	sess, err := b.grants.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, grants.ErrNotFound) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired refresh token")
			return
		}
		b.log.ErrorContext(ctx, "token.refresh.load.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to load session")
		return
	}
	if sess.RefreshSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(sess.RefreshSecret)) != 1 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "unknown or expired refresh token")
		return
	}
	if cid := r.PostForm.Get("client_id"); cid != "" && sess.ClientID != "" && cid != sess.ClientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "refresh token was issued to a different client")
		return
	}

	cred, err := b.bridge.RefreshSession(ctx, sess.ID, sess.Props.Cred.RefreshToken)
	if err != nil {
		var xerr *tokenbridge.ExchangeError
		if errors.As(err, &xerr) {
			b.log.InfoContext(ctx, "token.refresh.upstream.reject",
				slog.String("session", sess.ID), slog.Int("status", xerr.Status))
			writeUpstreamExchangeError(w, xerr.Status, xerr.Body)
			return
		}
		b.log.ErrorContext(ctx, "token.refresh.fail",
			slog.String("session", sess.ID), slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusServiceUnavailable, "server_error", "upstream refresh did not complete")
		return
	}

	cred.MergeInto(&sess.Props)
	sess.RefreshSecret = ulid.Make().String()
	if err := b.grants.UpdateSession(ctx, sess); err != nil {
		b.log.ErrorContext(ctx, "token.refresh.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to persist session")
		return
	}

	tok, err := b.sessions.Mint(sess.Props.Subject, sess.ID, sess.Props.Email, sess.Props.Cred.ExpiresAt)
	if err != nil {
		b.log.ErrorContext(ctx, "token.mint.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue session credential")
		return
	}

	b.log.InfoContext(ctx, "token.refreshed", slog.String("session", sess.ID))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken:  tok,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(sess.Props.Cred.ExpiresAt).Seconds()),
		RefreshToken: encodeRefreshToken(sess),
	})
}

// encodeRefreshToken renders the gateway refresh token: the session ID and
// its current secret joined by a single dot. Two segments, so the protocol
// router never mistakes it for a session credential.
func encodeRefreshToken(sess grants.Session) string {
	if sess.RefreshSecret == "" {
		return ""
	}
	return sess.ID + "." + sess.RefreshSecret
}

func splitRefreshToken(tok string) (sessionID, secret string, ok bool) {
	sessionID, secret, ok = strings.Cut(tok, ".")
	if !ok || sessionID == "" || secret == "" {
		return "", "", false
	}
	return sessionID, secret, true
}

// writeUpstreamExchangeError surfaces the upstream token endpoint's status
// and body, explicitly labeled as upstream-origin. Not retried here; the
// caller may restart the authorization flow.
func writeUpstreamExchangeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":             "upstream_exchange_failed",
		"error_description": "the upstream identity provider rejected the exchange",
		"upstream_status":   status,
		"upstream_body":     body,
	})
}

// waitForGrant polls until the asynchronous upstream exchange marks the
// grant ready or failed, bounded by the broker's exchange wait.
func (b *Broker) waitForGrant(r *http.Request, code string) (grants.Grant, error) {
	ctx := r.Context()
	deadline := time.NewTimer(b.exchangeWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		g, err := b.grants.GetGrant(ctx, code)
		if err != nil {
			return grants.Grant{}, err
		}
		if g.Ready || g.Failed {
			return g, nil
		}
		select {
		case <-ctx.Done():
			return grants.Grant{}, ctx.Err()
		case <-deadline.C:
			return grants.Grant{}, errors.New("grant completion timed out")
		case <-tick.C:
		}
	}
}

// verifyPKCE checks an S256 code verifier against the challenge recorded at
// authorization time. A grant without a challenge accepts any verifier; a
// grant with one requires a match.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
