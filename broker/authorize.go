package broker

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/mcpgate/mcpgate/approval"
	"github.com/mcpgate/mcpgate/internal/logctx"
)

var consentTemplate = template.Must(template.New("consent").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize access</h1>
<p><strong>{{.ClientName}}</strong> ({{.ClientID}}) is requesting access{{if .Scope}} with scope <code>{{.Scope}}</code>{{end}}.</p>
<p>It will be redirected to <code>{{.RedirectURI}}</code> after you decide.</p>
<form method="post" action="/authorize">
  <input type="hidden" name="state" value="{{.EncodedState}}">
  <button type="submit" name="approve" value="true">Approve</button>
  <button type="submit" name="approve" value="false">Deny</button>
</form>
</body>
</html>
`))

type consentView struct {
	ClientName   string
	ClientID     string
	Scope        string
	RedirectURI  string
	EncodedState string
}

// handleAuthorizeGet begins the flow. A valid remembered approval skips the
// consent dialog and redirects straight upstream; otherwise the original
// request is folded into the opaque state and the dialog is rendered.
func (b *Broker) handleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	scope := q.Get("scope")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	responseType := q.Get("response_type")

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{ClientID: clientID, State: "start"})

	if clientID == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}
	if responseType != "code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "response_type must be code")
		return
	}
	if method := q.Get("code_challenge_method"); method != "" && method != "S256" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code_challenge_method must be S256")
		return
	}

	client, err := b.clients.Get(ctx, clientID)
	if err != nil {
		b.log.InfoContext(ctx, "authorize.client.unknown", slog.String("client_id", clientID))
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client")
		return
	}
	if !client.AllowsRedirect(redirectURI) {
		b.log.WarnContext(ctx, "authorize.redirect.mismatch", slog.String("client_id", clientID))
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is not registered for this client")
		return
	}

	st := newFlowState(clientID, redirectURI, scope, state, codeChallenge)

	// A valid remembered approval short-circuits the dialog. A tampered
	// cookie decodes as the empty set, so the worst case is showing consent
	// again; it can never grant implicitly.
	if approval.FromRequest(r, b.cookieSecret).Contains(clientID) {
		b.log.InfoContext(ctx, "authorize.approval.remembered")
		b.redirectUpstream(w, r, st)
		return
	}

	b.log.InfoContext(ctx, "authorize.consent.show")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTemplate.Execute(w, consentView{
		ClientName:   client.Name,
		ClientID:     client.ID,
		Scope:        scope,
		RedirectURI:  redirectURI,
		EncodedState: st.encode(),
	}); err != nil {
		b.log.ErrorContext(ctx, "authorize.consent.render.fail", slog.String("err", err.Error()))
	}
}

// handleAuthorizePost records the consent decision and redirects upstream.
func (b *Broker) handleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	st, err := decodeFlowState(r.PostForm.Get("state"))
	if err != nil {
		b.log.InfoContext(ctx, "authorize.state.invalid", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed state")
		return
	}

	ctx = logctx.WithFlowData(ctx, &logctx.FlowData{FlowID: st.FlowID, ClientID: st.ClientID, State: "awaiting_approval"})

	if r.PostForm.Get("approve") != "true" {
		b.log.InfoContext(ctx, "authorize.denied")
		redirectWithError(w, r, st.RedirectURI, st.State, "access_denied", "the user denied the request")
		return
	}

	// Extend the remembered approval set and re-sign it. Add deduplicates,
	// so repeated approvals produce the same cookie.
	set := approval.FromRequest(r, b.cookieSecret).Add(st.ClientID)
	http.SetCookie(w, approval.NewCookie(set, b.cookieSecret))

	b.log.InfoContext(ctx, "authorize.approved")
	b.redirectUpstream(w, r, st)
}

// redirectUpstream sends the browser to the upstream identity provider's
// authorization endpoint, carrying the original request opaquely as state.
// The origin parameter is a free-text classification tag for upstream
// metadata only; no security decision may depend on it.
func (b *Broker) redirectUpstream(w http.ResponseWriter, r *http.Request, st flowState) {
	authURL := b.upstream.AuthCodeURL(st.encode(),
		oauth2.SetAuthURLParam("origin", "mcpgate-consent"))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// redirectWithError reports a flow failure on the client's own redirect URI,
// per the OAuth error-redirect convention.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
