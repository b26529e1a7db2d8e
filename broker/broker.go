// Package broker orchestrates the delegated OAuth 2.1 + PKCE flow: consent,
// redirect to the upstream identity provider, callback handling, and the
// exchange of the resulting grant for a gateway session credential.
//
// The flow suspends across two browser round trips. No state is held in
// memory across those gaps: the original authorization request travels
// opaquely in the redirect state parameter, and remembered consent travels
// in the signed approval cookie.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcpgate/mcpgate/auth"
	"github.com/mcpgate/mcpgate/clientstore"
	"github.com/mcpgate/mcpgate/grants"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

const (
	// grantTTL bounds how long a caller has to trade a grant code for a
	// session credential.
	grantTTL = 10 * time.Minute

	// defaultExchangeWait bounds how long the token endpoint waits for the
	// asynchronous upstream exchange to complete.
	defaultExchangeWait = 10 * time.Second

	// refreshableSessionTTL is the session record's lifetime when the
	// upstream issued a refresh token; the session credential itself still
	// expires with the upstream access token.
	refreshableSessionTTL = 30 * 24 * time.Hour
)

// Options configure a Broker. All fields except Logger and ExchangeWait are
// required.
type Options struct {
	Logger       *slog.Logger
	Clients      clientstore.Store
	Grants       grants.Store
	Bridge       *tokenbridge.Bridge
	Sessions     *auth.SessionIssuer
	CookieSecret []byte

	// Upstream describes this service's own registration at the upstream
	// identity provider. RedirectURL must be this service's /callback.
	Upstream oauth2.Config

	ExchangeWait time.Duration
}

// Broker implements the authorization endpoints.
type Broker struct {
	log          *slog.Logger
	clients      clientstore.Store
	grants       grants.Store
	bridge       *tokenbridge.Bridge
	sessions     *auth.SessionIssuer
	cookieSecret []byte
	upstream     oauth2.Config
	exchangeWait time.Duration
	now          func() time.Time
}

func New(opts Options) (*Broker, error) {
	switch {
	case opts.Clients == nil:
		return nil, errors.New("client registry is required")
	case opts.Grants == nil:
		return nil, errors.New("grant store is required")
	case opts.Bridge == nil:
		return nil, errors.New("token bridge is required")
	case opts.Sessions == nil:
		return nil, errors.New("session issuer is required")
	case len(opts.CookieSecret) == 0:
		return nil, errors.New("cookie secret is required")
	case opts.Upstream.ClientID == "":
		return nil, errors.New("upstream client ID is required")
	case opts.Upstream.Endpoint.AuthURL == "":
		return nil, errors.New("upstream authorization endpoint is required")
	case opts.Upstream.RedirectURL == "":
		return nil, errors.New("callback URL is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	wait := opts.ExchangeWait
	if wait <= 0 {
		wait = defaultExchangeWait
	}
	return &Broker{
		log:          log,
		clients:      opts.Clients,
		grants:       opts.Grants,
		bridge:       opts.Bridge,
		sessions:     opts.Sessions,
		cookieSecret: opts.CookieSecret,
		upstream:     opts.Upstream,
		exchangeWait: wait,
		now:          time.Now,
	}, nil
}

// Routes registers the broker's endpoints on mux.
func (b *Broker) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /authorize", b.handleAuthorizeGet)
	mux.HandleFunc("POST /authorize", b.handleAuthorizePost)
	mux.HandleFunc("GET /callback", b.handleCallback)
	mux.HandleFunc("POST /register", b.handleRegister)
	mux.HandleFunc("POST /token", b.handleToken)
}

// writeOAuthError emits the standard OAuth error JSON shape.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"error_description":%q}`, code, description)
}
