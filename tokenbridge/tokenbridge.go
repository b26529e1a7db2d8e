// Package tokenbridge exchanges and refreshes credentials against the
// upstream identity provider's token endpoint.
//
// The bridge performs no retries: a non-success upstream response surfaces as
// an *ExchangeError carrying the upstream status and body verbatim, and the
// caller decides whether to restart the authorization flow.
package tokenbridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"
)

// DefaultHTTPTimeout bounds each call to the upstream token endpoint.
const DefaultHTTPTimeout = 30 * time.Second

// RefreshThreshold is how close to expiry an upstream credential may get
// before the gateway refreshes it inline with the request that noticed.
const RefreshThreshold = 5 * time.Minute

// ExchangeError reports a non-success response from the upstream token
// endpoint. Status and Body are the upstream's, verbatim; callers must label
// them as upstream-origin before surfacing them further.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("upstream token endpoint returned %d: %s", e.Status, e.Body)
}

// Bridge talks to one upstream identity provider.
type Bridge struct {
	httpClient    *http.Client
	log           *slog.Logger
	tokenEndpoint string
	clientID      string
	clientSecret  string

	// verifier validates upstream ID tokens when OIDC discovery was
	// configured. Nil when the upstream is a plain OAuth server.
	verifier *oidc.IDTokenVerifier

	refreshGroup singleflight.Group
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bridge) { b.httpClient = c }
}

// WithLogger sets the bridge's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithIDTokenVerifier enables verification of upstream ID tokens, letting
// ResolveIdentity extract the upstream user identifiers.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) Option {
	return func(b *Bridge) { b.verifier = v }
}

// New builds a Bridge for the given upstream token endpoint and application
// credentials. clientSecret may be empty for a public upstream registration.
func New(tokenEndpoint, clientID, clientSecret string, opts ...Option) (*Bridge, error) {
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("upstream token endpoint is required")
	}
	if clientID == "" {
		return nil, fmt.Errorf("upstream client ID is required")
	}
	b := &Bridge{
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		log:           slog.Default(),
		tokenEndpoint: tokenEndpoint,
		clientID:      clientID,
		clientSecret:  clientSecret,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Exchange trades a one-time upstream authorization code for an upstream
// credential.
func (b *Bridge) Exchange(ctx context.Context, code, redirectURI string) (*Credential, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	return b.doTokenRequest(ctx, data)
}

// Refresh obtains a fresh upstream access token. The result is a merge patch:
// if the upstream did not rotate the refresh token, the returned credential's
// RefreshToken is empty and the caller must retain the prior one (MergeInto
// implements exactly that).
func (b *Bridge) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return b.doTokenRequest(ctx, data)
}

// RefreshSession is Refresh with a per-session single-flight guard: concurrent
// callers observing the same expiring credential share one upstream call
// instead of racing duplicate refreshes of the same refresh token.
func (b *Bridge) RefreshSession(ctx context.Context, sessionID, refreshToken string) (*Credential, error) {
	v, err, _ := b.refreshGroup.Do(sessionID, func() (any, error) {
		return b.Refresh(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (b *Bridge) doTokenRequest(ctx context.Context, data url.Values) (*Credential, error) {
	data.Set("client_id", b.clientID)
	if b.clientSecret != "" {
		data.Set("client_secret", b.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.log.DebugContext(ctx, "upstream.token.fail",
			slog.Int("status", resp.StatusCode),
			slog.String("grant_type", data.Get("grant_type")))
		return nil, &ExchangeError{Status: resp.StatusCode, Body: string(body)}
	}

	cred, err := parseCredential(body)
	if err != nil {
		return nil, err
	}
	b.log.DebugContext(ctx, "upstream.token.ok",
		slog.String("grant_type", data.Get("grant_type")),
		slog.Int("expires_in", cred.ExpiresIn))
	return cred, nil
}

// Identity holds the upstream user identifiers resolved from an ID token.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// ResolveIdentity verifies the credential's ID token and extracts the
// upstream user identifiers. It fails when no verifier is configured or the
// credential carries no ID token.
func (b *Bridge) ResolveIdentity(ctx context.Context, cred *Credential) (*Identity, error) {
	if b.verifier == nil {
		return nil, fmt.Errorf("id token verification not configured")
	}
	if cred.IDToken == "" {
		return nil, fmt.Errorf("upstream credential carries no id token")
	}
	idTok, err := b.verifier.Verify(ctx, cred.IDToken)
	if err != nil {
		return nil, fmt.Errorf("verify upstream id token: %w", err)
	}
	var ident Identity
	if err := idTok.Claims(&ident); err != nil {
		return nil, fmt.Errorf("decode id token claims: %w", err)
	}
	if ident.Subject == "" {
		ident.Subject = idTok.Subject
	}
	return &ident, nil
}
