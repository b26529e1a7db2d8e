// Package config loads the gateway's configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr     string `env:"MCPGATE_LISTEN_ADDR,default=:8080"`
	PublicEndpoint string `env:"MCPGATE_PUBLIC_ENDPOINT,default=http://localhost:8080/rpc"`
	ServerName     string `env:"MCPGATE_SERVER_NAME,default=mcpgate"`
	LogLevel       string `env:"MCPGATE_LOG_LEVEL,default=info"`

	// Upstream identity provider. Issuer enables OIDC discovery; when it is
	// empty the auth and token URLs must both be set explicitly.
	UpstreamIssuer       string `env:"MCPGATE_UPSTREAM_ISSUER"`
	UpstreamAuthURL      string `env:"MCPGATE_UPSTREAM_AUTH_URL"`
	UpstreamTokenURL     string `env:"MCPGATE_UPSTREAM_TOKEN_URL"`
	UpstreamClientID     string `env:"MCPGATE_UPSTREAM_CLIENT_ID,required"`
	UpstreamClientSecret string `env:"MCPGATE_UPSTREAM_CLIENT_SECRET"`
	UpstreamScopes       string `env:"MCPGATE_UPSTREAM_SCOPES,default=openid email profile"`
	CallbackURL          string `env:"MCPGATE_CALLBACK_URL,required"`

	// Secrets. The cookie secret signs the remembered-approval cookie; the
	// session secret signs issued session credentials. They must differ.
	CookieSecret  string `env:"MCPGATE_COOKIE_SECRET,required"`
	SessionSecret string `env:"MCPGATE_SESSION_SECRET,required"`

	// Storage. Empty values select in-memory stores, which lose all grants,
	// sessions and client registrations on restart.
	SQLitePath string `env:"MCPGATE_SQLITE_PATH"`
	RedisURL   string `env:"MCPGATE_REDIS_URL"`

	ExchangeWait time.Duration `env:"MCPGATE_EXCHANGE_WAIT,default=10s"`
	ActorIdleTTL time.Duration `env:"MCPGATE_ACTOR_IDLE_TTL,default=30m"`
}

// Load populates Config from the environment and validates cross-field
// constraints envdecode cannot express.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.UpstreamIssuer == "" && (cfg.UpstreamAuthURL == "" || cfg.UpstreamTokenURL == "") {
		return nil, fmt.Errorf("either MCPGATE_UPSTREAM_ISSUER or both MCPGATE_UPSTREAM_AUTH_URL and MCPGATE_UPSTREAM_TOKEN_URL must be set")
	}
	if cfg.CookieSecret == cfg.SessionSecret {
		return nil, fmt.Errorf("MCPGATE_COOKIE_SECRET and MCPGATE_SESSION_SECRET must differ")
	}
	return &cfg, nil
}
