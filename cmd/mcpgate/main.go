// Command mcpgate runs the gateway: the authorization broker, the token
// bridge, and the multiplexed RPC endpoint on one listener.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mcpgate/mcpgate/actor"
	"github.com/mcpgate/mcpgate/auth"
	"github.com/mcpgate/mcpgate/broker"
	"github.com/mcpgate/mcpgate/catalog"
	"github.com/mcpgate/mcpgate/clientstore"
	clientmem "github.com/mcpgate/mcpgate/clientstore/memory"
	"github.com/mcpgate/mcpgate/clientstore/sqlitestore"
	"github.com/mcpgate/mcpgate/gatewayhttp"
	"github.com/mcpgate/mcpgate/grants"
	grantmem "github.com/mcpgate/mcpgate/grants/memory"
	"github.com/mcpgate/mcpgate/grants/redisstore"
	"github.com/mcpgate/mcpgate/internal/config"
	"github.com/mcpgate/mcpgate/internal/logctx"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage. Empty config values fall back to in-memory stores.
	var clients clientstore.Store
	if cfg.SQLitePath != "" {
		s, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open client store: %w", err)
		}
		defer s.Close()
		clients = s
		log.Info("clientstore.sqlite", slog.String("path", cfg.SQLitePath))
	} else {
		clients = clientmem.New()
		log.Warn("clientstore.memory", slog.String("note", "registrations are lost on restart"))
	}

	var grantStore grants.Store
	if cfg.RedisURL != "" {
		s, err := redisstore.New(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect grant store: %w", err)
		}
		grantStore = s
		log.Info("grants.redis")
	} else {
		grantStore = grantmem.New()
		log.Warn("grants.memory", slog.String("note", "sessions are lost on restart"))
	}
	defer grantStore.Close()

	// Upstream identity provider, via OIDC discovery when an issuer is
	// configured, otherwise from explicit endpoint URLs.
	authURL := cfg.UpstreamAuthURL
	tokenURL := cfg.UpstreamTokenURL
	bridgeOpts := []tokenbridge.Option{tokenbridge.WithLogger(log)}
	if cfg.UpstreamIssuer != "" {
		provider, err := oidc.NewProvider(ctx, cfg.UpstreamIssuer)
		if err != nil {
			return fmt.Errorf("discover upstream issuer: %w", err)
		}
		ep := provider.Endpoint()
		authURL = ep.AuthURL
		tokenURL = ep.TokenURL
		bridgeOpts = append(bridgeOpts, tokenbridge.WithIDTokenVerifier(
			provider.Verifier(&oidc.Config{ClientID: cfg.UpstreamClientID})))
		log.Info("upstream.discovered", slog.String("issuer", cfg.UpstreamIssuer))
	}

	bridge, err := tokenbridge.New(tokenURL, cfg.UpstreamClientID, cfg.UpstreamClientSecret, bridgeOpts...)
	if err != nil {
		return fmt.Errorf("build token bridge: %w", err)
	}

	issuer, err := auth.NewSessionIssuer(cfg.PublicEndpoint, []byte(cfg.SessionSecret))
	if err != nil {
		return fmt.Errorf("build session issuer: %w", err)
	}

	brk, err := broker.New(broker.Options{
		Logger:       log,
		Clients:      clients,
		Grants:       grantStore,
		Bridge:       bridge,
		Sessions:     issuer,
		CookieSecret: []byte(cfg.CookieSecret),
		ExchangeWait: cfg.ExchangeWait,
		Upstream: oauth2.Config{
			ClientID:     cfg.UpstreamClientID,
			ClientSecret: cfg.UpstreamClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       strings.Fields(cfg.UpstreamScopes),
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL},
		},
	})
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}

	cat := catalog.NewStaticCatalog(cfg.ServerName, version)
	if err := registerTools(cat); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	registry := actor.NewRegistry(cat,
		actor.WithLogger(log),
		actor.WithIdleTTL(cfg.ActorIdleTTL),
	)
	go func() {
		if err := registry.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("registry.run.fail", slog.String("err", err.Error()))
		}
	}()

	gateway, err := gatewayhttp.New(cfg.PublicEndpoint, issuer, registry, grantStore, bridge,
		gatewayhttp.WithLogger(log),
		gatewayhttp.WithServerName(cfg.ServerName),
	)
	if err != nil {
		return fmt.Errorf("build gateway handler: %w", err)
	}

	mux := http.NewServeMux()
	brk.Routes(mux)
	mux.Handle("/", gateway)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.PublicEndpoint))
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown.begin")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown.fail", slog.String("err", err.Error()))
			_ = srv.Close()
		}
		log.Info("shutdown.done")
	}
	return nil
}

const version = "0.1.0"

type whoamiParams struct{}

type echoParams struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

// registerTools installs the built-in protected operations. Both require an
// authenticated identity context; discovery methods list them without one.
func registerTools(cat *catalog.StaticCatalog) error {
	if err := cat.RegisterTool("whoami", "Report the authenticated caller's upstream identity.", whoamiParams{},
		func(ctx context.Context, props *tokenbridge.Props, _ json.RawMessage) (any, error) {
			return map[string]any{
				"subject":      props.Subject,
				"email":        props.Email,
				"display_name": props.DisplayName,
				"expires_at":   props.Cred.ExpiresAt,
			}, nil
		}); err != nil {
		return err
	}
	return cat.RegisterTool("echo", "Echo a message back to the caller.", echoParams{},
		func(ctx context.Context, props *tokenbridge.Props, params json.RawMessage) (any, error) {
			var p echoParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
			return map[string]any{"message": p.Message, "subject": props.Subject}, nil
		})
}
