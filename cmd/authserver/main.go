// Command authserver runs the multi-tenant OAuth authorization server.
//
// Configuration is environment-driven. The minimum viable setup:
//
//	OAUTH_BASE_DOMAIN=auth.example.com OAUTH_STORAGE_BACKEND=memory ./authserver
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	oauth "github.com/mcp-obs/oauth"
	"github.com/mcp-obs/oauth/instrumentation"
	"github.com/mcp-obs/oauth/server"
	"github.com/mcp-obs/oauth/storage"
	"github.com/mcp-obs/oauth/storage/memory"
	"github.com/mcp-obs/oauth/storage/sqlite"
	"github.com/mcp-obs/oauth/storage/valkey"
	"github.com/mcp-obs/oauth/tenant"
)

var version = "dev"

type config struct {
	ListenAddr string `env:"OAUTH_LISTEN_ADDR" envDefault:":8080"`
	BaseDomain string `env:"OAUTH_BASE_DOMAIN,required"`
	LoginPath  string `env:"OAUTH_LOGIN_PATH" envDefault:"/login"`

	ProductionMode    bool `env:"OAUTH_PRODUCTION_MODE" envDefault:"true"`
	TrustProxy        bool `env:"OAUTH_TRUST_PROXY"`
	TrustedProxyCount int  `env:"OAUTH_TRUSTED_PROXY_COUNT" envDefault:"1"`

	RateLimitRPS   int `env:"OAUTH_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int `env:"OAUTH_RATE_LIMIT_BURST" envDefault:"20"`

	AccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"720h"`

	StorageBackend string `env:"OAUTH_STORAGE_BACKEND" envDefault:"memory"`
	SQLitePath     string `env:"OAUTH_SQLITE_PATH" envDefault:"oauth.db"`
	ValkeyAddress  string `env:"OAUTH_VALKEY_ADDRESS" envDefault:"localhost:6379"`
	ValkeyPassword string `env:"OAUTH_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"OAUTH_VALKEY_DB"`
	ValkeyTLS      bool   `env:"OAUTH_VALKEY_TLS"`

	// SeedTenantSlug creates a tenant at startup when it does not exist
	// yet. Development convenience; leave empty in production.
	SeedTenantSlug   string `env:"OAUTH_SEED_TENANT_SLUG"`
	SeedTenantScopes string `env:"OAUTH_SEED_TENANT_SCOPES" envDefault:"openid profile email"`

	LogLevel  string `env:"OAUTH_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"OAUTH_LOG_FORMAT" envDefault:"json"`

	ShutdownTimeout time.Duration `env:"OAUTH_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "authserver:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage backend %q: %w", cfg.StorageBackend, err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SeedTenantSlug != "" {
		if err := seedTenant(ctx, store, cfg); err != nil {
			return fmt.Errorf("seed tenant: %w", err)
		}
	}

	engine, err := server.New(store, &server.Config{
		DefaultAccessTokenTTL:  cfg.AccessTokenTTL,
		DefaultRefreshTokenTTL: cfg.RefreshTokenTTL,
		ProductionMode:         cfg.ProductionMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-server",
		ServiceVersion: version,
		Enabled:        true,
	})
	if err != nil {
		return fmt.Errorf("create instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	resolver := tenant.NewResolver(store, cfg.BaseDomain, logger)

	handler, err := oauth.NewHandler(engine, resolver, &oauth.Config{
		BaseDomain:        cfg.BaseDomain,
		LoginPath:         cfg.LoginPath,
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
	}, logger)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	defer handler.Close()
	handler.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authorization server listening",
			"addr", cfg.ListenAddr,
			"base_domain", cfg.BaseDomain,
			"backend", cfg.StorageBackend,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.New(memory.Config{Logger: logger}), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "valkey":
		var tlsConfig *tls.Config
		if cfg.ValkeyTLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return valkey.New(valkey.Config{
			Address:  cfg.ValkeyAddress,
			Password: cfg.ValkeyPassword,
			DB:       cfg.ValkeyDB,
			TLS:      tlsConfig,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q (memory, sqlite, valkey)", cfg.StorageBackend)
	}
}

func seedTenant(ctx context.Context, store storage.Store, cfg config) error {
	_, err := store.GetTenantBySlug(ctx, cfg.SeedTenantSlug)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	scheme := "https"
	if !cfg.ProductionMode {
		scheme = "http"
	}
	return store.SaveTenant(ctx, &storage.Tenant{
		ID:              "tnt_" + uuid.NewString(),
		Slug:            cfg.SeedTenantSlug,
		IssuerURL:       fmt.Sprintf("%s://%s.%s", scheme, cfg.SeedTenantSlug, cfg.BaseDomain),
		Enabled:         true,
		ScopesSupported: strings.Fields(cfg.SeedTenantScopes),
		CreatedAt:       time.Now(),
	})
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
