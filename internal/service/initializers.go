// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/forensync/internal/config"
	"github.com/xkilldash9x/forensync/internal/network"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/session"
	"github.com/xkilldash9x/forensync/internal/sink"
	"github.com/xkilldash9x/forensync/internal/store"
)

// InitializeSession returns the token provider selected by cfg.Backend.
func InitializeSession(cfg config.SessionConfig) (session.Provider, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return session.NewMemoryProvider(""), nil
	case "", "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("session.file is required for the file backend")
		}
		return session.NewFileProvider(cfg.File)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// APIBaseURL joins the server address and the REST path prefix.
func APIBaseURL(cfg config.APIConfig) string {
	base := strings.TrimRight(cfg.BaseURL, "/")
	prefix := strings.Trim(cfg.PathPrefix, "/")
	if prefix == "" {
		return base
	}
	return base + "/" + prefix
}

// InitializeHTTPClient builds the transport used for every REST call.
func InitializeHTTPClient(cfg config.APIConfig, logger *zap.Logger) *http.Client {
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	clientCfg.ForceHTTP2 = cfg.ForceHTTP2
	if cfg.Timeout > 0 {
		clientCfg.RequestTimeout = cfg.Timeout
	}
	clientCfg.Logger = logger.Named("httpclient")
	if cfg.ProxyURL != "" {
		// Validate already rejected malformed values.
		if u, err := url.Parse(cfg.ProxyURL); err == nil {
			clientCfg.ProxyURL = u
		}
	}
	return network.NewHTTPClient(clientCfg)
}

// InitializeLimiter returns nil when rate limiting is disabled.
func InitializeLimiter(cfg config.APIConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// InitializeArchive connects to PostgreSQL and prepares the envelope tables.
func InitializeArchive(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("archive database URL is not configured (hint: check FORENSYNC_ARCHIVE_DATABASE_URL)")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive database URL: %w", err)
	}
	// Archive writes are small and bursty; a handful of connections is plenty.
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive connection pool: %w", err)
	}

	archive, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := archive.EnsureSchema(ctx); err != nil {
		archive.Close()
		return nil, err
	}
	logger.Info("Envelope archive ready.")
	return archive, nil
}

// InitializeSink connects the NATS forwarder.
func InitializeSink(cfg config.NATSConfig, metrics *observability.Metrics, logger *zap.Logger) (*sink.NATS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sink.nats.url is not configured")
	}
	forwarder, err := sink.Connect(cfg.URL, cfg.SubjectPrefix, metrics, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("NATS sink connected.", zap.String("url", cfg.URL))
	return forwarder, nil
}
