// File: internal/service/factory.go
package service

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/config"
	"github.com/xkilldash9x/forensync/internal/network"
	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/realtime"
	"github.com/xkilldash9x/forensync/internal/session"
	"github.com/xkilldash9x/forensync/internal/viewstate"
)

// Options adjusts what a factory builds beyond the configuration.
type Options struct {
	// Notifier receives user-facing errors. Defaults to logging them.
	Notifier notify.Notifier
	// Session overrides the configured token backend.
	Session session.Provider
	// Metrics defaults to a fresh registry.
	Metrics *observability.Metrics
	// Dialer overrides the WebSocket dialer.
	Dialer realtime.Dialer
	// Archive and Sink enable the optional components even when the
	// configuration leaves them off.
	Archive bool
	Sink    bool
}

// ComponentFactory creates the set of components a command runs with.
// Commands depend on the interface so tests can substitute their own.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the client stack from cfg. On failure everything created so far is shut down.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{Config: cfg, Logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Notifier and metrics
	components.Notifier = opts.Notifier
	if components.Notifier == nil {
		components.Notifier = notify.NewLogNotifier(logger)
	}
	components.Metrics = opts.Metrics
	if components.Metrics == nil {
		components.Metrics = observability.NewMetrics()
	}

	// 2. Session
	components.Session = opts.Session
	if components.Session == nil {
		provider, err := InitializeSession(cfg.Session())
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize session: %w", err)
			return nil, initializationErr
		}
		components.Session = provider
	}
	logger.Debug("Session provider initialized.", zap.String("backend", cfg.Session().Backend))

	// 3. HTTP client
	apiCfg := cfg.API()
	client, err := network.NewClient(network.Options{
		BaseURL:    APIBaseURL(apiCfg),
		HTTPClient: InitializeHTTPClient(apiCfg, logger),
		Session:    components.Session,
		Notifier:   components.Notifier,
		Metrics:    components.Metrics,
		Limiter:    InitializeLimiter(apiCfg),
		Headers:    apiCfg.Headers,
		Logger:     logger,
	})
	if err != nil {
		initializationErr = fmt.Errorf("failed to create API client: %w", err)
		return nil, initializationErr
	}
	components.Client = client
	logger.Debug("API client initialized.", zap.String("base_url", client.BaseURL().String()))

	// 4. Facades
	components.API = api.NewService(api.Options{
		Client:       client,
		Session:      components.Session,
		LogoutRemote: apiCfg.LogoutRemote,
		Logger:       logger,
	})
	components.Dashboard = api.NewDashboard(client, cfg.Dashboard().Aggregation, logger)

	// 5. Realtime
	wsBase, err := apiCfg.WebSocketBase()
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	rtCfg := cfg.Realtime()
	dialer := opts.Dialer
	if dialer == nil {
		gorillaOpts := realtime.GorillaOptions{
			HandshakeTimeout: rtCfg.HandshakeTimeout,
			ReadLimit:        rtCfg.ReadLimit,
		}
		if apiCfg.IgnoreTLSErrors {
			gorillaOpts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab servers
		}
		dialer = realtime.NewGorillaDialer(gorillaOpts)
	}
	channelOpts := realtime.Options{
		BaseURL:  wsBase,
		Session:  components.Session,
		Dialer:   dialer,
		Policy:   realtime.PolicyFromConfig(rtCfg),
		Notifier: components.Notifier,
		Metrics:  components.Metrics,
		Logger:   logger,
		OnState: func(key string, from, to realtime.State) {
			logger.Debug("Channel state changed.",
				zap.String("key", key),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	}
	// The view state, archive and sink are read when a channel is created,
	// after steps 6 to 8 have filled them in.
	components.Realtime = realtime.NewManager(channelOpts, realtime.WithChannelHandler(components.channelHandler))
	logger.Debug("Realtime manager initialized.", zap.String("ws_base", wsBase))

	// 6. View state
	views, err := viewstate.New(cfg.ViewState().Capacity, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create view state: %w", err)
		return nil, initializationErr
	}
	components.ViewState = views

	// 7. Archive (optional)
	if opts.Archive || cfg.Archive().Enabled {
		archive, err := InitializeArchive(ctx, cfg.Archive(), logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize archive: %w", err)
			return nil, initializationErr
		}
		components.Archive = archive
	}

	// 8. Sink (optional)
	if opts.Sink || cfg.Sink().NATS.Enabled {
		forwarder, err := InitializeSink(cfg.Sink().NATS, components.Metrics, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize NATS sink: %w", err)
			return nil, initializationErr
		}
		components.Sink = forwarder
	}

	logger.Debug("All components initialized.")
	return components, nil
}
