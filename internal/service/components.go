// File: internal/service/components.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/config"
	"github.com/xkilldash9x/forensync/internal/network"
	"github.com/xkilldash9x/forensync/internal/notify"
	"github.com/xkilldash9x/forensync/internal/observability"
	"github.com/xkilldash9x/forensync/internal/realtime"
	"github.com/xkilldash9x/forensync/internal/session"
	"github.com/xkilldash9x/forensync/internal/sink"
	"github.com/xkilldash9x/forensync/internal/store"
	"github.com/xkilldash9x/forensync/internal/viewstate"
)

// Components holds everything a command needs to talk to the backend.
// Archive and Sink are nil unless enabled.
type Components struct {
	Config    config.Interface
	Logger    *zap.Logger
	Notifier  notify.Notifier
	Session   session.Provider
	Metrics   *observability.Metrics
	Client    *network.Client
	API       *api.Service
	Dashboard *api.Dashboard
	Realtime  *realtime.Manager
	ViewState *viewstate.Store
	Archive   *store.Store
	Sink      *sink.NATS
}

// Watch opens the channel for target and subscribes extra. The view state and
// any enabled archive and sink are attached once per channel by
// channelHandler, however many callers watch it. The returned func removes
// the extra subscription.
func (c *Components) Watch(ctx context.Context, target realtime.Target, extra ...realtime.Handler) (*realtime.Channel, func(), error) {
	if c.Realtime == nil {
		return nil, nil, fmt.Errorf("realtime manager is not initialized")
	}
	return c.Realtime.Watch(ctx, target, fanOut(extra))
}

// channelHandler builds the handler every new channel gets. The archive
// outlives the context of the caller that happened to open the channel.
func (c *Components) channelHandler(ctx context.Context, target realtime.Target) realtime.Handler {
	var handlers []realtime.Handler
	if c.ViewState != nil {
		handlers = append(handlers, c.ViewState.Handler(target.Key))
	}
	if c.Archive != nil {
		handlers = append(handlers, c.Archive.Handler(context.WithoutCancel(ctx), target.Key, c.Metrics))
	}
	if c.Sink != nil {
		handlers = append(handlers, c.Sink.Handler(target.Key))
	}
	return fanOut(handlers)
}

func fanOut(handlers []realtime.Handler) realtime.Handler {
	switch len(handlers) {
	case 0:
		return nil
	case 1:
		return handlers[0]
	}
	return func(env realtime.Envelope) {
		for _, h := range handlers {
			h(env)
		}
	}
}

// Shutdown releases components in dependency order: channels first so no
// handler writes to a closed sink or pool.
func (c *Components) Shutdown() {
	logger := c.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the producers.
	if c.Realtime != nil {
		if err := c.Realtime.CloseAll(); err != nil {
			logger.Warn("Error while closing realtime channels.", zap.Error(err))
		} else {
			logger.Debug("Realtime channels closed.")
		}
	}

	// 2. Drain the forwarder.
	if c.Sink != nil {
		if err := c.Sink.Close(); err != nil {
			logger.Warn("Error while closing NATS sink.", zap.Error(err))
		} else {
			logger.Debug("NATS sink drained.")
		}
	}

	// 3. Close the database connection pool.
	if c.Archive != nil {
		c.Archive.Close()
		logger.Debug("Archive connection pool closed.")
	}

	logger.Debug("All components shut down.")
}
