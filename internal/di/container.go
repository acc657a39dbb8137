// Package di wires the outliner daemon together with Google Wire.
//
// wire.go declares the injector, wire_sets.go the provider sets and
// providers.go the providers themselves. wire_gen.go is the generated
// injector; regenerate it with `wire ./internal/di` after changing a set.
package di

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outliner-backend/internal/backend"
	"outliner-backend/internal/cache"
	"outliner-backend/internal/config"
	"outliner-backend/internal/events"
	"outliner-backend/internal/hierarchy"
	"outliner-backend/internal/livesync"
	"outliner-backend/internal/logging"
	"outliner-backend/internal/mutation"
	"outliner-backend/internal/observability"
	"outliner-backend/internal/publish"
)

// Container holds every long-lived component of the daemon.
// Listener and Forwarder are nil when their feature is disabled.
type Container struct {
	Config    *config.Config
	Logger    *logging.Logger
	Tree      *hierarchy.Tree
	Cache     *cache.NodeCache
	Backend   backend.Backend
	Bus       *events.Bus
	Engine    *mutation.Engine
	Listener  *livesync.Listener
	Forwarder *publish.Forwarder
	Collector *observability.Collector
	Tracing   *observability.TracerProvider
	Handler   http.Handler
}

// Run loads the top level of the outline, then starts the change stream
// listener and the event forwarder. It blocks until ctx is done or the
// listener gives up.
func (c *Container) Run(ctx context.Context) error {
	if loaded, err := c.Engine.LoadChildren(ctx); err != nil {
		c.Logger.Warn("Initial load failed", logging.ErrorFields(err)...)
	} else {
		c.Logger.Info("Outline loaded", zap.Int("nodes", len(loaded)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if c.Listener != nil {
		g.Go(func() error {
			return c.Listener.Run(gctx)
		})
	}
	if c.Forwarder != nil {
		g.Go(func() error {
			c.Forwarder.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ApplyConfig applies the settings that can change without a restart.
func (c *Container) ApplyConfig(cfg *config.Config) {
	if cfg.Logging.Level != c.Config.Logging.Level {
		c.Logger.SetLevel(cfg.Logging.Level)
		c.Logger.Info("Log level changed",
			zap.String("from", c.Config.Logging.Level),
			zap.String("to", cfg.Logging.Level),
		)
	}
	c.Config = cfg
}
