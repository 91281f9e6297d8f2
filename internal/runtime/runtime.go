package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rzbill/relay/internal/batch"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/deadletter"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/pipeline"
	"github.com/rzbill/relay/internal/retry"
	wsgateway "github.com/rzbill/relay/internal/server/ws"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger *zap.Logger
}

// Runtime wires the gateway hub, the queue pipeline, and the dead-letter
// archive for a single-node instance.
type Runtime struct {
	config   cfgpkg.Config
	logger   *zap.Logger
	hub      *wsgateway.Hub
	pipeline *pipeline.Pipeline
	archive  *deadletter.Archive
}

// Open validates the configuration and assembles all components.
func Open(opts Options) (*Runtime, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rt := &Runtime{config: opts.Config, logger: logger}
	rt.hub = wsgateway.NewHub(logger.Named("ws"), opts.Config.Server.AllowedOrigins)

	if opts.Config.DeadLetter.Enabled {
		dir := opts.Config.DeadLetter.DataDir
		if dir == "" {
			dir = filepath.Join(cfgpkg.DefaultDataDir(), "deadletter")
		}
		archive, err := deadletter.Open(deadletter.Options{
			DataDir:    dir,
			MaxEntries: opts.Config.DeadLetter.MaxEntries,
			Logger:     logger.Named("deadletter"),
		})
		if err != nil {
			return nil, err
		}
		rt.archive = archive
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithCallbacks(rt.callbacks()),
	}
	if rt.archive != nil {
		pipeOpts = append(pipeOpts, pipeline.WithArchive(rt.archive))
	}

	pl, err := pipeline.New(opts.Config, rt.hub, rt.hub.Deliver, pipeOpts...)
	if err != nil {
		if rt.archive != nil {
			rt.archive.Close()
		}
		return nil, err
	}
	rt.pipeline = pl
	rt.hub.Bind(pl)

	return rt, nil
}

func (r *Runtime) callbacks() pipeline.Callbacks {
	return pipeline.Callbacks{
		OnBatchReady: func(env batch.Envelope) {
			r.hub.Broadcast(env)
		},
		OnRetrySucceeded: func(t retry.Ticket, elapsed time.Duration) {
			r.logger.Info("redelivery succeeded",
				zap.String("recipient", t.Message.Recipient),
				zap.Int("attempts", t.AttemptCount),
				zap.Duration("elapsed", elapsed))
		},
		OnRetryAbandoned: func(t retry.Ticket, reason string) {
			r.logger.Warn("message abandoned",
				zap.String("recipient", t.Message.Recipient),
				zap.String("reason", reason))
		},
		OnOfflineDelivery: func(recipient string, msgs []message.Message) {
			r.logger.Info("offline backlog delivered",
				zap.String("recipient", recipient),
				zap.Int("count", len(msgs)))
		},
	}
}

// Close shuts down the pipeline, the gateway sessions, and the archive.
func (r *Runtime) Close() error {
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	r.hub.CloseAll()
	if r.archive != nil {
		return r.archive.Close()
	}
	return nil
}

// CheckHealth performs a simple liveness check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.pipeline == nil {
		return errors.New("pipeline not open")
	}
	return nil
}

// Pipeline returns the queue pipeline.
func (r *Runtime) Pipeline() *pipeline.Pipeline { return r.pipeline }

// Hub returns the websocket gateway hub.
func (r *Runtime) Hub() *wsgateway.Hub { return r.hub }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// DeadLetters lists archived abandonments, newest first.
func (r *Runtime) DeadLetters(limit int) ([]deadletter.Entry, error) {
	return r.pipeline.DeadLetters(limit)
}
