package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/runtime"
	httpserver "github.com/rzbill/relay/internal/server/http"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// Options for running the server.
type Options struct {
	Config cfgpkg.Config
}

// Run starts the relay server and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context in case the caller's context is not
	// signal-aware.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	logger := logpkg.New(logpkg.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	defer logger.Sync()

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting relay server",
		zap.String("addr", cfg.Server.Addr),
		zap.String("level", cfg.Log.Level),
		zap.String("format", cfg.Log.Format),
		zap.Bool("batching", cfg.Batch.Enabled),
		zap.Bool("dead_letter", cfg.DeadLetter.Enabled))

	hsrv := httpserver.New(rt)

	var wg sync.WaitGroup
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.Addr); err != nil && sctx.Err() == nil {
			logger.Error("http server error", zap.Error(err))
			errCh <- err
		}
	}()

	select {
	case <-sctx.Done():
	case err := <-errCh:
		wg.Wait()
		return err
	}

	hsrv.Close()
	wg.Wait()
	logger.Info("relay server stopped")
	return nil
}
