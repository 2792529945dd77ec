package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
	shutdownTimeout    = 30 * time.Second
	drainTimeout       = 5 * time.Second
)

// Serve starts the websocket hub, the scheduler and the HTTP server, and
// blocks until ctx is cancelled or the listener fails. Background work is
// stopped before Serve returns.
func Serve(ctx context.Context, app *App) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Hub.Run(runCtx)
	}()

	app.Scheduler.Start(runCtx)

	srv := &http.Server{
		Addr:         app.Config.Addr(),
		Handler:      NewRouter(app),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("storage", app.Config.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		app.Logger.Info("shutdown signal received")
	case err, ok := <-errCh:
		if ok {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	}

	// Cancel first so the hub loop and running jobs unwind while the
	// listener drains.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("server shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		app.Scheduler.Stop()
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		app.Logger.Info("background tasks stopped")
	case <-time.After(drainTimeout):
		app.Logger.Warn("background tasks did not stop in time")
	}
	return serveErr
}
