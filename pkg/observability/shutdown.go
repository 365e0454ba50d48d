package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager sequences the registry's graceful shutdown: on SIGINT or
// SIGTERM it runs the pre-drain hooks (raising the 503 barrier in the request
// surface), shuts the HTTP listener down with in-flight requests allowed to
// finish, then closes every registered dependency in registration order. The
// whole sequence shares one deadline.
type ShutdownManager struct {
	logger  *Logger
	server  *http.Server
	timeout time.Duration

	mu            sync.Mutex
	preDrainHooks []func()
	shutdownFuncs []namedShutdown
}

// ShutdownFunc releases one dependency (a connection pool, a second listener,
// a trace exporter) within the shutdown deadline.
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager wraps server with a shutdown sequence bounded by timeout
// (30s when zero).
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		server:  server,
		timeout: timeout,
	}
}

// RegisterPreDrain registers a hook to run synchronously the moment a shutdown
// signal arrives, before the listener stops accepting. This is where the
// request surface flips its draining flag so new requests get 503 while
// in-flight ones finish.
func (sm *ShutdownManager) RegisterPreDrain(hook func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.preDrainHooks = append(sm.preDrainHooks, hook)
}

// RegisterShutdownFunc registers a dependency teardown, run after the HTTP
// server has drained. Funcs run in registration order: register consumers
// before the stores they depend on.
func (sm *ShutdownManager) RegisterShutdownFunc(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then runs the shutdown
// sequence. The returned error aggregates every teardown failure; the
// sequence always runs to the end regardless of individual failures.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	signal.Stop(sigChan)

	sm.logger.WithField("signal", sig.String()).Info("shutdown signal received, draining")
	return sm.Shutdown()
}

// Shutdown runs the drain sequence immediately. Exposed separately from
// WaitForShutdown so tests (and embedding binaries with their own signal
// handling) can trigger it without delivering a real signal.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.mu.Lock()
	hooks := append([]func(){}, sm.preDrainHooks...)
	funcs := append([]namedShutdown{}, sm.shutdownFuncs...)
	sm.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	var errs []error
	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("http server drain failed")
			errs = append(errs, fmt.Errorf("http server drain: %w", err))
		} else {
			sm.logger.Info("http server drained")
		}
	}

	for _, ns := range funcs {
		if err := ns.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("dependency", ns.name).Error("shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", ns.name, err))
			continue
		}
		sm.logger.WithField("dependency", ns.name).Debug("shutdown step complete")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown completed with errors: %w", err)
	}
	sm.logger.Info("graceful shutdown complete")
	return nil
}
