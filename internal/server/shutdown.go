// Package server coordinates graceful shutdown of the Tidemark process.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// Timeout bounds the whole shutdown. Default: 30 seconds.
	Timeout time.Duration

	// DrainTimeout bounds the wait for in-flight operations. Default: 15
	// seconds.
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Timeout:      30 * time.Second,
		DrainTimeout: 15 * time.Second,
	}
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

// ShutdownManager drains in-flight operations and then releases registered
// resources in reverse order of registration.
type ShutdownManager struct {
	cfg    ShutdownConfig
	logger *slog.Logger

	done     chan struct{}
	once     sync.Once
	inFlight atomic.Int64
	stopping atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
	err     error
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, logger *slog.Logger) *ShutdownManager {
	def := DefaultShutdownConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownManager{
		cfg:    cfg,
		logger: logger.With("component", "shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a resource released on shutdown.
func (sm *ShutdownManager) Register(name string, c io.Closer) {
	sm.RegisterFunc(name, func(context.Context) error { return c.Close() })
}

// RegisterFunc adds a release function that receives the shutdown deadline.
func (sm *ShutdownManager) RegisterFunc(name string, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, close: fn})
}

// RegisterHTTPServer shuts srv down gracefully on shutdown.
func (sm *ShutdownManager) RegisterHTTPServer(name string, srv *http.Server) {
	sm.RegisterFunc(name, srv.Shutdown)
}

// Shutdown runs the shutdown sequence once. Later calls return the first
// call's result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.once.Do(func() {
		sm.logger.Info("shutting down", "reason", reason)
		sm.stopping.Store(true)
		close(sm.done)

		ctx, cancel := context.WithTimeout(ctx, sm.cfg.Timeout)
		defer cancel()

		var errs []error
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.close(ctx); err != nil {
				sm.logger.Error("failed to release resource", "resource", c.name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}

		sm.err = errors.Join(errs...)
		sm.logger.Info("shutdown complete")
	})
	return sm.err
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.cfg.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight operations", n)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Track registers an in-flight operation. It returns false once shutdown has
// begun; otherwise the caller must call Untrack.
func (sm *ShutdownManager) Track() bool {
	if sm.stopping.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// Untrack ends an operation started by Track.
func (sm *ShutdownManager) Untrack() {
	sm.inFlight.Add(-1)
}

// InFlight returns the number of tracked operations.
func (sm *ShutdownManager) InFlight() int64 {
	return sm.inFlight.Load()
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.stopping.Load()
}

// Done is closed when shutdown begins.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// Middleware tracks in-flight requests and rejects new ones during shutdown.
func Middleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.Track() {
				w.Header().Set("Connection", "close")
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
			defer sm.Untrack()
			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
