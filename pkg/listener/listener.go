// Package listener accepts client TCP connections and dispatches each to a
// Connection Handler goroutine, with graceful shutdown and a Prometheus
// metrics surface.
package listener

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/nullwire/interceptproxy/pkg/handler"
)

// Config tunes the accept loop.
type Config struct {
	// Addr is the TCP address to listen on.
	Addr string

	// ShutdownGrace bounds how long Run/Serve, once ctx is cancelled, wait
	// for in-flight connections before returning with them still running.
	ShutdownGrace time.Duration
}

// Listener owns the accept loop. Each accepted connection is served by one
// handler.Serve call on its own goroutine; any number run concurrently.
type Listener struct {
	cfg     Config
	handler *handler.Handler
	logger  hclog.Logger
	metrics *Metrics

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New builds a Listener. metrics may be nil, in which case accepted
// connections are not counted; the Connection Handler's own metrics come
// from its Deps, not from this argument.
func New(cfg Config, h *handler.Handler, logger hclog.Logger, metrics *Metrics) *Listener {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Listener{cfg: cfg, handler: h, logger: logger, metrics: metrics}
}

// Run binds cfg.Addr and serves until ctx is cancelled or the socket fails.
// It returns nil on a clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info("listener started", "addr", ln.Addr().String())
	return l.serve(ctx, ln)
}

// Serve runs the accept loop over an already-bound listener. Tests use it to
// bind on :0 themselves and learn the port before serving.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return l.serve(ctx, ln)
}

func (l *Listener) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.drain()
				l.logger.Info("listener stopped")
				return nil
			}
			l.logger.Error("accept failed", "error", err)
			return err
		}

		if l.metrics != nil {
			l.metrics.accepted()
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler.Serve(ctx, conn)
		}()
	}
}

// drain waits for in-flight handlers, up to the shutdown grace period.
// Handlers still blocked after the grace period are abandoned; their
// contexts are already cancelled, so they unwind as soon as their current
// blocking step returns.
func (l *Listener) drain() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.ShutdownGrace):
		l.logger.Warn("shutdown grace elapsed with connections still active")
	}
}

// Addr returns the bound address, or nil before Run/Serve has bound one.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// ServeMetrics serves the Prometheus exposition endpoint at /metrics on
// addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, m *Metrics, logger hclog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
