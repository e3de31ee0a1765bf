// Package server provides application lifecycle management: ordered startup,
// signal handling, and reverse-order graceful shutdown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long a single service may take to stop.
const DefaultStopTimeout = 10 * time.Second

// Service represents a long-running component that can be started and stopped.
type Service interface {
	// Start runs the service and blocks until it is stopped or fails.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

// ContextService adapts a blocking func(ctx) error into a Service. Stop
// cancels the context and waits for the function to return.
type ContextService struct {
	run    func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewContextService wraps run.
//
// Precondition: run must return once its context is cancelled.
func NewContextService(run func(ctx context.Context) error) *ContextService {
	ctx, cancel := context.WithCancel(context.Background())
	return &ContextService{run: run, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Start runs the wrapped function.
func (c *ContextService) Start() error {
	defer close(c.done)
	return c.run(c.ctx)
}

// Stop cancels the context and waits for Start to return.
func (c *ContextService) Stop() {
	c.cancel()
	<-c.done
}

// Lifecycle manages the startup and shutdown of multiple services.
// Services are started in order and stopped in reverse order.
type Lifecycle struct {
	logger      *zap.Logger
	services    []namedService
	stopTimeout time.Duration
	signals     []os.Signal
	mu          sync.Mutex
}

type namedService struct {
	name    string
	service Service
	started chan struct{}
}

// Option customizes a Lifecycle.
type Option func(*Lifecycle)

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(l *Lifecycle) { l.stopTimeout = d }
}

// WithSignals overrides the shutdown signals (SIGINT and SIGTERM).
// No arguments disables signal handling.
func WithSignals(sigs ...os.Signal) Option {
	return func(l *Lifecycle) { l.signals = sigs }
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		logger:      logger,
		stopTimeout: DefaultStopTimeout,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add registers a named service for lifecycle management.
// Services are started in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc, started: make(chan struct{})})
}

// Run starts all services and blocks until a signal arrives, ctx is done, or
// a service fails. Services are then stopped in reverse order.
//
// Postcondition: All services are stopped; returns the first service failure, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		l.logger.Info("starting service",
			zap.String("service", ns.name),
		)
		go func() {
			close(ns.started)
			svcStart := time.Now()
			err := ns.service.Start()
			if err == nil {
				l.logger.Debug("service returned",
					zap.String("service", ns.name),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				return
			}
			l.logger.Error("service failed",
				zap.String("service", ns.name),
				zap.Error(err),
				zap.Duration("uptime", time.Since(svcStart)),
			)
			errCh <- fmt.Errorf("service %s: %w", ns.name, err)
		}()
		<-ns.started
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	sigCh := make(chan os.Signal, 1)
	if len(l.signals) > 0 {
		signal.Notify(sigCh, l.signals...)
		defer signal.Stop(sigCh)
	}

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down",
			zap.String("signal", sig.String()),
		)
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down",
			zap.Error(runErr),
		)
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	l.shutdown(services)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service",
			zap.String("service", ns.name),
		)

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			ns.service.Stop()
		}()
		select {
		case <-stopped:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		case <-time.After(l.stopTimeout):
			l.logger.Warn("service stop timed out",
				zap.String("service", ns.name),
				zap.Duration("timeout", l.stopTimeout),
			)
		}
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
