package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered cleanup functions in reverse registration order
// once SIGINT/SIGTERM arrives, the parent context ends or a background task
// reports a failure through Fail.
type Manager struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	funcs []namedFunc

	failOnce sync.Once
	failed   chan struct{}
	failErr  error
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

func New(timeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		timeout: timeout,
		logger:  logger,
		failed:  make(chan struct{}),
	}
}

// Fail records the first fatal background error and wakes Wait.
func (m *Manager) Fail(err error) {
	if err == nil {
		return
	}
	m.failOnce.Do(func() {
		m.failErr = err
		close(m.failed)
	})
}

func (m *Manager) Add(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Wait blocks until a termination signal, ctx is done or Fail is called,
// then shuts down. It returns the error passed to Fail, if any.
func (m *Manager) Wait(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		m.logger.Info("context done, shutting down")
	case <-m.failed:
		m.logger.Error("background task failed, shutting down", zap.Error(m.failErr))
	}

	m.Shutdown()

	select {
	case <-m.failed:
		return m.failErr
	default:
		return nil
	}
}

// Shutdown runs every registered function, each under its own timeout.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	funcs := make([]namedFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.funcs = nil
	m.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		start := time.Now()
		err := f.fn(ctx)
		cancel()

		if err != nil {
			m.logger.Error("shutdown step failed",
				zap.String("name", f.name),
				zap.Error(err),
				zap.Duration("duration", time.Since(start)))
			continue
		}
		m.logger.Info("shutdown step completed",
			zap.String("name", f.name),
			zap.Duration("duration", time.Since(start)))
	}

	m.logger.Info("graceful shutdown completed")
}

// HTTPServer adapts an *http.Server (or anything with Shutdown) to Add.
func HTTPServer(srv interface {
	Shutdown(context.Context) error
}) func(context.Context) error {
	return func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}
}

// Closer adapts an io.Closer to Add.
func Closer(c interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return c.Close()
	}
}
