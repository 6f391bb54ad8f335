// Package connwatch keeps long-lived connections alive with a fixed
// retry delay. Each Watcher owns one connection (the browser debug
// session, the MQTT broker session) and runs it in a loop:
//
//  1. Run the connection until it fails.
//  2. Log the failure, wait RetryConfig.Delay, and start over.
//
// The loop never gives up on its own. It ends only when the context is
// cancelled or when the run function panics, which is reported as an
// error so the process can exit instead of limping along.
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPanicked is returned by [Watcher.Run] when the run function panics.
var ErrPanicked = errors.New("connwatch: run function panicked")

// errClosed stands in for a nil error from a run function that returned
// while its context was still live.
var errClosed = errors.New("connection closed")

// RunFunc runs a single connection lifetime. It must call ready once the
// connection is usable and return when the connection is lost. ready
// may be called at most once per invocation; extra calls are ignored.
type RunFunc func(ctx context.Context, ready func()) error

// RetryConfig controls the delay between connection attempts.
type RetryConfig struct {
	// Delay is the fixed pause after a failed or lost connection
	// (default: 15s). There is no growth and no jitter.
	Delay time.Duration
}

// DefaultRetryConfig returns the 15 second fixed retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Delay: 15 * time.Second}
}

// WatcherConfig configures a single connection watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "mqtt").
	Name string

	// Run drives one connection lifetime.
	Run RunFunc

	// Retry controls the fixed delay between attempts.
	Retry RetryConfig

	// OnReady is called each time a connection attempt reports ready.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is a point-in-time snapshot of a watched connection.
type ServiceStatus struct {
	Name       string    `json:"name"`
	Ready      bool      `json:"ready"`
	Attempts   int64     `json:"attempts"`
	LastChange time.Time `json:"last_change"`
	LastError  string    `json:"last_error,omitempty"`
}

// Watcher runs one connection with fixed-delay retries.
type Watcher struct {
	config   WatcherConfig
	ready    atomic.Bool
	attempts atomic.Int64

	mu         sync.Mutex
	lastErr    error
	lastChange time.Time
}

// NewWatcher creates a Watcher. Panics if Name is empty or Run is nil;
// those are programming errors. A zero Retry.Delay gets the default.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Run == nil {
		panic("connwatch: WatcherConfig.Run must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = DefaultRetryConfig().Delay
	}
	return &Watcher{config: cfg}
}

// Name returns the watcher's configured name.
func (w *Watcher) Name() string {
	return w.config.Name
}

// Status returns the current connection status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:       w.config.Name,
		Ready:      w.ready.Load(),
		Attempts:   w.attempts.Load(),
		LastChange: w.lastChange,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Run loops until ctx is cancelled, restarting the connection after each
// failure. It returns ctx.Err() on cancellation, or an error wrapping
// [ErrPanicked] if the run function panicked.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.config.Logger
	delay := w.config.Retry.Delay

	for {
		attempt := w.attempts.Add(1)
		logger.Debug("connection attempt",
			"service", w.config.Name,
			"attempt", attempt,
		)

		err := w.runOnce(ctx)
		wasReady := w.ready.Swap(false)

		if errors.Is(err, ErrPanicked) {
			w.recordResult(err)
			logger.Error("connection loop terminated",
				"service", w.config.Name,
				"error", err,
			)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errClosed
		}
		w.recordResult(err)

		if wasReady {
			logger.Warn("connection lost",
				"service", w.config.Name,
				"error", err,
			)
		}

		logger.Error("connection failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// runOnce calls the run function, converting a panic into an error.
func (w *Watcher) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w: %v", w.config.Name, ErrPanicked, r)
		}
	}()

	var once sync.Once
	ready := func() {
		once.Do(func() {
			w.ready.Store(true)
			w.recordResult(nil)
			w.config.Logger.Info("service connected",
				"service", w.config.Name,
				"attempt", w.attempts.Load(),
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		})
	}

	return w.config.Run(ctx, ready)
}

// recordResult stores the outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastChange = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager tracks a set of watchers for status reporting.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Add creates and registers a watcher. The watcher does not start until
// its Run method is called. A nil Logger inherits the manager's logger.
func (m *Manager) Add(cfg WatcherConfig) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	w := NewWatcher(cfg)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status returns the status of all registered watchers.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}
