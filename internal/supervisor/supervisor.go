// Package supervisor runs the browser capture loop and the MQTT session
// side by side, each under a fixed-delay retry watcher, and hands reload
// commands from MQTT to the capture loop.
//
// The browser session is touched only by the capture worker goroutine.
// Reload commands arrive on the MQTT session's goroutine and are passed
// over a one-slot channel, so a reload and a capture never overlap.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mqtt-chromium-control/internal/browser"
	"github.com/nugget/mqtt-chromium-control/internal/connwatch"
)

// BrowserSession is the single-threaded browser handle driven by the
// capture worker. [browser.Session] implements it.
type BrowserSession interface {
	Connect(ctx context.Context) error
	Capture(ctx context.Context) (browser.Capture, error)
	Navigate(ctx context.Context, url string, hard bool) error
	Close()
}

// MQTTSession runs broker connection lifetimes and publishes images.
// [mqtt.Session] implements it.
type MQTTSession interface {
	Run(ctx context.Context, ready func()) error
	PublishImage(ctx context.Context, image []byte) error
}

// Config controls the capture schedule and retry behavior.
type Config struct {
	// TargetURL is where a reload command sends the tab.
	TargetURL string
	// CaptureInterval is the pause between capture cycles (default 30s).
	CaptureInterval time.Duration
	// RetryDelay is the fixed pause before reconnecting either
	// connection (default 15s).
	RetryDelay time.Duration
	// MaxCaptureFailures is how many consecutive failed captures drop
	// the browser connection (default 3).
	MaxCaptureFailures int
}

// Supervisor owns both loops.
type Supervisor struct {
	cfg      Config
	browser  BrowserSession
	logger   *slog.Logger
	watchers *connwatch.Manager
	reloads  chan struct{}

	// captureNow asks the capture worker to run a cycle right away.
	captureNow chan struct{}
}

// New creates a Supervisor for the given browser session. The MQTT
// session is supplied to [Supervisor.Run] so it can be built with
// [Supervisor.RequestReload] as its reload callback.
func New(cfg Config, b BrowserSession, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CaptureInterval <= 0 {
		cfg.CaptureInterval = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = connwatch.DefaultRetryConfig().Delay
	}
	if cfg.MaxCaptureFailures <= 0 {
		cfg.MaxCaptureFailures = 3
	}
	return &Supervisor{
		cfg:        cfg,
		browser:    b,
		logger:     logger,
		watchers:   connwatch.NewManager(logger),
		reloads:    make(chan struct{}, 1),
		captureNow: make(chan struct{}, 1),
	}
}

// RequestReload queues a hard reload of the target page for the capture
// worker. It never blocks: if a reload is already pending the request is
// folded into it. A request made while the browser is disconnected runs
// after the next successful connect.
func (s *Supervisor) RequestReload(ctx context.Context) error {
	select {
	case s.reloads <- struct{}{}:
		s.logger.Debug("reload queued")
	default:
		s.logger.Info("reload already pending, request coalesced")
	}
	return nil
}

// requestCapture asks the capture worker for an immediate cycle. It
// never blocks; a request already pending covers this one.
func (s *Supervisor) requestCapture() {
	select {
	case s.captureNow <- struct{}{}:
	default:
	}
}

// Status returns the connection status of both loops.
func (s *Supervisor) Status() map[string]connwatch.ServiceStatus {
	return s.watchers.Status()
}

// Run starts the capture loop and the MQTT loop and blocks until ctx is
// cancelled, returning nil. Both loops retry forever; if either one
// terminates anyway, the other is stopped and the error is returned.
func (s *Supervisor) Run(ctx context.Context, m MQTTSession) error {
	retry := connwatch.RetryConfig{Delay: s.cfg.RetryDelay}

	browserW := s.watchers.Add(connwatch.WatcherConfig{
		Name:  "browser",
		Run:   s.captureLoop(m),
		Retry: retry,
	})
	mqttW := s.watchers.Add(connwatch.WatcherConfig{
		Name:  "mqtt",
		Run:   m.Run,
		Retry: retry,

		// A fresh broker session only has the short first heartbeat;
		// publish an image now rather than at the next interval.
		OnReady: s.requestCapture,
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range []*connwatch.Watcher{browserW, mqttW} {
		g.Go(func() error {
			err := w.Run(gctx)
			if gctx.Err() == nil {
				s.logger.Error("loop terminated unexpectedly", "service", w.Name(), "error", err)
				if err == nil || errors.Is(err, context.Canceled) {
					err = fmt.Errorf("%s loop exited", w.Name())
				}
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	for name, st := range s.Status() {
		s.logger.Info("final connection status",
			"service", name,
			"ready", st.Ready,
			"attempts", st.Attempts,
			"last_error", st.LastError,
		)
	}
	return err
}

// captureLoop returns the browser watcher's run function: connect, then
// capture and publish on a fixed interval, serving reload requests
// between cycles. It returns on any connection-level browser error.
func (s *Supervisor) captureLoop(pub MQTTSession) connwatch.RunFunc {
	return func(ctx context.Context, ready func()) error {
		if err := s.browser.Connect(ctx); err != nil {
			return err
		}
		defer s.browser.Close()
		ready()

		failures := 0
		timer := time.NewTimer(0)
		defer timer.Stop()
		// The first cycle runs right away and covers any pending request.
		select {
		case <-s.captureNow:
		default:
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-s.reloads:
				if err := s.reload(ctx); err != nil {
					return err
				}

			case <-timer.C:
				if err := s.cycle(ctx, pub, &failures); err != nil {
					return err
				}
				timer.Reset(s.cfg.CaptureInterval)

			case <-s.captureNow:
				s.logger.Debug("capture requested out of schedule")
				if err := s.cycle(ctx, pub, &failures); err != nil {
					return err
				}
				timer.Reset(s.cfg.CaptureInterval)
			}
		}
	}
}

// cycle captures one screenshot and publishes it. Remote-call failures
// skip the cycle; only a lost connection or too many consecutive
// capture failures are returned.
func (s *Supervisor) cycle(ctx context.Context, pub MQTTSession, failures *int) error {
	c, err := s.browser.Capture(ctx)
	switch {
	case err == nil:
		*failures = 0
	case errors.Is(err, browser.ErrConnectionLost):
		return err
	case errors.Is(err, browser.ErrCaptureFailed), errors.Is(err, browser.ErrDecodeFailed):
		*failures++
		s.logger.Warn("capture failed, skipping cycle",
			"error", err,
			"consecutive_failures", *failures,
		)
		if *failures >= s.cfg.MaxCaptureFailures {
			return fmt.Errorf("%d consecutive capture failures: %w", *failures, err)
		}
		return nil
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("capture failed, skipping cycle", "error", err)
		return nil
	}

	if err := pub.PublishImage(ctx, c.Image); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("publish failed, skipping cycle",
			"capture_id", c.ID.String(),
			"error", err,
		)
		return nil
	}
	s.logger.Debug("capture cycle complete",
		"capture_id", c.ID.String(),
		"bytes", len(c.Image),
		"age", time.Since(c.Timestamp).Round(time.Millisecond).String(),
	)
	return nil
}

// reload performs a hard navigation to the target URL. Navigation
// failures are logged; only a lost connection is returned.
func (s *Supervisor) reload(ctx context.Context) error {
	s.logger.Info("reloading target page", "url", s.cfg.TargetURL)
	err := s.browser.Navigate(ctx, s.cfg.TargetURL, true)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrConnectionLost):
		// Keep the request so it runs after reconnecting.
		select {
		case s.reloads <- struct{}{}:
		default:
		}
		return err
	default:
		s.logger.Error("reloading failed", "error", err)
		return nil
	}
}
