// Package browser drives a remote Chromium tab: it captures screenshots
// scaled for a small dashboard camera and navigates the tab back to its
// target page on request.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config holds the per-call timeouts and output format of a [Session].
// Zero values get the defaults noted on each field.
type Config struct {
	CaptureTimeout  time.Duration // default 20s
	BlankTimeout    time.Duration // default 1s
	SettleDelay     time.Duration // default 3s
	NavigateTimeout time.Duration // default 10s

	Width   int // default 400
	Height  int // default 240
	Quality int // default 65
}

func (c *Config) applyDefaults() {
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = 20 * time.Second
	}
	if c.BlankTimeout <= 0 {
		c.BlankTimeout = time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 10 * time.Second
	}
	if c.Width <= 0 {
		c.Width = 400
	}
	if c.Height <= 0 {
		c.Height = 240
	}
	if c.Quality <= 0 {
		c.Quality = 65
	}
}

// Capture is one encoded screenshot.
type Capture struct {
	ID        uuid.UUID
	Timestamp time.Time
	Image     []byte
}

// Session holds at most one attached tab. It is not safe for concurrent
// use; callers confine it to a single goroutine.
type Session struct {
	cfg       Config
	connector Connector
	logger    *slog.Logger
	tab       Tab
}

// NewSession creates an unconnected session.
func NewSession(cfg Config, connector Connector, logger *slog.Logger) *Session {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, connector: connector, logger: logger}
}

// Connected reports whether a tab is attached and still alive.
func (s *Session) Connected() bool {
	if s.tab == nil {
		return false
	}
	select {
	case <-s.tab.Done():
		return false
	default:
		return true
	}
}

// Connect attaches to the first tab, replacing any current one.
// [ErrNoTabAvailable] is returned as is; other failures wrap [ErrConnect].
func (s *Session) Connect(ctx context.Context) error {
	s.Close()

	s.logger.Debug("connecting to browser")
	tab, err := s.connector.Connect(ctx)
	if err != nil {
		if errors.Is(err, ErrNoTabAvailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	s.tab = tab
	s.logger.Info("browser connection established")
	return nil
}

// Close drops the current tab, if any.
func (s *Session) Close() {
	if s.tab != nil {
		s.tab.Close()
		s.tab = nil
	}
}

// Capture takes a screenshot and re-encodes it to the configured size
// and quality. A lost tab is dropped and reported as [ErrConnectionLost].
func (s *Session) Capture(ctx context.Context) (Capture, error) {
	if !s.Connected() {
		s.Close()
		return Capture{}, ErrConnectionLost
	}

	s.logger.Debug("capturing screenshot")
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CaptureTimeout)
	defer cancel()

	ts := time.Now()
	raw, err := s.tab.CaptureScreenshot(callCtx)
	if err != nil {
		if !s.Connected() {
			s.Close()
			return Capture{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return Capture{}, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	img, err := Encode(raw, s.cfg.Width, s.cfg.Height, s.cfg.Quality)
	if err != nil {
		return Capture{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	c := Capture{ID: id, Timestamp: ts, Image: img}
	s.logger.Debug("screenshot captured",
		"capture_id", id.String(),
		"raw_bytes", len(raw),
		"bytes", len(img),
	)
	return c, nil
}

// Navigate points the tab at url. With hard set, it first loads a blank
// page and waits for the settle delay, which clears a page that stopped
// responding to in-place reloads.
func (s *Session) Navigate(ctx context.Context, url string, hard bool) error {
	if !s.Connected() {
		s.Close()
		return ErrConnectionLost
	}

	if hard {
		s.logger.Info("navigating to blank page")
		if err := s.navigate(ctx, "about:blank", s.cfg.BlankTimeout); err != nil {
			return err
		}
		s.logger.Debug("waiting for page to settle", "delay", s.cfg.SettleDelay.String())
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.logger.Info("navigating to target", "url", url)
	return s.navigate(ctx, url, s.cfg.NavigateTimeout)
}

func (s *Session) navigate(ctx context.Context, url string, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.tab.Navigate(callCtx, url); err != nil {
		if !s.Connected() {
			s.Close()
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrNavigateFailed, url, err)
	}
	return nil
}
