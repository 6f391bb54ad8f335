package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// Tab is one attached browser page.
type Tab interface {
	// CaptureScreenshot returns the visible page as JPEG bytes.
	CaptureScreenshot(ctx context.Context) ([]byte, error)
	// Navigate starts loading url. It returns once the browser has
	// accepted the navigation, not when the page finished loading.
	Navigate(ctx context.Context, url string) error
	// Done is closed when the tab or the debug connection goes away.
	Done() <-chan struct{}
	// Close detaches the debugger. The page itself stays open.
	Close()
}

// Connector attaches to a browser tab.
type Connector interface {
	Connect(ctx context.Context) (Tab, error)
}

// ChromeConnector attaches to the first page of a running Chromium over
// the DevTools protocol.
type ChromeConnector struct {
	debugURL string
	logger   *slog.Logger
}

// NewChromeConnector creates a connector for debugURL, either the
// http:// DevTools endpoint or a ws:// browser URL.
func NewChromeConnector(debugURL string, logger *slog.Logger) *ChromeConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeConnector{debugURL: debugURL, logger: logger}
}

// Connect lists the browser's targets and attaches to the first page.
//
// Targets are listed over the browser endpoint with a chromedp context
// that never attaches to a page. The page itself is then driven over its
// own websocket, so dropping the connection detaches the debugger without
// closing the page, which belongs to whoever launched the browser.
func (c *ChromeConnector) Connect(ctx context.Context) (Tab, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), c.debugURL)
	defer allocCancel()

	c.logger.Debug("listing browser targets", "debug_url", c.debugURL)
	listCtx, listCancel := chromedp.NewContext(allocCtx)
	var targets []*target.Info
	err := await(ctx, func() error {
		var err error
		targets, err = chromedp.Targets(listCtx)
		return err
	})
	listCancel()
	if err != nil {
		return nil, fmt.Errorf("list targets at %s: %w", c.debugURL, err)
	}

	var first *target.Info
	for _, t := range targets {
		if t.Type == "page" {
			first = t
			break
		}
	}
	if first == nil {
		return nil, ErrNoTabAvailable
	}

	wsURL, err := pageWebSocketURL(c.debugURL, first.TargetID)
	if err != nil {
		return nil, err
	}
	conn, err := dialDevtools(ctx, wsURL, c.logger)
	if err != nil {
		return nil, fmt.Errorf("attach to tab %s: %w", first.TargetID, err)
	}

	c.logger.Debug("attached to browser tab", "target_id", string(first.TargetID), "url", first.URL)
	return &chromeTab{conn: conn}, nil
}

// await runs fn in its own goroutine and returns its result, or
// ctx.Err() if ctx ends first. fn must return once its own context is
// cancelled by the caller's cleanup.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type chromeTab struct {
	conn *devtoolsConn
}

func (t *chromeTab) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var res page.CaptureScreenshotReturns
	params := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatJpeg)
	if err := t.conn.call(ctx, page.CommandCaptureScreenshot, params, &res); err != nil {
		return nil, err
	}
	buf, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot data: %w", err)
	}
	return buf, nil
}

func (t *chromeTab) Navigate(ctx context.Context, url string) error {
	var res page.NavigateReturns
	if err := t.conn.call(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
	}
	return nil
}

func (t *chromeTab) Done() <-chan struct{} {
	return t.conn.Done()
}

func (t *chromeTab) Close() {
	t.conn.Close()
}
