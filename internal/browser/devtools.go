package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"

	"github.com/nugget/mqtt-chromium-control/internal/config"
)

// errDetached means the browser ended the debugging session, usually
// because the page was closed or crashed.
var errDetached = errors.New("devtools session detached")

var errClosed = errors.New("devtools connection closed")

// devtoolsConn speaks the DevTools protocol to a single page over the
// page's own websocket endpoint (/devtools/page/<id>). It carries no
// browser-level session, so closing it detaches the debugger and leaves
// the page running.
type devtoolsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	msgID   atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan cdpMessage
	pendingMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	logger *slog.Logger
}

// cdpMessage is any frame received from the browser: a response when ID
// is set, an event otherwise.
type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *cdpError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("%s (%d): %s", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// pageWebSocketURL derives the page endpoint for id from the configured
// debug URL, which is either the http:// DevTools address or a ws://
// browser endpoint.
func pageWebSocketURL(debugURL string, id target.ID) (string, error) {
	u, err := url.Parse(debugURL)
	if err != nil {
		return "", fmt.Errorf("parse debug url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("debug url %q: unsupported scheme %q", debugURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("debug url %q has no host", debugURL)
	}
	u.Path = "/devtools/page/" + string(id)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// dialDevtools opens the page websocket and starts the read loop.
func dialDevtools(ctx context.Context, wsURL string, logger *slog.Logger) (*devtoolsConn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	// A full-resolution screenshot arrives base64-encoded in one frame.
	conn.SetReadLimit(64 * 1024 * 1024)

	c := &devtoolsConn{
		conn:    conn,
		pending: make(map[int64]chan cdpMessage),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go c.readLoop()
	return c, nil
}

// call sends method with params and decodes the result into result,
// which may be nil. It gives up when ctx ends or the connection drops.
func (c *devtoolsConn) call(ctx context.Context, method string, params, result any) error {
	id := c.msgID.Add(1)
	respCh := make(chan cdpMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.logger.Log(ctx, config.LevelTrace, "devtools call", "id", id, "method", method)

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline() // zero clears an earlier call's deadline
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", method, c.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop dispatches responses to their callers until the connection
// fails or the browser detaches the session.
func (c *devtoolsConn) readLoop() {
	for {
		var msg cdpMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.fail(err)
			return
		}

		if msg.ID == 0 {
			switch msg.Method {
			case "Inspector.detached", "Inspector.targetCrashed":
				c.logger.Warn("browser ended the devtools session", "event", msg.Method)
				c.fail(errDetached)
				return
			}
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			ch <- msg
		}
		c.pendingMu.Unlock()
	}
}

// fail records the first error and marks the connection dead.
func (c *devtoolsConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Err returns the error that ended the connection, or nil while it is up.
func (c *devtoolsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed once the connection is gone.
func (c *devtoolsConn) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and drops the connection. It only detaches
// the debugger; no command is sent to the page or the browser.
func (c *devtoolsConn) Close() {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(errClosed)
}
