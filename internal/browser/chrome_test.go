package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeDevtools serves the parts of the DevTools HTTP and websocket
// endpoints the connector uses: /json/version, the browser socket for
// Target.getTargets, and one page socket. It records every method.
type fakeDevtools struct {
	srv        *httptest.Server
	upgrader   websocket.Upgrader
	targetID   string
	withPage   bool
	screenshot []byte

	mu         sync.Mutex
	methods    []string
	pageClosed bool
	pageConn   *websocket.Conn
}

func newFakeDevtools(t *testing.T, withPage bool) *fakeDevtools {
	t.Helper()
	f := &fakeDevtools{
		targetID:   "KIOSK1",
		withPage:   withPage,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		screenshot: jpegBytes(t, 800, 480),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "HeadlessChrome/131.0",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/devtools/browser/fake", f.serveBrowser)
	mux.HandleFunc("/devtools/page/", f.servePage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type fakeRequest struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	SessionID string `json:"sessionId,omitempty"`
}

func (f *fakeDevtools) record(method string) {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.mu.Unlock()
}

func (f *fakeDevtools) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeDevtools) serveBrowser(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var req fakeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.record(req.Method)

		result := map[string]any{}
		if req.Method == "Target.getTargets" {
			infos := []map[string]any{}
			if f.withPage {
				infos = append(infos, map[string]any{
					"targetId": f.targetID, "type": "page", "title": "kiosk",
					"url": "http://[::1]:8123/lovelace/0", "attached": false, "canAccessOpener": false,
				})
			}
			result["targetInfos"] = infos
		}
		resp := map[string]any{"id": req.ID, "result": result}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (f *fakeDevtools) servePage(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/devtools/page/") != f.targetID {
		http.NotFound(w, r)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.pageConn = conn
	f.mu.Unlock()
	defer conn.Close()

	for {
		var req fakeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				f.mu.Lock()
				f.pageClosed = true
				f.mu.Unlock()
			}
			return
		}
		f.record(req.Method)

		var resp map[string]any
		switch req.Method {
		case "Page.captureScreenshot":
			resp = map[string]any{"id": req.ID, "result": map[string]any{
				"data": base64.StdEncoding.EncodeToString(f.screenshot),
			}}
		case "Page.navigate":
			resp = map[string]any{"id": req.ID, "result": map[string]any{"frameId": "F1", "loaderId": "L1"}}
		default:
			resp = map[string]any{"id": req.ID, "error": map[string]any{
				"code": -32601, "message": "'" + req.Method + "' wasn't found",
			}}
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// dropPage closes the page socket from the browser side.
func (f *fakeDevtools) dropPage() {
	f.mu.Lock()
	conn := f.pageConn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func TestChromeConnector_Unreachable(t *testing.T) {
	c := NewChromeConnector("http://127.0.0.1:1", testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tab, err := c.Connect(ctx)
	if err == nil {
		tab.Close()
		t.Fatal("Connect() error = nil for an unreachable endpoint")
	}
}

func TestChromeConnector_CloseLeavesPageOpen(t *testing.T) {
	f := newFakeDevtools(t, true)
	c := NewChromeConnector(f.srv.URL, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tab, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	raw, err := tab.CaptureScreenshot(ctx)
	if err != nil {
		t.Fatalf("CaptureScreenshot() error = %v", err)
	}
	if string(raw) != string(f.screenshot) {
		t.Errorf("CaptureScreenshot() returned %d bytes, want the %d served", len(raw), len(f.screenshot))
	}
	if err := tab.Navigate(ctx, "about:blank"); err != nil {
		t.Fatalf("Navigate() error = %v", err)
	}

	tab.Close()
	select {
	case <-tab.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Close()")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		closed := f.pageClosed
		f.mu.Unlock()
		if closed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	closed := f.pageClosed
	f.mu.Unlock()
	if !closed {
		t.Error("page socket did not receive a normal close frame")
	}

	methods := f.seen()
	for _, m := range methods {
		if m == "Target.closeTarget" || m == "Target.detachFromTarget" || m == "Browser.close" {
			t.Fatalf("connector sent %s; methods = %v", m, methods)
		}
	}
	want := map[string]bool{"Target.getTargets": false, "Page.captureScreenshot": false, "Page.navigate": false}
	for _, m := range methods {
		if _, ok := want[m]; ok {
			want[m] = true
		}
	}
	for m, ok := range want {
		if !ok {
			t.Errorf("method %s never sent; methods = %v", m, methods)
		}
	}
}

func TestChromeConnector_NoPages(t *testing.T) {
	f := newFakeDevtools(t, false)
	c := NewChromeConnector(f.srv.URL, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Connect(ctx)
	if !errors.Is(err, ErrNoTabAvailable) {
		t.Fatalf("Connect() error = %v, want ErrNoTabAvailable", err)
	}
}

func TestChromeConnector_PageDropped(t *testing.T) {
	f := newFakeDevtools(t, true)
	c := NewChromeConnector(f.srv.URL, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tab, err := c.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tab.Close()

	// Wait for the server side to register the page socket.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		up := f.pageConn != nil
		f.mu.Unlock()
		if up {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.dropPage()

	select {
	case <-tab.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after the browser dropped the page")
	}
	if _, err := tab.CaptureScreenshot(ctx); err == nil {
		t.Error("CaptureScreenshot() on a dropped page succeeded")
	}
}

func TestDevtoolsConn_RemoteError(t *testing.T) {
	f := newFakeDevtools(t, true)
	wsURL, err := pageWebSocketURL(f.srv.URL, "KIOSK1")
	if err != nil {
		t.Fatalf("pageWebSocketURL() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dialDevtools(ctx, wsURL, testLogger())
	if err != nil {
		t.Fatalf("dialDevtools() error = %v", err)
	}
	defer conn.Close()

	err = conn.call(ctx, "Page.bogus", nil, nil)
	var cdpErr *cdpError
	if !errors.As(err, &cdpErr) || cdpErr.Code != -32601 {
		t.Fatalf("call() error = %v, want a -32601 protocol error", err)
	}

	// The connection survives a protocol error.
	if err := conn.call(ctx, "Page.navigate", map[string]string{"url": "about:blank"}, nil); err != nil {
		t.Errorf("call() after protocol error = %v", err)
	}
}

func TestPageWebSocketURL(t *testing.T) {
	tests := []struct {
		debugURL string
		want     string
		wantErr  bool
	}{
		{"http://127.0.0.1:9222", "ws://127.0.0.1:9222/devtools/page/T1", false},
		{"http://127.0.0.1:9222/", "ws://127.0.0.1:9222/devtools/page/T1", false},
		{"https://kiosk.local:9222", "wss://kiosk.local:9222/devtools/page/T1", false},
		{"ws://127.0.0.1:9222/devtools/browser/abc", "ws://127.0.0.1:9222/devtools/page/T1", false},
		{"ftp://127.0.0.1:9222", "", true},
		{"http://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.debugURL, func(t *testing.T) {
			got, err := pageWebSocketURL(tt.debugURL, "T1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("pageWebSocketURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("pageWebSocketURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAwait(t *testing.T) {
	if err := await(context.Background(), func() error { return nil }); err != nil {
		t.Errorf("await() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := make(chan struct{})
	defer close(block)
	err := await(ctx, func() error {
		<-block
		return nil
	})
	if err != context.Canceled {
		t.Errorf("await() error = %v, want context.Canceled", err)
	}
}
