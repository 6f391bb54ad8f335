package browser

import "errors"

var (
	// ErrConnect means the debug endpoint could not be reached or the
	// tab could not be attached.
	ErrConnect = errors.New("browser connect failed")
	// ErrNoTabAvailable means the browser has no page target to attach to.
	ErrNoTabAvailable = errors.New("no open tabs")
	// ErrConnectionLost means the attached tab is gone or was never
	// attached. The session must reconnect.
	ErrConnectionLost = errors.New("browser connection lost")
	// ErrCaptureFailed means the screenshot call timed out or failed.
	ErrCaptureFailed = errors.New("screenshot capture failed")
	// ErrDecodeFailed means the screenshot bytes were not a valid image.
	ErrDecodeFailed = errors.New("screenshot decode failed")
	// ErrNavigateFailed means a navigation call timed out or failed.
	ErrNavigateFailed = errors.New("navigation failed")
)
