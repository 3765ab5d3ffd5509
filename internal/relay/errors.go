package relay

import "errors"

var (
	// ErrTooManySessions is returned by SessionManager.Create when the
	// configured concurrent session cap is reached.
	ErrTooManySessions = errors.New("too many concurrent sessions")

	// ErrSessionClosed is returned for operations on a session that has
	// begun or finished teardown.
	ErrSessionClosed = errors.New("session closed")
)
