package relay

import "log/slog"

// Process is the capability surface a session needs from one spawned
// external process.
type Process interface {
	// Write delivers one chunk to the process input. Callers must
	// serialize writes.
	Write(chunk []byte) error

	// Stop requests termination. It closes the process input, signals the
	// process, and escalates to a kill after a grace period. Stop is
	// idempotent and does not wait for the exit.
	Stop()

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err reports the exit error, if any. Valid only after Done is closed.
	Err() error
}

// Launcher spawns the external process for one session. Implementations
// other than FFmpegLauncher exist only in tests.
type Launcher interface {
	Launch(destination string, logger *slog.Logger) (Process, error)
}
