package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/streambridge/ws-rtmp-relay/internal/metrics"
)

// State is the lifecycle of one session. Transitions only move forward:
// Starting -> Active -> Closing -> Closed, with Starting -> Closing when
// the process fails to spawn.
type State int

const (
	StateStarting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Close reasons recorded on session teardown.
const (
	CloseReasonPeerDisconnect = "peer_disconnect"
	CloseReasonProcessExit    = "process_exit"
	CloseReasonWriteError     = "write_error"
	CloseReasonSpawnFailure   = "spawn_failure"
	CloseReasonShutdown       = "shutdown"
)

// Peer is the connection side of a session, closed to force-disconnect
// the client when the process side goes away.
type Peer interface {
	Close() error
}

// Session ties one peer connection to one external process. A session is
// created in Starting, becomes Active once Start has spawned the process,
// and reaches Closed exactly once regardless of which side fails first.
type Session struct {
	id          string
	destination string
	log         *slog.Logger
	metrics     *metrics.Metrics

	// writeMu serializes WriteChunk so chunks reach the process input in
	// arrival order even if a future caller stops single-threading reads.
	writeMu sync.Mutex

	mu          sync.Mutex
	state       State
	proc        Process
	peer        Peer
	closeReason string
	onClose     func()

	done chan struct{}
}

func newSession(id, destination string, logger *slog.Logger, m *metrics.Metrics, onClose func()) *Session {
	return &Session{
		id:          id,
		destination: destination,
		log:         logger,
		metrics:     m,
		state:       StateStarting,
		onClose:     onClose,
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) Destination() string { return s.destination }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// CloseReason reports why the session closed. Empty until Closed.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Start binds the peer connection and spawns the external process. On
// spawn failure the session is closed and the peer is disconnected.
func (s *Session) Start(launcher Launcher, peer Peer) error {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.peer = peer
	s.mu.Unlock()

	proc, err := launcher.Launch(s.destination, s.log)
	if err != nil {
		s.metrics.ProcessSpawnFailuresTotal.Inc()
		s.log.Error("failed to spawn relay process", "err", err)
		s.Close(CloseReasonSpawnFailure)
		return fmt.Errorf("spawn relay process: %w", err)
	}
	s.metrics.ProcessSpawnsTotal.Inc()

	s.mu.Lock()
	if s.state != StateStarting {
		// Closed while the process was spawning.
		s.mu.Unlock()
		proc.Stop()
		return ErrSessionClosed
	}
	s.proc = proc
	s.state = StateActive
	s.mu.Unlock()

	s.log.Info("session active")
	go s.watchProcess(proc)
	return nil
}

// watchProcess completes the process-side half of the lifetime coupling:
// when the process exits for any reason, the session closes and the peer
// connection with it.
func (s *Session) watchProcess(proc Process) {
	<-proc.Done()

	err := proc.Err()
	s.mu.Lock()
	// Teardown already in progress means the exit was provoked by our own
	// termination signal; SIGTERM makes ffmpeg exit non-zero, which is not
	// an error outcome.
	interrupted := s.state != StateActive
	s.mu.Unlock()

	switch {
	case err == nil:
		s.metrics.ProcessExitsTotal.WithLabelValues(metrics.ExitOutcomeOK).Inc()
		s.log.Info("relay process exited")
	case interrupted:
		s.metrics.ProcessExitsTotal.WithLabelValues(metrics.ExitOutcomeOK).Inc()
		s.log.Info("relay process stopped", "err", err)
	default:
		s.metrics.ProcessExitsTotal.WithLabelValues(metrics.ExitOutcomeError).Inc()
		s.log.Warn("relay process exited", "err", err)
	}
	s.Close(CloseReasonProcessExit)
}

// WriteChunk forwards one binary chunk to the process input. A write
// failure tears the session down; the caller should stop reading from
// the peer once an error is returned.
func (s *Session) WriteChunk(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Write(chunk); err != nil {
		s.metrics.WriteErrorsTotal.Inc()
		s.log.Warn("chunk write failed", "err", err)
		s.Close(CloseReasonWriteError)
		return err
	}

	s.metrics.ChunksForwardedTotal.Inc()
	s.metrics.BytesForwardedTotal.Add(float64(len(chunk)))
	return nil
}

// Close tears the session down: the process is told to stop, the peer
// connection is closed, and the session is removed from its manager. The
// first caller wins; later calls are no-ops.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	proc, peer := s.proc, s.peer
	s.mu.Unlock()

	if proc != nil {
		proc.Stop()
	}
	if peer != nil {
		peer.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.closeReason = reason
	onClose := s.onClose
	s.onClose = nil
	s.mu.Unlock()
	close(s.done)

	s.log.Info("session closed", "reason", reason)
	if onClose != nil {
		onClose()
	}
}
