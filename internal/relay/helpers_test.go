package relay

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/streambridge/ws-rtmp-relay/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(maxSessions int) *SessionManager {
	return NewSessionManager(maxSessions, metrics.New(), testLogger())
}

// fakeProcess stands in for a spawned ffmpeg. Stop simulates an
// immediate exit; exit simulates the process dying on its own.
type fakeProcess struct {
	mu       sync.Mutex
	writes   [][]byte
	stopped  bool
	writeErr error
	exitErr  error
	// stopErr becomes the exit error when Stop triggers the exit, the way
	// a real ffmpeg killed by SIGTERM reports "signal: terminated".
	stopErr error

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Write(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	p.writes = append(p.writes, buf)
	return nil
}

func (p *fakeProcess) Stop() {
	p.mu.Lock()
	p.stopped = true
	if p.exitErr == nil {
		p.exitErr = p.stopErr
	}
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *fakeProcess) chunkSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make([]int, len(p.writes))
	for i, w := range p.writes {
		sizes[i] = len(w)
	}
	return sizes
}

// fakeLauncher hands out fakeProcesses and records the destinations it
// was asked to launch for.
type fakeLauncher struct {
	mu           sync.Mutex
	destinations []string
	procs        []*fakeProcess
	launchErr    error
	failFirst    bool
}

func (l *fakeLauncher) Launch(destination string, logger *slog.Logger) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.launchErr != nil {
		err := l.launchErr
		if l.failFirst {
			l.launchErr = nil
		}
		return nil, err
	}
	l.destinations = append(l.destinations, destination)
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) lastProc() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) lastDestination() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.destinations) == 0 {
		return ""
	}
	return l.destinations[len(l.destinations)-1]
}

type fakePeer struct {
	mu     sync.Mutex
	closed bool
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
