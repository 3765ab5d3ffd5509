package relay

import (
	"log/slog"
	"sync"

	"github.com/streambridge/ws-rtmp-relay/internal/metrics"
)

// SessionManager owns the set of live sessions. Sessions remove
// themselves on close, so a crashed or disconnected session never leaks
// a registry slot.
type SessionManager struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager builds a manager capping concurrent sessions at
// maxSessions; <= 0 means unlimited.
func NewSessionManager(maxSessions int, m *metrics.Metrics, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		log:         logger,
		metrics:     m,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
	}
}

func (sm *SessionManager) Metrics() *metrics.Metrics {
	return sm.metrics
}

// Create registers a new session for destination in the Starting state.
func (sm *SessionManager) Create(destination string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	logger := sm.log.With("session_id", id, "destination", RedactDestination(destination))
	sess := newSession(id, destination, logger, sm.metrics, func() { sm.remove(id) })

	sm.mu.Lock()
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.mu.Unlock()
		return nil, ErrTooManySessions
	}
	sm.sessions[id] = sess
	sm.mu.Unlock()

	sm.metrics.SessionsTotal.Inc()
	sm.metrics.SessionsActive.Inc()
	logger.Info("session created")
	return sess, nil
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	_, present := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if present {
		sm.metrics.SessionsActive.Dec()
	}
}

func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CloseAll tears down every live session. Used on shutdown so ffmpeg
// processes get a chance to finalize their outputs.
func (sm *SessionManager) CloseAll(reason string) {
	sm.mu.Lock()
	snapshot := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		snapshot = append(snapshot, sess)
	}
	sm.mu.Unlock()

	for _, sess := range snapshot {
		sess.Close(reason)
	}
}
