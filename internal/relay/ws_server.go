package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/streambridge/ws-rtmp-relay/internal/metrics"
	"github.com/streambridge/ws-rtmp-relay/internal/origin"
	"github.com/streambridge/ws-rtmp-relay/internal/policy"
)

const closeWriteTimeout = 2 * time.Second

// ServerConfig carries the connection-facing knobs of the WebSocket
// endpoint.
type ServerConfig struct {
	// PathPrefix precedes the percent-encoded destination in the request
	// path. Must begin and end with "/".
	PathPrefix string

	// AllowedOrigins lists browser origins permitted to connect; empty
	// means same-host only. "*" allows any origin.
	AllowedOrigins []string

	// MaxChunkBytes bounds one inbound WebSocket message.
	MaxChunkBytes int64
}

// Server accepts WebSocket connections carrying media chunks and pumps
// them into a per-connection external process.
type Server struct {
	cfg      ServerConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
	sessions *SessionManager
	launcher Launcher
	policy   *policy.DestinationPolicy

	upgrader websocket.Upgrader
}

func NewServer(cfg ServerConfig, sessions *SessionManager, launcher Launcher, pol *policy.DestinationPolicy, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		log:      logger,
		metrics:  sessions.Metrics(),
		sessions: sessions,
		launcher: launcher,
		policy:   pol,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 4 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits requests without an Origin header (non-browser
// clients) and otherwise requires a well-formed origin passing the
// configured allowlist, or same-host when no allowlist is set.
func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}

	normalized, originHost, ok := origin.Normalize(header)
	if ok {
		ok = origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins)
	}
	if !ok {
		s.metrics.RejectedTotal.WithLabelValues(metrics.RejectReasonBadOrigin).Inc()
		s.log.Warn("rejected connection",
			"reason", "bad_origin", "origin", header, "remote_addr", r.RemoteAddr)
	}
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The escaped path is inspected directly so encoded slashes inside
	// the destination survive.
	dest, err := DestinationFromPath(r.URL.EscapedPath(), s.cfg.PathPrefix)
	if err != nil {
		s.metrics.RejectedTotal.WithLabelValues(metrics.RejectReasonBadPath).Inc()
		s.log.Warn("rejected connection",
			"reason", "bad_path", "path", r.URL.EscapedPath(), "remote_addr", r.RemoteAddr, "err", err)
		http.NotFound(w, r)
		return
	}

	if err := s.policy.AllowDestination(dest); err != nil {
		s.metrics.RejectedTotal.WithLabelValues(metrics.RejectReasonPolicyDenied).Inc()
		s.log.Warn("rejected connection",
			"reason", "policy_denied", "destination", RedactDestination(dest), "remote_addr", r.RemoteAddr, "err", err)
		http.Error(w, "destination not allowed", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()

	sess, err := s.sessions.Create(dest)
	if err != nil {
		if errors.Is(err, ErrTooManySessions) {
			s.metrics.RejectedTotal.WithLabelValues(metrics.RejectReasonTooManySessions).Inc()
			s.log.Warn("rejected connection", "reason", "too_many_sessions", "remote_addr", r.RemoteAddr)
			writeClose(conn, websocket.CloseTryAgainLater, "too many concurrent sessions")
			return
		}
		s.log.Error("failed to create session", "err", err)
		writeClose(conn, websocket.CloseInternalServerErr, "session setup failed")
		return
	}
	// No-op when the session already closed for another reason; covers
	// panics and early returns below.
	defer sess.Close(CloseReasonPeerDisconnect)

	if err := sess.Start(s.launcher, conn); err != nil {
		writeClose(conn, websocket.CloseInternalServerErr, "relay process failed to start")
		return
	}

	conn.SetReadLimit(s.cfg.MaxChunkBytes)

	g := new(errgroup.Group)
	g.Go(func() error {
		defer sess.Close(CloseReasonPeerDisconnect)
		s.pump(conn, sess)
		return nil
	})
	g.Go(func() error {
		// Process-side half of the coupling: unblock the pump's read when
		// the session dies for any reason.
		<-sess.Done()
		conn.Close()
		return nil
	})
	g.Wait()

	s.log.Info("relay connection finished",
		"session_id", sess.ID(), "reason", sess.CloseReason(), "remote_addr", r.RemoteAddr)
}

// pump reads messages until the connection fails or the session closes.
// Binary messages are forwarded in arrival order; anything else ends the
// session.
func (s *Server) pump(conn *websocket.Conn, sess *Session) {
	for {
		// ReadMessage fails on peer disconnect, on a forced close from the
		// session watcher, and on oversized messages; gorilla sends the
		// CloseMessageTooBig frame itself in the last case.
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.WriteChunk(data); err != nil {
				return
			}
		case websocket.TextMessage:
			writeClose(conn, websocket.CloseUnsupportedData, "binary messages only")
			return
		}
	}
}

// writeClose sends a close frame so browsers surface a meaningful close
// code. The subsequent TCP close happens via the deferred conn.Close.
func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
}
