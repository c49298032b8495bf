package server

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/bochristopher/robot-control/server/metrics"
)

// Version is reported in the welcome banner.
const Version = "1.0.0"

// heartbeatInterval is how often link health is broadcast to authenticated
// clients.
const heartbeatInterval = 5 * time.Second

// Server bridges websocket clients to the single actuator link. Each
// connection runs its own control loop; the registry and the actuator are
// the shared resources.
type Server struct {
	registry *Registry
	actuator Actuator
	handlers map[string]commandHandler
	logger   *slog.Logger
	metrics  *metrics.Metrics

	token     string
	tokenHash []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer creates a server bridging to the given actuator.
func NewServer(actuator Actuator) *Server {
	s := &Server{
		registry: NewRegistry(),
		actuator: actuator,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	s.handlers = map[string]commandHandler{
		"auth":   authHandler{},
		"move":   moveHandler{},
		"status": statusHandler{},
		"ping":   pingHandler{},
		"raw":    rawHandler{},
	}
	return s
}

// SetLogger replaces the default logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetAuthToken configures the shared plaintext credential.
func (s *Server) SetAuthToken(token string) error {
	if token == "" {
		return fmt.Errorf("auth token must not be empty")
	}
	s.token = token
	return nil
}

// SetAuthTokenHash configures a bcrypt hash of the shared credential. The
// hash is validated by hashing a probe value with the same cost.
func (s *Server) SetAuthTokenHash(hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("probe")); err != nil &&
		err != bcrypt.ErrMismatchedHashAndPassword {
		return fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	s.tokenHash = []byte(hash)
	return nil
}

func bcryptCompare(hash []byte, token string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

// Registry exposes the session registry for status endpoints and metrics.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run broadcasts heartbeats until Close is called. Run it in its own
// goroutine.
func (s *Server) Run() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.broadcastHeartbeat()
			s.updateGauges()
		case <-s.done:
			return
		}
	}
}

// broadcastHeartbeat pushes link health to authenticated clients only.
// Failed writes are left to the per-connection read loop to clean up.
func (s *Server) broadcastHeartbeat() {
	sessions := s.registry.AuthenticatedSessions()
	if len(sessions) == 0 {
		return
	}
	hb := HeartbeatMessage{
		Type:             "heartbeat",
		ArduinoConnected: s.actuator.Connected(),
		Timestamp:        timestamp(),
	}
	for _, sess := range sessions {
		if err := sess.send(hb); err != nil {
			s.logger.Debug("heartbeat write failed", "session", sess.ID, "error", err)
		}
	}
}

func (s *Server) updateGauges() {
	if s.metrics == nil {
		return
	}
	connected, authenticated := s.registry.Snapshot()
	s.metrics.ClientsConnected.Set(float64(connected))
	s.metrics.ClientsAuthenticated.Set(float64(authenticated))
	if s.actuator.Connected() {
		s.metrics.LinkConnected.Set(1)
	} else {
		s.metrics.LinkConnected.Set(0)
	}
}

// Close stops the heartbeat loop and closes every client connection with a
// going-away frame. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")
		for _, sess := range s.registry.Sessions() {
			sess.mu.Lock()
			sess.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			sess.conn.Close()
			sess.mu.Unlock()
		}
	})
}
