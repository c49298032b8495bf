package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Session tracks one client connection: its identity, authentication state
// and last activity. Created on connection accept, destroyed on disconnect,
// never persisted.
type Session struct {
	ID   string
	conn *websocket.Conn

	// mu guards the websocket writes and the mutable fields below. The
	// connection has one reader (the control loop) but writers include the
	// heartbeat broadcaster and the keepalive pinger.
	mu            sync.Mutex
	authenticated bool
	lastSeen      time.Time
}

// Authenticated reports whether the session has presented a valid credential.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// LastSeen returns the time of the last accepted message.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// send marshals v and writes it as one text frame. Safe for concurrent use.
func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// writeControl sends a websocket control frame under the write lock.
func (s *Session) writeControl(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// Registry is the single source of truth for who is connected and in what
// state. All operations are safe to call concurrently from independent
// per-connection control loops.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register creates a new unauthenticated session for conn.
func (r *Registry) Register(conn *websocket.Conn) *Session {
	id, err := gonanoid.New()
	if err != nil {
		// Only possible if the system entropy source is broken.
		id = time.Now().Format("20060102150405.000000000")
	}
	sess := &Session{
		ID:       id,
		conn:     conn,
		lastSeen: time.Now(),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

// MarkAuthenticated transitions the session to authenticated. Idempotent:
// re-authenticating an already authenticated session is a no-op.
func (r *Registry) MarkAuthenticated(s *Session) {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
}

// Touch records activity on the session.
func (r *Registry) Touch(s *Session) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Deregister removes the session. Safe to call for a session that was
// already removed.
func (r *Registry) Deregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
}

// Snapshot returns the current connected and authenticated client counts.
func (r *Registry) Snapshot() (connected, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		connected++
		if s.Authenticated() {
			authenticated++
		}
	}
	return connected, authenticated
}

// AuthenticatedSessions returns the sessions eligible for broadcasts.
func (r *Registry) AuthenticatedSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Authenticated() {
			out = append(out, s)
		}
	}
	return out
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
