package server

import (
	"crypto/subtle"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bochristopher/robot-control/server/arduino"
)

// Actuator is the slice of the command translator the bridge needs. The
// boolean result is false both for transport failures (err != nil) and for
// a reachable controller that did not acknowledge (err == nil).
type Actuator interface {
	Move(direction string) (ok bool, reply string, err error)
	Send(command string) (ok bool, reply string, err error)
	Connected() bool
}

var (
	validDirections = func() map[string]bool {
		m := make(map[string]bool)
		for _, d := range arduino.ValidDirections() {
			m[d] = true
		}
		return m
	}()
	directionList = arduino.ValidDirections()
)

// commandHandler processes one validated command for one session. Handle
// returns exactly one response value, sent back to the requesting
// connection only.
type commandHandler interface {
	// RequiresAuth reports whether the command is gated on authentication.
	RequiresAuth() bool
	// Handle processes the command.
	Handle(s *Server, sess *Session, req Request) any
}

// commandNames lists the registered commands, sorted, for error messages
// and the welcome banner.
func (s *Server) commandNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// authHandler handles the auth command. A wrong token is a failure
// acknowledgment, not a connection close; the client may retry.
type authHandler struct{}

func (authHandler) RequiresAuth() bool { return false }

func (authHandler) Handle(s *Server, sess *Session, req Request) any {
	if !s.checkToken(req.Token) {
		s.logger.Warn("authentication failed", "session", sess.ID)
		return AuthResponse{
			Type:      "auth",
			Success:   false,
			Message:   "Invalid token",
			Timestamp: timestamp(),
		}
	}
	s.registry.MarkAuthenticated(sess)
	s.logger.Info("client authenticated", "session", sess.ID)
	return AuthResponse{
		Type:      "auth",
		Success:   true,
		Message:   "Authenticated successfully",
		Timestamp: timestamp(),
	}
}

// moveHandler translates a movement command and reports the outcome.
type moveHandler struct{}

func (moveHandler) RequiresAuth() bool { return true }

func (moveHandler) Handle(s *Server, sess *Session, req Request) any {
	dir, err := validateMove(req)
	if err != nil {
		return errorResponse("%v", err)
	}

	started := time.Now()
	ok, reply, err := s.actuator.Move(dir)
	if err != nil {
		reply = linkFailureText(err)
	}
	s.observeCommand("move", ok, err, time.Since(started))
	return MoveResponse{
		Type:      "move",
		Success:   ok,
		Direction: dir,
		Response:  reply,
		Timestamp: timestamp(),
	}
}

// rawHandler forwards an arbitrary command line, for debugging.
type rawHandler struct{}

func (rawHandler) RequiresAuth() bool { return true }

func (rawHandler) Handle(s *Server, sess *Session, req Request) any {
	command, err := validateRaw(req)
	if err != nil {
		return errorResponse("%v", err)
	}

	started := time.Now()
	ok, reply, err := s.actuator.Send(command)
	if err != nil {
		reply = linkFailureText(err)
	}
	s.observeCommand("raw", ok, err, time.Since(started))
	return RawResponse{
		Type:      "raw",
		Success:   ok,
		Command:   command,
		Response:  reply,
		Timestamp: timestamp(),
	}
}

// statusHandler answers from the registry and the link's last known health,
// never from a controller round trip, so status stays responsive while a
// command is pending.
type statusHandler struct{}

func (statusHandler) RequiresAuth() bool { return true }

func (statusHandler) Handle(s *Server, sess *Session, req Request) any {
	connected, authenticated := s.registry.Snapshot()
	return StatusResponse{
		Type:                 "status",
		ArduinoConnected:     s.actuator.Connected(),
		Authenticated:        sess.Authenticated(),
		ClientsConnected:     connected,
		ClientsAuthenticated: authenticated,
		Timestamp:            timestamp(),
	}
}

// pingHandler answers the application-level keepalive.
type pingHandler struct{}

func (pingHandler) RequiresAuth() bool { return true }

func (pingHandler) Handle(s *Server, sess *Session, req Request) any {
	return PongResponse{Type: "pong", Timestamp: timestamp()}
}

// linkFailureText renders a link failure for the response's diagnostic
// field, distinguishing a silent controller from a broken transport.
func linkFailureText(err error) string {
	switch {
	case errors.Is(err, arduino.ErrTimeout):
		return "Timeout: no reply from controller"
	case errors.Is(err, arduino.ErrNotConnected):
		return "Arduino not connected"
	default:
		return "Link error: " + err.Error()
	}
}

// checkToken verifies the shared credential. A configured bcrypt hash takes
// precedence over the plaintext token; plaintext comparison is constant
// time.
func (s *Server) checkToken(token string) bool {
	if len(s.tokenHash) > 0 {
		return bcryptCompare(s.tokenHash, token)
	}
	if s.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.token), []byte(token)) == 1
}

// outcomeLabel classifies a command result for metrics.
func outcomeLabel(ok bool, err error) string {
	switch {
	case ok:
		return "ok"
	case errors.Is(err, arduino.ErrTimeout):
		return "timeout"
	case err != nil:
		return "link_error"
	default:
		return "unacknowledged"
	}
}

func (s *Server) observeCommand(cmd string, ok bool, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.CommandsTotal.WithLabelValues(cmd, outcomeLabel(ok, err)).Inc()
	s.metrics.CommandDuration.Observe(elapsed.Seconds())
	if err != nil && !errors.Is(err, arduino.ErrTimeout) {
		s.metrics.LinkErrors.Inc()
	}
}

// normalizeCmd lower-cases the command name for handler lookup.
func normalizeCmd(cmd string) string {
	return strings.ToLower(strings.TrimSpace(cmd))
}
