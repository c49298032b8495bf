package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 20 * time.Second
	staleAfter   = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Clients are AR glasses and mobile apps, not browsers; origin
		// checks do not apply.
		return true
	},
}

// HandleConnection upgrades the request and runs the connection's control
// loop: register, welcome, then one request/response exchange per message
// until the connection ends. Responses for a single connection are emitted
// in request order.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := s.registry.Register(conn)
	s.logger.Info("client connected", "session", sess.ID, "remote", conn.RemoteAddr())

	defer func() {
		s.registry.Deregister(sess)
		conn.Close()
		s.logger.Info("client removed", "session", sess.ID)
	}()

	welcome := WelcomeResponse{
		Type:             "welcome",
		Message:          "Robot Control Server",
		Version:          Version,
		Commands:         s.commandNames(),
		ArduinoConnected: s.actuator.Connected(),
		Timestamp:        timestamp(),
	}
	if err := sess.send(welcome); err != nil {
		s.logger.Warn("welcome write failed", "session", sess.ID, "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		s.registry.Touch(sess)
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepalive(sess, stopPing)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "session", sess.ID, "error", err)
			} else {
				s.logger.Info("client disconnected", "session", sess.ID)
			}
			return
		}

		s.registry.Touch(sess)
		response := s.dispatch(sess, payload)
		if err := sess.send(response); err != nil {
			s.logger.Warn("response write failed", "session", sess.ID, "error", err)
			return
		}
	}
}

// keepalive pings the connection on an interval and closes it when no
// activity has been seen for staleAfter.
func (s *Server) keepalive(sess *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(sess.LastSeen()) > staleAfter {
				sess.conn.Close()
				return
			}
			if err := sess.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// dispatch parses one message and routes it to its handler. Every failure
// mode maps to a typed response; none of them terminate the connection.
func (s *Server) dispatch(sess *Session, payload []byte) any {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse("Invalid JSON: %v", err)
	}

	cmd := normalizeCmd(req.Cmd)
	if cmd == "" {
		return errorResponse("Missing 'cmd' field")
	}

	handler, ok := s.handlers[cmd]
	if !ok {
		return errorResponse("Unknown command: %s. Valid commands: %v", cmd, s.commandNames())
	}

	if handler.RequiresAuth() && !sess.Authenticated() {
		s.logger.Debug("unauthorized command", "session", sess.ID, "cmd", cmd)
		return errorResponse("Not authenticated")
	}

	return handler.Handle(s, sess, req)
}
