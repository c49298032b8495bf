package server

import (
	"fmt"
	"strings"
	"time"
)

// Request is the command envelope clients send: one JSON object per message.
type Request struct {
	Cmd     string `json:"cmd"`
	Token   string `json:"token,omitempty"`
	Dir     string `json:"dir,omitempty"`
	Command string `json:"command,omitempty"`
}

// Response shapes. Every response carries a type discriminator and an
// ISO-8601 timestamp, and goes back to the requesting connection only.

// AuthResponse acknowledges an authentication attempt.
type AuthResponse struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MoveResponse reports the outcome of a movement command.
type MoveResponse struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Direction string `json:"direction"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// RawResponse reports the outcome of a raw passthrough command.
type RawResponse struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Command   string `json:"command"`
	Response  string `json:"response"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse aggregates link health and client counts. Answered without
// a round trip to the controller.
type StatusResponse struct {
	Type                 string `json:"type"`
	ArduinoConnected     bool   `json:"arduino_connected"`
	Authenticated        bool   `json:"authenticated"`
	ClientsConnected     int    `json:"clients_connected"`
	ClientsAuthenticated int    `json:"clients_authenticated"`
	Timestamp            string `json:"timestamp"`
}

// PongResponse answers a keepalive ping.
type PongResponse struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse reports a malformed, unknown or unauthorized request. The
// connection stays open.
type ErrorResponse struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// WelcomeResponse is sent once when a connection is accepted.
type WelcomeResponse struct {
	Type             string   `json:"type"`
	Message          string   `json:"message"`
	Version          string   `json:"version"`
	Commands         []string `json:"commands"`
	ArduinoConnected bool     `json:"arduino_connected"`
	Timestamp        string   `json:"timestamp"`
}

// HeartbeatMessage is broadcast periodically to authenticated clients.
type HeartbeatMessage struct {
	Type             string `json:"type"`
	ArduinoConnected bool   `json:"arduino_connected"`
	Timestamp        string `json:"timestamp"`
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}

func errorResponse(format string, args ...any) ErrorResponse {
	return ErrorResponse{
		Type:      "error",
		Message:   fmt.Sprintf(format, args...),
		Timestamp: timestamp(),
	}
}

// validateMove checks the dir parameter of a move request and returns the
// normalized direction.
func validateMove(req Request) (string, error) {
	dir := strings.ToLower(req.Dir)
	if dir == "" {
		return "", fmt.Errorf("Missing 'dir' parameter")
	}
	if !validDirections[dir] {
		return "", fmt.Errorf("Invalid direction: %s. Valid: %s",
			dir, strings.Join(directionList, ", "))
	}
	return dir, nil
}

// validateRaw checks the command parameter of a raw request and returns the
// normalized (upper-cased) command text.
func validateRaw(req Request) (string, error) {
	command := strings.ToUpper(strings.TrimSpace(req.Command))
	if command == "" {
		return "", fmt.Errorf("Missing 'command' parameter")
	}
	return command, nil
}
