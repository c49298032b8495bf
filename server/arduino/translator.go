package arduino

import (
	"fmt"
	"sort"
	"strings"
)

// directionCommands maps semantic movement directions to the single-line
// tokens the motor controller firmware understands. Each token is
// acknowledged with OK:<TOKEN>.
var directionCommands = map[string]string{
	"forward":  "FORWARD",
	"backward": "BACKWARD",
	"left":     "LEFT",
	"right":    "RIGHT",
	"stop":     "STOP",
}

// ValidDirections returns the accepted movement directions, sorted.
func ValidDirections() []string {
	dirs := make([]string, 0, len(directionCommands))
	for d := range directionCommands {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// lineSender is the slice of Link the translator needs.
type lineSender interface {
	Send(command string) (string, error)
	IsConnected() bool
}

// Translator maps semantic commands onto the controller's line protocol and
// interprets the acknowledgments. It does no I/O beyond delegating to the
// link.
type Translator struct {
	link lineSender
}

// NewTranslator wraps a link.
func NewTranslator(link lineSender) *Translator {
	return &Translator{link: link}
}

// Move sends the movement command for direction. The returned bool is false
// both for transport problems (err != nil) and for a reachable controller
// that did not acknowledge with OK:<TOKEN> (err == nil, reply echoed).
func (t *Translator) Move(direction string) (bool, string, error) {
	token, ok := directionCommands[strings.ToLower(direction)]
	if !ok {
		return false, "", fmt.Errorf("invalid direction %q", direction)
	}
	return t.Send(token)
}

// Ping probes the controller.
func (t *Translator) Ping() (bool, string, error) {
	return t.Send("PING")
}

// Send transmits command verbatim and checks the reply against OK:<command>.
// An unexpected reply is a delivery success at the transport level but not
// an acknowledgment, so it reports ok=false with the reply text and no
// error.
func (t *Translator) Send(command string) (bool, string, error) {
	reply, err := t.link.Send(command)
	if err != nil {
		return false, "", err
	}
	if reply == "OK:"+command {
		return true, reply, nil
	}
	if reply == "" {
		reply = "No response"
	}
	return false, reply, nil
}

// Connected reports the link's last known health.
func (t *Translator) Connected() bool {
	return t.link.IsConnected()
}
