package arduino

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Errors returned by Link.Send. A timeout means the board was reachable but
// silent; anything else wrapping ErrNotConnected or a write failure means the
// transport itself is broken.
var (
	ErrNotConnected = errors.New("arduino not connected")
	ErrTimeout      = errors.New("no reply before timeout")
	ErrClosed       = errors.New("link closed")
)

// Port is the duplex byte stream to the motor controller. Production code
// opens a real serial port; tests substitute an in-memory pipe.
type Port interface {
	io.ReadWriteCloser
}

// OpenFunc opens the underlying transport.
type OpenFunc func() (Port, error)

// Config configures a Link.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyACM0.
	Device string
	// Baud is the serial baud rate.
	Baud int
	// Timeout bounds each command round trip.
	Timeout time.Duration
	// ResetDelay is how long to wait after opening the port before talking
	// to the board. Arduinos reset when the serial port opens.
	ResetDelay time.Duration
	// ReconnectAttempts bounds the background reconnect loop started after
	// a transport failure. Zero disables background reconnection.
	ReconnectAttempts int
	// ReconnectDelay is the pause between reconnect attempts.
	ReconnectDelay time.Duration
	// Open overrides how the transport is opened. If nil the Device is
	// opened as a serial port at Baud.
	Open OpenFunc
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Link owns the single serial connection to the Arduino. All command round
// trips are serialized through one mutex so concurrent callers never
// interleave writes or pick up each other's replies.
type Link struct {
	cfg    Config
	open   OpenFunc
	logger *slog.Logger

	// mu is the serialization point: held for one full write+read round
	// trip by Send, and by Connect/Close.
	mu        sync.Mutex
	port      Port
	replies   chan string
	connected bool

	// stateMu guards the diagnostics fields read by status queries while
	// a command may be in flight.
	stateMu        sync.Mutex
	connectedFlag  bool
	lastCommandAt  time.Time
	lastResponseAt time.Time

	reconnectMu      sync.Mutex
	reconnectRunning bool
}

// NewLink creates a link for the given configuration. The port is not opened
// until Connect is called.
func NewLink(cfg Config) *Link {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := cfg.Open
	if open == nil {
		open = func() (Port, error) {
			return serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
		}
	}
	return &Link{cfg: cfg, open: open, logger: logger}
}

// Connect opens the transport, waits out the board reset, drains any startup
// chatter and probes with PING. It is a no-op when already connected.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

func (l *Link) connectLocked() error {
	if l.connected {
		return nil
	}
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}

	l.logger.Info("connecting to arduino", "device", l.cfg.Device, "baud", l.cfg.Baud)
	port, err := l.open()
	if err != nil {
		l.setConnected(false)
		return fmt.Errorf("open %s: %w", l.cfg.Device, err)
	}

	replies := make(chan string, 8)
	go readLines(port, replies)

	if l.cfg.ResetDelay > 0 {
		time.Sleep(l.cfg.ResetDelay)
	}

	// The board may announce itself on boot. Discard anything already
	// queued so the probe reply is not misread.
	drain(replies)

	if err := probe(port, replies, l.cfg.Timeout); err != nil {
		port.Close()
		l.setConnected(false)
		return fmt.Errorf("probe %s: %w", l.cfg.Device, err)
	}

	l.port = port
	l.replies = replies
	l.connected = true
	l.setConnected(true)
	l.logger.Info("arduino connected", "device", l.cfg.Device)
	return nil
}

// probe sends PING and accepts any OK: reply as proof of life. Leftover
// startup chatter ahead of the acknowledgment is discarded.
func probe(port Port, replies chan string, timeout time.Duration) error {
	if _, err := io.WriteString(port, "PING\n"); err != nil {
		return err
	}
	deadline := time.After(timeout)
	for {
		select {
		case reply, ok := <-replies:
			if !ok {
				return ErrClosed
			}
			if strings.HasPrefix(reply, "OK:") {
				return nil
			}
		case <-deadline:
			return ErrTimeout
		}
	}
}

// Close sends STOP so the motors are not left running, then tears down the
// transport.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		if l.connected {
			io.WriteString(l.port, "STOP\n")
			time.Sleep(50 * time.Millisecond)
		}
		l.port.Close()
		l.port = nil
	}
	l.connected = false
	l.replies = nil
	l.setConnected(false)
	l.logger.Info("arduino disconnected")
	return nil
}

// Send writes one command line and waits up to the configured timeout for
// exactly one reply line. A disconnected link triggers one inline reconnect
// attempt before failing. On a transport failure the link is marked
// disconnected and background reconnection starts; on a timeout the link is
// presumed still connected and the serialization point is released so the
// next command is not blocked.
//
// Late replies from a timed-out exchange are discarded by the drain below
// only once they have arrived; one landing between the drain and this
// command's wait is attributed to this command. The displaced reply is then
// drained on the next Send.
func (l *Link) Send(command string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		if err := l.connectLocked(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}

	// A reply that arrived after its request timed out must not be
	// attributed to this command.
	drain(l.replies)

	l.stateMu.Lock()
	l.lastCommandAt = time.Now()
	l.stateMu.Unlock()

	if _, err := io.WriteString(l.port, command+"\n"); err != nil {
		l.failLocked(err)
		return "", fmt.Errorf("write %q: %w", command, err)
	}

	select {
	case reply, ok := <-l.replies:
		if !ok {
			err := errors.New("transport closed")
			l.failLocked(err)
			return "", err
		}
		l.stateMu.Lock()
		l.lastResponseAt = time.Now()
		l.stateMu.Unlock()
		return reply, nil
	case <-time.After(l.cfg.Timeout):
		return "", ErrTimeout
	}
}

// failLocked handles a transport failure: mark disconnected, release the
// port and kick off background reconnection. Callers hold mu.
func (l *Link) failLocked(err error) {
	l.logger.Error("arduino transport failure", "error", err)
	if l.port != nil {
		l.port.Close()
		l.port = nil
	}
	l.connected = false
	l.replies = nil
	l.setConnected(false)
	l.startReconnect()
}

// startReconnect launches at most one background reconnect loop.
func (l *Link) startReconnect() {
	if l.cfg.ReconnectAttempts <= 0 {
		return
	}
	l.reconnectMu.Lock()
	if l.reconnectRunning {
		l.reconnectMu.Unlock()
		return
	}
	l.reconnectRunning = true
	l.reconnectMu.Unlock()

	go func() {
		defer func() {
			l.reconnectMu.Lock()
			l.reconnectRunning = false
			l.reconnectMu.Unlock()
		}()
		for attempt := 1; attempt <= l.cfg.ReconnectAttempts; attempt++ {
			time.Sleep(l.cfg.ReconnectDelay)
			l.logger.Info("arduino reconnect attempt",
				"attempt", attempt, "max", l.cfg.ReconnectAttempts)
			if err := l.Connect(); err == nil {
				l.logger.Info("arduino reconnected")
				return
			}
		}
		l.logger.Error("arduino reconnect attempts exhausted",
			"attempts", l.cfg.ReconnectAttempts)
	}()
}

// IsConnected reports the last known transport health without taking the
// serialization point, so status stays answerable while a command is pending.
func (l *Link) IsConnected() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.connectedFlag
}

// LastActivity returns the timestamps of the most recent command write and
// reply, for diagnostics.
func (l *Link) LastActivity() (command, response time.Time) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.lastCommandAt, l.lastResponseAt
}

func (l *Link) setConnected(v bool) {
	l.stateMu.Lock()
	l.connectedFlag = v
	l.stateMu.Unlock()
}

// readLines feeds reply lines from the port into out until the port fails,
// then closes out so a pending Send observes the transport failure rather
// than a timeout.
func readLines(port Port, out chan<- string) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		default:
			// Unsolicited chatter with no reader; drop it.
		}
	}
	close(out)
}

func drain(replies chan string) {
	for {
		select {
		case _, ok := <-replies:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// FindPorts lists serial devices that look like an attached Arduino. The
// Mega 2560 enumerates as ttyACM* on Linux.
func FindPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	var found []string
	for _, p := range ports {
		if strings.Contains(p, "ttyACM") || strings.Contains(p, "ttyUSB") {
			found = append(found, p)
		}
	}
	return found, nil
}
