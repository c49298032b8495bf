// Command robot-sim emulates the Arduino motor controller on a pty so the
// bridge can be exercised without hardware. It prints the slave device path;
// point the server's -serial flag at it.
//
// The firmware contract is reproduced: each recognized token is acknowledged
// with OK:<TOKEN>, unknown input gets ERR:UNKNOWN CMD, and a hardware-style
// failsafe reverts to stopped after a silence interval.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var knownTokens = map[string]bool{
	"FORWARD":  true,
	"BACKWARD": true,
	"LEFT":     true,
	"RIGHT":    true,
	"STOP":     true,
	"PING":     true,
}

// simulator holds the emulated motor state.
type simulator struct {
	mu        sync.Mutex
	direction string
	lastCmdAt time.Time
}

func (s *simulator) apply(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCmdAt = time.Now()
	switch token {
	case "FORWARD", "BACKWARD", "LEFT", "RIGHT":
		s.direction = strings.ToLower(token)
	case "STOP":
		s.direction = "stopped"
	}
}

// watchFailsafe stops the motors after window of command silence, the way
// the real firmware does.
func (s *simulator) watchFailsafe(window time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(window / 4)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		if s.direction != "stopped" && time.Since(s.lastCmdAt) > window {
			s.direction = "stopped"
			logger.Warn("failsafe engaged: no command received", "window", window)
		}
		s.mu.Unlock()
	}
}

func main() {
	delay := flag.Duration("delay", 20*time.Millisecond, "Artificial reply delay")
	failsafe := flag.Duration("failsafe", 2*time.Second, "Silence window before the failsafe stops the motors")
	mute := flag.Bool("mute", false, "Never reply (for timeout testing)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ptmx, tty, err := pty.Open()
	if err != nil {
		logger.Error("pty open failed", "error", err)
		os.Exit(1)
	}
	defer ptmx.Close()
	defer tty.Close()

	fmt.Printf("Simulated Arduino ready on %s\n", tty.Name())
	fmt.Printf("Run the server with: robot-server -serial %s\n", tty.Name())

	sim := &simulator{direction: "stopped", lastCmdAt: time.Now()}
	go sim.watchFailsafe(*failsafe, logger)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		logger.Info("simulator shutting down")
		ptmx.Close()
		tty.Close()
		os.Exit(0)
	}()

	// Announce ourselves the way the firmware does on reset.
	fmt.Fprintf(ptmx, "READY\n")

	scanner := bufio.NewScanner(ptmx)
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token == "" {
			continue
		}

		if *delay > 0 {
			time.Sleep(*delay)
		}

		if !knownTokens[token] {
			logger.Warn("unknown command", "token", token)
			if !*mute {
				fmt.Fprintf(ptmx, "ERR:UNKNOWN CMD\n")
			}
			continue
		}

		sim.apply(token)
		logger.Info("command", "token", token, "direction", sim.directionNow())
		if !*mute {
			fmt.Fprintf(ptmx, "OK:%s\n", token)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("pty read failed", "error", err)
		os.Exit(1)
	}
}

func (s *simulator) directionNow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}
