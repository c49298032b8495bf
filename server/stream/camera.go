// Package stream provides the optional camera side-channel: a capture
// process feeding a latest-frame buffer, served as MJPEG over HTTP.
package stream

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// JPEG frame markers.
var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// Config configures a Camera.
type Config struct {
	// Device is the V4L2 device passed to the default capture command.
	Device string
	Width  int
	Height int
	FPS    int
	// Command overrides the capture command. It must write an MJPEG stream
	// to stdout. When empty, ffmpeg is used against Device.
	Command []string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Camera runs the capture process and keeps only the most recent frame.
// Consumers pull frames at their own rate; there is no per-consumer queue.
type Camera struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	frame   []byte
	running bool

	cmd  *exec.Cmd
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a camera for the given configuration.
func New(cfg Config) *Camera {
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{cfg: cfg, logger: logger}
}

// captureArgs builds the default ffmpeg invocation: raw MJPEG to stdout.
func (c *Camera) captureArgs() []string {
	if len(c.cfg.Command) > 0 {
		return c.cfg.Command
	}
	return []string{
		"ffmpeg", "-loglevel", "quiet",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height),
		"-framerate", fmt.Sprintf("%d", c.cfg.FPS),
		"-i", c.cfg.Device,
		"-f", "mjpeg",
		"-q:v", "5",
		"-",
	}
}

// Start launches the capture process. It is a no-op when already running.
func (c *Camera) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	args := c.captureArgs()
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start capture %q: %w", args[0], err)
	}

	c.cmd = cmd
	c.running = true
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("camera started",
		"device", c.cfg.Device, "size", fmt.Sprintf("%dx%d", c.cfg.Width, c.cfg.Height), "fps", c.cfg.FPS)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := readMJPEG(stdout, c.setFrame); err != nil && err != io.EOF {
			c.logger.Error("camera read failed", "error", err)
		}
		cmd.Wait()
		c.mu.Lock()
		wasRunning := c.running
		c.running = false
		c.mu.Unlock()
		if wasRunning {
			c.logger.Warn("capture process exited")
		}
	}()
	return nil
}

// Stop kills the capture process and clears the frame buffer.
func (c *Camera) Stop() {
	c.mu.Lock()
	if !c.running && c.cmd == nil {
		c.mu.Unlock()
		return
	}
	c.running = false
	cmd := c.cmd
	c.cmd = nil
	c.frame = nil
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	c.wg.Wait()
	c.logger.Info("camera stopped")
}

// Running reports whether the capture process is alive.
func (c *Camera) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Camera) setFrame(frame []byte) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	c.mu.Lock()
	c.frame = buf
	c.mu.Unlock()
}

// Frame returns a copy of the most recent JPEG frame, or nil when none has
// been captured yet.
func (c *Camera) Frame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.frame == nil {
		return nil
	}
	out := make([]byte, len(c.frame))
	copy(out, c.frame)
	return out
}

// FrameBase64 returns the most recent frame base64-encoded, for transport
// inside JSON messages.
func (c *Camera) FrameBase64() string {
	frame := c.Frame()
	if frame == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(frame)
}

// FPS returns the configured frame rate.
func (c *Camera) FPS() int {
	return c.cfg.FPS
}

// frameInterval is the consumer-side pacing between frames.
func (c *Camera) frameInterval() time.Duration {
	return time.Second / time.Duration(c.cfg.FPS)
}

// readMJPEG scans an MJPEG byte stream and calls emit with each complete
// JPEG frame (SOI through EOI). Bytes between frames are discarded.
func readMJPEG(r io.Reader, emit func([]byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				frame, rest, found := extractFrame(buf.Bytes())
				if !found {
					break
				}
				emit(frame)
				remaining := make([]byte, len(rest))
				copy(remaining, rest)
				buf.Reset()
				buf.Write(remaining)
			}
			// Garbage before the first SOI never forms a frame; cap it.
			if buf.Len() > 8*1024*1024 {
				buf.Reset()
			}
		}
		if err != nil {
			return err
		}
	}
}

// extractFrame finds the first complete JPEG in data and returns it along
// with the unconsumed remainder. The first 0xFFD9 after SOI is taken as the
// frame end; the byte pair can legally occur inside scan data or an embedded
// thumbnail, which would truncate the frame. ffmpeg's plain MJPEG output
// carries neither, so a marker-aware scan is not needed for the default
// capture command.
func extractFrame(data []byte) (frame, rest []byte, found bool) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		return nil, data, false
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		return nil, data, false
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return data[start:end], data[end:], true
}
