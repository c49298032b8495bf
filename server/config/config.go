// Package config assembles server settings from defaults, ROBOT_* environment
// variables and command-line flags, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every server setting.
type Config struct {
	// WebSocket listener.
	Host string
	Port int

	// Serial link to the motor controller.
	SerialPort        string
	SerialBaud        int
	SerialTimeout     time.Duration
	ResetDelay        time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// Shared credential: plaintext token or a bcrypt hash of it. When both
	// are set the hash wins.
	AuthToken     string
	AuthTokenHash string

	// Optional TLS (wss://) with a self-signed certificate.
	TLS      bool
	CertFile string
	KeyFile  string

	// Optional camera side-channel.
	CameraEnabled bool
	CameraDevice  string
	CameraWidth   int
	CameraHeight  int
	CameraFPS     int

	Debug bool
}

// Default returns the built-in defaults, matching the values the robot has
// always shipped with.
func Default() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8765,
		SerialPort:        "/dev/ttyACM0",
		SerialBaud:        9600,
		SerialTimeout:     time.Second,
		ResetDelay:        2 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
		AuthToken:         "robot_secret_2024",
		CertFile:          "cert.pem",
		KeyFile:           "key.pem",
		CameraDevice:      "/dev/video0",
		CameraWidth:       640,
		CameraHeight:      480,
		CameraFPS:         15,
	}
}

// FromEnv overlays ROBOT_* environment variables onto c. Flags applied after
// this still take precedence.
func FromEnv(c Config) Config {
	c.Host = envString("ROBOT_WS_HOST", c.Host)
	c.Port = envInt("ROBOT_WS_PORT", c.Port)
	c.SerialPort = envString("ROBOT_SERIAL_PORT", c.SerialPort)
	c.SerialBaud = envInt("ROBOT_SERIAL_BAUD", c.SerialBaud)
	c.SerialTimeout = envDuration("ROBOT_SERIAL_TIMEOUT", c.SerialTimeout)
	c.AuthToken = envString("ROBOT_AUTH_TOKEN", c.AuthToken)
	c.AuthTokenHash = envString("ROBOT_AUTH_TOKEN_HASH", c.AuthTokenHash)
	c.CameraDevice = envString("ROBOT_CAMERA_DEVICE", c.CameraDevice)
	return c
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.SerialPort == "" {
		return fmt.Errorf("serial port must be set")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("invalid baud rate: %d", c.SerialBaud)
	}
	if c.SerialTimeout <= 0 {
		return fmt.Errorf("serial timeout must be positive")
	}
	if c.AuthToken == "" && c.AuthTokenHash == "" {
		return fmt.Errorf("an auth token or token hash must be configured")
	}
	if c.CameraEnabled {
		if c.CameraWidth <= 0 || c.CameraHeight <= 0 || c.CameraFPS <= 0 {
			return fmt.Errorf("invalid camera geometry %dx%d@%d",
				c.CameraWidth, c.CameraHeight, c.CameraFPS)
		}
	}
	return nil
}

// UsingDefaultToken reports whether the shipped development token is still
// in use, so the operator can be warned.
func (c Config) UsingDefaultToken() bool {
	return c.AuthTokenHash == "" && c.AuthToken == Default().AuthToken
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
