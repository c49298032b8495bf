package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bochristopher/robot-control/server/arduino"
	"github.com/bochristopher/robot-control/server/cert"
	"github.com/bochristopher/robot-control/server/config"
	"github.com/bochristopher/robot-control/server/metrics"
	"github.com/bochristopher/robot-control/server/server"
	"github.com/bochristopher/robot-control/server/stream"
)

func main() {
	cfg := config.FromEnv(config.Default())

	host := flag.String("host", cfg.Host, "Host address to bind to")
	port := flag.Int("port", cfg.Port, "WebSocket port to listen on")
	serialPort := flag.String("serial", cfg.SerialPort, "Serial device for the Arduino")
	baud := flag.Int("baud", cfg.SerialBaud, "Serial baud rate")
	serialTimeout := flag.Duration("serial-timeout", cfg.SerialTimeout, "Bound on each Arduino round trip")
	tokenHash := flag.String("token-hash", cfg.AuthTokenHash, "Bcrypt hash of the auth token (overrides plaintext token)")
	useTLS := flag.Bool("tls", cfg.TLS, "Serve wss:// with a self-signed certificate")
	camera := flag.Bool("camera", cfg.CameraEnabled, "Enable the MJPEG camera stream at /stream")
	cameraDevice := flag.String("camera-device", cfg.CameraDevice, "V4L2 camera device")
	debug := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -serial /dev/ttyACM0 -port 8765\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -tls -token-hash '$2a$10$...'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment variables (used if flags not provided):\n")
		fmt.Fprintf(os.Stderr, "  ROBOT_WS_HOST, ROBOT_WS_PORT, ROBOT_SERIAL_PORT, ROBOT_SERIAL_BAUD,\n")
		fmt.Fprintf(os.Stderr, "  ROBOT_SERIAL_TIMEOUT, ROBOT_AUTH_TOKEN, ROBOT_AUTH_TOKEN_HASH,\n")
		fmt.Fprintf(os.Stderr, "  ROBOT_CAMERA_DEVICE\n")
	}
	flag.Parse()

	cfg.Host = *host
	cfg.Port = *port
	cfg.SerialPort = *serialPort
	cfg.SerialBaud = *baud
	cfg.SerialTimeout = *serialTimeout
	cfg.AuthTokenHash = *tokenHash
	cfg.TLS = *useTLS
	cfg.CameraEnabled = *camera
	cfg.CameraDevice = *cameraDevice
	cfg.Debug = *debug

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.UsingDefaultToken() {
		logger.Warn("using the default auth token; set ROBOT_AUTH_TOKEN or -token-hash")
	}

	link := arduino.NewLink(arduino.Config{
		Device:            cfg.SerialPort,
		Baud:              cfg.SerialBaud,
		Timeout:           cfg.SerialTimeout,
		ResetDelay:        cfg.ResetDelay,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		Logger:            logger,
	})
	translator := arduino.NewTranslator(link)

	if err := link.Connect(); err != nil {
		logger.Warn("arduino not available, will retry on client commands", "error", err)
	}

	m := metrics.New()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		logger.Error("metrics registration failed", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(translator)
	srv.SetLogger(logger)
	srv.SetMetrics(m)
	if cfg.AuthTokenHash != "" {
		if err := srv.SetAuthTokenHash(cfg.AuthTokenHash); err != nil {
			logger.Error("invalid token hash", "error", err)
			os.Exit(1)
		}
	} else {
		if err := srv.SetAuthToken(cfg.AuthToken); err != nil {
			logger.Error("invalid auth token", "error", err)
			os.Exit(1)
		}
	}
	go srv.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleConnection)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		connected, authenticated := srv.Registry().Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":                "ok",
			"arduino_connected":     link.IsConnected(),
			"clients_connected":     connected,
			"clients_authenticated": authenticated,
		})
	})

	var cam *stream.Camera
	if cfg.CameraEnabled {
		cam = stream.New(stream.Config{
			Device: cfg.CameraDevice,
			Width:  cfg.CameraWidth,
			Height: cfg.CameraHeight,
			FPS:    cfg.CameraFPS,
			Logger: logger,
		})
		if err := cam.Start(); err != nil {
			logger.Warn("camera unavailable", "error", err)
		} else {
			mux.Handle("/stream", cam)
		}
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	if cfg.TLS {
		tlsCert, err := cert.LoadOrGenerate(cfg.CertFile, cfg.KeyFile, []string{cfg.Host})
		if err != nil {
			logger.Error("TLS setup failed", "error", err)
			os.Exit(1)
		}
		httpSrv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*tlsCert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("shutting down")
		srv.Close()
		if cam != nil {
			cam.Stop()
		}
		// Leave the motors stopped before releasing the link.
		link.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	scheme := "ws"
	if cfg.TLS {
		scheme = "wss"
	}
	logger.Info("robot control server starting", "url", fmt.Sprintf("%s://%s/ws", scheme, addr))

	var err error
	if cfg.TLS {
		err = httpSrv.ListenAndServeTLS("", "")
	} else {
		err = httpSrv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
