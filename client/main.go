package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bochristopher/robot-control/client/client"
	"github.com/bochristopher/robot-control/client/config"
)

func main() {
	host := flag.String("host", "", "Server hostname or IP address (default: localhost)")
	port := flag.Int("port", 0, "Server port (default: 8765)")
	token := flag.String("token", "", "Auth token (default: development token)")
	useTLS := flag.Bool("tls", false, "Connect with wss:// (accepts self-signed certificates)")
	interactive := flag.Bool("interactive", false, "Interactive control mode")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -host 192.168.1.100 -port 8765\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -host robot.local -interactive\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment variables (used if flags not provided):\n")
		fmt.Fprintf(os.Stderr, "  ROBOT_SERVER_URL  - Full WebSocket URL (e.g., ws://192.168.1.100:8765/ws)\n")
		fmt.Fprintf(os.Stderr, "  ROBOT_AUTH_TOKEN  - Shared auth token\n")
	}
	flag.Parse()

	serverURL := config.GetServerURL(*host, *port, *useTLS)
	authToken := config.GetToken(*token)

	c := client.NewClient(serverURL, authToken)
	welcome, err := c.Connect()
	if err != nil {
		slog.Error("connection failed", "url", serverURL, "error", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("Connected: %s (version %s, arduino_connected=%v)\n",
		welcome.Message, welcome.Version, welcome.ArduinoConnected)

	if *interactive {
		err = c.Interactive()
	} else {
		err = c.RunTests()
	}
	if err != nil {
		slog.Error("client failed", "error", err)
		os.Exit(1)
	}
}
