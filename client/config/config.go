package config

import (
	"fmt"
	"os"
)

// defaultToken matches the server's shipped development token.
const defaultToken = "robot_secret_2024"

// GetServerURL determines the server URL from command-line args or
// environment variables.
func GetServerURL(host string, port int, useTLS bool) string {
	if host != "" || port != 0 {
		hostname := host
		if hostname == "" {
			hostname = "localhost"
		}
		serverPort := port
		if serverPort == 0 {
			serverPort = 8765
		}
		protocol := "ws"
		if useTLS {
			protocol = "wss"
		}
		return fmt.Sprintf("%s://%s:%d/ws", protocol, hostname, serverPort)
	}
	if url := os.Getenv("ROBOT_SERVER_URL"); url != "" {
		return url
	}
	return "ws://localhost:8765/ws"
}

// GetToken determines the auth token from command-line args or environment
// variables, falling back to the development default.
func GetToken(tokenFlag string) string {
	if tokenFlag != "" {
		return tokenFlag
	}
	if token := os.Getenv("ROBOT_AUTH_TOKEN"); token != "" {
		return token
	}
	return defaultToken
}
