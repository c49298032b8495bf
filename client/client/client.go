package client

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a connection to the robot control bridge, driving one
// request/response exchange at a time.
type Client struct {
	serverURL string
	token     string
	conn      *websocket.Conn
}

// NewClient creates a client for the given server URL and auth token.
func NewClient(serverURL, token string) *Client {
	return &Client{serverURL: serverURL, token: token}
}

// Connect dials the bridge and consumes the welcome banner.
func (c *Client) Connect() (*Response, error) {
	dialer := *websocket.DefaultDialer
	if strings.HasPrefix(c.serverURL, "wss://") {
		// The server generates a self-signed certificate by default.
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.Dial(c.serverURL, nil)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	welcome, err := c.read()
	if err != nil {
		conn.Close()
		c.conn = nil
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	return welcome, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Do sends one request and returns its response, skipping any heartbeat
// broadcasts that arrive in between.
func (c *Client) Do(req Request) (*Response, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, err
	}
	for {
		resp, err := c.read()
		if err != nil {
			return nil, err
		}
		if resp.Type == "heartbeat" {
			continue
		}
		return resp, nil
	}
}

func (c *Client) read() (*Response, error) {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Authenticate presents the shared token.
func (c *Client) Authenticate() (*Response, error) {
	return c.Do(Request{Cmd: "auth", Token: c.token})
}

// Move sends a movement command.
func (c *Client) Move(direction string) (*Response, error) {
	return c.Do(Request{Cmd: "move", Dir: direction})
}

// Status queries aggregate bridge status.
func (c *Client) Status() (*Response, error) {
	return c.Do(Request{Cmd: "status"})
}

// Ping sends an application-level keepalive.
func (c *Client) Ping() (*Response, error) {
	return c.Do(Request{Cmd: "ping"})
}

// Raw forwards a raw controller command.
func (c *Client) Raw(command string) (*Response, error) {
	return c.Do(Request{Cmd: "raw", Command: command})
}

// RunTests drives the scripted test sequence against the bridge.
func (c *Client) RunTests() error {
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("Robot Control Test Client")
	fmt.Printf("Connected to: %s\n", c.serverURL)
	fmt.Println(strings.Repeat("=", 50))

	fmt.Println("1. Testing Authentication...")
	resp, err := c.Authenticate()
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	fmt.Printf("   Response: %+v\n", *resp)
	if !resp.Success {
		return fmt.Errorf("authentication failed: %s", resp.Message)
	}
	fmt.Println("   Authenticated")

	fmt.Println("2. Testing Status...")
	resp, err = c.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Printf("   arduino_connected=%v clients=%d authenticated=%d\n",
		resp.ArduinoConnected, resp.ClientsConnected, resp.ClientsAuthenticated)

	fmt.Println("3. Testing Ping...")
	resp, err = c.Ping()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Printf("   Response: %s\n", resp.Type)

	fmt.Println("4. Testing Movement Commands...")
	movements := []string{"forward", "stop", "backward", "stop", "left", "stop", "right", "stop"}
	for _, direction := range movements {
		resp, err = c.Move(direction)
		if err != nil {
			return fmt.Errorf("move %s: %w", direction, err)
		}
		mark := "ok"
		if !resp.Success {
			mark = "FAIL"
		}
		detail := resp.Response
		if detail == "" {
			detail = resp.Message
		}
		fmt.Printf("   [%s] %s: %s\n", mark, direction, detail)
		time.Sleep(300 * time.Millisecond)
	}

	fmt.Println("5. Testing Raw Arduino Command...")
	resp, err = c.Raw("PING")
	if err != nil {
		return fmt.Errorf("raw: %w", err)
	}
	fmt.Printf("   Response: %+v\n", *resp)

	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("All tests completed!")
	fmt.Println(strings.Repeat("=", 50))
	return nil
}

// Interactive reads single-letter commands from stdin and drives the robot:
// w/s/a/d move, space or x stops, p pings, t prints status, q quits.
func (c *Client) Interactive() error {
	resp, err := c.Authenticate()
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("authentication failed: %s", resp.Message)
	}

	fmt.Println("Connected and authenticated!")
	fmt.Println("\nCommands:")
	fmt.Println("  w/s/a/d - forward/backward/left/right")
	fmt.Println("  space   - stop")
	fmt.Println("  p       - ping")
	fmt.Println("  t       - status")
	fmt.Println("  q       - quit")
	fmt.Println(strings.Repeat("-", 50))

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("Enter command: ")
		if !scanner.Scan() {
			break
		}
		input := strings.ToLower(strings.TrimSpace(scanner.Text()))

		switch input {
		case "q":
			// Stop the motors before quitting.
			c.Move("stop")
			return nil
		case "w":
			resp, err = c.Move("forward")
		case "s":
			resp, err = c.Move("backward")
		case "a":
			resp, err = c.Move("left")
		case "d":
			resp, err = c.Move("right")
		case "", "x":
			resp, err = c.Move("stop")
		case "p":
			resp, err = c.Ping()
		case "t":
			resp, err = c.Status()
		default:
			fmt.Printf("Unknown command: %s\n", input)
			continue
		}
		if err != nil {
			return err
		}
		fmt.Printf("  -> %+v\n", *resp)
	}
	return scanner.Err()
}
