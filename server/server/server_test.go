package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoActuator acknowledges every command like a healthy controller.
type echoActuator struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (e *echoActuator) enter() {
	e.mu.Lock()
	e.inFlight++
	if e.inFlight > e.maxSeen {
		e.maxSeen = e.inFlight
	}
	e.mu.Unlock()
}

func (e *echoActuator) leave() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
}

func (e *echoActuator) Move(direction string) (bool, string, error) {
	e.enter()
	defer e.leave()
	return true, "OK:" + strings.ToUpper(direction), nil
}

func (e *echoActuator) Send(command string) (bool, string, error) {
	e.enter()
	defer e.leave()
	time.Sleep(time.Millisecond)
	return true, "OK:" + command, nil
}

func (e *echoActuator) Connected() bool { return true }

// wireResponse is a loose decode of any bridge response for assertions.
type wireResponse struct {
	Type                 string   `json:"type"`
	Success              bool     `json:"success"`
	Message              string   `json:"message"`
	Direction            string   `json:"direction"`
	Command              string   `json:"command"`
	Response             string   `json:"response"`
	Commands             []string `json:"commands"`
	ArduinoConnected     bool     `json:"arduino_connected"`
	Authenticated        bool     `json:"authenticated"`
	ClientsConnected     int      `json:"clients_connected"`
	ClientsAuthenticated int      `json:"clients_authenticated"`
	Timestamp            string   `json:"timestamp"`
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func startBridge(t *testing.T, actuator Actuator) (*Server, string) {
	t.Helper()
	srv := NewServer(actuator)
	require.NoError(t, srv.SetAuthToken("secret"))
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnection))
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dialBridge connects and consumes the welcome banner.
func dialBridge(t *testing.T, url string) *testConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	tc := &testConn{t: t, conn: conn}
	welcome := tc.read()
	require.Equal(t, "welcome", welcome.Type)
	return tc
}

func (tc *testConn) read() wireResponse {
	tc.t.Helper()
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wireResponse
	require.NoError(tc.t, tc.conn.ReadJSON(&resp))
	return resp
}

func (tc *testConn) roundTrip(req any) wireResponse {
	tc.t.Helper()
	require.NoError(tc.t, tc.conn.WriteJSON(req))
	return tc.read()
}

func (tc *testConn) auth(token string) wireResponse {
	return tc.roundTrip(Request{Cmd: "auth", Token: token})
}

func TestWelcomeBanner(t *testing.T) {
	_, url := startBridge(t, &echoActuator{})
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	tc := &testConn{t: t, conn: conn}
	welcome := tc.read()
	assert.Equal(t, "welcome", welcome.Type)
	assert.Equal(t, []string{"auth", "move", "ping", "raw", "status"}, welcome.Commands)
	assert.True(t, welcome.ArduinoConnected)
}

func TestAuthRetryAfterWrongToken(t *testing.T) {
	_, url := startBridge(t, &echoActuator{})
	tc := dialBridge(t, url)

	resp := tc.auth("wrong")
	assert.Equal(t, "auth", resp.Type)
	assert.False(t, resp.Success)

	// The connection stays open but commands are still denied.
	resp = tc.roundTrip(Request{Cmd: "move", Dir: "forward"})
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "Not authenticated", resp.Message)

	// A retry with the right token succeeds on the same connection.
	resp = tc.auth("secret")
	assert.True(t, resp.Success)

	resp = tc.roundTrip(Request{Cmd: "move", Dir: "forward"})
	assert.Equal(t, "move", resp.Type)
	assert.True(t, resp.Success)
	assert.Equal(t, "forward", resp.Direction)
	assert.Equal(t, "OK:FORWARD", resp.Response)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	_, url := startBridge(t, &echoActuator{})
	tc := dialBridge(t, url)
	require.True(t, tc.auth("secret").Success)

	require.NoError(t, tc.conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	resp := tc.read()
	assert.Equal(t, "error", resp.Type)

	// Still serviceable.
	resp = tc.roundTrip(Request{Cmd: "ping"})
	assert.Equal(t, "pong", resp.Type)
}

func TestStatusDeniedBeforeAuth(t *testing.T) {
	_, url := startBridge(t, &echoActuator{})
	tc := dialBridge(t, url)

	for _, cmd := range []string{"status", "ping"} {
		resp := tc.roundTrip(Request{Cmd: cmd})
		assert.Equal(t, "error", resp.Type, cmd)
		assert.Equal(t, "Not authenticated", resp.Message, cmd)
	}
}

func TestResponsesInRequestOrder(t *testing.T) {
	_, url := startBridge(t, &echoActuator{})
	tc := dialBridge(t, url)
	require.True(t, tc.auth("secret").Success)

	dirs := []string{"forward", "left", "right", "backward", "stop"}
	for _, d := range dirs {
		require.NoError(t, tc.conn.WriteJSON(Request{Cmd: "move", Dir: d}))
	}
	for _, d := range dirs {
		resp := tc.read()
		assert.Equal(t, "move", resp.Type)
		assert.Equal(t, d, resp.Direction, "responses must come back in request order")
	}
}

func TestStatusTracksDisconnects(t *testing.T) {
	srv, url := startBridge(t, &echoActuator{})
	a := dialBridge(t, url)
	b := dialBridge(t, url)
	require.True(t, a.auth("secret").Success)
	require.True(t, b.auth("secret").Success)

	status := a.roundTrip(Request{Cmd: "status"})
	assert.Equal(t, 2, status.ClientsConnected)
	assert.Equal(t, 2, status.ClientsAuthenticated)
	assert.True(t, status.Authenticated)

	b.conn.Close()

	// Deregistration happens in b's control loop; poll until it lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status = a.roundTrip(Request{Cmd: "status"})
		if status.ClientsConnected == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, status.ClientsConnected)
	assert.Equal(t, 1, status.ClientsAuthenticated)

	connected, _ := srv.Registry().Snapshot()
	assert.Equal(t, 1, connected)
}

func TestConcurrentClientsGetOwnReplies(t *testing.T) {
	actuator := &echoActuator{}
	_, url := startBridge(t, actuator)

	const clients = 6
	const perClient = 5

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			tc := &testConn{t: t, conn: conn}
			tc.read() // welcome
			if resp := tc.auth("secret"); !resp.Success {
				errs <- fmt.Errorf("client %d auth failed", i)
				return
			}
			for j := 0; j < perClient; j++ {
				cmd := fmt.Sprintf("PROBE-%d-%d", i, j)
				resp := tc.roundTrip(Request{Cmd: "raw", Command: cmd})
				if resp.Type != "raw" || resp.Response != "OK:"+cmd {
					errs <- fmt.Errorf("client %d got %q for %q", i, resp.Response, cmd)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestHeartbeatReachesOnlyAuthenticatedClients(t *testing.T) {
	srv, url := startBridge(t, &echoActuator{})
	authed := dialBridge(t, url)
	require.True(t, authed.auth("secret").Success)
	other := dialBridge(t, url)

	srv.broadcastHeartbeat()

	hb := authed.read()
	assert.Equal(t, "heartbeat", hb.Type)
	assert.True(t, hb.ArduinoConnected)

	// The unauthenticated connection must see nothing.
	other.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var resp wireResponse
	err := other.conn.ReadJSON(&resp)
	assert.Error(t, err, "unauthenticated client must not receive heartbeats")
}

func TestCloseSendsGoingAway(t *testing.T) {
	srv, url := startBridge(t, &echoActuator{})
	tc := dialBridge(t, url)
	require.True(t, tc.auth("secret").Success)

	srv.Close()

	tc.conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := tc.conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway) ||
		strings.Contains(err.Error(), "close"), "got: %v", err)
}
