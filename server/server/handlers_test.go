package server

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bochristopher/robot-control/server/arduino"
)

// fakeActuator scripts translator outcomes without a serial link.
type fakeActuator struct {
	mu        sync.Mutex
	moves     []string
	commands  []string
	ok        bool
	reply     string
	err       error
	connected bool
}

func (f *fakeActuator) Move(direction string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, direction)
	return f.ok, f.reply, f.err
}

func (f *fakeActuator) Send(command string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	return f.ok, f.reply, f.err
}

func (f *fakeActuator) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func newTestServer(t *testing.T, actuator Actuator) *Server {
	t.Helper()
	srv := NewServer(actuator)
	require.NoError(t, srv.SetAuthToken("secret"))
	return srv
}

func dispatchJSON(t *testing.T, srv *Server, sess *Session, v any) any {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return srv.dispatch(sess, payload)
}

func TestDispatchInvalidJSON(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)

	resp := srv.dispatch(sess, []byte("{not json"))
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Message, "Invalid JSON")
}

func TestDispatchMissingCmd(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)

	resp := dispatchJSON(t, srv, sess, map[string]string{"token": "secret"})
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Message, "Missing 'cmd'")
}

func TestDispatchUnknownCommand(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "dance"})
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Message, "Unknown command: dance")
	assert.Contains(t, errResp.Message, "auth")
}

func TestAuthWrongToken(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "auth", Token: "wrong"})
	auth, ok := resp.(AuthResponse)
	require.True(t, ok)
	assert.False(t, auth.Success)
	assert.False(t, sess.Authenticated(), "failed auth must not authenticate the session")
}

func TestAuthCorrectTokenIdempotent(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)

	for i := 0; i < 2; i++ {
		resp := dispatchJSON(t, srv, sess, Request{Cmd: "auth", Token: "secret"})
		auth, ok := resp.(AuthResponse)
		require.True(t, ok)
		assert.True(t, auth.Success)
		assert.True(t, sess.Authenticated())
	}
	_, authenticated := srv.registry.Snapshot()
	assert.Equal(t, 1, authenticated)
}

func TestAuthAgainstBcryptHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(&fakeActuator{})
	require.NoError(t, srv.SetAuthTokenHash(string(hash)))
	sess := srv.registry.Register(nil)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "auth", Token: "hunter2"})
	assert.True(t, resp.(AuthResponse).Success)

	sess2 := srv.registry.Register(nil)
	resp = dispatchJSON(t, srv, sess2, Request{Cmd: "auth", Token: "wrong"})
	assert.False(t, resp.(AuthResponse).Success)
}

func TestUnauthenticatedCommandsDenied(t *testing.T) {
	fake := &fakeActuator{ok: true, reply: "OK:FORWARD"}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)

	// Every command except auth is gated, status and ping included.
	for _, req := range []Request{
		{Cmd: "move", Dir: "forward"},
		{Cmd: "raw", Command: "PING"},
		{Cmd: "status"},
		{Cmd: "ping"},
	} {
		resp := dispatchJSON(t, srv, sess, req)
		errResp, ok := resp.(ErrorResponse)
		require.True(t, ok, "cmd %s", req.Cmd)
		assert.Equal(t, "Not authenticated", errResp.Message)
	}
	assert.Empty(t, fake.moves, "nothing must reach the actuator")
	assert.Empty(t, fake.commands)
	assert.False(t, sess.Authenticated())
}

func TestStatusAndPingAfterAuth(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{connected: true})
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "status"})
	status, ok := resp.(StatusResponse)
	require.True(t, ok)
	assert.True(t, status.ArduinoConnected)
	assert.True(t, status.Authenticated)
	assert.Equal(t, 1, status.ClientsConnected)
	assert.Equal(t, 1, status.ClientsAuthenticated)

	resp = dispatchJSON(t, srv, sess, Request{Cmd: "ping"})
	pong, ok := resp.(PongResponse)
	require.True(t, ok)
	assert.Equal(t, "pong", pong.Type)
	assert.NotEmpty(t, pong.Timestamp)
}

func TestMoveSuccess(t *testing.T) {
	fake := &fakeActuator{ok: true, reply: "OK:FORWARD", connected: true}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "move", Dir: "forward"})
	move, ok := resp.(MoveResponse)
	require.True(t, ok)
	assert.True(t, move.Success)
	assert.Equal(t, "forward", move.Direction)
	assert.Equal(t, "OK:FORWARD", move.Response)
	assert.Equal(t, []string{"forward"}, fake.moves)
}

func TestMoveNormalizesDirectionCase(t *testing.T) {
	fake := &fakeActuator{ok: true, reply: "OK:STOP"}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "move", Dir: "STOP"})
	move := resp.(MoveResponse)
	assert.Equal(t, "stop", move.Direction)
	assert.Equal(t, []string{"stop"}, fake.moves)
}

func TestMoveMissingAndInvalidDirection(t *testing.T) {
	fake := &fakeActuator{}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "move"})
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Message, "Missing 'dir'")

	resp = dispatchJSON(t, srv, sess, Request{Cmd: "move", Dir: "up"})
	errResp, ok = resp.(ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Message, "Invalid direction: up")
	assert.Contains(t, errResp.Message, "forward")
	assert.Empty(t, fake.moves)
}

func TestMoveTimeoutReportedAsFailure(t *testing.T) {
	fake := &fakeActuator{err: arduino.ErrTimeout, connected: true}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "move", Dir: "stop"})
	move := resp.(MoveResponse)
	assert.False(t, move.Success)
	assert.Equal(t, "stop", move.Direction)
	assert.Contains(t, move.Response, "Timeout")
}

func TestMoveLinkErrorReportedAsFailure(t *testing.T) {
	fake := &fakeActuator{err: arduino.ErrNotConnected}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "move", Dir: "forward"})
	move := resp.(MoveResponse)
	assert.False(t, move.Success)
	assert.Contains(t, move.Response, "not connected")
}

func TestRawUpperCasesCommand(t *testing.T) {
	fake := &fakeActuator{ok: true, reply: "OK:PING"}
	srv := newTestServer(t, fake)
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "raw", Command: "ping"})
	raw, ok := resp.(RawResponse)
	require.True(t, ok)
	assert.True(t, raw.Success)
	assert.Equal(t, "PING", raw.Command)
	assert.Equal(t, []string{"PING"}, fake.commands)
}

func TestRawMissingCommand(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)
	srv.registry.MarkAuthenticated(sess)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "raw"})
	errResp, ok := resp.(ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, errResp.Message, "Missing 'command'")
}

func TestCmdNameCaseInsensitive(t *testing.T) {
	srv := newTestServer(t, &fakeActuator{})
	sess := srv.registry.Register(nil)

	resp := dispatchJSON(t, srv, sess, Request{Cmd: "AUTH", Token: "secret"})
	auth, ok := resp.(AuthResponse)
	require.True(t, ok)
	assert.True(t, auth.Success)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "ok", outcomeLabel(true, nil))
	assert.Equal(t, "unacknowledged", outcomeLabel(false, nil))
	assert.Equal(t, "timeout", outcomeLabel(false, arduino.ErrTimeout))
	assert.Equal(t, "link_error", outcomeLabel(false, arduino.ErrNotConnected))
}
