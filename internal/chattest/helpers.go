// Package chattest provides helpers shared by the chat and server tests:
// websocket dialing, frame exchange and a recording Sink.
package chattest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8087"

// WebSocketURL converts an httptest server URL and a path into a ws:// URL.
func WebSocketURL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// ConnectWebSocket dials url with TestOrigin and returns the connection and
// the handshake response status (0 when no response was received).
func ConnectWebSocket(url string) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url)
	require.NoError(t, err, "dial %s", url)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes a client frame {"type": kind, "message": message}.
func SendFrame(t *testing.T, conn *websocket.Conn, kind, message string) {
	t.Helper()
	frame := map[string]string{"type": kind, "message": message}
	require.NoError(t, conn.WriteJSON(frame))
}

// SendRaw writes raw as a text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// ReadEnvelope reads the next text frame and decodes it as an envelope.
func ReadEnvelope(conn *websocket.Conn, timeout time.Duration) (chat.Envelope, error) {
	var env chat.Envelope
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return env, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

// MustReadEnvelope reads the next envelope or fails the test.
func MustReadEnvelope(t *testing.T, conn *websocket.Conn) chat.Envelope {
	t.Helper()
	env, err := ReadEnvelope(conn, 2*time.Second)
	require.NoError(t, err, "expected an envelope")
	return env
}

// ExpectNoEnvelope fails the test if a frame arrives within wait. The
// connection is unusable for reads afterwards when the deadline expires.
func ExpectNoEnvelope(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	env, err := ReadEnvelope(conn, wait)
	if err == nil {
		t.Fatalf("expected no envelope, got %+v", env)
	}
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// RecordingSink is a chat.Sink that buffers what it receives.
type RecordingSink struct {
	envelopes chan chat.Envelope

	mu     sync.Mutex
	closed bool
}

// NewRecordingSink returns a sink that holds up to capacity envelopes and
// drops the rest.
func NewRecordingSink(capacity int) *RecordingSink {
	return &RecordingSink{envelopes: make(chan chat.Envelope, capacity)}
}

// Deliver implements chat.Sink.
func (s *RecordingSink) Deliver(env chat.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.envelopes <- env:
		return true
	default:
		return false
	}
}

// Close implements chat.Sink.
func (s *RecordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the registry closed the sink.
func (s *RecordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Drain returns every envelope received so far, oldest first.
func (s *RecordingSink) Drain() []chat.Envelope {
	var out []chat.Envelope
	for {
		select {
		case env := <-s.envelopes:
			out = append(out, env)
		default:
			return out
		}
	}
}
