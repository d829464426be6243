package chat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/chattest"
)

type harness struct {
	registry *chat.Registry
	server   *httptest.Server
	conns    chan *chat.Connection
	served   chan error
	handlers sync.WaitGroup
}

// newHarness serves /ws/{room_id}/{user} with a Connection per request.
func newHarness(t *testing.T, opts ...chat.Option) *harness {
	t.Helper()
	opts = append([]chat.Option{chat.WithLogger(zaptest.NewLogger(t))}, opts...)
	h := &harness{
		registry: chat.NewRegistry(opts...),
		conns:    make(chan *chat.Connection, 16),
		served:   make(chan error, 16),
	}
	go h.registry.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	cfg := chat.DefaultConnectionConfig()
	cfg.PingInterval = 0

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room_id}/{user}", func(w http.ResponseWriter, r *http.Request) {
		h.handlers.Add(1)
		defer h.handlers.Done()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := chat.NewConnection(conn, h.registry, r.PathValue("room_id"), r.PathValue("user"), r.RemoteAddr, cfg)
		h.conns <- c
		h.served <- c.Serve(r.Context())
	})
	h.server = httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.registry.Shutdown(ctx)
		h.server.Close()
		h.handlers.Wait()
	})
	return h
}

func (h *harness) url(roomID, user string) string {
	return chattest.WebSocketURL(h.server.URL, "/ws/"+roomID+"/"+user)
}

// connect dials user into roomID and waits until the registry lists it.
func (h *harness) connect(t *testing.T, roomID, user string) *websocket.Conn {
	t.Helper()
	before, err := h.registry.MemberCount(roomID)
	require.NoError(t, err)

	conn := chattest.MustConnect(t, h.url(roomID, user))
	require.Eventually(t, func() bool {
		n, err := h.registry.MemberCount(roomID)
		return err == nil && n == before+1
	}, 2*time.Second, 5*time.Millisecond, "%s never joined", user)
	return conn
}

func (h *harness) nextConnection(t *testing.T) *chat.Connection {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection was served")
		return nil
	}
}

func (h *harness) createRoom(t *testing.T) chat.RoomSummary {
	t.Helper()
	room, err := h.registry.CreateRoom(context.Background())
	require.NoError(t, err)
	return room
}

func TestConnectionChatScenario(t *testing.T) {
	h := newHarness(t)
	room := h.createRoom(t)

	alice := h.connect(t, room.ID, "alice")
	bob := h.connect(t, room.ID, "bob")

	notice := chattest.MustReadEnvelope(t, alice)
	assert.Equal(t, chat.Envelope{RoomID: room.ID, User: "bob", Message: "bob has joined the chat", Kind: chat.KindNotification}, notice)

	chattest.SendFrame(t, alice, "chat", "hi")
	want := chat.Envelope{RoomID: room.ID, User: "alice", Message: "hi", Kind: chat.KindChat}
	assert.Equal(t, want, chattest.MustReadEnvelope(t, alice), "sender receives its own echo")
	assert.Equal(t, want, chattest.MustReadEnvelope(t, bob))

	require.NoError(t, chattest.CloseWebSocket(bob))

	left := chattest.MustReadEnvelope(t, alice)
	assert.Equal(t, chat.Envelope{RoomID: room.ID, User: "bob", Message: "bob has left the chat", Kind: chat.KindNotification}, left)
	chattest.ExpectNoEnvelope(t, alice, 150*time.Millisecond)
}

func TestConnectionTypingFrame(t *testing.T) {
	h := newHarness(t)
	room := h.createRoom(t)

	alice := h.connect(t, room.ID, "alice")

	chattest.SendFrame(t, alice, "typing", "this body is dropped")
	got := chattest.MustReadEnvelope(t, alice)
	assert.Equal(t, chat.Envelope{RoomID: room.ID, User: "alice", Message: "", Kind: chat.KindTyping}, got)
}

func TestConnectionIgnoresMalformedFrames(t *testing.T) {
	h := newHarness(t)
	room := h.createRoom(t)

	alice := h.connect(t, room.ID, "alice")

	chattest.SendRaw(t, alice, "not json at all")
	chattest.SendRaw(t, alice, `["chat"]`)
	chattest.SendRaw(t, alice, `{"type":"notification","message":"forged"}`)
	chattest.SendRaw(t, alice, `{"type":"unknown"}`)
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"chat","message":"binary"}`)))
	chattest.SendRaw(t, alice, `{"message":"defaults to chat"}`)

	got := chattest.MustReadEnvelope(t, alice)
	assert.Equal(t, chat.Envelope{RoomID: room.ID, User: "alice", Message: "defaults to chat", Kind: chat.KindChat}, got)
	chattest.ExpectNoEnvelope(t, alice, 150*time.Millisecond)
}

func TestConnectionToMissingRoomIsRejected(t *testing.T) {
	h := newHarness(t)

	conn := chattest.MustConnect(t, h.url("missing", "alice"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "room not found", closeErr.Text)

	select {
	case err := <-h.served:
		assert.ErrorIs(t, err, chat.ErrRoomNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestConnectionCloseLeavesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	room := h.createRoom(t)

	alice := h.connect(t, room.ID, "alice")
	h.nextConnection(t)
	h.connect(t, room.ID, "bob")
	bobConn := h.nextConnection(t)
	chattest.MustReadEnvelope(t, alice)

	assert.Equal(t, chat.StateActive, bobConn.State())
	bobConn.Close()
	bobConn.Close()

	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, chat.StateClosed, bobConn.State())
	assert.False(t, bobConn.Deliver(chat.Envelope{}), "closed connection accepts nothing")

	left := chattest.MustReadEnvelope(t, alice)
	assert.Equal(t, "bob has left the chat", left.Message)
	chattest.ExpectNoEnvelope(t, alice, 150*time.Millisecond)

	members, err := h.registry.MemberCount(room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, members)
}

func TestConnectionReplacedByNewSession(t *testing.T) {
	h := newHarness(t, chat.WithRejoinPolicy(chat.RejoinReplace))
	room := h.createRoom(t)

	alice := h.connect(t, room.ID, "alice")
	oldBob := h.connect(t, room.ID, "bob")
	chattest.MustReadEnvelope(t, alice)

	newBob := chattest.MustConnect(t, h.url(room.ID, "bob"))

	require.NoError(t, oldBob.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := oldBob.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "old session is closed, got %v", err)

	notice := chattest.MustReadEnvelope(t, alice)
	assert.Equal(t, "bob has joined the chat", notice.Message)

	chattest.SendFrame(t, alice, "chat", "welcome back")
	assert.Equal(t, "welcome back", chattest.MustReadEnvelope(t, alice).Message)
	assert.Equal(t, "welcome back", chattest.MustReadEnvelope(t, newBob).Message)
	chattest.ExpectNoEnvelope(t, alice, 150*time.Millisecond)
}

func TestConnectionRejectedWhenIdentityTaken(t *testing.T) {
	h := newHarness(t, chat.WithRejoinPolicy(chat.RejoinReject))
	room := h.createRoom(t)

	h.connect(t, room.ID, "bob")

	conn := chattest.MustConnect(t, h.url(room.ID, "bob"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestRegistryShutdownClosesConnections(t *testing.T) {
	h := newHarness(t)
	room := h.createRoom(t)

	alice := h.connect(t, room.ID, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.registry.Shutdown(ctx))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestDeliverBeforeServeIsDropped(t *testing.T) {
	registry := chat.NewRegistry()
	c := chat.NewConnection(nil, registry, "room", "alice", "127.0.0.1:1", chat.ConnectionConfig{})

	assert.Equal(t, chat.StateConnecting, c.State())
	assert.Equal(t, "room", c.RoomID())
	assert.Equal(t, "alice", c.User())
	assert.False(t, c.Deliver(chat.Envelope{RoomID: "room", Kind: chat.KindChat}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", chat.StateConnecting.String())
	assert.Equal(t, "active", chat.StateActive.String())
	assert.Equal(t, "closed", chat.StateClosed.String())
	assert.Equal(t, "State(9)", chat.State(9).String())
}
