package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// leaveTimeout bounds the leave sent to the registry when a connection closes.
const leaveTimeout = 5 * time.Second

// ConnectionConfig holds the transport parameters of a Connection.
type ConnectionConfig struct {
	// SendBufferSize is the capacity of the outbound queue; deliveries beyond
	// it are dropped.
	SendBufferSize int
	// MaxMessageSize is the largest inbound frame accepted from the peer.
	MaxMessageSize int64
	// WriteWait is the time allowed to write a frame to the peer.
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration
	// PingInterval is the keepalive period. Must be less than PongWait; zero
	// disables pings and read deadlines.
	PingInterval time.Duration
}

// DefaultConnectionConfig returns the transport defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		SendBufferSize: 256,
		MaxMessageSize: 4096,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
	}
}

// State is the lifecycle stage of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Connection is one client's live session in a room. It is the Sink the
// registry delivers to, and it forwards the client's frames to the registry.
type Connection struct {
	conn     *websocket.Conn
	registry *Registry
	roomID   string
	user     string
	addr     string
	cfg      ConnectionConfig
	log      *zap.Logger

	send      chan Envelope
	state     atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	leaveOnce sync.Once
}

// NewConnection wraps an upgraded websocket for user in roomID. The
// connection does nothing until Serve is called.
func NewConnection(conn *websocket.Conn, registry *Registry, roomID, user, addr string, cfg ConnectionConfig) *Connection {
	defaults := DefaultConnectionConfig()
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PingInterval > 0 && cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 10 / 9
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:     conn,
		registry: registry,
		roomID:   roomID,
		user:     user,
		addr:     addr,
		cfg:      cfg,
		log:      registry.log.With(zap.String("room_id", roomID), zap.String("user", user), zap.String("addr", addr)),
		send:     make(chan Envelope, cfg.SendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RoomID returns the room the connection is bound to.
func (c *Connection) RoomID() string { return c.roomID }

// User returns the connection's user identity.
func (c *Connection) User() string { return c.user }

// State returns the current lifecycle stage.
func (c *Connection) State() State { return State(c.state.Load()) }

// Deliver queues env for the write pump. It never blocks and drops env when
// the connection is not active or its queue is full.
func (c *Connection) Deliver(env Envelope) bool {
	if c.State() != StateActive || c.ctx.Err() != nil {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close stops both pumps. Undelivered queued envelopes are abandoned. It is
// safe to call any number of times from any goroutine.
func (c *Connection) Close() {
	c.cancel()
}

// Serve joins the room, then runs the read and write pumps until the peer
// goes away, Close is called or ctx is cancelled. On return the member has
// left the room and the transport is closed.
func (c *Connection) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	c.state.Store(int32(StateActive))
	if err := c.registry.Join(c.ctx, c.roomID, c.user, c); err != nil {
		c.state.Store(int32(StateClosed))
		c.log.Warn("Join rejected", zap.Error(err))
		c.reject(err)
		c.Close()
		return err
	}

	c.registry.metrics.connectionOpened()
	defer c.registry.metrics.connectionClosed()
	c.log.Info("Connection active")

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		defer c.Close()
		return c.readPump(gctx)
	})
	g.Go(func() error {
		defer c.Close()
		return c.writePump(gctx)
	})
	err := g.Wait()
	if errors.Is(err, errStopped) {
		err = nil
	}

	c.finish()
	return err
}

// finish moves the connection to Closed and leaves the room exactly once.
func (c *Connection) finish() {
	c.state.Store(int32(StateClosed))
	c.leaveOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := c.registry.leaveMember(ctx, c.roomID, c.user, c); err != nil && !errors.Is(err, ErrRegistryClosed) {
			c.log.Warn("Leave failed", zap.Error(err))
		}
		c.log.Info("Connection closed")
	})
}

// reject tells the peer why it could not join and closes the transport.
func (c *Connection) reject(cause error) {
	code := websocket.CloseInternalServerErr
	reason := "unable to join room"
	switch {
	case errors.Is(cause, ErrRoomNotFound):
		code, reason = websocket.ClosePolicyViolation, "room not found"
	case errors.Is(cause, ErrMemberExists):
		code, reason = websocket.ClosePolicyViolation, "user already in room"
	case errors.Is(cause, ErrRegistryClosed):
		code, reason = websocket.CloseGoingAway, "server shutting down"
	}

	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close frame", zap.Error(err))
	}
	c.closeTransport()
}

// setupReadConnection configures the read limit, deadlines and pong handler.
func (c *Connection) setupReadConnection() {
	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if c.cfg.PingInterval <= 0 {
		return
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
}

func (c *Connection) readPump(ctx context.Context) error {
	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return c.handleReadError(ctx, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.processFrame(ctx, raw)
	}
}

// handleReadError logs why the read loop ended and returns the error to
// report from Serve, nil for ordinary disconnects.
func (c *Connection) handleReadError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("Frame exceeded maximum size", zap.Int64("max_bytes", c.cfg.MaxMessageSize))
		return nil
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("Client disconnected", zap.Error(err))
		return nil
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err):
		c.log.Info("Connection closed by peer", zap.Error(err))
		return nil
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("Unexpected websocket close", zap.Error(err))
		return fmt.Errorf("read: %w", err)
	}
	c.log.Warn("Websocket read error", zap.Error(err))
	return fmt.Errorf("read: %w", err)
}

// processFrame turns one client frame into a publish. Malformed frames and
// unknown kinds are ignored.
func (c *Connection) processFrame(ctx context.Context, raw []byte) {
	frame, ok := parseFrame(raw)
	if !ok {
		c.log.Debug("Ignoring malformed frame", zap.Int("bytes", len(raw)))
		return
	}

	env := Envelope{RoomID: c.roomID, User: c.user, Kind: frame.Kind}
	switch frame.Kind {
	case KindChat:
		env.Message = frame.Message
	case KindTyping:
	default:
		c.log.Debug("Ignoring frame kind", zap.String("type", string(frame.Kind)))
		return
	}

	if err := c.registry.Publish(ctx, env); err != nil && ctx.Err() == nil {
		c.log.Warn("Publish failed", zap.String("type", string(env.Kind)), zap.Error(err))
	}
}

func (c *Connection) writePump(ctx context.Context) error {
	var ping <-chan time.Time
	if c.cfg.PingInterval > 0 {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.closeTransport()

	for {
		select {
		case <-ctx.Done():
			c.writeCloseMessage()
			return nil
		case env := <-c.send:
			if err := c.writeEnvelope(env); err != nil {
				return err
			}
		case <-ping:
			if err := c.writePing(); err != nil {
				return err
			}
		}
	}
}

// writeEnvelope writes one envelope as its own text frame.
func (c *Connection) writeEnvelope(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		c.log.Error("Error encoding envelope", zap.Error(err))
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return c.writeFailed("set write deadline", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return c.writeFailed("write envelope", err)
	}
	return nil
}

func (c *Connection) writePing() error {
	deadline := time.Now().Add(c.cfg.WriteWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return c.writeFailed("write ping", err)
	}
	return nil
}

// writeFailed ends the write pump; expected teardown errors end it quietly.
func (c *Connection) writeFailed(op string, err error) error {
	if isExpectedCloseError(err) || errors.Is(err, websocket.ErrCloseSent) {
		return errStopped
	}
	c.log.Warn("Websocket write error", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Connection) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)); err != nil {
		if !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
			c.log.Debug("Error writing close message", zap.Error(err))
		}
	}
}

func (c *Connection) closeTransport() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error closing connection", zap.Error(err))
	}
}

// errStopped ends a pump without being reported from Serve.
var errStopped = errors.New("connection stopped")

// isExpectedCloseError reports whether err is a normal side effect of a
// connection being torn down.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
