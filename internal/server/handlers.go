// Package server exposes HTTP handlers, including WebSocket upgrades, room
// creation and lookup, health checks, and the built-in chat page.
package server

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

//go:embed static
var staticFiles embed.FS

const roomNotFound = "Room not found"

// Server owns the HTTP surface of the relay.
type Server struct {
	cfg      Config
	registry *chat.Registry
	log      *zap.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	cors     *cors.Cors
	static   fs.FS
}

// NewServer builds the HTTP surface for registry. A nil gatherer exposes the
// default Prometheus registry on /metrics.
func NewServer(cfg *Config, registry *chat.Registry, logger *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	s := &Server{
		cfg:      cfg.sanitize(),
		registry: registry,
		log:      logger,
		gatherer: gatherer,
		static:   static,
	}

	origins := newOriginPolicy(s.cfg.AllowedOrigins, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	s.cors = cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	return s
}

// WebSocketHandler upgrades /ws/{room_id}/{user} and serves the connection
// until it closes. Unknown rooms are refused before the upgrade.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	user := r.PathValue("user")

	if _, err := s.registry.RoomInfo(roomID); err != nil {
		http.Error(w, roomNotFound, http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	c := chat.NewConnection(conn, s.registry, roomID, user, r.RemoteAddr, s.cfg.ConnectionConfig())
	if err := c.Serve(r.Context()); err != nil && !errors.Is(err, chat.ErrRegistryClosed) {
		s.log.Info("Connection ended with error",
			zap.String("room_id", roomID),
			zap.String("user", user),
			zap.String("addr", r.RemoteAddr),
			zap.Error(err))
	}
}

type createRoomRequest struct {
	Username string `json:"username"`
}

// CreateRoomHandler creates a room and returns its summary as JSON. The
// optional username in the body is only used for logging.
func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed. Room creation only accepts POST requests.", http.StatusMethodNotAllowed)
		return
	}

	var req createRoomRequest
	body := http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	room, err := s.registry.CreateRoom(r.Context())
	if err != nil {
		s.log.Error("Room creation failed", zap.Error(err))
		http.Error(w, "Unable to create room", http.StatusServiceUnavailable)
		return
	}

	s.log.Info("Room created",
		zap.String("room_id", room.ID),
		zap.String("room_name", room.Name),
		zap.String("user", req.Username))
	s.writeJSON(w, http.StatusOK, room)
}

// JoinHandler answers /join/{room_id}. JSON clients get the room summary,
// browsers get the chat page which then asks for the summary itself.
func (s *Server) JoinHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. Join endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	if !strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.servePage(w, r)
		return
	}

	room, err := s.registry.RoomInfo(r.PathValue("room_id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, roomNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Room chat server is running! rooms=%d", s.registry.RoomCount())
}

func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	page, err := fs.ReadFile(s.static, "index.html")
	if err != nil {
		s.log.Error("Chat page missing from embedded assets", zap.Error(err))
		http.Error(w, "Page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.log.Debug("Error writing HTML response", zap.String("addr", r.RemoteAddr), zap.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Error writing JSON response", zap.Error(err))
	}
}
