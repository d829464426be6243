// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes returns the handler serving every relay endpoint. The REST routes
// are wrapped in CORS so the page can be hosted elsewhere.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{room_id}/{user}", s.WebSocketHandler)
	mux.Handle("/create_room", s.cors.Handler(http.HandlerFunc(s.CreateRoomHandler)))
	mux.Handle("/join/{room_id}", s.cors.Handler(http.HandlerFunc(s.JoinHandler)))
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", http.FileServerFS(s.static))
	return mux
}
