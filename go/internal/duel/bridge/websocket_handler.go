package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler serves UI sockets for one client.
type WebSocketHandler struct {
	hub        *Hub
	controller Controller
}

func NewWebSocketHandler(hub *Hub, c Controller) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		controller: c,
	}
}

// HandleDuelConnection upgrades the request and sends the current view.
func (h *WebSocketHandler) HandleDuelConnection(w http.ResponseWriter, r *http.Request) {
	err := h.hub.UpgradeConnection(w, r, h.controller.View(), func(ctx context.Context, cmd Command) error {
		return Dispatch(ctx, h.controller, cmd)
	})
	if err != nil {
		// The upgrader has already replied to the client.
		log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.hub.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to write connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/duel", h.HandleDuelConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

// RegisterAll mounts the sockets and the RPC service on mux.
func RegisterAll(mux *http.ServeMux, hub *Hub, c Controller) {
	NewWebSocketHandler(hub, c).RegisterRoutes(mux)
	path, handler := NewDuelServiceHandler(c)
	mux.Handle(path, handler)
}
