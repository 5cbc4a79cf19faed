// Package api is the HTTP control plane: room creation and teardown
// for the backend, plus stats and health probes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/onlylang/mediaserver/config"
	"github.com/onlylang/mediaserver/internal/media/registry"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MiB
	maxFieldBytes      = 256
)

// Handler provides the control-plane REST endpoints.
type Handler struct {
	cfg *config.Config
	reg *registry.Registry
}

// NewHandler creates a control-plane handler.
func NewHandler(cfg *config.Config, reg *registry.Registry) *Handler {
	return &Handler{cfg: cfg, reg: reg}
}

// RegisterRoutes registers all control-plane routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /room/create", h.CreateRoom)
	mux.HandleFunc("POST /room/{room_id}/stop", h.StopRoom)
	mux.HandleFunc("GET /room/{room_id}/stats", h.RoomStats)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("OPTIONS /", h.preflight)
}

// Middleware adds the open CORS policy for browser-based admin tools.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// CreateRoom handles POST /room/create.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PostID == "" || req.HostUserID == "" {
		writeError(w, http.StatusBadRequest, "post_id and host_user_id are required")
		return
	}
	if len(req.PostID) > maxFieldBytes || len(req.HostUserID) > maxFieldBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("fields must be at most %d bytes", maxFieldBytes))
		return
	}

	roomID, err := h.reg.CreateRoom(r.Context(), req.PostID, req.HostUserID)
	if err != nil {
		if errors.Is(err, registry.ErrCapacity) {
			writeError(w, http.StatusServiceUnavailable, "room capacity exhausted")
			return
		}
		writeError(w, http.StatusInternalServerError, "room creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, CreateRoomResponse{
		RoomID:       roomID,
		WebsocketURL: h.websocketURL(roomID, "host"),
		Status:       "created",
	})
}

func (h *Handler) websocketURL(roomID, role string) string {
	return fmt.Sprintf("ws://%s:%d/room/%s/%s", h.cfg.Host, h.cfg.WebSocketPort, roomID, role)
}

// StopRoom handles POST /room/{room_id}/stop.
func (h *Handler) StopRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if err := h.reg.StopRoom(roomID); err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, StopRoomResponse{Status: "stopped", RoomID: roomID})
}

// RoomStats handles GET /room/{room_id}/stats.
func (h *Handler) RoomStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reg.RoomStats(r.PathValue("room_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.ServerStats())
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Service: "media_server"})
}
