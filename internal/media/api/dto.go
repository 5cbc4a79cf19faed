package api

import "github.com/onlylang/mediaserver/internal/media/registry"

// CreateRoomRequest is the request body for creating a room.
type CreateRoomRequest struct {
	PostID     string `json:"post_id"`
	HostUserID string `json:"host_user_id"`
}

// CreateRoomResponse is returned on successful room creation.
type CreateRoomResponse struct {
	RoomID       string `json:"room_id"`
	WebsocketURL string `json:"websocket_url"`
	Status       string `json:"status"`
}

// StopRoomResponse confirms a room stop.
type StopRoomResponse struct {
	Status string `json:"status"`
	RoomID string `json:"room_id"`
}

// HealthResponse is the health probe body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StatsResponse aggregates server-wide stats.
type StatsResponse = registry.ServerStats

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
