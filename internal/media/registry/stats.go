package registry

import "time"

// RoomStats is an immutable observability snapshot of one room.
// Byte counters are zero until live worker stats are wired in.
type RoomStats struct {
	RoomID        string    `json:"room_id"`
	PostID        string    `json:"post_id"`
	HostUserID    string    `json:"host_user_id"`
	IsActive      bool      `json:"is_active"`
	HasHost       bool      `json:"has_host"`
	ViewerCount   int       `json:"viewer_count"`
	CreatedAt     time.Time `json:"created_at"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
}

// ServerStats aggregates across all rooms. Active rooms are those
// with a connected host.
type ServerStats struct {
	TotalRooms         int         `json:"total_rooms"`
	ActiveRooms        int         `json:"active_rooms"`
	TotalPeers         int         `json:"total_peers"`
	TotalViewers       int         `json:"total_viewers"`
	TotalHosts         int         `json:"total_hosts"`
	TotalBytesSent     uint64      `json:"total_bytes_sent"`
	TotalBytesReceived uint64      `json:"total_bytes_received"`
	Rooms              []RoomStats `json:"rooms"`
}

func snapshotRoom(rm *room) RoomStats {
	return RoomStats{
		RoomID:      rm.id,
		PostID:      rm.postID,
		HostUserID:  rm.hostUserID,
		IsActive:    true,
		HasHost:     rm.hostPeerID != "",
		ViewerCount: rm.viewers,
		CreatedAt:   rm.createdAt,
	}
}

// RoomStats returns a snapshot of one room.
func (r *Registry) RoomStats(roomID string) (RoomStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return RoomStats{}, ErrRoomNotFound
	}
	return snapshotRoom(rm), nil
}

// ServerStats returns a consistent snapshot across all rooms.
func (r *Registry) ServerStats() ServerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := ServerStats{
		TotalRooms: len(r.rooms),
		TotalPeers: len(r.peers),
		Rooms:      make([]RoomStats, 0, len(r.rooms)),
	}
	for _, rm := range r.rooms {
		if rm.hostPeerID != "" {
			s.ActiveRooms++
			s.TotalHosts++
		}
		s.TotalViewers += rm.viewers
		s.Rooms = append(s.Rooms, snapshotRoom(rm))
	}
	return s
}

// Counts returns the current room and peer counts for the periodic
// stats log.
func (r *Registry) Counts() (rooms, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.peers)
}
