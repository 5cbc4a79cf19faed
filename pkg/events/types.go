package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	RoomCreated     EventType = "room.created"
	RoomClosed      EventType = "room.closed"
	PeerJoined      EventType = "peer.joined"
	PeerLeft        EventType = "peer.left"
	ProducerCreated EventType = "producer.created"
	ProducerClosed  EventType = "producer.closed"
	ConsumerCreated EventType = "consumer.created"
)

// Envelope is the standard event wrapper delivered to subscribers.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	RoomID    string          `json:"room_id"`
	PeerID    string          `json:"peer_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RoomCreatedData is the payload for room.created events.
type RoomCreatedData struct {
	PostID     string `json:"post_id"`
	HostUserID string `json:"host_user_id"`
}

// RoomClosedData is the payload for room.closed events.
type RoomClosedData struct {
	PeersEvicted int `json:"peers_evicted"`
}

// PeerJoinedData is the payload for peer.joined events.
type PeerJoinedData struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// PeerLeftData is the payload for peer.left events.
type PeerLeftData struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// ProducerData is the payload for producer.created and producer.closed events.
type ProducerData struct {
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

// ConsumerData is the payload for consumer.created events.
type ConsumerData struct {
	ConsumerID string `json:"consumer_id"`
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}
