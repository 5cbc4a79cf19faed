// Package signal runs the per-peer WebSocket signaling protocol:
// capability exchange, transport setup, produce/consume, and the
// producer fan-out that keeps late viewers in sync.
package signal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/onlylang/mediaserver/config"
	"github.com/onlylang/mediaserver/internal/media/registry"
	"github.com/onlylang/mediaserver/internal/media/worker"
)

// TransportCreator allocates WebRTC transports; satisfied by the
// worker pool.
type TransportCreator interface {
	CreateWebRTCTransport(ctx context.Context, router worker.Router) (worker.Transport, error)
}

// Server upgrades signaling connections and owns the live sessions.
type Server struct {
	cfg        *config.Config
	reg        *registry.Registry
	transports TransportCreator
	coord      *Coordinator

	idleTimeout time.Duration
	iceServers  []webrtc.ICEServer
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// NewServer wires the signaling server to the registry and transport
// creator, and installs itself as the registry's eviction handler.
func NewServer(cfg *config.Config, reg *registry.Registry, transports TransportCreator) *Server {
	s := &Server{
		cfg:         cfg,
		reg:         reg,
		transports:  transports,
		idleTimeout: cfg.IdleTimeout(),
		iceServers:  cfg.WebRTCConfig().ICEServers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser-based clients connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
	s.coord = NewCoordinator(reg, s.deliverNewProducer)
	reg.SetEvictionHandler(s.evictPeer)
	return s
}

// Handler returns the signaling mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /room/{room_id}/{role}", s.handleRoom)
	return mux
}

// SessionCount returns the number of open signaling sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Coordinator exposes the fan-out coordinator.
func (s *Server) Coordinator() *Coordinator { return s.coord }

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	if s.SessionCount() >= s.cfg.MaxConnections {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	roomID := r.PathValue("room_id")
	role, err := registry.ParseRole(r.PathValue("role"))
	if err != nil {
		rejectConn(conn, websocket.ClosePolicyViolation, "invalid role")
		return
	}
	router, err := s.reg.Router(roomID)
	if err != nil {
		rejectConn(conn, websocket.ClosePolicyViolation, "room not found")
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "user_" + xid.New().String()
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "Anonymous"
	}

	peer, err := s.reg.RegisterPeer(roomID, userID, username, role)
	if err != nil {
		switch err {
		case registry.ErrRoomFull:
			rejectConn(conn, websocket.CloseInternalServerErr, "room full")
		default:
			rejectConn(conn, websocket.ClosePolicyViolation, err.Error())
		}
		return
	}

	sess := newSession(s, conn, peer, router)
	s.mu.Lock()
	s.sessions[peer.ID] = sess
	s.mu.Unlock()

	slog.Info("peer connected",
		slog.String("room_id", roomID),
		slog.String("peer_id", peer.ID),
		slog.String("role", role.String()))

	sess.send(outFrame{Type: msgWelcome, Data: welcomeData{
		PeerID:                peer.ID,
		Role:                  role.String(),
		RouterRtpCapabilities: router.RtpCapabilities(),
		ICEServers:            s.iceServers,
	}})

	if role == registry.RoleViewer {
		s.broadcast(roomID, peer.ID, outFrame{Type: msgViewerJoined, Data: viewerEventData{
			PeerID:   peer.ID,
			Username: username,
		}})
	}

	sess.run()
}

func rejectConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}

// removeSession drops a finished session and tells the room.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	cur, ok := s.sessions[sess.peer.ID]
	if ok && cur == sess {
		delete(s.sessions, sess.peer.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if sess.peer.Role == registry.RoleViewer {
		s.coord.DropViewer(sess.peer.ID)
		s.broadcast(sess.peer.RoomID, sess.peer.ID, outFrame{Type: msgViewerLeft, Data: viewerEventData{
			PeerID: sess.peer.ID,
		}})
	}

	slog.Info("peer disconnected",
		slog.String("room_id", sess.peer.RoomID),
		slog.String("peer_id", sess.peer.ID),
		slog.String("role", sess.peer.Role.String()))
}

// broadcast queues a frame to every other peer in the room.
func (s *Server) broadcast(roomID, excludePeerID string, f outFrame) {
	ids := s.reg.RoomPeerIDs(roomID)

	s.mu.Lock()
	targets := make([]*session, 0, len(ids))
	for _, id := range ids {
		if id == excludePeerID {
			continue
		}
		if sess, ok := s.sessions[id]; ok {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.send(f)
	}
}

// deliverNewProducer is the coordinator's delivery function.
func (s *Server) deliverNewProducer(peerID, producerID, kind string) {
	s.mu.Lock()
	sess, ok := s.sessions[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.send(outFrame{Type: msgNewProducer, Data: newProducerData{
		ProducerID: producerID,
		Kind:       kind,
	}})
}

// evictPeer closes the session of a peer the registry removed.
func (s *Server) evictPeer(peerID string) {
	s.mu.Lock()
	sess, ok := s.sessions[peerID]
	s.mu.Unlock()
	if ok {
		sess.close(websocket.CloseNormalClosure, "room closed")
	}
}

// CloseAll force-closes every open session; used on shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	}
}
