// Package registry is the single owner of room and peer state. All
// mutations go through the Registry under one lock; media-worker
// handles collected during a mutation are closed after the lock is
// released. Peers reference their room by id, never by pointer, so
// destruction is idempotent.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/onlylang/mediaserver/internal/media/worker"
	"github.com/onlylang/mediaserver/pkg/events"
)

// RouterProvider allocates routers; satisfied by the worker pool.
type RouterProvider interface {
	CreateRouter(ctx context.Context) (worker.Router, error)
}

// Config caps the registry.
type Config struct {
	MaxRooms          int
	MaxViewersPerRoom int
}

type room struct {
	id         string
	postID     string
	hostUserID string
	createdAt  time.Time
	viewerCap  int
	router     worker.Router

	hostPeerID string
	viewers    int
	peerIDs    map[string]struct{}
}

type peer struct {
	id        string
	roomID    string
	userID    string
	username  string
	role      Role
	createdAt time.Time

	send worker.Transport
	recv worker.Transport

	// producers keeps creation order so fan-out replays it.
	producers []worker.Producer
	consumers []worker.Consumer
	// consumed maps producer id to consumer id for duplicate checks.
	consumed map[string]string
}

// PeerInfo is an immutable peer snapshot.
type PeerInfo struct {
	ID        string
	RoomID    string
	UserID    string
	Username  string
	Role      Role
	CreatedAt time.Time
}

// ProducerInfo identifies one producer for fan-out.
type ProducerInfo struct {
	ID   string
	Kind string
}

// Registry owns all rooms and peers.
type Registry struct {
	cfg     Config
	routers RouterProvider
	bus     *events.Bus

	mu    sync.RWMutex
	rooms map[string]*room
	peers map[string]*peer

	evictMu sync.Mutex
	onEvict func(peerID string)
}

// New creates an empty registry. bus may be nil.
func New(cfg Config, routers RouterProvider, bus *events.Bus) *Registry {
	return &Registry{
		cfg:     cfg,
		routers: routers,
		bus:     bus,
		rooms:   make(map[string]*room),
		peers:   make(map[string]*peer),
	}
}

// SetEvictionHandler registers the callback invoked, outside the
// registry lock, for every peer removed by a cascade the peer's own
// session did not initiate (room stop, reaper, host departure).
func (r *Registry) SetEvictionHandler(fn func(peerID string)) {
	r.evictMu.Lock()
	r.onEvict = fn
	r.evictMu.Unlock()
}

func (r *Registry) evict(peerIDs []string) {
	r.evictMu.Lock()
	fn := r.onEvict
	r.evictMu.Unlock()
	if fn == nil {
		return
	}
	for _, id := range peerIDs {
		fn(id)
	}
}

func (r *Registry) emit(eventType events.EventType, roomID, peerID string, data interface{}) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Emit(context.Background(), eventType, roomID, peerID, data)
}

// CreateRoom allocates a router and records a new room. Fails with
// ErrCapacity at the configured room cap.
func (r *Registry) CreateRoom(ctx context.Context, postID, hostUserID string) (string, error) {
	r.mu.RLock()
	full := len(r.rooms) >= r.cfg.MaxRooms
	r.mu.RUnlock()
	if full {
		return "", ErrCapacity
	}

	router, err := r.routers.CreateRouter(ctx)
	if err != nil {
		return "", err
	}

	rm := &room{
		id:         "room_" + xid.New().String(),
		postID:     postID,
		hostUserID: hostUserID,
		createdAt:  time.Now(),
		viewerCap:  r.cfg.MaxViewersPerRoom,
		router:     router,
		peerIDs:    make(map[string]struct{}),
	}

	r.mu.Lock()
	if len(r.rooms) >= r.cfg.MaxRooms {
		r.mu.Unlock()
		router.Close()
		return "", ErrCapacity
	}
	r.rooms[rm.id] = rm
	r.mu.Unlock()

	r.emit(events.RoomCreated, rm.id, "", events.RoomCreatedData{
		PostID:     postID,
		HostUserID: hostUserID,
	})
	return rm.id, nil
}

// Router returns the room's router handle.
func (r *Registry) Router(roomID string) (worker.Router, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm.router, nil
}

// removal captures everything a room-removal cascade must do after
// the lock is released.
type removal struct {
	roomID   string
	router   worker.Router
	peers    []*peer
	evictIDs []string
}

// removeRoomLocked deletes the room and its peers from the maps and
// returns the deferred cleanup work. Caller holds the write lock.
func (r *Registry) removeRoomLocked(rm *room) removal {
	rem := removal{roomID: rm.id, router: rm.router}
	for id := range rm.peerIDs {
		p, ok := r.peers[id]
		if !ok {
			continue
		}
		delete(r.peers, id)
		rem.peers = append(rem.peers, p)
		rem.evictIDs = append(rem.evictIDs, id)
	}
	delete(r.rooms, rm.id)
	return rem
}

// finish runs a removal cascade: sessions are evicted first, then each
// peer's handles are closed producers, consumers, transports, and the
// router last.
func (r *Registry) finish(rem removal) {
	r.evict(rem.evictIDs)
	for _, p := range rem.peers {
		closePeerResources(p)
		r.emit(events.PeerLeft, rem.roomID, p.id, events.PeerLeftData{
			UserID: p.userID,
			Role:   p.role.String(),
		})
	}
	if rem.router != nil {
		rem.router.Close()
	}
	r.emit(events.RoomClosed, rem.roomID, "", events.RoomClosedData{
		PeersEvicted: len(rem.peers),
	})
}

func closePeerResources(p *peer) {
	for _, pr := range p.producers {
		pr.Close()
	}
	for _, c := range p.consumers {
		c.Close()
	}
	if p.send != nil {
		p.send.Close()
	}
	if p.recv != nil {
		p.recv.Close()
	}
}

// StopRoom destroys the room and everything in it. A second call for
// the same id returns ErrRoomNotFound with no side effects.
func (r *Registry) StopRoom(roomID string) error {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	rem := r.removeRoomLocked(rm)
	r.mu.Unlock()

	r.finish(rem)
	return nil
}

// RegisterPeer records a peer in the room. At most one host per room;
// viewers are capped at the room's viewer cap.
func (r *Registry) RegisterPeer(roomID, userID, username string, role Role) (PeerInfo, error) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return PeerInfo{}, ErrRoomNotFound
	}
	if role == RoleHost && rm.hostPeerID != "" {
		r.mu.Unlock()
		return PeerInfo{}, ErrHostPresent
	}
	if role == RoleViewer && rm.viewers >= rm.viewerCap {
		r.mu.Unlock()
		return PeerInfo{}, ErrRoomFull
	}

	p := &peer{
		id:        "peer_" + xid.New().String(),
		roomID:    roomID,
		userID:    userID,
		username:  username,
		role:      role,
		createdAt: time.Now(),
		consumed:  make(map[string]string),
	}
	r.peers[p.id] = p
	rm.peerIDs[p.id] = struct{}{}
	if role == RoleHost {
		rm.hostPeerID = p.id
	}
	r.recomputeViewersLocked(rm)
	info := snapshotPeer(p)
	r.mu.Unlock()

	r.emit(events.PeerJoined, roomID, p.id, events.PeerJoinedData{
		UserID:   userID,
		Username: username,
		Role:     role.String(),
	})
	return info, nil
}

// UnregisterPeer removes the peer and closes its handles in order
// producers, consumers, transports. A host departure cascades to the
// whole room. A second call is a no-op returning ErrPeerNotFound.
func (r *Registry) UnregisterPeer(peerID string) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}

	if p.role == RoleHost {
		rm, ok := r.rooms[p.roomID]
		if ok {
			rem := r.removeRoomLocked(rm)
			// The departing host's own session initiated this;
			// don't evict it back.
			rem.evictIDs = withoutID(rem.evictIDs, peerID)
			r.mu.Unlock()
			r.finish(rem)
			return nil
		}
		// Room already gone; fall through to plain removal.
	}

	delete(r.peers, peerID)
	if rm, ok := r.rooms[p.roomID]; ok {
		delete(rm.peerIDs, peerID)
		r.recomputeViewersLocked(rm)
	}
	r.mu.Unlock()

	closePeerResources(p)
	r.emit(events.PeerLeft, p.roomID, peerID, events.PeerLeftData{
		UserID: p.userID,
		Role:   p.role.String(),
	})
	return nil
}

func withoutID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (r *Registry) recomputeViewersLocked(rm *room) {
	n := 0
	for id := range rm.peerIDs {
		if p, ok := r.peers[id]; ok && p.role == RoleViewer {
			n++
		}
	}
	rm.viewers = n
}

// Peer returns a snapshot of the peer.
func (r *Registry) Peer(peerID string) (PeerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return PeerInfo{}, ErrPeerNotFound
	}
	return snapshotPeer(p), nil
}

func snapshotPeer(p *peer) PeerInfo {
	return PeerInfo{
		ID:        p.id,
		RoomID:    p.roomID,
		UserID:    p.userID,
		Username:  p.username,
		Role:      p.role,
		CreatedAt: p.createdAt,
	}
}

// AttachTransport records a transport on the peer so destruction can
// close it. One transport per direction.
func (r *Registry) AttachTransport(peerID string, dir Direction, t worker.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return ErrPeerNotFound
	}
	switch dir {
	case DirectionSend:
		if p.send != nil {
			return ErrTransportExists
		}
		p.send = t
	case DirectionRecv:
		if p.recv != nil {
			return ErrTransportExists
		}
		p.recv = t
	}
	return nil
}

// AddProducer appends a producer to the peer in creation order.
func (r *Registry) AddProducer(peerID string, pr worker.Producer) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	p.producers = append(p.producers, pr)
	roomID := p.roomID
	r.mu.Unlock()

	r.emit(events.ProducerCreated, roomID, peerID, events.ProducerData{
		ProducerID: pr.ID(),
		Kind:       string(pr.Kind()),
	})
	return nil
}

// IsConsuming reports whether the peer already consumes the producer.
func (r *Registry) IsConsuming(peerID, producerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	if !ok {
		return false
	}
	_, dup := p.consumed[producerID]
	return dup
}

// AddConsumer records a consumer on the peer. At most one consumer
// per (peer, producer) pair.
func (r *Registry) AddConsumer(peerID, producerID string, c worker.Consumer) error {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	if _, dup := p.consumed[producerID]; dup {
		r.mu.Unlock()
		return ErrAlreadyConsuming
	}
	p.consumers = append(p.consumers, c)
	p.consumed[producerID] = c.ID()
	roomID := p.roomID
	r.mu.Unlock()

	r.emit(events.ConsumerCreated, roomID, peerID, events.ConsumerData{
		ConsumerID: c.ID(),
		ProducerID: producerID,
		Kind:       string(c.Kind()),
	})
	return nil
}

// HostProducers returns the room host's producers in creation order.
func (r *Registry) HostProducers(roomID string) ([]ProducerInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if rm.hostPeerID == "" {
		return nil, nil
	}
	host, ok := r.peers[rm.hostPeerID]
	if !ok {
		return nil, nil
	}
	infos := make([]ProducerInfo, 0, len(host.producers))
	for _, pr := range host.producers {
		infos = append(infos, ProducerInfo{ID: pr.ID(), Kind: string(pr.Kind())})
	}
	return infos, nil
}

// ViewerPeers returns snapshots of the room's viewer peers.
func (r *Registry) ViewerPeers(roomID string) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var out []PeerInfo
	for id := range rm.peerIDs {
		if p, ok := r.peers[id]; ok && p.role == RoleViewer {
			out = append(out, snapshotPeer(p))
		}
	}
	return out
}

// RoomPeerIDs returns the ids of every peer in the room.
func (r *Registry) RoomPeerIDs(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.peerIDs))
	for id := range rm.peerIDs {
		out = append(out, id)
	}
	return out
}

// StopAll destroys every room; used on shutdown. Returns the number
// of rooms stopped.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	var rems []removal
	for _, rm := range r.rooms {
		rems = append(rems, r.removeRoomLocked(rm))
	}
	r.mu.Unlock()

	for _, rem := range rems {
		r.finish(rem)
	}
	return len(rems)
}

// ReapIdle removes rooms that never got a host, or whose audience
// emptied out, once they are older than timeout. Returns the number
// of rooms reaped.
func (r *Registry) ReapIdle(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	var rems []removal
	for _, rm := range r.rooms {
		idle := rm.hostPeerID == "" || rm.viewers == 0
		if idle && now.Sub(rm.createdAt) > timeout {
			rems = append(rems, r.removeRoomLocked(rm))
		}
	}
	r.mu.Unlock()

	for _, rem := range rems {
		r.finish(rem)
	}
	return len(rems)
}
