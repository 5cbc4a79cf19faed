package signal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onlylang/mediaserver/internal/media/registry"
	"github.com/onlylang/mediaserver/internal/media/worker"
)

// sessionState labels the peer's progress through signaling. The
// machine only moves forward, except that any state can jump to
// closed.
type sessionState int

const (
	stateRegistered sessionState = iota
	stateCapabilitiesReady
	stateTransportsRequested
	stateTransportsConnected
	stateStreaming
	stateClosed
)

const (
	outboxSize   = 32
	writeTimeout = 10 * time.Second
)

// peerTransport pairs a live transport with the reply it was announced
// with, so a duplicate get_transport returns identical parameters.
type peerTransport struct {
	t         worker.Transport
	reply     transportCreatedData
	connected bool
}

// session drives one WebSocket connection. The read loop decodes and
// handles frames sequentially; a write pump owns the socket's write
// side. Fan-out and broadcasts enqueue onto the outbox.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	peer   registry.PeerInfo
	router worker.Router

	outbox chan outFrame
	done   chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// state and transports are touched only by the read loop.
	state      sessionState
	transports map[registry.Direction]*peerTransport
}

func newSession(srv *Server, conn *websocket.Conn, peer registry.PeerInfo, router worker.Router) *session {
	return &session{
		srv:        srv,
		conn:       conn,
		peer:       peer,
		router:     router,
		outbox:     make(chan outFrame, outboxSize),
		done:       make(chan struct{}),
		state:      stateRegistered,
		transports: make(map[registry.Direction]*peerTransport),
	}
}

// send enqueues a frame unless the session is closing. A full outbox
// means the peer stopped draining its socket; the session is closed
// rather than blocking the sender (fan-out runs on the host's read
// loop, so one stalled viewer must not stall the room).
func (s *session) send(f outFrame) {
	select {
	case s.outbox <- f:
	case <-s.done:
	default:
		s.close(websocket.CloseInternalServerErr, "outbox overflow")
	}
}

func (s *session) sendErr(code, message string) {
	s.send(errorFrame(code, message))
}

// close requests shutdown with the given close code. First caller
// wins; the write pump delivers the close frame.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// run blocks until the session ends, then tears the peer down.
func (s *session) run() {
	go s.writePump()
	s.readLoop()
	s.close(websocket.CloseNormalClosure, "")
	s.state = stateClosed

	// Unregister cascades for hosts; a peer already evicted by the
	// registry comes back not-found, which is fine.
	if err := s.srv.reg.UnregisterPeer(s.peer.ID); err != nil && !errors.Is(err, registry.ErrPeerNotFound) {
		slog.Warn("unregister peer", slog.String("peer_id", s.peer.ID), slog.String("error", err.Error()))
	}
	s.srv.removeSession(s)
}

func (s *session) readLoop() {
	idle := s.srv.idleTimeout
	for {
		if idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(idle))
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := decodeClientMessage(raw)
		if err != nil {
			s.sendErr(codeValidation, err.Error())
			continue
		}
		if !s.handle(msg) {
			return
		}

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case f := <-s.outbox:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-s.done:
			// Flush what the handlers already queued.
			for {
				select {
				case f := <-s.outbox:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					_ = s.conn.WriteJSON(f)
					continue
				default:
				}
				break
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeReason))
			return
		}
	}
}

// handle dispatches one decoded message. Returns false when the
// session must stop reading.
func (s *session) handle(msg clientMessage) bool {
	switch m := msg.(type) {
	case getRouterRtpCapabilities:
		s.handleGetRouterRtpCapabilities()
	case getTransport:
		s.handleGetTransport(m)
	case connectTransport:
		return s.handleConnectTransport(m)
	case produce:
		return s.handleProduce(m)
	case consume:
		return s.handleConsume(m)
	case leave:
		s.close(websocket.CloseNormalClosure, "leave")
		return false
	}
	return true
}

func (s *session) handleGetRouterRtpCapabilities() {
	s.send(outFrame{Type: msgRouterRtpCapabilities, Data: routerRtpCapabilitiesData{
		RouterRtpCapabilities: s.router.RtpCapabilities(),
	}})
	if s.state == stateRegistered {
		s.state = stateCapabilitiesReady
	}
}

// directionAllowed enforces host=send, viewer=recv.
func (s *session) directionAllowed(dir registry.Direction) bool {
	switch s.peer.Role {
	case registry.RoleHost:
		return dir == registry.DirectionSend
	case registry.RoleViewer:
		return dir == registry.DirectionRecv
	}
	return false
}

func (s *session) handleGetTransport(m getTransport) {
	if s.state < stateCapabilitiesReady {
		s.sendErr(codeStateError, "get_transport before router capabilities were requested")
		return
	}
	if !s.directionAllowed(m.Direction) {
		s.sendErr(codeRoleMismatch, s.peer.Role.String()+" cannot allocate a "+m.Direction.String()+" transport")
		return
	}

	if pt, ok := s.transports[m.Direction]; ok {
		s.send(outFrame{Type: msgTransportCreated, Data: pt.reply})
		return
	}

	t, err := s.srv.transports.CreateWebRTCTransport(context.Background(), s.router)
	if err != nil {
		slog.Error("create transport", slog.String("peer_id", s.peer.ID), slog.String("error", err.Error()))
		s.sendErr(codeMediaWorker, "transport allocation failed")
		return
	}
	if err := s.srv.reg.AttachTransport(s.peer.ID, m.Direction, t); err != nil {
		t.Close()
		s.sendErr(codeStateError, err.Error())
		return
	}

	pt := &peerTransport{
		t: t,
		reply: transportCreatedData{
			Direction:      m.Direction.String(),
			TransportID:    t.ID(),
			IceParameters:  t.IceParameters(),
			IceCandidates:  t.IceCandidates(),
			DtlsParameters: t.DtlsParameters(),
		},
	}
	s.transports[m.Direction] = pt
	s.send(outFrame{Type: msgTransportCreated, Data: pt.reply})
	if s.state < stateTransportsRequested {
		s.state = stateTransportsRequested
	}
}

func (s *session) handleConnectTransport(m connectTransport) bool {
	if !s.directionAllowed(m.Direction) {
		s.sendErr(codeRoleMismatch, s.peer.Role.String()+" has no "+m.Direction.String()+" transport")
		return true
	}
	pt, ok := s.transports[m.Direction]
	if !ok {
		s.sendErr(codeTransportNotReady, "no "+m.Direction.String()+" transport allocated")
		return true
	}
	if pt.connected {
		s.send(outFrame{Type: msgTransportConnected, Data: transportConnectedData{Direction: m.Direction.String()}})
		return true
	}

	if err := pt.t.Connect(m.DtlsParameters); err != nil {
		slog.Error("connect transport", slog.String("peer_id", s.peer.ID), slog.String("error", err.Error()))
		s.sendErr(codeMediaWorker, "transport connect failed")
		return true
	}
	pt.connected = true
	if s.state < stateTransportsConnected {
		s.state = stateTransportsConnected
	}
	s.send(outFrame{Type: msgTransportConnected, Data: transportConnectedData{Direction: m.Direction.String()}})

	// A viewer with a connected receive transport is ready for
	// fan-out; queued producer notifications drain behind the
	// confirmation above.
	if s.peer.Role == registry.RoleViewer && m.Direction == registry.DirectionRecv {
		s.srv.coord.OnViewerReady(s.peer.ID)
	}
	return true
}

func (s *session) handleProduce(m produce) bool {
	if s.peer.Role != registry.RoleHost {
		s.sendErr(codeRoleMismatch, "only the host can produce")
		return true
	}
	pt, ok := s.transports[registry.DirectionSend]
	if !ok || !pt.connected {
		s.sendErr(codeTransportNotReady, "send transport not connected")
		return true
	}

	producer, err := pt.t.Produce(m.Kind, m.RtpParameters, m.AppData)
	if err != nil {
		slog.Error("produce", slog.String("peer_id", s.peer.ID), slog.String("error", err.Error()))
		s.close(websocket.CloseInternalServerErr, "produce failed")
		return false
	}
	if err := s.srv.reg.AddProducer(s.peer.ID, producer); err != nil {
		producer.Close()
		s.sendErr(codeNotFound, err.Error())
		return true
	}

	s.state = stateStreaming
	s.send(outFrame{Type: msgProduced, Data: producedData{
		ProducerID: producer.ID(),
		Kind:       string(producer.Kind()),
	}})
	s.srv.coord.OnNewProducer(s.peer.RoomID, producer.ID(), string(producer.Kind()))
	return true
}

func (s *session) handleConsume(m consume) bool {
	if s.peer.Role != registry.RoleViewer {
		s.sendErr(codeRoleMismatch, "only viewers can consume")
		return true
	}
	pt, ok := s.transports[registry.DirectionRecv]
	if !ok || !pt.connected {
		s.sendErr(codeTransportNotReady, "recv transport not connected")
		return true
	}
	if s.srv.reg.IsConsuming(s.peer.ID, m.ProducerID) {
		s.sendErr(codeAlreadyConsuming, "already consuming "+m.ProducerID)
		return true
	}
	if !s.router.CanConsume(m.ProducerID, m.RtpCapabilities) {
		s.sendErr(codeMediaWorker, "producer not consumable with given capabilities")
		return true
	}

	consumer, err := pt.t.Consume(m.ProducerID, m.RtpCapabilities)
	if err != nil {
		slog.Error("consume", slog.String("peer_id", s.peer.ID), slog.String("error", err.Error()))
		s.close(websocket.CloseInternalServerErr, "consume failed")
		return false
	}
	if err := s.srv.reg.AddConsumer(s.peer.ID, m.ProducerID, consumer); err != nil {
		consumer.Close()
		if errors.Is(err, registry.ErrAlreadyConsuming) {
			s.sendErr(codeAlreadyConsuming, "already consuming "+m.ProducerID)
		} else {
			s.sendErr(codeNotFound, err.Error())
		}
		return true
	}

	s.state = stateStreaming
	s.send(outFrame{Type: msgConsumed, Data: consumedData{
		ConsumerID:    consumer.ID(),
		ProducerID:    m.ProducerID,
		Kind:          string(consumer.Kind()),
		RtpParameters: consumer.RtpParameters(),
	}})
	return true
}
