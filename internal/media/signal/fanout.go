package signal

import (
	"sync"

	"github.com/onlylang/mediaserver/internal/media/registry"
)

// notification is one pending or delivered new_producer message.
type notification struct {
	producerID string
	kind       string
}

// Coordinator fans producer announcements out to viewers. A viewer
// whose receive transport is not yet connected has its notifications
// queued and drained, in insertion order, when it becomes ready.
// Each (viewer, producer) pair is announced at most once per viewer
// session.
type Coordinator struct {
	reg    *registry.Registry
	notify func(peerID, producerID, kind string)

	mu       sync.Mutex
	ready    map[string]bool
	notified map[string]map[string]struct{}
	pending  map[string][]notification
}

// NewCoordinator wires the coordinator to the registry and a delivery
// function.
func NewCoordinator(reg *registry.Registry, notify func(peerID, producerID, kind string)) *Coordinator {
	return &Coordinator{
		reg:      reg,
		notify:   notify,
		ready:    make(map[string]bool),
		notified: make(map[string]map[string]struct{}),
		pending:  make(map[string][]notification),
	}
}

// markLocked records the pair and reports whether it was new.
func (c *Coordinator) markLocked(peerID, producerID string) bool {
	set, ok := c.notified[peerID]
	if !ok {
		set = make(map[string]struct{})
		c.notified[peerID] = set
	}
	if _, dup := set[producerID]; dup {
		return false
	}
	set[producerID] = struct{}{}
	return true
}

// OnNewProducer announces a fresh producer to every viewer in the
// room: immediately to ready viewers, queued for the rest.
func (c *Coordinator) OnNewProducer(roomID, producerID, kind string) {
	viewers := c.reg.ViewerPeers(roomID)

	type delivery struct {
		peerID string
		n      notification
	}
	var out []delivery

	c.mu.Lock()
	for _, v := range viewers {
		if !c.markLocked(v.ID, producerID) {
			continue
		}
		n := notification{producerID: producerID, kind: kind}
		if c.ready[v.ID] {
			out = append(out, delivery{peerID: v.ID, n: n})
		} else {
			c.pending[v.ID] = append(c.pending[v.ID], n)
		}
	}
	c.mu.Unlock()

	for _, d := range out {
		c.notify(d.peerID, d.n.producerID, d.n.kind)
	}
}

// OnViewerReady marks the viewer's receive transport connected and
// delivers everything it missed: queued announcements first, then any
// host producers that predate the viewer, in creation order.
func (c *Coordinator) OnViewerReady(peerID string) {
	peer, err := c.reg.Peer(peerID)
	if err != nil {
		return
	}
	existing, err := c.reg.HostProducers(peer.RoomID)
	if err != nil {
		return
	}

	var out []notification

	c.mu.Lock()
	c.ready[peerID] = true
	out = append(out, c.pending[peerID]...)
	delete(c.pending, peerID)
	for _, pr := range existing {
		if c.markLocked(peerID, pr.ID) {
			out = append(out, notification{producerID: pr.ID, kind: pr.Kind})
		}
	}
	c.mu.Unlock()

	for _, n := range out {
		c.notify(peerID, n.producerID, n.kind)
	}
}

// DropViewer discards all bookkeeping for a departed viewer.
func (c *Coordinator) DropViewer(peerID string) {
	c.mu.Lock()
	delete(c.ready, peerID)
	delete(c.notified, peerID)
	delete(c.pending, peerID)
	c.mu.Unlock()
}
