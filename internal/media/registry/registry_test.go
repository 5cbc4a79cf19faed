package registry_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mediasoup "github.com/jiyeyuran/mediasoup-go"

	"github.com/onlylang/mediaserver/internal/media/registry"
	"github.com/onlylang/mediaserver/internal/media/worker"
)

// closeLog records close calls in order across fakes.
type closeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *closeLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *closeLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeRouter struct {
	log *closeLog
	id  string
}

func (f *fakeRouter) ID() string                                   { return f.id }
func (f *fakeRouter) RtpCapabilities() mediasoup.RtpCapabilities   { return mediasoup.RtpCapabilities{} }
func (f *fakeRouter) CanConsume(string, mediasoup.RtpCapabilities) bool { return true }
func (f *fakeRouter) Close()                                       { f.log.add("router:" + f.id) }

func (f *fakeRouter) CreateWebRTCTransport(worker.TransportOptions) (worker.Transport, error) {
	return &fakeTransport{log: f.log, id: "t-" + f.id}, nil
}

type fakeProvider struct {
	log *closeLog
	n   int
	err error
}

func (f *fakeProvider) CreateRouter(context.Context) (worker.Router, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.n++
	return &fakeRouter{log: f.log, id: itoa(f.n)}, nil
}

func itoa(n int) string {
	return string(rune('0' + n))
}

type fakeTransport struct {
	log *closeLog
	id  string
}

func (f *fakeTransport) ID() string                               { return f.id }
func (f *fakeTransport) IceParameters() mediasoup.IceParameters   { return mediasoup.IceParameters{} }
func (f *fakeTransport) IceCandidates() []mediasoup.IceCandidate  { return nil }
func (f *fakeTransport) DtlsParameters() mediasoup.DtlsParameters { return mediasoup.DtlsParameters{} }
func (f *fakeTransport) Connect(mediasoup.DtlsParameters) error   { return nil }
func (f *fakeTransport) Close()                                   { f.log.add("transport:" + f.id) }

func (f *fakeTransport) Produce(kind mediasoup.MediaKind, _ mediasoup.RtpParameters, _ mediasoup.H) (worker.Producer, error) {
	return &fakeProducer{log: f.log, id: "p-" + f.id, kind: kind}, nil
}

func (f *fakeTransport) Consume(producerID string, _ mediasoup.RtpCapabilities) (worker.Consumer, error) {
	return &fakeConsumer{log: f.log, id: "c-" + f.id, producerID: producerID}, nil
}

type fakeProducer struct {
	log  *closeLog
	id   string
	kind mediasoup.MediaKind
}

func (f *fakeProducer) ID() string                { return f.id }
func (f *fakeProducer) Kind() mediasoup.MediaKind { return f.kind }
func (f *fakeProducer) Close()                    { f.log.add("producer:" + f.id) }

type fakeConsumer struct {
	log        *closeLog
	id         string
	producerID string
}

func (f *fakeConsumer) ID() string                              { return f.id }
func (f *fakeConsumer) Kind() mediasoup.MediaKind               { return mediasoup.MediaKind_Video }
func (f *fakeConsumer) ProducerID() string                      { return f.producerID }
func (f *fakeConsumer) RtpParameters() mediasoup.RtpParameters  { return mediasoup.RtpParameters{} }
func (f *fakeConsumer) Close()                                  { f.log.add("consumer:" + f.id) }

func newRegistry(t *testing.T, cfg registry.Config) (*registry.Registry, *closeLog) {
	t.Helper()
	log := &closeLog{}
	return registry.New(cfg, &fakeProvider{log: log}, nil), log
}

func TestCreateRoomAllocatesID(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})

	id, err := reg.CreateRoom(context.Background(), "post1", "user1")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if !strings.HasPrefix(id, "room_") {
		t.Errorf("room id = %q, want room_ prefix", id)
	}
	if _, err := reg.Router(id); err != nil {
		t.Errorf("Router: %v", err)
	}
}

func TestCreateRoomCapacity(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{MaxRooms: 1, MaxViewersPerRoom: 10})

	first, err := reg.CreateRoom(context.Background(), "p", "u")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if _, err := reg.CreateRoom(context.Background(), "p", "u"); !errors.Is(err, registry.ErrCapacity) {
		t.Errorf("second CreateRoom error = %v, want ErrCapacity", err)
	}

	if err := reg.StopRoom(first); err != nil {
		t.Fatalf("StopRoom: %v", err)
	}
	if _, err := reg.CreateRoom(context.Background(), "p", "u"); err != nil {
		t.Errorf("CreateRoom after stop: %v", err)
	}
}

func TestStopRoomIdempotent(t *testing.T) {
	reg, log := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})

	id, _ := reg.CreateRoom(context.Background(), "p", "u")
	if err := reg.StopRoom(id); err != nil {
		t.Fatalf("StopRoom: %v", err)
	}
	if err := reg.StopRoom(id); !errors.Is(err, registry.ErrRoomNotFound) {
		t.Errorf("second StopRoom error = %v, want ErrRoomNotFound", err)
	}

	closes := 0
	for _, e := range log.all() {
		if strings.HasPrefix(e, "router:") {
			closes++
		}
	}
	if closes != 1 {
		t.Errorf("router closed %d times, want 1", closes)
	}
}

func TestRegisterPeerRules(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 1})
	id, _ := reg.CreateRoom(context.Background(), "p", "u")

	if _, err := reg.RegisterPeer("room_missing", "u", "n", registry.RoleViewer); !errors.Is(err, registry.ErrRoomNotFound) {
		t.Errorf("missing room error = %v, want ErrRoomNotFound", err)
	}

	if _, err := reg.RegisterPeer(id, "h", "host", registry.RoleHost); err != nil {
		t.Fatalf("host join: %v", err)
	}
	if _, err := reg.RegisterPeer(id, "h2", "host2", registry.RoleHost); !errors.Is(err, registry.ErrHostPresent) {
		t.Errorf("second host error = %v, want ErrHostPresent", err)
	}

	if _, err := reg.RegisterPeer(id, "v1", "v", registry.RoleViewer); err != nil {
		t.Fatalf("viewer join: %v", err)
	}
	if _, err := reg.RegisterPeer(id, "v2", "v", registry.RoleViewer); !errors.Is(err, registry.ErrRoomFull) {
		t.Errorf("over-cap viewer error = %v, want ErrRoomFull", err)
	}

	stats, err := reg.RoomStats(id)
	if err != nil {
		t.Fatalf("RoomStats: %v", err)
	}
	if stats.ViewerCount != 1 {
		t.Errorf("viewer count = %d, want 1", stats.ViewerCount)
	}
	if !stats.HasHost {
		t.Error("has_host = false, want true")
	}
}

func TestUnregisterPeerCloseOrder(t *testing.T) {
	reg, log := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})
	id, _ := reg.CreateRoom(context.Background(), "p", "u")
	viewer, _ := reg.RegisterPeer(id, "v", "v", registry.RoleViewer)

	tr := &fakeTransport{log: log, id: "recv"}
	if err := reg.AttachTransport(viewer.ID, registry.DirectionRecv, tr); err != nil {
		t.Fatalf("AttachTransport: %v", err)
	}
	cons, _ := tr.Consume("prod1", mediasoup.RtpCapabilities{})
	if err := reg.AddConsumer(viewer.ID, "prod1", cons); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}

	if err := reg.UnregisterPeer(viewer.ID); err != nil {
		t.Fatalf("UnregisterPeer: %v", err)
	}
	if err := reg.UnregisterPeer(viewer.ID); !errors.Is(err, registry.ErrPeerNotFound) {
		t.Errorf("second UnregisterPeer error = %v, want ErrPeerNotFound", err)
	}

	got := log.all()
	want := []string{"consumer:c-recv", "transport:recv"}
	if len(got) != len(want) {
		t.Fatalf("close log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("close log = %v, want %v", got, want)
		}
	}
}

func TestHostDepartureCascades(t *testing.T) {
	reg, log := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})
	id, _ := reg.CreateRoom(context.Background(), "p", "u")
	host, _ := reg.RegisterPeer(id, "h", "h", registry.RoleHost)
	viewer, _ := reg.RegisterPeer(id, "v", "v", registry.RoleViewer)

	var evicted []string
	reg.SetEvictionHandler(func(peerID string) { evicted = append(evicted, peerID) })

	sendT := &fakeTransport{log: log, id: "send"}
	reg.AttachTransport(host.ID, registry.DirectionSend, sendT)
	prod, _ := sendT.Produce(mediasoup.MediaKind_Audio, mediasoup.RtpParameters{}, nil)
	reg.AddProducer(host.ID, prod)

	if err := reg.UnregisterPeer(host.ID); err != nil {
		t.Fatalf("UnregisterPeer(host): %v", err)
	}

	if _, err := reg.RoomStats(id); !errors.Is(err, registry.ErrRoomNotFound) {
		t.Errorf("RoomStats after cascade error = %v, want ErrRoomNotFound", err)
	}
	if _, err := reg.Peer(viewer.ID); !errors.Is(err, registry.ErrPeerNotFound) {
		t.Errorf("viewer still present after cascade")
	}

	if len(evicted) != 1 || evicted[0] != viewer.ID {
		t.Errorf("evicted = %v, want [%s]", evicted, viewer.ID)
	}

	// Producer must close before the host's transport, router last.
	got := log.all()
	idx := func(s string) int {
		for i, e := range got {
			if e == s {
				return i
			}
		}
		return -1
	}
	if !(idx("producer:p-send") < idx("transport:send") && idx("transport:send") < idx("router:1")) {
		t.Errorf("close order = %v, want producer before transport before router", got)
	}
}

func TestAddConsumerDuplicate(t *testing.T) {
	reg, log := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})
	id, _ := reg.CreateRoom(context.Background(), "p", "u")
	viewer, _ := reg.RegisterPeer(id, "v", "v", registry.RoleViewer)

	tr := &fakeTransport{log: log, id: "recv"}
	reg.AttachTransport(viewer.ID, registry.DirectionRecv, tr)

	c1, _ := tr.Consume("prod1", mediasoup.RtpCapabilities{})
	if err := reg.AddConsumer(viewer.ID, "prod1", c1); err != nil {
		t.Fatalf("AddConsumer: %v", err)
	}
	if !reg.IsConsuming(viewer.ID, "prod1") {
		t.Error("IsConsuming = false after AddConsumer")
	}

	c2, _ := tr.Consume("prod1", mediasoup.RtpCapabilities{})
	if err := reg.AddConsumer(viewer.ID, "prod1", c2); !errors.Is(err, registry.ErrAlreadyConsuming) {
		t.Errorf("duplicate AddConsumer error = %v, want ErrAlreadyConsuming", err)
	}
}

func TestAttachTransportDuplicate(t *testing.T) {
	reg, log := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})
	id, _ := reg.CreateRoom(context.Background(), "p", "u")
	viewer, _ := reg.RegisterPeer(id, "v", "v", registry.RoleViewer)

	if err := reg.AttachTransport(viewer.ID, registry.DirectionRecv, &fakeTransport{log: log, id: "a"}); err != nil {
		t.Fatalf("AttachTransport: %v", err)
	}
	if err := reg.AttachTransport(viewer.ID, registry.DirectionRecv, &fakeTransport{log: log, id: "b"}); !errors.Is(err, registry.ErrTransportExists) {
		t.Errorf("duplicate AttachTransport error = %v, want ErrTransportExists", err)
	}
}

func TestHostProducersOrder(t *testing.T) {
	reg, log := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})
	id, _ := reg.CreateRoom(context.Background(), "p", "u")
	host, _ := reg.RegisterPeer(id, "h", "h", registry.RoleHost)

	audio := &fakeProducer{log: log, id: "audio", kind: mediasoup.MediaKind_Audio}
	video := &fakeProducer{log: log, id: "video", kind: mediasoup.MediaKind_Video}
	reg.AddProducer(host.ID, audio)
	reg.AddProducer(host.ID, video)

	infos, err := reg.HostProducers(id)
	if err != nil {
		t.Fatalf("HostProducers: %v", err)
	}
	if len(infos) != 2 || infos[0].ID != "audio" || infos[1].ID != "video" {
		t.Errorf("producers = %v, want [audio video] in creation order", infos)
	}
}

func TestReapIdle(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})

	hostless, _ := reg.CreateRoom(context.Background(), "p1", "u1")
	active, _ := reg.CreateRoom(context.Background(), "p2", "u2")
	reg.RegisterPeer(active, "h", "h", registry.RoleHost)
	reg.RegisterPeer(active, "v", "v", registry.RoleViewer)
	audienceless, _ := reg.CreateRoom(context.Background(), "p3", "u3")
	lonelyHost, _ := reg.RegisterPeer(audienceless, "h3", "h3", registry.RoleHost)

	timeout := 5 * time.Minute

	// Young rooms survive.
	if n := reg.ReapIdle(time.Now(), timeout); n != 0 {
		t.Errorf("reaped %d young rooms, want 0", n)
	}

	// Past the timeout the hostless room and the room whose audience
	// never showed up both go; the watched one stays.
	future := time.Now().Add(timeout + time.Second)
	if n := reg.ReapIdle(future, timeout); n != 2 {
		t.Errorf("reaped %d rooms, want 2", n)
	}
	if _, err := reg.RoomStats(hostless); !errors.Is(err, registry.ErrRoomNotFound) {
		t.Errorf("hostless room survived the reaper")
	}
	if _, err := reg.RoomStats(audienceless); !errors.Is(err, registry.ErrRoomNotFound) {
		t.Errorf("viewerless room survived the reaper")
	}
	if _, err := reg.Peer(lonelyHost.ID); !errors.Is(err, registry.ErrPeerNotFound) {
		t.Errorf("host of the reaped room is still registered")
	}
	if _, err := reg.RoomStats(active); err != nil {
		t.Errorf("watched room reaped: %v", err)
	}
}

func TestServerStats(t *testing.T) {
	reg, _ := newRegistry(t, registry.Config{MaxRooms: 10, MaxViewersPerRoom: 10})

	r1, _ := reg.CreateRoom(context.Background(), "p1", "u1")
	reg.CreateRoom(context.Background(), "p2", "u2")
	reg.RegisterPeer(r1, "h", "h", registry.RoleHost)
	reg.RegisterPeer(r1, "v1", "v", registry.RoleViewer)
	reg.RegisterPeer(r1, "v2", "v", registry.RoleViewer)

	s := reg.ServerStats()
	if s.TotalRooms != 2 {
		t.Errorf("total rooms = %d, want 2", s.TotalRooms)
	}
	if s.ActiveRooms != 1 {
		t.Errorf("active rooms = %d, want 1", s.ActiveRooms)
	}
	if s.TotalPeers != 3 {
		t.Errorf("total peers = %d, want 3", s.TotalPeers)
	}
	if s.TotalViewers != 2 {
		t.Errorf("total viewers = %d, want 2", s.TotalViewers)
	}
	if s.TotalHosts != 1 {
		t.Errorf("total hosts = %d, want 1", s.TotalHosts)
	}
	if len(s.Rooms) != 2 {
		t.Errorf("rooms array length = %d, want 2", len(s.Rooms))
	}
}
