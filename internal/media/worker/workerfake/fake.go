// Package workerfake provides an in-memory media engine for tests. It
// implements the worker interfaces without spawning subprocesses and
// records enough state to assert on lifecycle behavior.
package workerfake

import (
	"errors"
	"fmt"
	"sync"

	mediasoup "github.com/jiyeyuran/mediasoup-go"

	"github.com/onlylang/mediaserver/internal/media/worker"
)

// Engine is a fake worker.Engine. The zero value is ready to use.
type Engine struct {
	mu      sync.Mutex
	seq     int
	workers []*Worker

	// SpawnErr, when set, makes the next Spawn fail.
	SpawnErr error
}

func (e *Engine) Spawn() (worker.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SpawnErr != nil {
		err := e.SpawnErr
		e.SpawnErr = nil
		return nil, err
	}
	e.seq++
	w := &Worker{engine: e, id: fmt.Sprintf("worker-%d", e.seq)}
	e.workers = append(e.workers, w)
	return w, nil
}

// Workers returns every worker spawned so far.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

func (e *Engine) nextID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

// Worker is a fake media worker.
type Worker struct {
	engine *Engine
	id     string

	mu      sync.Mutex
	closed  bool
	onDied  func(err error)
	routers []*Router

	// RouterErr, when set, makes the next CreateRouter fail.
	RouterErr error
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(opts worker.RouterOptions) (worker.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, errors.New("worker closed")
	}
	if w.RouterErr != nil {
		err := w.RouterErr
		w.RouterErr = nil
		return nil, err
	}
	r := &Router{
		engine: w.engine,
		id:     w.engine.nextID("router"),
		codecs: opts.MediaCodecs,
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *Worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	w.onDied = fn
	w.mu.Unlock()
}

// Die simulates unexpected worker death: the worker is marked closed
// and the died callback fires.
func (w *Worker) Die(err error) {
	w.mu.Lock()
	w.closed = true
	fn := w.onDied
	w.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// RouterCount returns how many routers this worker hosts.
func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.routers)
}

// Router is a fake router.
type Router struct {
	engine *Engine
	id     string
	codecs []*mediasoup.RtpCodecCapability

	mu         sync.Mutex
	closed     bool
	transports []*Transport

	// CannotConsume, when true, makes CanConsume return false.
	CannotConsume bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() mediasoup.RtpCapabilities {
	return mediasoup.RtpCapabilities{Codecs: r.codecs}
}

func (r *Router) CreateWebRTCTransport(opts worker.TransportOptions) (worker.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("router closed")
	}
	t := &Transport{
		engine: r.engine,
		id:     r.engine.nextID("transport"),
		opts:   opts,
	}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CanConsume(producerID string, caps mediasoup.RtpCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.CannotConsume
}

func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Router) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport is a fake WebRTC transport.
type Transport struct {
	engine *Engine
	id     string
	opts   worker.TransportOptions

	mu        sync.Mutex
	closed    bool
	connected bool

	// ConnectErr/ProduceErr/ConsumeErr, when set, fail the next
	// corresponding call.
	ConnectErr error
	ProduceErr error
	ConsumeErr error
}

func (t *Transport) ID() string { return t.id }

// Options returns the options the transport was created with.
func (t *Transport) Options() worker.TransportOptions { return t.opts }

func (t *Transport) IceParameters() mediasoup.IceParameters {
	return mediasoup.IceParameters{
		UsernameFragment: "ufrag-" + t.id,
		Password:         "pwd-" + t.id,
	}
}

func (t *Transport) IceCandidates() []mediasoup.IceCandidate {
	return []mediasoup.IceCandidate{
		{Foundation: "udpcandidate", Ip: "127.0.0.1", Port: 40000, Protocol: mediasoup.TransportProtocol_Udp},
	}
}

func (t *Transport) DtlsParameters() mediasoup.DtlsParameters {
	return mediasoup.DtlsParameters{Role: mediasoup.DtlsRole_Auto}
}

func (t *Transport) Connect(dtls mediasoup.DtlsParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if t.ConnectErr != nil {
		err := t.ConnectErr
		t.ConnectErr = nil
		return err
	}
	t.connected = true
	return nil
}

// Connected reports whether Connect has been called.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(kind mediasoup.MediaKind, rtp mediasoup.RtpParameters, appData mediasoup.H) (worker.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	if !t.connected {
		return nil, errors.New("transport not connected")
	}
	if t.ProduceErr != nil {
		err := t.ProduceErr
		t.ProduceErr = nil
		return nil, err
	}
	return &Producer{id: t.engine.nextID("producer"), kind: kind}, nil
}

func (t *Transport) Consume(producerID string, caps mediasoup.RtpCapabilities) (worker.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	if !t.connected {
		return nil, errors.New("transport not connected")
	}
	if t.ConsumeErr != nil {
		err := t.ConsumeErr
		t.ConsumeErr = nil
		return nil, err
	}
	return &Consumer{
		id:         t.engine.nextID("consumer"),
		kind:       mediasoup.MediaKind_Video,
		producerID: producerID,
	}, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Producer is a fake producer.
type Producer struct {
	id   string
	kind mediasoup.MediaKind

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() string                { return p.id }
func (p *Producer) Kind() mediasoup.MediaKind { return p.kind }

func (p *Producer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Producer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer is a fake consumer.
type Consumer struct {
	id         string
	kind       mediasoup.MediaKind
	producerID string

	mu     sync.Mutex
	closed bool
}

func (c *Consumer) ID() string                { return c.id }
func (c *Consumer) Kind() mediasoup.MediaKind { return c.kind }
func (c *Consumer) ProducerID() string        { return c.producerID }

func (c *Consumer) RtpParameters() mediasoup.RtpParameters {
	return mediasoup.RtpParameters{Mid: "0"}
}

func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Consumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
