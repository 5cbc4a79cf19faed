package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	mediasoup "github.com/jiyeyuran/mediasoup-go"
)

// ErrAllWorkersDead is returned when no live worker can host a router.
var ErrAllWorkersDead = errors.New("all media workers are dead")

// PoolConfig sizes the pool and carries the transport defaults derived
// from the server configuration.
type PoolConfig struct {
	// NumWorkers defaults to max(1, NumCPU-1).
	NumWorkers int

	AnnouncedIP string

	// InitialOutgoingBitrate is derived from the configured video
	// target bitrate, MaxIncomingBitrate from the video max.
	InitialOutgoingBitrate uint32
	MaxIncomingBitrate     uint32

	MediaCodecs []*mediasoup.RtpCodecCapability
}

// Pool owns a fixed set of media workers and round-robins router
// creation across them. Worker death is fatal: the registered fatal
// handler is invoked and the process is expected to exit.
type Pool struct {
	mu      sync.Mutex
	workers []Worker
	next    int
	closed  bool

	cfg PoolConfig

	fatalMu sync.Mutex
	onFatal func(err error)
}

// NewPool spawns the workers. It fails if any worker cannot be
// spawned; a partially started pool is torn down.
func NewPool(cfg PoolConfig, engine Engine) (*Pool, error) {
	n := cfg.NumWorkers
	if n <= 0 {
		n = runtime.NumCPU() - 1
		if n < 1 {
			n = 1
		}
	}

	p := &Pool{cfg: cfg}

	for i := 0; i < n; i++ {
		w, err := engine.Spawn()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("spawn media worker %d/%d: %w", i+1, n, err)
		}
		w.OnDied(p.workerDied)
		p.workers = append(p.workers, w)
	}

	slog.Info("media worker pool started", slog.Int("workers", n))
	return p, nil
}

// SetFatalHandler registers the supervisor callback invoked on worker
// death.
func (p *Pool) SetFatalHandler(fn func(err error)) {
	p.fatalMu.Lock()
	p.onFatal = fn
	p.fatalMu.Unlock()
}

// Size returns the number of workers spawned.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// CreateRouter allocates a router on the next live worker in
// round-robin order.
func (p *Pool) CreateRouter(_ context.Context) (Router, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrAllWorkersDead
	}

	for i := 0; i < len(p.workers); i++ {
		w := p.workers[p.next%len(p.workers)]
		p.next++
		if w.Closed() {
			continue
		}
		return w.CreateRouter(RouterOptions{MediaCodecs: p.cfg.MediaCodecs})
	}

	return nil, ErrAllWorkersDead
}

// CreateWebRTCTransport creates a transport on the given router using
// the pool's configured announced IP and bitrate caps.
func (p *Pool) CreateWebRTCTransport(_ context.Context, router Router) (Transport, error) {
	return router.CreateWebRTCTransport(TransportOptions{
		AnnouncedIP:                     p.cfg.AnnouncedIP,
		InitialAvailableOutgoingBitrate: p.cfg.InitialOutgoingBitrate,
		MaxIncomingBitrate:              p.cfg.MaxIncomingBitrate,
	})
}

// Close shuts down every worker. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
}

// workerDied handles unexpected worker death. Callers never see a
// per-operation "worker died" error; the process terminates instead.
func (p *Pool) workerDied(err error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	slog.Error("media worker died", slog.String("error", err.Error()))

	p.fatalMu.Lock()
	fn := p.onFatal
	p.fatalMu.Unlock()
	if fn != nil {
		fn(err)
	}
}
