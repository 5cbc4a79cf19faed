// Package runtime boots and supervises the server: worker pool,
// registry, control plane, and signaling, in that order, with strict
// reverse-order shutdown.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/onlylang/mediaserver/config"
	"github.com/onlylang/mediaserver/internal/media/api"
	"github.com/onlylang/mediaserver/internal/media/registry"
	"github.com/onlylang/mediaserver/internal/media/signal"
	"github.com/onlylang/mediaserver/internal/media/worker"
	"github.com/onlylang/mediaserver/pkg/events"
)

const (
	reapInterval      = 30 * time.Second
	httpReadTimeout   = 30 * time.Second
	shutdownTimeout   = 10 * time.Second
	defaultFatalGrace = 2 * time.Second
)

// Options tune the supervisor; zero values pick production defaults.
type Options struct {
	// Engine spawns media workers; defaults to the mediasoup engine.
	Engine worker.Engine

	// Exit terminates the process on fatal errors; defaults to
	// os.Exit.
	Exit func(code int)

	// FatalGrace is the delay before Exit, letting logs flush.
	FatalGrace time.Duration

	// ConfigPath, when set, is watched for changes (log-only; a
	// restart applies them).
	ConfigPath string
}

// Supervisor owns the component lifecycle.
type Supervisor struct {
	cfg  *config.Config
	bus  *events.Bus
	opts Options

	mu            sync.Mutex
	controlAddr   string
	signalingAddr string
}

// New creates a supervisor.
func New(cfg *config.Config, bus *events.Bus, opts Options) *Supervisor {
	if opts.Engine == nil {
		opts.Engine = worker.NewMediasoupEngine()
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.FatalGrace <= 0 {
		opts.FatalGrace = defaultFatalGrace
	}
	return &Supervisor{cfg: cfg, bus: bus, opts: opts}
}

// ControlAddr returns the bound control-plane address once Run has
// started listening.
func (s *Supervisor) ControlAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlAddr
}

// SignalingAddr returns the bound signaling address once Run has
// started listening.
func (s *Supervisor) SignalingAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalingAddr
}

// Run boots everything and blocks until ctx is cancelled, then shuts
// down in reverse order: signaling, control plane, rooms, workers.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.cfg

	pool, err := worker.NewPool(worker.PoolConfig{
		AnnouncedIP:            cfg.AnnouncedIP,
		InitialOutgoingBitrate: uint32(cfg.Video.TargetBitrateKbps) * 1000,
		MaxIncomingBitrate:     uint32(cfg.Video.MaxBitrateKbps) * 1000,
		MediaCodecs:            worker.MediaCodecs(cfg.Audio),
	}, s.opts.Engine)
	if err != nil {
		return err
	}
	pool.SetFatalHandler(s.fatalWorker)

	reg := registry.New(registry.Config{
		MaxRooms:          cfg.MaxRooms,
		MaxViewersPerRoom: cfg.MaxViewersPerRoom,
	}, pool, s.bus)

	sig := signal.NewServer(cfg, reg, pool)

	var eventsDone chan struct{}
	if s.bus != nil {
		ch := s.bus.Subscribe("supervisor", 64)
		eventsDone = make(chan struct{})
		go s.logEvents(ch, eventsDone)
	}

	handler := api.NewHandler(cfg, reg)
	controlMux := http.NewServeMux()
	handler.RegisterRoutes(controlMux)

	controlSrv := &http.Server{
		ReadTimeout: httpReadTimeout,
		Handler: handler.Middleware(h2c.NewHandler(controlMux, &http2.Server{
			MaxConcurrentStreams: 250,
		})),
	}
	signalingSrv := &http.Server{
		// WebSocket reads outlive any sensible request timeout; the
		// sessions enforce their own idle deadline.
		Handler: sig.Handler(),
	}

	controlLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		pool.Close()
		return err
	}
	signalingLn, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.WebSocketPort)))
	if err != nil {
		controlLn.Close()
		pool.Close()
		return err
	}

	s.mu.Lock()
	s.controlAddr = controlLn.Addr().String()
	s.signalingAddr = signalingLn.Addr().String()
	s.mu.Unlock()

	errCh := make(chan error, 2)
	go func() {
		if err := controlSrv.Serve(controlLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := signalingSrv.Serve(signalingLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("media server started",
		slog.String("control_addr", s.ControlAddr()),
		slog.String("signaling_addr", s.SignalingAddr()),
		slog.Int("workers", pool.Size()))

	reaperDone := make(chan struct{})
	go s.reaper(ctx, reg, reaperDone)

	watchDone := s.watchConfig(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("server failed", slog.String("error", runErr.Error()))
	}

	// Reverse order: stop accepting signaling, close sessions, stop
	// the control plane, tear down rooms, then the workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = signalingSrv.Shutdown(shutdownCtx)
	sig.CloseAll()
	_ = controlSrv.Shutdown(shutdownCtx)

	if n := reg.StopAll(); n > 0 {
		slog.Info("closed remaining rooms", slog.Int("rooms", n))
	}
	pool.Close()

	if s.bus != nil {
		s.bus.Unsubscribe("supervisor")
		<-eventsDone
	}
	<-reaperDone
	if watchDone != nil {
		<-watchDone
	}
	return runErr
}

// logEvents drains the lifecycle event bus into the debug log until
// the subscription is torn down.
func (s *Supervisor) logEvents(ch <-chan events.Envelope, done chan<- struct{}) {
	defer close(done)
	for env := range ch {
		slog.Debug("lifecycle event",
			slog.String("type", string(env.Type)),
			slog.String("room_id", env.RoomID),
			slog.String("peer_id", env.PeerID))
	}
}

// reaper evicts idle rooms every 30 seconds and logs a stats line
// while anything is alive.
func (s *Supervisor) reaper(ctx context.Context, reg *registry.Registry, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := reg.ReapIdle(time.Now(), s.cfg.IdleTimeout()); n > 0 {
				slog.Info("reaped idle rooms", slog.Int("rooms", n))
			}
			rooms, peers := reg.Counts()
			if rooms > 0 || peers > 0 {
				slog.Info("server stats", slog.Int("rooms", rooms), slog.Int("peers", peers))
			}
		}
	}
}

// watchConfig logs when the config file changes on disk. Settings are
// read once at boot; the log line tells the operator a restart is
// needed.
func (s *Supervisor) watchConfig(ctx context.Context) <-chan struct{} {
	if s.opts.ConfigPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config watch unavailable", slog.String("error", err.Error()))
		return nil
	}
	if err := watcher.Add(s.opts.ConfigPath); err != nil {
		slog.Warn("config watch unavailable",
			slog.String("path", s.opts.ConfigPath), slog.String("error", err.Error()))
		watcher.Close()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					slog.Info("config file changed; restart to apply",
						slog.String("path", ev.Name))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", slog.String("error", err.Error()))
			}
		}
	}()
	return done
}

// fatalWorker terminates the process after a short grace period for
// log flushing. Worker death is unrecoverable.
func (s *Supervisor) fatalWorker(err error) {
	slog.Error("media worker died, shutting down", slog.String("error", err.Error()))
	time.Sleep(s.opts.FatalGrace)
	s.opts.Exit(1)
}
