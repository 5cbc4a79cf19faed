package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onlylang/mediaserver/config"
	"github.com/onlylang/mediaserver/internal/media/worker/workerfake"
	"github.com/onlylang/mediaserver/internal/runtime"
	"github.com/onlylang/mediaserver/pkg/events"
)

func testConfig() *config.Config {
	return &config.Config{
		Host:               "127.0.0.1",
		Port:               0,
		WebSocketPort:      0,
		MaxConnections:     10,
		MaxRooms:           5,
		MaxViewersPerRoom:  5,
		IdleTimeoutSeconds: 300,
		STUNURL:            "stun:stun.example.org:3478",
		Video:              config.VideoConfig{MaxBitrateKbps: 3000, TargetBitrateKbps: 1500},
		Audio:              config.AudioConfig{Codec: "opus", SampleRate: 48000},
	}
}

func startSupervisor(t *testing.T, engine *workerfake.Engine, bus *events.Bus, opts runtime.Options) (*runtime.Supervisor, context.CancelFunc, chan error) {
	t.Helper()
	opts.Engine = engine
	sup := runtime.New(testConfig(), bus, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- sup.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sup.ControlAddr() == "" {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("supervisor did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not shut down")
		}
	})
	return sup, cancel, errCh
}

func TestSupervisorBootAndShutdown(t *testing.T) {
	engine := &workerfake.Engine{}
	sup, cancel, errCh := startSupervisor(t, engine, nil, runtime.Options{})

	resp, err := http.Get("http://" + sup.ControlAddr() + "/health")
	if err != nil {
		t.Fatalf("health probe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	var h struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" {
		t.Errorf("health body status = %q, want healthy", h.Status)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v, want nil on graceful shutdown", err)
	}

	for i, w := range engine.Workers() {
		if !w.Closed() {
			t.Errorf("worker %d still running after shutdown", i)
		}
	}
}

func TestSupervisorShutdownClosesRooms(t *testing.T) {
	engine := &workerfake.Engine{}
	sup, cancel, errCh := startSupervisor(t, engine, nil, runtime.Options{})

	body := strings.NewReader(`{"post_id":"p1","host_user_id":"u1"}`)
	resp, err := http.Post("http://"+sup.ControlAddr()+"/room/create", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	var routers int
	for _, w := range engine.Workers() {
		routers += w.RouterCount()
	}
	if routers == 0 {
		t.Fatal("no router was created for the room")
	}
}

func TestSupervisorPublishesLifecycleEvents(t *testing.T) {
	engine := &workerfake.Engine{}
	bus := events.NewBus("media_server")
	ch := bus.Subscribe("audit", 16)
	defer bus.Unsubscribe("audit")

	sup, _, _ := startSupervisor(t, engine, bus, runtime.Options{})

	body := strings.NewReader(`{"post_id":"p1","host_user_id":"u1"}`)
	resp, err := http.Post("http://"+sup.ControlAddr()+"/room/create", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case env := <-ch:
		if env.Type != events.RoomCreated {
			t.Errorf("event type = %q, want %q", env.Type, events.RoomCreated)
		}
		if env.RoomID == "" {
			t.Error("event carried no room id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no lifecycle event published for room creation")
	}
}

func TestSupervisorWorkerDeathExits(t *testing.T) {
	engine := &workerfake.Engine{}

	exited := make(chan int, 1)
	_, _, _ = startSupervisor(t, engine, nil, runtime.Options{
		Exit:       func(code int) { exited <- code },
		FatalGrace: 10 * time.Millisecond,
	})

	engine.Workers()[0].Die(errors.New("exited with code 42"))

	select {
	case code := <-exited:
		if code != 1 {
			t.Errorf("exit code = %d, want 1", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker death did not trigger exit")
	}
}
