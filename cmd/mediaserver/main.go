package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/onlylang/mediaserver/config"
	"github.com/onlylang/mediaserver/internal/runtime"
	"github.com/onlylang/mediaserver/pkg/events"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	closeLogs, err := setupLogging(cfg.Logging)
	if err != nil {
		log.Fatalf("setting up logging: %v", err)
	}
	defer closeLogs()

	warnings, err := cfg.Validate()
	for _, w := range warnings {
		slog.Warn(w)
	}
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus("media_server")
	sup := runtime.New(cfg, bus, runtime.Options{ConfigPath: *configPath})

	if err := sup.Run(ctx); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// setupLogging routes slog to the console and/or a log file per the
// logging config.
func setupLogging(lc config.LoggingConfig) (func(), error) {
	level := parseLevel(lc.Level)

	var writers []io.Writer
	closeFn := func() {}
	if lc.Console {
		writers = append(writers, os.Stdout)
	}
	if lc.File != "" {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writers = append(writers, f)
		closeFn = func() { f.Close() }
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
