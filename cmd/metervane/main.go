package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metervane/metervane/pkg/aggregate"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/spot"
	"github.com/metervane/metervane/pkg/upstream"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	client := upstream.Configured()
	spotFetcher := spot.Configured()
	coordinator := aggregate.Configured(client, spotFetcher)
	pollInterval := lflag.Duration("poll-interval", 15*time.Minute, "How often to sweep upstream for fresh data")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Prime the caches before the first tick so early consumer reads hit
	// warm data. A failed sweep is not fatal, the next tick retries.
	if err := coordinator.RefreshAll(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "initial refresh failed", "error", err)
	}

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "poll loop started", "interval", *pollInterval)
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "poll loop exited cleanly")
			return
		case <-ticker.C:
			if err := coordinator.RefreshAll(ctx); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "refresh sweep failed", "error", err)
			}
		}
	}
}
