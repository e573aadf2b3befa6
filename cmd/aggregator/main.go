package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"hubcursor/feed-aggregator/internal/clock"
	"hubcursor/feed-aggregator/internal/config"
	"hubcursor/feed-aggregator/internal/feed"
	"hubcursor/feed-aggregator/internal/fetch"
	"hubcursor/feed-aggregator/internal/metrics"
	"hubcursor/feed-aggregator/internal/model"
	"hubcursor/feed-aggregator/internal/normalize"
	"hubcursor/feed-aggregator/internal/schedule"
	"hubcursor/feed-aggregator/internal/server"
	"hubcursor/feed-aggregator/internal/source"
	"hubcursor/feed-aggregator/internal/store"
	"hubcursor/feed-aggregator/internal/util"
)

var version = "dev"

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config file (built-in defaults when empty)")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	reg, err := source.NewFromConfig(cfg.Sources, cfg.Fetch.Timeout)
	if err != nil {
		return fmt.Errorf("source registry: %w", err)
	}
	logger.Info("sources loaded", "regions", reg.Regions())

	m := metrics.New()
	clk := clock.Real{}

	fetcher := fetch.New(fetch.Options{
		UserAgent:     cfg.Fetch.UserAgent,
		RatePerSecond: cfg.Fetch.RatePerSecond,
		Burst:         cfg.Fetch.Burst,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		Client:        util.NewHTTPClient(2 * maxTimeout(reg, cfg.Fetch.Timeout)),
		Logger:        logger.With("component", "fetcher"),
		Metrics:       m,
	})

	rotation, err := schedule.NewHourlyBuckets(cfg.Scheduler.Buckets, cfg.Scheduler.Location())
	if err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	sched := schedule.New(fetcher, schedule.Options{
		MaxInFlight:   cfg.Scheduler.MaxInFlight,
		Pacing:        cfg.Scheduler.Pacing,
		MaxRetries:    cfg.Scheduler.MaxRetries,
		Backoff:       cfg.Scheduler.Backoff,
		MaxBackoff:    cfg.Scheduler.MaxBackoff,
		MaxRetryAfter: cfg.Scheduler.MaxRetryAfter,
		Clock:         clk,
		Rotation:      rotation,
		Logger:        logger.With("component", "scheduler"),
		Metrics:       m,
	})

	norm := normalize.New(normalize.Options{MaxPhotosPerSubject: cfg.Feed.MaxPhotosPerSubject})

	fresh := store.New(store.Options[model.AggregatedResult]{
		Name: "fresh", Capacity: cfg.Cache.Capacity, TTL: cfg.Cache.TTL, Clock: clk, Sizer: resultSize, Metrics: m,
	})
	fallback := store.New(store.Options[model.AggregatedResult]{
		Name: "fallback", Capacity: cfg.Cache.Capacity, TTL: cfg.Cache.StaleTTL, Clock: clk, Sizer: resultSize, Metrics: m,
	})
	fresh.StartSweeper(cfg.Cache.SweepInterval)
	fallback.StartSweeper(cfg.Cache.SweepInterval)

	orch := feed.New(reg, sched, norm, fresh, fallback, feed.Options{
		DefaultLimit:   cfg.Feed.DefaultLimit,
		MaxLimit:       cfg.Feed.MaxLimit,
		PerCycleBudget: cfg.Scheduler.PerCycleBudget,
		TTL:            cfg.Cache.TTL,
		StaleTTL:       cfg.Cache.StaleTTL,
		DefaultRegions: cfg.Feed.DefaultRegions,
		Clock:          clk,
		Logger:         logger.With("component", "orchestrator"),
		Metrics:        m,
	})
	defer orch.Close()

	srv := server.New(orch, server.Options{
		ListenAddress: cfg.Server.ListenAddress,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		Logger:        logger.With("component", "http"),
		Metrics:       m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddress, "version", version)
		if err := srv.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func maxTimeout(reg *source.Registry, def time.Duration) time.Duration {
	out := def
	for _, r := range reg.Regions() {
		if d, ok := reg.Lookup(r); ok && d.Timeout > out {
			out = d.Timeout
		}
	}
	return out
}

// resultSize roughly estimates the bytes retained by a cached result.
func resultSize(res model.AggregatedResult) int {
	n := len(res.SubjectKey)
	for _, r := range res.Records {
		n += 64 + len(r.ID) + len(r.OwnerKey) + len(r.SourceRegion)
		switch p := r.Payload.(type) {
		case model.PhotoPayload:
			n += len(p.URL) + len(p.PreviewURL) + len(p.Caption) + len(p.RoomName) + len(p.Creator)
		case model.BadgePayload:
			n += len(p.Code) + len(p.Name) + len(p.Description) + len(p.ImageURL)
		case model.ClothingPayload:
			n += len(p.Name) + len(p.Part) + len(p.ImageURL) + 8*len(p.Colors)
		case model.ActivityPayload:
			n += len(p.User) + len(p.Type) + len(p.Description) + len(p.Figure)
		}
	}
	for _, f := range res.PartialFailures {
		n += len(f.Region) + len(f.Reason) + len(f.Subject)
	}
	return n
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
