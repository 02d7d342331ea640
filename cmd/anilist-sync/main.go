package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/anilist-sync/internal/anilist"
	"github.com/alexjbarnes/anilist-sync/internal/config"
	"github.com/alexjbarnes/anilist-sync/internal/logging"
	"github.com/alexjbarnes/anilist-sync/internal/server"
	"github.com/alexjbarnes/anilist-sync/internal/store"
	"github.com/alexjbarnes/anilist-sync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("anilist-sync starting",
		slog.String("version", Version),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Bool("deletion_enabled", cfg.DeletionEnabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots, err := store.Open(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer snapshots.Close()

	client := anilist.NewClient(nil, anilist.Config{
		Token:             cfg.Token,
		RequestsPerMinute: cfg.RateLimitPerMinute,
		MaxAttempts:       cfg.RetryMaxAttempts,
	}, logger)

	user, err := resolveUser(ctx, client, cfg, logger)
	if err != nil {
		return err
	}

	sched := syncer.NewScheduler(syncer.Config{
		Remote:          client,
		Store:           snapshots,
		Desired:         syncer.FileDesired{Path: cfg.DesiredFile},
		UserID:          user.ID,
		PollInterval:    cfg.PollInterval,
		DeletionEnabled: cfg.DeletionEnabled,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	if cfg.DesiredFile != "" {
		watcher := syncer.NewWatcher(cfg.DesiredFile, sched, logger)
		g.Go(func() error {
			err := watcher.Watch(gctx)
			if gctx.Err() != nil {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		return runServer(gctx, cfg, sched, logger)
	})

	return g.Wait()
}

// resolveUser decides which account's list to sync: the explicitly
// configured user name, or the token's own viewer.
func resolveUser(ctx context.Context, client *anilist.Client, cfg *config.Config, logger *slog.Logger) (anilist.Viewer, error) {
	if cfg.User != "" {
		user, err := client.ResolveUser(ctx, cfg.User)
		if err != nil {
			return anilist.Viewer{}, fmt.Errorf("resolving configured user: %w", err)
		}

		logger.Info("syncing configured user", slog.String("name", user.Name), slog.Int("id", user.ID))

		return user, nil
	}

	viewer, err := client.Viewer(ctx)
	if err != nil {
		return anilist.Viewer{}, fmt.Errorf("resolving viewer: %w", err)
	}

	logger.Info("syncing viewer account", slog.String("name", viewer.Name), slog.Int("id", viewer.ID))

	return viewer, nil
}

// runServer starts the control-surface HTTP server and shuts it down
// when the context is cancelled.
func runServer(ctx context.Context, cfg *config.Config, sched *syncer.Scheduler, logger *slog.Logger) error {
	handler := server.RequireToken(cfg.ControlToken, logger)(server.NewMux(sched, logger))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting control server", slog.String("listen", cfg.ListenAddr))

	go func() {
		<-ctx.Done()
		logger.Info("shutting down control server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}
