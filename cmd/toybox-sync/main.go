package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stgarrity/toybox-sync/internal/config"
	"github.com/stgarrity/toybox-sync/internal/logging"
	"github.com/stgarrity/toybox-sync/internal/state"
	"github.com/stgarrity/toybox-sync/toybox"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// sessionPersistInterval bounds how stale the cached resume token can
// get; the platform rotates tokens on every login.
const sessionPersistInterval = time.Minute

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
	logger.Info("toybox-sync starting",
		slog.String("version", Version),
		slog.String("endpoint", cfg.Endpoint),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runSync(gctx, cfg, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// runSync connects, authenticates, bootstraps the subscriptions, and
// runs the poll loop until the context ends.
func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	statePath, err := cfg.StatePath()
	if err != nil {
		return err
	}

	appState, err := state.LoadAt(statePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := toybox.NewClient(cfg.Endpoint, logger)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	if err := authenticate(ctx, client, cfg, appState, logger); err != nil {
		return err
	}

	if err := client.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping subscriptions: %w", err)
	}

	logger.Info("subscribed",
		slog.Int("printers", len(client.PrinterIDs())),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pollLoop(gctx, client, cfg, logger)
	})
	g.Go(func() error {
		return persistSession(gctx, client, appState, logger)
	})

	return g.Wait()
}

// authenticate resumes the cached session when one exists, falling back
// to a password login. Connectivity errors during resume are fatal;
// only an authentication rejection discards the cached token.
func authenticate(ctx context.Context, client *toybox.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) error {
	if session := appState.Session(); session != nil {
		logger.Debug("trying cached session", slog.String("user_id", session.UserID))

		err := client.Resume(ctx, session.Token)
		if err == nil {
			logger.Info("resumed cached session")
			saveSession(client, appState, logger)

			return nil
		}

		if !errors.Is(err, toybox.ErrAuthentication) {
			return fmt.Errorf("resuming session: %w", err)
		}

		logger.Info("cached session rejected, signing in fresh")

		if err := appState.ClearSession(); err != nil {
			logger.Warn("failed to clear session", slog.String("error", err.Error()))
		}
	}

	if err := client.Authenticate(ctx, cfg.Email, cfg.Password); err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	saveSession(client, appState, logger)

	return nil
}

func saveSession(client *toybox.Client, appState *state.State, logger *slog.Logger) {
	err := appState.SetSession(state.Session{
		Token:  client.Token(),
		UserID: client.UserID(),
	})
	if err != nil {
		logger.Warn("failed to save session", slog.String("error", err.Error()))
	}
}

// pollLoop logs a printer snapshot on an adaptive interval: frequent
// while a print is running, relaxed when idle. Authentication failures
// are fatal; anything else is retried on the next tick.
func pollLoop(ctx context.Context, client *toybox.Client, cfg *config.Config, logger *slog.Logger) error {
	interval := cfg.IdlePollInterval

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		snapshot, err := client.GetSnapshot(ctx, cfg.PrinterID)
		if err != nil {
			if errors.Is(err, toybox.ErrAuthentication) || errors.Is(err, toybox.ErrSessionExpired) {
				return fmt.Errorf("session lost: %w", err)
			}

			logger.Warn("snapshot failed, will retry", slog.String("error", err.Error()))
			timer.Reset(interval)

			continue
		}

		logSnapshot(logger, snapshot)

		interval = cfg.IdlePollInterval
		if snapshot.IsBusy() {
			interval = cfg.ActivePollInterval
		}

		timer.Reset(interval)
	}
}

func logSnapshot(logger *slog.Logger, snapshot *toybox.Snapshot) {
	attrs := []any{
		slog.String("printer", snapshot.Printer.DisplayName()),
		slog.Bool("online", snapshot.Printer.Online),
		slog.String("state", string(snapshot.PrintState())),
	}

	if req := snapshot.CurrentRequest; req != nil {
		attrs = append(attrs, slog.String("print", req.PrintName()))

		now := time.Now()
		if percent, ok := req.ProgressPercent(now); ok {
			attrs = append(attrs, slog.Float64("progress", percent))
		}

		if remaining, ok := req.RemainingSeconds(now); ok {
			attrs = append(attrs, slog.Int("remaining_s", remaining))
		}
	} else if req := snapshot.LastCompletedRequest; req != nil {
		attrs = append(attrs, slog.String("last_print", req.PrintName()))
	}

	logger.Info("printer status", attrs...)
}

// persistSession re-saves the session periodically so a rotated resume
// token survives a crash.
func persistSession(ctx context.Context, client *toybox.Client, appState *state.State, logger *slog.Logger) error {
	ticker := time.NewTicker(sessionPersistInterval)
	defer ticker.Stop()

	last := client.Token()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			token := client.Token()
			if token != "" && token != last {
				saveSession(client, appState, logger)
				last = token
				logger.Debug("persisted rotated session token")
			}
		}
	}
}
