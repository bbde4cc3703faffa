// Command bluesky-notifier monitors Bluesky accounts and sends desktop
// and/or email notifications when they publish new posts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bluesky-notifier/config"
	"bluesky-notifier/feed"
	"bluesky-notifier/notify"
	"bluesky-notifier/poll"
	"bluesky-notifier/server"
	"bluesky-notifier/store"

	"github.com/robfig/cron/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// A fatal condition inside the poll loop (invalid credentials) cancels
	// this context to bring the whole service down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()
	logger.Info("Store opened", "path", cfg.DatabasePath)

	client := feed.New(&http.Client{Timeout: 30 * time.Second},
		cfg.APIHost, cfg.SessionHost, cfg.Identifier, cfg.AppPassword, logger)
	if err := client.Login(ctx); err != nil {
		return err
	}

	dispatcher, err := buildDispatcher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("Notification channels registered", "channels", dispatcher.Channels())

	monitor := poll.New(client, st, dispatcher, cfg.FetchLimit, cfg.PollWorkers, cfg.PollInterval, logger)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = scheduler.AddFunc("@every "+cfg.PollInterval.String(), func() {
		if err := monitor.CheckAll(ctx); err != nil {
			if errors.Is(err, poll.ErrCheckInProgress) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("Poll cycle failed fatally, shutting down", "error", err)
			cancel()
		}
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	logger.Info("Poll scheduler started", "interval", cfg.PollInterval.String())

	srv := server.New(&server.Config{
		Store:    st,
		Resolver: client,
		Poller:   monitor,
		Logger:   logger,
	})
	err = srv.Listen(ctx, cfg.Port)

	// Let the in-flight cycle finish through its watermark commit before
	// the process exits.
	<-scheduler.Stop().Done()
	logger.Info("Shutdown complete")
	return err
}

// buildDispatcher registers delivery channels from available configuration.
// A channel missing its credentials simply isn't registered; enabling it in
// account preferences is then a no-op.
func buildDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*notify.Dispatcher, error) {
	var channels []notify.Channel

	if cfg.MockNotifications {
		logger.Info("Mock notification mode enabled")
		channels = append(channels,
			notify.NewMockChannel(notify.ChannelDesktop, logger),
			notify.NewMockChannel(notify.ChannelEmail, logger))
		return notify.NewDispatcher(logger, channels...), nil
	}

	switch cfg.DesktopProvider {
	case "beeep":
		channels = append(channels, notify.NewDesktopChannel(logger))
	case "console":
		channels = append(channels, notify.NewConsoleChannel(logger))
	case "", "off":
		logger.Info("Desktop channel disabled")
	default:
		logger.Warn("Unknown desktop provider, falling back to console", "provider", cfg.DesktopProvider)
		channels = append(channels, notify.NewConsoleChannel(logger))
	}

	switch {
	case cfg.GoogleCredentialsJSON != "":
		service, err := gmail.NewService(ctx,
			option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)),
			option.WithScopes(gmail.GmailSendScope))
		if err != nil {
			return nil, err
		}
		provider := notify.NewGmailProvider(service, logger)
		channels = append(channels, notify.NewEmailChannel(provider, cfg.EmailTo, logger))
	case cfg.BrevoAPIKey != "":
		provider := notify.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, "Bluesky Notifier", logger)
		channels = append(channels, notify.NewEmailChannel(provider, cfg.EmailTo, logger))
	default:
		logger.Info("No email provider configured, email channel not registered")
	}

	return notify.NewDispatcher(logger, channels...), nil
}
