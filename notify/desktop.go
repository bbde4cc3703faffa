package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"bluesky-notifier/pkg/notifier"

	"github.com/gen2brain/beeep"
)

// DesktopChannel shows OS notification-center alerts for new posts.
type DesktopChannel struct {
	logger *slog.Logger
}

// NewDesktopChannel creates the desktop notification channel.
func NewDesktopChannel(logger *slog.Logger) *DesktopChannel {
	return &DesktopChannel{logger: logger}
}

// Name implements Channel.
func (*DesktopChannel) Name() string { return ChannelDesktop }

// Send shows a desktop notification for the event.
func (c *DesktopChannel) Send(_ context.Context, event *notifier.Event) error {
	if err := beeep.Notify(event.Title(), event.Summary(), ""); err != nil {
		return fmt.Errorf("desktop notify: %w", err)
	}
	c.logger.Debug("Desktop notification shown", "post_id", event.Post.ID)
	return nil
}

// ConsoleChannel is the desktop fallback for headless hosts: it writes the
// notification to stderr instead of the OS notification center.
type ConsoleChannel struct {
	logger *slog.Logger
}

// NewConsoleChannel creates the console fallback channel.
func NewConsoleChannel(logger *slog.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

// Name implements Channel. The console variant stands in for the desktop
// channel, so it answers to the same preference flag.
func (*ConsoleChannel) Name() string { return ChannelDesktop }

// Send prints the notification to stderr.
func (c *ConsoleChannel) Send(_ context.Context, event *notifier.Event) error {
	if _, err := fmt.Fprintf(os.Stderr, "*** %s ***\n%s\n%s\n",
		event.Title(), event.Summary(), event.Post.URL); err != nil {
		return fmt.Errorf("write console notification: %w", err)
	}
	return nil
}
