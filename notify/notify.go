// Package notify routes new-post events to the configured delivery channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"bluesky-notifier/pkg/notifier"
)

// Channel is a single delivery mechanism (desktop, email, ...).
type Channel interface {
	Name() string
	Send(ctx context.Context, event *notifier.Event) error
}

// Dispatcher fans an event out to the channels enabled for the account.
// The registry is populated once at startup from available configuration;
// channels are independent and one failing never blocks another.
type Dispatcher struct {
	channels map[string]Channel
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(logger *slog.Logger, channels ...Channel) *Dispatcher {
	registry := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		registry[ch.Name()] = ch
	}
	return &Dispatcher{channels: registry, logger: logger}
}

// Channels returns the names of the registered channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// Dispatch delivers the event on every enabled channel and reports each
// channel's outcome. Retry policy lives with the caller, not here: an event
// is handed to each channel at most once per cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, event *notifier.Event, prefs notifier.Prefs) map[string]notifier.Outcome {
	outcomes := make(map[string]notifier.Outcome)

	for name, ch := range d.channels {
		if !enabled(name, prefs) {
			continue
		}

		err := d.send(ctx, ch, event)
		outcomes[name] = notifier.Outcome{Channel: name, Err: err}

		if err != nil {
			d.logger.Warn("Channel delivery failed",
				"channel", name,
				"handle", event.Account.Handle,
				"post_id", event.Post.ID,
				"error", err)
		} else {
			d.logger.Info("Notification delivered",
				"channel", name,
				"handle", event.Account.Handle,
				"post_id", event.Post.ID)
		}
	}

	return outcomes
}

// send isolates a channel: a panicking adapter is reported as that channel's
// failure instead of taking down the cycle.
func (d *Dispatcher) send(ctx context.Context, ch Channel, event *notifier.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Send(ctx, event)
}

func enabled(channel string, prefs notifier.Prefs) bool {
	switch channel {
	case ChannelDesktop:
		return prefs.Desktop
	case ChannelEmail:
		return prefs.Email
	default:
		return false
	}
}

// Channel names used in the registry and in preference lookups.
const (
	ChannelDesktop = "desktop"
	ChannelEmail   = "email"
)
