// Package poll drives the periodic check of all monitored accounts.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bluesky-notifier/pkg/notifier"
	"bluesky-notifier/store"
)

// ErrCheckInProgress is returned when a cycle is requested while the
// previous one is still running. Cycles for the same account must never
// interleave, so overlapping runs are rejected rather than queued.
var ErrCheckInProgress = errors.New("poll check already in progress")

// Feed fetches recent posts for an account.
type Feed interface {
	RecentPosts(ctx context.Context, did string, limit int) ([]*notifier.Post, error)
}

// Store provides account state and the seen-post ledger.
type Store interface {
	ListActive(ctx context.Context) ([]*notifier.Account, error)
	Watermark(ctx context.Context, did string) (*notifier.Watermark, error)
	CommitWatermark(ctx context.Context, did, postID string, at time.Time) error
	MarkChecked(ctx context.Context, did string, at time.Time, pollErr bool, base time.Duration) error
	Deactivate(ctx context.Context, did string) error
}

// Dispatcher routes an event to the account's enabled channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *notifier.Event, prefs notifier.Prefs) map[string]notifier.Outcome
}

// Monitor runs the fetch → diff → dispatch → commit cycle for every active
// account.
type Monitor struct {
	feed       Feed
	store      Store
	dispatcher Dispatcher
	logger     *slog.Logger
	fetchLimit int
	workers    int
	backoff    time.Duration // Base delay after a failed poll
	running    atomic.Bool
}

// New creates a poll monitor.
func New(feed Feed, st Store, dispatcher Dispatcher, fetchLimit, workers int, backoff time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		feed:       feed,
		store:      st,
		dispatcher: dispatcher,
		logger:     logger,
		fetchLimit: fetchLimit,
		workers:    workers,
		backoff:    backoff,
	}
}

// CheckAll runs one poll cycle over all active accounts with bounded
// concurrency. Each account is handled by exactly one worker and cycles
// never overlap, so watermark read-then-write is serialized per account.
//
// A credential failure aborts the cycle and is returned to the caller: it
// would hit every account identically, so the service should stop rather
// than spin.
func (m *Monitor) CheckAll(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrCheckInProgress
	}
	defer m.running.Store(false)

	accounts, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	now := time.Now()
	m.logger.Info("Starting poll cycle", "accounts", len(accounts), "timestamp", now.Format(time.RFC3339))

	var (
		wg        sync.WaitGroup
		sem       = make(chan struct{}, m.workers)
		mu        sync.Mutex
		fatalErr  error
		checked   int
		skipped   int
		failed    int
		delivered int
	)

	for _, acct := range accounts {
		// Stop handing out new accounts once cancelled or a fatal error
		// surfaced; in-flight accounts finish their cycle through commit.
		mu.Lock()
		fatal := fatalErr
		mu.Unlock()
		if fatal != nil {
			break
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping poll cycle", "error", ctx.Err())
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		if acct.NextAttemptAt.After(now) {
			m.logger.Debug("Skipping account (backing off after failures)",
				"handle", acct.Handle,
				"fail_count", acct.FailCount,
				"next_attempt", acct.NextAttemptAt.Format(time.RFC3339))
			skipped++
			<-sem
			continue
		}

		wg.Add(1)
		go func(acct *notifier.Account) {
			defer wg.Done()
			defer func() { <-sem }()

			events, err := m.checkAccount(ctx, acct)

			mu.Lock()
			defer mu.Unlock()
			checked++
			delivered += events
			if err != nil {
				if notifier.IsAuth(err) {
					fatalErr = err
					return
				}
				failed++
				m.logger.Warn("Account check failed", "handle", acct.Handle, "error", err)
			}
		}(acct)
	}

	wg.Wait()

	m.logger.Info("Poll cycle completed",
		"total_accounts", len(accounts),
		"checked", checked,
		"skipped", skipped,
		"failed", failed,
		"notifications", delivered)

	if fatalErr != nil {
		return fmt.Errorf("authentication failure, halting poll loop: %w", fatalErr)
	}
	return nil
}

// checkAccount runs one cycle for a single account: fetch, diff against the
// watermark, dispatch new posts oldest first, then commit the watermark.
// Returns the number of dispatched events.
func (m *Monitor) checkAccount(ctx context.Context, acct *notifier.Account) (int, error) {
	now := time.Now()

	m.logger.Debug("Checking account", "handle", acct.Handle, "did", acct.DID)

	posts, err := m.feed.RecentPosts(ctx, acct.DID, m.fetchLimit)
	if err != nil {
		return 0, m.handleFetchError(ctx, acct, now, err)
	}

	// From here the cycle runs to completion even through shutdown: a
	// dispatched notification without a committed watermark would be
	// renotified on restart. Only the fetch above remains cancellable.
	ctx = context.WithoutCancel(ctx)

	wm, err := m.store.Watermark(ctx, acct.DID)
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}

	// First successful poll: seed the watermark at the newest post without
	// notifying, so newly added accounts don't replay their history.
	if wm == nil {
		if len(posts) > 0 {
			if err := m.store.CommitWatermark(ctx, acct.DID, posts[0].ID, now); err != nil {
				return 0, fmt.Errorf("seed watermark: %w", err)
			}
			m.logger.Info("Watermark seeded",
				"handle", acct.Handle,
				"post_id", posts[0].ID,
				"posts_fetched", len(posts))
		}
		return 0, m.markChecked(ctx, acct, now, false)
	}

	newPosts, gap := store.NewPosts(posts, wm)
	if gap {
		m.logger.Warn("Possible gap detected: watermark post missing from fetched window, treating all fetched posts as new",
			"handle", acct.Handle,
			"last_seen_post_id", wm.LastSeenPostID,
			"posts_fetched", len(posts))
	}

	if len(newPosts) == 0 {
		m.logger.Debug("No new posts", "handle", acct.Handle, "watermark", wm.LastSeenPostID)
		return 0, m.markChecked(ctx, acct, now, false)
	}

	m.logger.Info("New posts detected",
		"handle", acct.Handle,
		"count", len(newPosts),
		"previous_watermark", wm.LastSeenPostID)

	// Dispatch oldest first. Channel failures are logged and surfaced but
	// never block the watermark commit: duplicate notifications are worse
	// than an occasional missed one.
	var channelFailures int
	for _, post := range newPosts {
		event := &notifier.Event{Account: acct, Post: post, OccurredAt: now}
		for _, outcome := range m.dispatcher.Dispatch(ctx, event, acct.Prefs) {
			if !outcome.OK() {
				channelFailures++
			}
		}
	}
	if channelFailures > 0 {
		m.logger.Warn("Some channel deliveries failed; posts will not be renotified",
			"handle", acct.Handle,
			"failures", channelFailures)
	}

	newest := newPosts[len(newPosts)-1]
	if err := m.store.CommitWatermark(ctx, acct.DID, newest.ID, now); err != nil {
		return len(newPosts), fmt.Errorf("commit watermark: %w", err)
	}

	return len(newPosts), m.markChecked(ctx, acct, now, false)
}

// handleFetchError applies the per-error-class policy from the fetch step.
func (m *Monitor) handleFetchError(ctx context.Context, acct *notifier.Account, now time.Time, err error) error {
	switch {
	case notifier.IsAuth(err):
		// Fatal for the whole loop; propagate untouched.
		return err
	case errors.Is(err, notifier.ErrAccountGone):
		m.logger.Warn("Monitored account no longer resolves, deactivating",
			"handle", acct.Handle, "did", acct.DID, "error", err)
		if dErr := m.store.Deactivate(ctx, acct.DID); dErr != nil {
			m.logger.Error("Failed to deactivate account", "handle", acct.Handle, "error", dErr)
		}
		return nil
	case notifier.IsRateLimit(err):
		m.logger.Warn("Rate limited, will retry on a later cycle", "handle", acct.Handle, "error", err)
	default:
		m.logger.Warn("Fetch failed, will retry on a later cycle", "handle", acct.Handle, "error", err)
	}

	// Transient failure: leave the watermark untouched and push the next
	// attempt out. The error is consumed here; the cycle moves on.
	if mErr := m.markChecked(ctx, acct, now, true); mErr != nil {
		m.logger.Error("Failed to record poll failure", "handle", acct.Handle, "error", mErr)
	}
	return nil
}

func (m *Monitor) markChecked(ctx context.Context, acct *notifier.Account, at time.Time, pollErr bool) error {
	if err := m.store.MarkChecked(ctx, acct.DID, at, pollErr, m.backoff); err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}
