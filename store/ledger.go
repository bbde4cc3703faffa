package store

import (
	"time"

	"bluesky-notifier/pkg/notifier"
)

// NewPosts computes which of the fetched posts (newest first) are new
// relative to the watermark, returned oldest first for dispatch.
//
// With no watermark (first-ever poll) the result is empty: the caller seeds
// the watermark at the newest fetched post instead of notifying on
// pre-existing history. When the watermark's post is absent from the fetched
// window — deleted posts, or more new posts than the fetch limit — every
// fetched post is treated as new and gap is true so the caller can log it.
func NewPosts(fetched []*notifier.Post, wm *notifier.Watermark) (newPosts []*notifier.Post, gap bool) {
	if len(fetched) == 0 || wm == nil {
		return nil, false
	}

	prefixEnd := -1
	for i, post := range fetched {
		if post.ID == wm.LastSeenPostID {
			prefixEnd = i
			break
		}
	}

	if prefixEnd == -1 {
		// Watermark not in the window: over-notify rather than silently drop.
		newPosts = make([]*notifier.Post, len(fetched))
		for i, post := range fetched {
			newPosts[len(fetched)-1-i] = post
		}
		return newPosts, true
	}

	if prefixEnd == 0 {
		return nil, false
	}

	// Reverse the prefix before the watermark to yield chronological order.
	newPosts = make([]*notifier.Post, prefixEnd)
	for i := 0; i < prefixEnd; i++ {
		newPosts[prefixEnd-1-i] = fetched[i]
	}
	return newPosts, false
}

// Backoff returns the delay before the next poll attempt as a pure function
// of the consecutive failure count, so restarts never reset it silently.
// Doubles per failure from base, capped at 30 minutes.
func Backoff(failCount int, base time.Duration) time.Duration {
	const maxBackoff = 30 * time.Minute
	if failCount < 1 {
		return 0
	}
	d := base
	for i := 1; i < failCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
