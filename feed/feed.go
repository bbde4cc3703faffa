// Package feed fetches recent posts and profile data from the Bluesky API.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bluesky-notifier/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
)

// Profile is the subset of an actor profile the service cares about.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatar"`
}

// Client talks to the Bluesky XRPC API. When credentials are configured it
// authenticates via createSession; otherwise it reads the public AppView
// anonymously.
type Client struct {
	client      *http.Client
	logger      *slog.Logger
	apiHost     string
	sessionHost string
	identifier  string
	appPassword string
	accessJWT   string
}

// New creates a feed client. identifier and appPassword may be empty for
// anonymous access to the public AppView.
func New(client *http.Client, apiHost, sessionHost, identifier, appPassword string, logger *slog.Logger) *Client {
	return &Client{
		client:      client,
		logger:      logger,
		apiHost:     strings.TrimSuffix(apiHost, "/"),
		sessionHost: strings.TrimSuffix(sessionHost, "/"),
		identifier:  identifier,
		appPassword: appPassword,
	}
}

type sessionResponse struct {
	AccessJWT string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

// xrpcError is the JSON error envelope returned by XRPC endpoints.
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Login creates an authenticated session when credentials are configured.
// Without credentials it is a no-op.
func (c *Client) Login(ctx context.Context) error {
	if c.identifier == "" {
		c.logger.Info("No Bluesky credentials configured, using public AppView anonymously")
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"identifier": c.identifier,
		"password":   c.appPassword,
	})
	if err != nil {
		return fmt.Errorf("marshal session request: %w", err)
	}

	var session sessionResponse
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.sessionHost+"/xrpc/com.atproto.server.createSession", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			start := time.Now()
			resp, err := c.client.Do(req)
			if err != nil {
				c.logger.Warn("Session request failed, will retry", "error", err)
				return fmt.Errorf("create session: %w", err)
			}
			defer closeBody(resp, c.logger)

			c.logger.Info("Session request completed",
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return retry.Unrecoverable(&notifier.AuthError{
					Status: resp.StatusCode,
					Detail: readErrorDetail(resp.Body),
				})
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying session creation after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}

	c.accessJWT = session.AccessJWT
	c.logger.Info("Authenticated with Bluesky", "did", session.DID, "handle", session.Handle)
	return nil
}

// Profile resolves a handle to its stable DID and presentation metadata.
// Returns notifier.ErrInvalidHandle when the handle does not resolve.
func (c *Client) Profile(ctx context.Context, handle string) (*Profile, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return nil, notifier.ErrInvalidHandle
	}

	endpoint := c.apiHost + "/xrpc/app.bsky.actor.getProfile?actor=" + url.QueryEscape(handle)

	var profile Profile
	err := c.getJSON(ctx, endpoint, "app.bsky.actor.getProfile", &profile)
	if err != nil {
		if errors.Is(err, notifier.ErrAccountGone) {
			// Resolution failure at lookup time means the handle is invalid.
			return nil, fmt.Errorf("%w: %s", notifier.ErrInvalidHandle, handle)
		}
		return nil, err
	}
	return &profile, nil
}

type authorFeedResponse struct {
	Feed []struct {
		Post struct {
			URI    string `json:"uri"`
			Author struct {
				DID         string `json:"did"`
				Handle      string `json:"handle"`
				DisplayName string `json:"displayName"`
			} `json:"author"`
			Record struct {
				Text      string    `json:"text"`
				CreatedAt time.Time `json:"createdAt"`
			} `json:"record"`
		} `json:"post"`
		Reason *struct {
			Type string `json:"$type"`
		} `json:"reason,omitempty"`
	} `json:"feed"`
}

// RecentPosts returns the account's most recent own posts, newest first.
// Reposts and posts authored by other accounts are filtered out. The limit
// is a bounded window: callers never see full history.
func (c *Client) RecentPosts(ctx context.Context, did string, limit int) ([]*notifier.Post, error) {
	endpoint := c.apiHost + "/xrpc/app.bsky.feed.getAuthorFeed?actor=" + url.QueryEscape(did) +
		"&limit=" + strconv.Itoa(limit)

	var feed authorFeedResponse
	if err := c.getJSON(ctx, endpoint, "app.bsky.feed.getAuthorFeed", &feed); err != nil {
		return nil, err
	}

	posts := make([]*notifier.Post, 0, len(feed.Feed))
	for _, item := range feed.Feed {
		// Reposts carry a reason; skip them along with anything not
		// authored by the monitored account itself.
		if item.Reason != nil || item.Post.Author.DID != did {
			continue
		}
		posts = append(posts, &notifier.Post{
			ID:        item.Post.URI,
			Content:   item.Post.Record.Text,
			URL:       postURL(item.Post.Author.Handle, item.Post.URI),
			Author:    item.Post.Author.Handle,
			CreatedAt: item.Post.Record.CreatedAt,
		})
	}

	c.logger.Debug("Author feed fetched", "did", did, "items", len(feed.Feed), "own_posts", len(posts))
	return posts, nil
}

// getJSON performs a GET against an XRPC endpoint with retry, mapping HTTP
// failures onto the service error taxonomy.
func (c *Client) getJSON(ctx context.Context, endpoint, name string, out any) error {
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			if c.accessJWT != "" {
				req.Header.Set("Authorization", "Bearer "+c.accessJWT)
			}

			start := time.Now()
			resp, err := c.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				c.logger.Warn("API request failed, will retry",
					"endpoint", name,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return fmt.Errorf("%s: %w", name, err)
			}
			defer closeBody(resp, c.logger)

			c.logger.Debug("API request completed",
				"endpoint", name,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			switch {
			case resp.StatusCode == http.StatusOK:
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("decode %s response: %w", name, err)
				}
				return nil
			case resp.StatusCode == http.StatusTooManyRequests:
				return retry.Unrecoverable(&notifier.RateLimitError{
					RetryAfter: retryAfter(resp),
				})
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(&notifier.AuthError{
					Status: resp.StatusCode,
					Detail: readErrorDetail(resp.Body),
				})
			case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
				// XRPC reports unresolvable actors as 400 InvalidRequest.
				return retry.Unrecoverable(fmt.Errorf("%w: %s", notifier.ErrAccountGone, readErrorDetail(resp.Body)))
			default:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
		},
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying API request after error", "endpoint", name, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		// Unwrap the taxonomy errors; anything else is a network failure
		// after exhausted retries.
		if notifier.IsRateLimit(err) || notifier.IsAuth(err) ||
			errors.Is(err, notifier.ErrAccountGone) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

// postURL builds the public web URL for a post from its AT-URI.
// at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b -> https://bsky.app/profile/<handle>/post/3l3qo2vuowo2b
func postURL(handle, atURI string) string {
	rkey := atURI
	if idx := strings.LastIndex(atURI, "/"); idx >= 0 {
		rkey = atURI[idx+1:]
	}
	return "https://bsky.app/profile/" + handle + "/post/" + rkey
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func readErrorDetail(r io.Reader) string {
	var e xrpcError
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&e); err != nil {
		return "unreadable error body"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func closeBody(resp *http.Response, logger *slog.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Warn("Failed to close response body", "error", err)
	}
}
