package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"bluesky-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(apiHost, sessionHost string) *Client {
	return New(&http.Client{Timeout: 5 * time.Second}, apiHost, sessionHost, "", "", testLogger())
}

const authorFeedJSON = `{
	"feed": [
		{
			"post": {
				"uri": "at://did:plc:alice/app.bsky.feed.post/3k77",
				"author": {"did": "did:plc:alice", "handle": "alice.example", "displayName": "Alice"},
				"record": {"text": "newest post", "createdAt": "2025-06-03T10:00:00Z"}
			}
		},
		{
			"post": {
				"uri": "at://did:plc:bob/app.bsky.feed.post/3k55",
				"author": {"did": "did:plc:bob", "handle": "bob.example", "displayName": "Bob"},
				"record": {"text": "a repost of someone else", "createdAt": "2025-06-02T10:00:00Z"}
			},
			"reason": {"$type": "app.bsky.feed.defs#reasonRepost"}
		},
		{
			"post": {
				"uri": "at://did:plc:carol/app.bsky.feed.post/3k44",
				"author": {"did": "did:plc:carol", "handle": "carol.example", "displayName": "Carol"},
				"record": {"text": "reply thread noise", "createdAt": "2025-06-01T10:00:00Z"}
			}
		},
		{
			"post": {
				"uri": "at://did:plc:alice/app.bsky.feed.post/3k33",
				"author": {"did": "did:plc:alice", "handle": "alice.example", "displayName": "Alice"},
				"record": {"text": "older post", "createdAt": "2025-05-30T10:00:00Z"}
			}
		}
	]
}`

func TestRecentPostsFiltersRepostsAndOtherAuthors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/app.bsky.feed.getAuthorFeed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("actor"); got != "did:plc:alice" {
			t.Errorf("actor = %s, want did:plc:alice", got)
		}
		if got := r.URL.Query().Get("limit"); got != "20" {
			t.Errorf("limit = %s, want 20", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write([]byte(authorFeedJSON)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	posts, err := testClient(srv.URL, srv.URL).RecentPosts(context.Background(), "did:plc:alice", 20)
	if err != nil {
		t.Fatalf("RecentPosts() error = %v", err)
	}

	if len(posts) != 2 {
		t.Fatalf("RecentPosts() returned %d posts, want 2 (reposts and other authors filtered)", len(posts))
	}
	if posts[0].ID != "at://did:plc:alice/app.bsky.feed.post/3k77" {
		t.Errorf("posts[0].ID = %s", posts[0].ID)
	}
	if posts[0].Content != "newest post" {
		t.Errorf("posts[0].Content = %q", posts[0].Content)
	}
	if posts[0].URL != "https://bsky.app/profile/alice.example/post/3k77" {
		t.Errorf("posts[0].URL = %s", posts[0].URL)
	}
	if posts[1].ID != "at://did:plc:alice/app.bsky.feed.post/3k33" {
		t.Errorf("posts[1].ID = %s, want newest-first ordering preserved", posts[1].ID)
	}
}

func TestRecentPostsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, srv.URL).RecentPosts(context.Background(), "did:plc:alice", 20)
	if !notifier.IsRateLimit(err) {
		t.Fatalf("RecentPosts() error = %v, want rate limit error", err)
	}
	var rl *notifier.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %s, want 30s", rl.RetryAfter)
	}
}

func TestRecentPostsAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		if _, err := w.Write([]byte(`{"error": "AuthRequired", "message": "invalid token"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, srv.URL).RecentPosts(context.Background(), "did:plc:alice", 20)
	if !notifier.IsAuth(err) {
		t.Fatalf("RecentPosts() error = %v, want auth error", err)
	}
}

func TestRecentPostsAccountGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := w.Write([]byte(`{"error": "InvalidRequest", "message": "Profile not found"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, srv.URL).RecentPosts(context.Background(), "did:plc:gone", 20)
	if !errors.Is(err, notifier.ErrAccountGone) {
		t.Fatalf("RecentPosts() error = %v, want ErrAccountGone", err)
	}
}

func TestProfileResolvesHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The leading @ must be stripped before hitting the API.
		if got := r.URL.Query().Get("actor"); got != "alice.example" {
			t.Errorf("actor = %s, want alice.example", got)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := `{"did": "did:plc:alice", "handle": "alice.example", "displayName": "Alice", "avatar": "https://cdn.example/a.jpg"}`
		if _, err := w.Write([]byte(resp)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	profile, err := testClient(srv.URL, srv.URL).Profile(context.Background(), "@alice.example")
	if err != nil {
		t.Fatalf("Profile() error = %v", err)
	}
	if profile.DID != "did:plc:alice" {
		t.Errorf("DID = %s", profile.DID)
	}
	if profile.DisplayName != "Alice" {
		t.Errorf("DisplayName = %s", profile.DisplayName)
	}
}

func TestProfileInvalidHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := w.Write([]byte(`{"error": "InvalidRequest", "message": "Unable to resolve handle"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL, srv.URL).Profile(context.Background(), "no-such-handle.example")
	if !errors.Is(err, notifier.ErrInvalidHandle) {
		t.Fatalf("Profile() error = %v, want ErrInvalidHandle", err)
	}
}

func TestProfileEmptyHandle(t *testing.T) {
	_, err := testClient("http://unused.invalid", "http://unused.invalid").Profile(context.Background(), "@")
	if !errors.Is(err, notifier.ErrInvalidHandle) {
		t.Errorf("Profile(\"@\") error = %v, want ErrInvalidHandle", err)
	}
}

func TestLoginSetsBearerToken(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			w.Header().Set("Content-Type", "application/json")
			resp := `{"accessJwt": "test-jwt", "did": "did:plc:me", "handle": "me.example"}`
			if _, err := w.Write([]byte(resp)); err != nil {
				t.Errorf("write response: %v", err)
			}
		case "/xrpc/app.bsky.feed.getAuthorFeed":
			sawAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			if _, err := w.Write([]byte(`{"feed": []}`)); err != nil {
				t.Errorf("write response: %v", err)
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(&http.Client{Timeout: 5 * time.Second}, srv.URL, srv.URL, "me.example", "app-password", testLogger())
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := c.RecentPosts(context.Background(), "did:plc:alice", 20); err != nil {
		t.Fatalf("RecentPosts() error = %v", err)
	}
	if sawAuth != "Bearer test-jwt" {
		t.Errorf("Authorization header = %q, want Bearer test-jwt", sawAuth)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		if _, err := w.Write([]byte(`{"error": "AuthenticationRequired", "message": "Invalid identifier or password"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	c := New(&http.Client{Timeout: 5 * time.Second}, srv.URL, srv.URL, "me.example", "wrong", testLogger())
	err := c.Login(context.Background())
	if !notifier.IsAuth(err) {
		t.Fatalf("Login() error = %v, want auth error", err)
	}
}

func TestLoginWithoutCredentialsIsNoop(t *testing.T) {
	c := testClient("http://unused.invalid", "http://unused.invalid")
	if err := c.Login(context.Background()); err != nil {
		t.Errorf("Login() without credentials error = %v", err)
	}
}

func TestPostURL(t *testing.T) {
	tests := []struct {
		name   string
		handle string
		atURI  string
		want   string
	}{
		{
			"standard at-uri",
			"alice.example",
			"at://did:plc:alice/app.bsky.feed.post/3l3qo2vuowo2b",
			"https://bsky.app/profile/alice.example/post/3l3qo2vuowo2b",
		},
		{
			"no slashes",
			"alice.example",
			"bare-id",
			"https://bsky.app/profile/alice.example/post/bare-id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postURL(tt.handle, tt.atURI); got != tt.want {
				t.Errorf("postURL() = %s, want %s", got, tt.want)
			}
		})
	}
}
