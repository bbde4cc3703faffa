package store

import (
	"testing"
	"time"

	"bluesky-notifier/pkg/notifier"
)

func posts(ids ...string) []*notifier.Post {
	out := make([]*notifier.Post, len(ids))
	for i, id := range ids {
		out[i] = &notifier.Post{ID: id}
	}
	return out
}

func ids(posts []*notifier.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func TestNewPosts(t *testing.T) {
	tests := []struct {
		name      string
		fetched   []*notifier.Post // newest first
		watermark string           // empty means no watermark yet
		want      []string         // oldest first
		wantGap   bool
	}{
		{
			name:      "no watermark returns nothing regardless of history",
			fetched:   posts("p5", "p4", "p3", "p2", "p1"),
			watermark: "",
			want:      nil,
		},
		{
			name:      "watermark at newest post means no new posts",
			fetched:   posts("p5", "p4", "p3"),
			watermark: "p5",
			want:      nil,
		},
		{
			name:      "posts before watermark returned oldest first",
			fetched:   posts("p5", "p4", "p3"),
			watermark: "p3",
			want:      []string{"p4", "p5"},
		},
		{
			name:      "single new post",
			fetched:   posts("p2", "p1"),
			watermark: "p1",
			want:      []string{"p2"},
		},
		{
			name:      "watermark missing from window is a gap, all posts new",
			fetched:   posts("p9", "p8", "p7"),
			watermark: "p2",
			want:      []string{"p7", "p8", "p9"},
			wantGap:   true,
		},
		{
			name:      "empty fetch returns nothing",
			fetched:   nil,
			watermark: "p1",
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wm *notifier.Watermark
			if tt.watermark != "" {
				wm = &notifier.Watermark{LastSeenPostID: tt.watermark}
			}

			got, gap := NewPosts(tt.fetched, wm)

			if gap != tt.wantGap {
				t.Errorf("NewPosts() gap = %v, want %v", gap, tt.wantGap)
			}
			gotIDs := ids(got)
			if len(gotIDs) != len(tt.want) {
				t.Fatalf("NewPosts() = %v, want %v", gotIDs, tt.want)
			}
			for i := range tt.want {
				if gotIDs[i] != tt.want[i] {
					t.Errorf("NewPosts()[%d] = %s, want %s", i, gotIDs[i], tt.want[i])
				}
			}
		})
	}
}

// TestNewPostsNeverRepeatsWatermarkedPost verifies the dedup invariant: a
// post at or before the watermark is never returned.
func TestNewPostsNeverRepeatsWatermarkedPost(t *testing.T) {
	fetched := posts("p5", "p4", "p3", "p2", "p1")
	wm := &notifier.Watermark{LastSeenPostID: "p3"}

	got, _ := NewPosts(fetched, wm)
	for _, p := range got {
		switch p.ID {
		case "p3", "p2", "p1":
			t.Errorf("NewPosts() returned already-seen post %s", p.ID)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := time.Minute
	tests := []struct {
		failCount int
		want      time.Duration
	}{
		{0, 0},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{6, 30 * time.Minute},  // capped
		{60, 30 * time.Minute}, // cap holds for absurd counts without overflow
	}

	for _, tt := range tests {
		if got := Backoff(tt.failCount, base); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.failCount, base, got, tt.want)
		}
	}
}
