package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"bluesky-notifier/pkg/notifier"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// EmailChannel delivers new-post notifications as HTML email through a
// pluggable provider.
type EmailChannel struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// NewEmailChannel creates the email channel with the given provider.
func NewEmailChannel(provider Provider, to string, logger *slog.Logger) *EmailChannel {
	return &EmailChannel{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// Name implements Channel.
func (*EmailChannel) Name() string { return ChannelEmail }

// Send sends an email notification for the event.
func (c *EmailChannel) Send(ctx context.Context, event *notifier.Event) error {
	subject := event.Title()
	body := formatEmailBody(event)

	c.logger.Info("Sending notification email",
		"to", c.to,
		"subject", subject,
		"post_id", event.Post.ID)

	return c.provider.Send(ctx, c.to, subject, body)
}

func formatEmailBody(event *notifier.Event) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; }\n")
	b.WriteString(".header { border-bottom: 2px solid #1185fe; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".author { color: #1185fe; font-weight: 600; }\n")
	b.WriteString(".timestamp { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; white-space: pre-wrap; }\n")
	b.WriteString(".footer { margin-top: 20px; padding-top: 10px; border-top: 2px solid #ecf0f1; color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString("a { color: #1185fe; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(event.Title())))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"meta\">\n")
	b.WriteString(fmt.Sprintf("<span class=\"author\">@%s</span>\n", escapeHTML(event.Post.Author)))
	if !event.Post.CreatedAt.IsZero() {
		b.WriteString(fmt.Sprintf("<span class=\"timestamp\"> &bull; %s</span>\n",
			event.Post.CreatedAt.Format("Jan 2, 2006 at 3:04 PM")))
	}
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(escapeHTML(event.Post.Content))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">View this post on Bluesky</a>\n", escapeHTML(event.Post.URL)))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// sanitizeEmailHeader removes newlines and control characters to prevent
// header injection. RFC 5322 headers are newline-delimited, so any newline
// in a header value allows injecting arbitrary headers or body content.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
