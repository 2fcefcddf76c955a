package domain

import (
	"html"
	"strings"
)

// FeedEvent is a post observed on the upstream feed
type FeedEvent struct {
	ID       string // at-uri of the record
	SourceID string // DID of the author
	Text     string
	IsReply  bool
	IsRepost bool

	// Set for reposts: the reposted post and its author
	OriginalID     string
	OriginalAuthor string
	OriginalText   string

	// Public link to the post
	Permalink string
}

// CleanContent returns the single-line text that filters match against and that gets delivered.
// Reposts are rendered as "RT @author: text"; replies get their permalink appended.
func CleanContent(ev FeedEvent) string {
	text := ev.Text
	if ev.IsRepost {
		text = "RT @" + ev.OriginalAuthor + ": " + ev.OriginalText
	}
	text = html.UnescapeString(text)
	text = strings.Join(strings.Fields(text), " ")
	if ev.IsReply && ev.Permalink != "" {
		text += " " + ev.Permalink
	}
	return text
}

// FormatDelivery builds the chat line for a post by handle
func FormatDelivery(handle, cleaned string) string {
	return "[Bluesky] @" + handle + " wrote: " + cleaned
}
