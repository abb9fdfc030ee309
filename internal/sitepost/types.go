package sitepost

import (
	"context"
	"strings"
)

// Network names as reported to the operator.
const (
	NetworkBluesky  = "Bluesky"
	NetworkMastodon = "Mastodon"
	NetworkX        = "X"
)

// DefaultAltText is used when a photo has no caption.
const DefaultAltText = "Photo"

// Attachment is an image sent along with a cross-post.
type Attachment struct {
	Data     []byte
	Filename string
	MimeType string
	Alt      string
}

// Post defines the payload shared across all providers.
// Link is the permalink to append, empty when no link back was requested.
type Post struct {
	Text       string
	Link       string
	Attachment *Attachment
}

// Message returns the text every network publishes.
func (p Post) Message() string {
	return ComposeMessage(p.Text, p.Link)
}

// Poster abstracts a social network that can publish content. Post returns
// the public URL of the created post, or "" when nothing was published.
type Poster interface {
	Name() string
	Post(ctx context.Context, post Post) (string, error)
}

// ComposeMessage appends link after a blank line when one is given.
func ComposeMessage(text, link string) string {
	if link == "" {
		return text
	}
	return strings.TrimSpace(text + "\n\n" + link)
}

// Unavailable stands in for a network whose client could not be built, so the
// failure is reported where the network was requested.
type Unavailable struct {
	Network string
	Err     error
}

// Name identifies the provider.
func (u Unavailable) Name() string { return u.Network }

// Post always fails with the construction error.
func (u Unavailable) Post(context.Context, Post) (string, error) { return "", u.Err }
