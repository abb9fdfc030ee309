package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/sitepost"
	mastodonapi "github.com/mattn/go-mastodon"
)

const (
	envBaseURL     = "MASTODON_BASE_URL"
	envAccessToken = "MASTODON_ACCESS_TOKEN"

	defaultVisibility = "unlisted"
	requestTimeout    = 30 * time.Second
)

// Client wraps the Mastodon API client with sitepost semantics.
type Client struct {
	client     *mastodonapi.Client
	visibility string
}

// New constructs a Mastodon poster. It fails with a MissingEnvError when the
// instance URL or access token is not configured.
func New(cfg config.Mastodon) (*Client, error) {
	server := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	token := strings.TrimSpace(cfg.AccessToken)
	if server == "" || token == "" {
		return nil, sitepost.MissingEnvError{Provider: sitepost.NetworkMastodon, Variables: []string{envBaseURL, envAccessToken}}
	}

	visibility := strings.TrimSpace(cfg.Visibility)
	if visibility == "" {
		visibility = defaultVisibility
	}

	mastodonClient := mastodonapi.NewClient(&mastodonapi.Config{
		Server:      server,
		AccessToken: token,
	})
	mastodonClient.Timeout = requestTimeout

	return &Client{client: mastodonClient, visibility: visibility}, nil
}

// Name identifies the provider.
func (c *Client) Name() string { return sitepost.NetworkMastodon }

// Post uploads the attachment, if any, then publishes the status. A failed
// upload aborts the post.
func (c *Client) Post(ctx context.Context, post sitepost.Post) (string, error) {
	var mediaIDs []mastodonapi.ID
	if att := post.Attachment; att != nil && len(att.Data) > 0 {
		attachment, err := c.uploadMedia(ctx, att)
		if err != nil {
			return "", err
		}
		mediaIDs = append(mediaIDs, attachment.ID)
	}

	status, err := c.client.PostStatus(ctx, &mastodonapi.Toot{
		Status:     strings.TrimSpace(post.Message()),
		MediaIDs:   mediaIDs,
		Visibility: c.visibility,
	})
	if err != nil {
		return "", crosspostError("post", err)
	}
	if status == nil || status.URL == "" {
		return "", missingField("post", status)
	}

	return status.URL, nil
}

func (c *Client) uploadMedia(ctx context.Context, att *sitepost.Attachment) (*mastodonapi.Attachment, error) {
	alt := strings.TrimSpace(att.Alt)
	if alt == "" {
		alt = sitepost.DefaultAltText
	}

	attachment, err := c.client.UploadMediaFromMedia(ctx, &mastodonapi.Media{
		File:        bytes.NewReader(att.Data),
		Description: alt,
	})
	if err != nil {
		return nil, crosspostError("media upload", err)
	}
	if attachment == nil || attachment.ID == "" {
		return nil, missingField("media upload", attachment)
	}

	return attachment, nil
}

func crosspostError(op string, err error) error {
	ce := &sitepost.CrosspostError{Network: sitepost.NetworkMastodon, Op: op, Body: err.Error()}

	var apiErr *mastodonapi.APIError
	if errors.As(err, &apiErr) {
		ce.Status = apiErr.StatusCode
		raw, _ := json.Marshal(map[string]string{"error": apiErr.Message})
		ce.Body = string(raw)
	}
	return ce
}

func missingField(op string, payload any) error {
	raw, _ := json.Marshal(payload)
	return &sitepost.CrosspostError{Network: sitepost.NetworkMastodon, Op: op, Status: 200, Body: string(raw)}
}
