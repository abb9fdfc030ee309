package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/blacktop/sitepost/internal/opengraph"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
)

const (
	envHandle      = "BLUESKY_HANDLE"
	envAppPassword = "BLUESKY_APP_PASSWORD"

	defaultService = "https://bsky.social"
	postCollection = "app.bsky.feed.post"
	requestTimeout = 30 * time.Second
	userAgent      = "sitepost/1"
)

// Previewer fetches link-preview metadata for external embeds.
type Previewer interface {
	Fetch(ctx context.Context, url string) (*opengraph.Metadata, bool)
	FetchImage(ctx context.Context, url string) (*opengraph.Image, bool)
}

// Client implements the sitepost.Poster interface for Bluesky. A new session
// is created for every post.
type Client struct {
	handle      string
	appPassword string
	service     string
	httpClient  *http.Client
	preview     Previewer
	now         func() time.Time
}

// New constructs a Bluesky poster. It fails with a MissingEnvError when the
// handle or app password is not configured.
func New(cfg config.Bluesky, preview Previewer) (*Client, error) {
	handle := strings.TrimPrefix(strings.TrimSpace(cfg.Handle), "@")
	password := strings.TrimSpace(cfg.AppPassword)
	if handle == "" || password == "" {
		return nil, sitepost.MissingEnvError{Provider: sitepost.NetworkBluesky, Variables: []string{envHandle, envAppPassword}}
	}

	service := strings.TrimRight(strings.TrimSpace(cfg.Service), "/")
	if service == "" {
		service = defaultService
	}

	return &Client{
		handle:      handle,
		appPassword: password,
		service:     service,
		httpClient:  &http.Client{Timeout: requestTimeout},
		preview:     preview,
		now:         time.Now,
	}, nil
}

// WithHTTPClient replaces the HTTP client used for XRPC calls.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Name identifies the provider.
func (c *Client) Name() string { return sitepost.NetworkBluesky }

// Post logs in, then creates a post with link facets and at most one embed.
// An image attachment wins over a link card.
func (c *Client) Post(ctx context.Context, post sitepost.Post) (string, error) {
	ua := userAgent
	xc := &xrpc.Client{
		Client:    c.httpClient,
		Host:      c.service,
		UserAgent: &ua,
	}

	session, err := atproto.ServerCreateSession(ctx, xc, &atproto.ServerCreateSession_Input{
		Identifier: c.handle,
		Password:   c.appPassword,
	})
	if err != nil {
		return "", crosspostError("login", err)
	}
	if session.AccessJwt == "" || session.Did == "" {
		return "", missingField("login", session)
	}

	xc.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}

	message := post.Message()
	if strings.TrimSpace(message) == "" {
		return "", nil
	}

	links := FindLinks(message)
	record := &bsky.FeedPost{
		LexiconTypeID: postCollection,
		CreatedAt:     c.now().UTC().Format(time.RFC3339),
		Text:          message,
		Facets:        LinkFacets(message),
	}

	embed, err := c.embed(ctx, xc, post, links)
	if err != nil {
		return "", err
	}
	record.Embed = embed

	out, err := atproto.RepoCreateRecord(ctx, xc, &atproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       session.Did,
		Record: &util.LexiconTypeDecoder{
			Val: record,
		},
	})
	if err != nil {
		return "", crosspostError("post", err)
	}
	if out.Uri == "" {
		return "", missingField("post", out)
	}

	rkey := out.Uri[strings.LastIndex(out.Uri, "/")+1:]
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", c.handle, rkey), nil
}

func (c *Client) embed(ctx context.Context, xc *xrpc.Client, post sitepost.Post, links []string) (*bsky.FeedPost_Embed, error) {
	if att := post.Attachment; att != nil && len(att.Data) > 0 {
		blob, err := c.uploadBlob(ctx, xc, att.Data, att.MimeType)
		if err != nil {
			return nil, crosspostError("image upload", err)
		}
		alt := strings.TrimSpace(att.Alt)
		if alt == "" {
			alt = sitepost.DefaultAltText
		}
		return &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{
				Images: []*bsky.EmbedImages_Image{
					{
						Alt:   alt,
						Image: blob,
					},
				},
			},
		}, nil
	}

	target := ""
	for _, link := range links {
		if link != post.Link {
			target = link
			break
		}
	}
	if target == "" {
		target = post.Link
	}
	if target == "" || c.preview == nil {
		return nil, nil
	}

	external := c.external(ctx, xc, target)
	if external == nil {
		return nil, nil
	}
	return &bsky.FeedPost_Embed{EmbedExternal: &bsky.EmbedExternal{External: external}}, nil
}

// external builds a link card. Preview failures drop the card or its
// thumbnail, never the post.
func (c *Client) external(ctx context.Context, xc *xrpc.Client, target string) *bsky.EmbedExternal_External {
	meta, ok := c.preview.Fetch(ctx, target)
	if !ok {
		return nil
	}

	title := meta.Title
	if title == "" {
		title = target
	}
	external := &bsky.EmbedExternal_External{
		Uri:         target,
		Title:       title,
		Description: meta.Description,
	}

	if meta.ImageURL == "" {
		return external
	}
	img, ok := c.preview.FetchImage(ctx, meta.ImageURL)
	if !ok {
		return external
	}
	blob, err := c.uploadBlob(ctx, xc, img.Data, img.MimeType)
	if err != nil {
		logutil.Debugf("bluesky: thumbnail upload for %s: %v", target, err)
		return external
	}
	external.Thumb = blob
	return external
}

func (c *Client) uploadBlob(ctx context.Context, xc *xrpc.Client, data []byte, mimeType string) (*util.LexBlob, error) {
	resp, err := atproto.RepoUploadBlob(ctx, xc, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if resp.Blob == nil {
		return nil, fmt.Errorf("upload blob: empty response")
	}
	if resp.Blob.MimeType == "" {
		resp.Blob.MimeType = mimeType
	}
	return resp.Blob, nil
}

func crosspostError(op string, err error) error {
	ce := &sitepost.CrosspostError{Network: sitepost.NetworkBluesky, Op: op, Body: err.Error()}

	var xe *xrpc.Error
	if errors.As(err, &xe) {
		ce.Status = xe.StatusCode
		var body *xrpc.XRPCError
		if errors.As(xe.Wrapped, &body) {
			if raw, merr := json.Marshal(body); merr == nil {
				ce.Body = string(raw)
			}
		} else if xe.Wrapped != nil {
			ce.Body = xe.Wrapped.Error()
		}
	}
	return ce
}

func missingField(op string, payload any) error {
	raw, _ := json.Marshal(payload)
	return &sitepost.CrosspostError{Network: sitepost.NetworkBluesky, Op: op, Status: http.StatusOK, Body: string(raw)}
}
