package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/media/upload"
	uploadtypes "github.com/michimani/gotwi/media/upload/types"
	"github.com/michimani/gotwi/resources"
	"github.com/michimani/gotwi/tweet/managetweet"
	managetweettypes "github.com/michimani/gotwi/tweet/managetweet/types"
)

const (
	envConsumerKey       = "X_CONSUMER_KEY"
	envConsumerSecret    = "X_CONSUMER_SECRET"
	envAccessToken       = "X_ACCESS_TOKEN"
	envAccessTokenSecret = "X_ACCESS_TOKEN_SECRET"

	metadataEndpoint = "https://upload.twitter.com/1.1/media/metadata/create.json"
	statusURLPrefix  = "https://x.com/i/web/status/"
)

var httpTimeout = 30 * time.Second

// Client implements the Poster interface for X.
type Client struct {
	api *gotwi.Client
}

// New constructs an X poster using gotwi and OAuth 1.0a user-context
// credentials. Every missing credential is named in the MissingEnvError.
func New(cfg config.X) (*Client, error) {
	return newClient(cfg, &http.Client{Timeout: httpTimeout})
}

func newClient(cfg config.X, httpClient *http.Client) (*Client, error) {
	if err := checkCredentials(cfg); err != nil {
		return nil, err
	}

	client, err := gotwi.NewClient(&gotwi.NewClientInput{
		HTTPClient:           httpClient,
		AuthenticationMethod: gotwi.AuthenMethodOAuth1UserContext,
		OAuthToken:           strings.TrimSpace(cfg.AccessToken),
		OAuthTokenSecret:     strings.TrimSpace(cfg.AccessTokenSecret),
		APIKey:               strings.TrimSpace(cfg.ConsumerKey),
		APIKeySecret:         strings.TrimSpace(cfg.ConsumerSecret),
		Debug:                logutil.Verbose(),
	})
	if err != nil {
		return nil, fmt.Errorf("create X client: %w", err)
	}
	if !client.IsReady() {
		return nil, fmt.Errorf("X client not ready")
	}

	return &Client{api: client}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return sitepost.NetworkX }

// Post publishes the message, with the attachment if any, and returns the
// tweet URL.
func (c *Client) Post(ctx context.Context, post sitepost.Post) (string, error) {
	message := strings.TrimSpace(post.Message())
	if message == "" {
		return "", nil
	}

	var mediaIDs []string
	if att := post.Attachment; att != nil && len(att.Data) > 0 {
		logutil.Debugf("x: uploading media: name=%s bytes=%d", att.Filename, len(att.Data))
		mediaID, err := c.uploadMedia(ctx, att)
		if err != nil {
			return "", err
		}
		mediaIDs = append(mediaIDs, mediaID)
	}

	input := &managetweettypes.CreateInput{
		Text: gotwi.String(message),
	}
	if len(mediaIDs) > 0 {
		input.Media = &managetweettypes.CreateInputMedia{MediaIDs: mediaIDs}
	}

	out, err := managetweet.Create(ctx, c.api, input)
	if err != nil {
		return "", crosspostError("post", err)
	}
	id := gotwi.StringValue(out.Data.ID)
	if id == "" {
		return "", &sitepost.CrosspostError{Network: sitepost.NetworkX, Op: "post", Status: http.StatusOK, Body: "{}"}
	}
	logutil.Debugf("x: tweet posted: id=%s", id)

	return statusURLPrefix + id, nil
}

func (c *Client) uploadMedia(ctx context.Context, att *sitepost.Attachment) (string, error) {
	mediaType, category, err := resolveMediaType(att.Filename, att.MimeType, att.Data)
	if err != nil {
		return "", err
	}

	initRes, err := upload.Initialize(ctx, c.api, &uploadtypes.InitializeInput{
		MediaType:     mediaType,
		TotalBytes:    len(att.Data),
		MediaCategory: category,
	})
	if err != nil {
		return "", crosspostError("media upload", err)
	}
	if err := partialError(initRes.Errors); err != nil {
		return "", crosspostError("media upload", err)
	}
	mediaID := initRes.Data.MediaID

	appendIn := &uploadtypes.AppendInput{
		MediaID:      mediaID,
		Media:        bytes.NewReader(att.Data),
		SegmentIndex: 0,
	}
	appendIn.GenerateBoundary()

	appendRes, err := upload.Append(ctx, c.api, appendIn)
	if err != nil {
		return "", crosspostError("media upload", err)
	}
	if err := partialError(appendRes.Errors); err != nil {
		return "", crosspostError("media upload", err)
	}

	finalizeRes, err := upload.Finalize(ctx, c.api, &uploadtypes.FinalizeInput{MediaID: mediaID})
	if err != nil {
		return "", crosspostError("media upload", err)
	}
	if err := partialError(finalizeRes.Errors); err != nil {
		return "", crosspostError("media upload", err)
	}

	state := finalizeRes.Data.ProcessingInfo.State
	switch state {
	case "", resources.ProcessingInfoStateSucceeded:
	case resources.ProcessingInfoStateInProgress, resources.ProcessingInfoStatePending:
		timer := time.NewTimer(time.Duration(finalizeRes.Data.ProcessingInfo.CheckAfterSecs) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	default:
		return "", &sitepost.CrosspostError{Network: sitepost.NetworkX, Op: "media upload", Body: fmt.Sprintf("processing state %s", state)}
	}

	alt := strings.TrimSpace(att.Alt)
	if alt == "" {
		alt = sitepost.DefaultAltText
	}
	if err := c.setAltText(ctx, mediaID, alt); err != nil {
		return "", err
	}

	return mediaID, nil
}

func (c *Client) setAltText(ctx context.Context, mediaID, altText string) error {
	params := &metadataParameters{
		mediaID: mediaID,
		altText: altText,
	}

	ctx = context.WithValue(ctx, "Content-Type", "application/json;charset=UTF-8")

	if err := c.api.CallAPI(ctx, metadataEndpoint, http.MethodPost, params, &metadataResponse{}); err != nil {
		return crosspostError("alt text", err)
	}
	return nil
}

func checkCredentials(cfg config.X) error {
	var missing []string
	if strings.TrimSpace(cfg.ConsumerKey) == "" {
		missing = append(missing, envConsumerKey)
	}
	if strings.TrimSpace(cfg.ConsumerSecret) == "" {
		missing = append(missing, envConsumerSecret)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		missing = append(missing, envAccessToken)
	}
	if strings.TrimSpace(cfg.AccessTokenSecret) == "" {
		missing = append(missing, envAccessTokenSecret)
	}
	if len(missing) > 0 {
		return sitepost.MissingEnvError{Provider: sitepost.NetworkX, Variables: missing}
	}
	return nil
}

// resolveMediaType prefers the file extension, then the declared MIME type,
// then content sniffing.
func resolveMediaType(filename, mimeType string, data []byte) (uploadtypes.MediaType, uploadtypes.MediaCategory, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage, nil
	case ".png":
		return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage, nil
	case ".gif":
		return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF, nil
	case ".webp":
		return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage, nil
	}

	for _, detected := range []string{strings.ToLower(mimeType), http.DetectContentType(data)} {
		switch {
		case strings.Contains(detected, "jpeg"):
			return uploadtypes.MediaTypeJPEG, uploadtypes.MediaCategoryTweetImage, nil
		case strings.Contains(detected, "png"):
			return uploadtypes.MediaTypePNG, uploadtypes.MediaCategoryTweetImage, nil
		case strings.Contains(detected, "gif"):
			return uploadtypes.MediaTypeGIF, uploadtypes.MediaCategoryTweetGIF, nil
		case strings.Contains(detected, "webp"):
			return uploadtypes.MediaTypeWebP, uploadtypes.MediaCategoryTweetImage, nil
		}
	}

	return "", "", sitepost.ValidationError{Provider: sitepost.NetworkX, Reason: fmt.Sprintf("unsupported image type for %q", filename)}
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		case pe.ResourceType != nil:
			msgs = append(msgs, fmt.Sprintf("%s", *pe.ResourceType))
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "unknown error")
	}
	return errors.New(strings.Join(msgs, "; "))
}

func crosspostError(op string, err error) error {
	var ce *sitepost.CrosspostError
	if errors.As(err, &ce) {
		return ce
	}
	body := err.Error()
	status := 0
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		body = summarizeGotwiError(gwErr)
		status = gwErr.StatusCode
	}
	return &sitepost.CrosspostError{Network: sitepost.NetworkX, Op: op, Status: status, Body: body}
}

func summarizeGotwiError(err *gotwi.GotwiError) string {
	parts := make([]string, 0, 4)
	if err.Title != "" {
		parts = append(parts, err.Title)
	}
	if err.Detail != "" {
		parts = append(parts, err.Detail)
	}
	for _, apiErr := range err.APIErrors {
		if apiErr.Message != "" {
			parts = append(parts, apiErr.Message)
		}
	}
	if len(parts) == 0 {
		if msg := err.Error(); msg != "" {
			parts = append(parts, msg)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "X API request failed")
	}

	return strings.Join(parts, "; ")
}

type metadataParameters struct {
	mediaID     string
	altText     string
	accessToken string
}

func (p *metadataParameters) SetAccessToken(token string) {
	p.accessToken = token
}

func (p *metadataParameters) AccessToken() string {
	return p.accessToken
}

func (p *metadataParameters) ResolveEndpoint(endpointBase string) string {
	return endpointBase
}

func (p *metadataParameters) Body() (io.Reader, error) {
	body := struct {
		MediaID string `json:"media_id"`
		AltText struct {
			Text string `json:"text"`
		} `json:"alt_text"`
	}{}
	body.MediaID = p.mediaID
	body.AltText.Text = p.altText

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(buf), nil
}

func (p *metadataParameters) ParameterMap() map[string]string {
	return map[string]string{}
}

type metadataResponse struct{}

func (metadataResponse) HasPartialError() bool { return false }
