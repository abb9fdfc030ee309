// Package publish turns an admin submission into repository commits and
// cross-posts.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/contentrepo"
	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/google/uuid"
)

// FeedPath is the microblog feed document in the site repository.
const FeedPath = "data/microblog.json"

const (
	idTimeLayout      = "20060102150405"
	createdAtLayout   = "2006-01-02T15:04:05.000Z"
	unknownCrosspost  = "Unknown failure"
	feedCommitMessage = "Publish microblog post: "
	pageCommitMessage = "Publish microblog page: "
)

// Repository is the slice of the content repository the publisher needs.
type Repository interface {
	ReadWithVersion(ctx context.Context, path string) (*contentrepo.Document, error)
	WriteText(ctx context.Context, path, content, message, version string) (string, error)
	WriteBinary(ctx context.Context, path string, data []byte, message string) (string, error)
}

// Upload is a file received with a request.
type Upload struct {
	Data     []byte
	Filename string
	MimeType string
	Size     int64
}

func (u *Upload) usable() bool { return u != nil && len(u.Data) > 0 }

// Request is one publish submission.
type Request struct {
	PublishMicroblog    bool
	PublishPhotoStream  bool
	PostToBluesky       bool
	PostToMastodon      bool
	PostToX             bool
	IncludePermalink    bool
	AttachPhotoToSocial bool

	MicroText     string
	Photo         *Upload
	PhotoCaption  string
	PhotoLocation string
	// PhotoDate is YYYY-MM-DD; anything else means today.
	PhotoDate string
}

// Entry is one element of the microblog feed.
type Entry struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	CreatedAt   string `json:"createdAt"`
	Permalink   string `json:"permalink,omitempty"`
	BlueskyURL  string `json:"blueskyUrl,omitempty"`
	MastodonURL string `json:"mastodonUrl,omitempty"`
	XURL        string `json:"xUrl,omitempty"`
}

// Result is returned to the caller after a publish.
type Result struct {
	OK        bool         `json:"ok"`
	Photo     *QueuedPhoto `json:"photo,omitempty"`
	Microblog *Entry       `json:"microblog,omitempty"`
	// Crosspost lists the networks that accepted the post. It is present,
	// possibly empty, whenever the microblog ran.
	Crosspost       []string          `json:"crosspost,omitzero"`
	CrosspostErrors map[string]string `json:"crosspostErrors,omitempty"`
}

// Publisher runs publish requests against a repository and a set of posters.
type Publisher struct {
	cfg     *config.Config
	repo    Repository
	posters map[string]sitepost.Poster
	now     func() time.Time
	suffix  func() string
}

// New constructs a publisher. Posters are looked up by Name when a request
// asks for their network.
func New(cfg *config.Config, repo Repository, posters ...sitepost.Poster) *Publisher {
	p := &Publisher{
		cfg:     cfg,
		repo:    repo,
		posters: make(map[string]sitepost.Poster, len(posters)),
		now:     time.Now,
		suffix:  func() string { return uuid.NewString()[:8] },
	}
	for _, poster := range posters {
		p.posters[poster.Name()] = poster
	}
	return p
}

// WithClock replaces the time source.
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Publish validates the request, queues the photo if asked, then publishes
// the microblog entry. Steps already committed are not rolled back when a
// later step fails.
func (p *Publisher) Publish(ctx context.Context, req Request) (*Result, error) {
	if missing := p.cfg.Missing(); len(missing) > 0 {
		return nil, sitepost.ConfigurationError(missing[0])
	}
	if !req.PublishMicroblog && !req.PublishPhotoStream {
		return nil, sitepost.BadRequest("Pick at least one destination")
	}

	res := &Result{OK: true}

	if req.PublishPhotoStream {
		switch {
		case req.Photo.usable():
			photo, err := p.queuePhoto(ctx, req)
			if err != nil {
				return nil, err
			}
			res.Photo = photo
		case !req.PublishMicroblog:
			return nil, sitepost.BadRequest("Photo file is required for photo stream publish")
		}
	}

	if !req.PublishMicroblog {
		return res, nil
	}

	text := strings.TrimSpace(req.MicroText)
	if text == "" && res.Photo != nil {
		text = altText(req.PhotoCaption) + "\n\n" + res.Photo.GalleryURL
	}
	if text == "" {
		return nil, sitepost.BadRequest("Microblog text is required")
	}

	entry, crosspost, crosspostErrors, err := p.publishMicroblog(ctx, req, text)
	if err != nil {
		return nil, err
	}
	res.Microblog = entry
	res.Crosspost = crosspost
	if len(crosspostErrors) > 0 {
		res.CrosspostErrors = crosspostErrors
	}
	return res, nil
}

func (p *Publisher) publishMicroblog(ctx context.Context, req Request, text string) (*Entry, []string, map[string]string, error) {
	// The version token is captured before any cross-post so their latency
	// cannot widen the read-then-write window.
	doc, err := p.repo.ReadWithVersion(ctx, FeedPath)
	if err != nil {
		return nil, nil, nil, err
	}
	feed, version, err := decodeFeed(doc)
	if err != nil {
		return nil, nil, nil, err
	}

	created := nextCreatedAt(p.now(), feed)

	entry := &Entry{
		ID:        "post-" + created.Format(idTimeLayout),
		Text:      text,
		CreatedAt: created.Format(createdAtLayout),
	}
	entry.Permalink = p.permalink(entry.ID)

	post := sitepost.Post{Text: text}
	if req.IncludePermalink {
		post.Link = entry.Permalink
	}
	if req.AttachPhotoToSocial && req.Photo.usable() {
		post.Attachment = &sitepost.Attachment{
			Data:     req.Photo.Data,
			Filename: req.Photo.Filename,
			MimeType: req.Photo.MimeType,
			Alt:      altText(req.PhotoCaption),
		}
	}

	targets := []struct {
		network   string
		requested bool
		url       *string
	}{
		{sitepost.NetworkBluesky, req.PostToBluesky, &entry.BlueskyURL},
		{sitepost.NetworkMastodon, req.PostToMastodon, &entry.MastodonURL},
		{sitepost.NetworkX, req.PostToX, &entry.XURL},
	}

	crosspost := []string{}
	crosspostErrors := map[string]string{}
	for _, target := range targets {
		if !target.requested {
			continue
		}
		url, err := p.crosspost(ctx, target.network, post)
		if err != nil {
			logutil.Warnf("crosspost %s: %v", target.network, err)
			crosspostErrors[target.network] = err.Error()
			continue
		}
		*target.url = url
		crosspost = append(crosspost, target.network)
	}

	page, err := renderPage(p.cfg.SiteBaseURL, entry, created)
	if err != nil {
		return nil, nil, nil, &sitepost.Error{Kind: sitepost.KindInternal, Message: "Render permalink page failed", Err: err}
	}
	if _, err := p.repo.WriteText(ctx, p.pagePath(entry.ID), page, pageCommitMessage+entry.ID, ""); err != nil {
		return nil, nil, nil, err
	}

	content, err := encodeFeed(entry, feed)
	if err != nil {
		return nil, nil, nil, &sitepost.Error{Kind: sitepost.KindInternal, Message: "Encode feed failed", Err: err}
	}
	if _, err := p.repo.WriteText(ctx, FeedPath, content, feedCommitMessage+entry.ID, version); err != nil {
		return nil, nil, nil, err
	}

	logutil.Infof("published %s (crosspost=%v)", entry.ID, crosspost)
	return entry, crosspost, crosspostErrors, nil
}

// crosspost isolates one network. Errors and panics become the returned
// error; a poster that reports no URL is a failure too.
func (p *Publisher) crosspost(ctx context.Context, network string, post sitepost.Post) (url string, err error) {
	poster, ok := p.posters[network]
	if !ok {
		return "", fmt.Errorf("%s is not configured", network)
	}

	defer func() {
		if r := recover(); r != nil {
			url, err = "", fmt.Errorf("%s client panicked: %v", network, r)
		}
	}()

	url, err = poster.Post(ctx, post)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", errors.New(unknownCrosspost)
	}
	return url, nil
}

func (p *Publisher) pagePath(id string) string {
	return p.cfg.PostsDir + "/" + id + ".html"
}

func (p *Publisher) permalink(id string) string {
	return p.cfg.SiteBaseURL + "/" + p.pagePath(id)
}

func altText(caption string) string {
	if caption = strings.TrimSpace(caption); caption != "" {
		return caption
	}
	return sitepost.DefaultAltText
}

// decodeFeed keeps existing entries as raw JSON so fields this version does
// not know about survive the rewrite.
func decodeFeed(doc *contentrepo.Document) ([]json.RawMessage, string, error) {
	if doc == nil {
		return nil, "", nil
	}
	if strings.TrimSpace(doc.Content) == "" {
		return nil, doc.Version, nil
	}
	var feed []json.RawMessage
	if err := json.Unmarshal([]byte(doc.Content), &feed); err != nil {
		return nil, "", &sitepost.Error{
			Kind:    sitepost.KindInternal,
			Message: fmt.Sprintf("Feed document %s is not a JSON array", FeedPath),
			Err:     err,
		}
	}
	return feed, doc.Version, nil
}

// nextCreatedAt returns the timestamp for a new entry. Ids have second
// precision, so when the feed head is in the same second or later the entry
// moves to the second after it.
func nextCreatedAt(now time.Time, feed []json.RawMessage) time.Time {
	created := now.UTC().Truncate(time.Millisecond)
	newest, ok := newestCreatedAt(feed)
	if !ok {
		return created
	}
	if head := newest.Truncate(time.Second); !head.Before(created.Truncate(time.Second)) {
		return head.Add(time.Second)
	}
	return created
}

func newestCreatedAt(feed []json.RawMessage) (time.Time, bool) {
	if len(feed) == 0 {
		return time.Time{}, false
	}
	var head struct {
		CreatedAt string `json:"createdAt"`
	}
	if err := json.Unmarshal(feed[0], &head); err != nil || head.CreatedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, head.CreatedAt)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func encodeFeed(entry *Entry, feed []json.RawMessage) (string, error) {
	head, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	out, err := json.MarshalIndent(append([]json.RawMessage{head}, feed...), "", "  ")
	if err != nil {
		return "", err
	}
	return string(out) + "\n", nil
}
