package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/contentrepo"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2026, 10, 18, 12, 0, 0, 123_000_000, time.UTC)

type write struct {
	Path    string
	Message string
	Version string
	Binary  bool
}

// memRepo is an in-memory repository with GitHub's optimistic locking.
type memRepo struct {
	mu       sync.Mutex
	files    map[string]string
	versions map[string]string
	reads    []string
	writes   []write
	failPath string
	seq      int
}

func newMemRepo() *memRepo {
	return &memRepo{files: map[string]string{}, versions: map[string]string{}}
}

func (m *memRepo) seed(path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.files[path] = content
	m.versions[path] = fmt.Sprintf("v%d", m.seq)
}

func (m *memRepo) ReadWithVersion(_ context.Context, path string) (*contentrepo.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, path)
	content, ok := m.files[path]
	if !ok {
		return nil, nil
	}
	return &contentrepo.Document{Path: path, Content: content, Version: m.versions[path]}, nil
}

func (m *memRepo) WriteText(_ context.Context, path, content, message, version string) (string, error) {
	return m.put(path, content, message, version, false)
}

func (m *memRepo) WriteBinary(_ context.Context, path string, data []byte, message string) (string, error) {
	return m.put(path, string(data), message, "", true)
}

func (m *memRepo) put(path, content, message, version string, binary bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == m.failPath {
		return "", &sitepost.Error{Kind: sitepost.KindRepositoryWrite, Message: "GitHub write failed (500) for " + path, Upstream: http.StatusInternalServerError}
	}
	if version != "" && version != m.versions[path] {
		return "", &sitepost.Error{Kind: sitepost.KindRepositoryWrite, Message: "GitHub write failed (409) for " + path, Upstream: http.StatusConflict}
	}
	m.seq++
	m.files[path] = content
	m.versions[path] = fmt.Sprintf("v%d", m.seq)
	m.writes = append(m.writes, write{Path: path, Message: message, Version: version, Binary: binary})
	return m.versions[path], nil
}

func (m *memRepo) feed(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var feed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(m.files[FeedPath]), &feed))
	return feed
}

type mockPoster struct {
	mock.Mock
	name string
}

func (m *mockPoster) Name() string { return m.name }

func (m *mockPoster) Post(ctx context.Context, post sitepost.Post) (string, error) {
	args := m.Called(ctx, post)
	return args.String(0), args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		SiteBaseURL: "https://site.test",
		PostsDir:    "posts",
		GitHub:      config.GitHub{Owner: "owner", Repo: "site", Token: "secret"},
		Access:      config.Access{AllowedEmail: "me@example.com", Audience: "aud"},
	}
}

func newPublisher(repo Repository, posters ...sitepost.Poster) *Publisher {
	return New(testConfig(), repo, posters...).WithClock(func() time.Time { return clock })
}

func jpeg() *Upload {
	return &Upload{Data: []byte("\xff\xd8\xff\xe0012345"), Filename: "IMG_0042.JPG", MimeType: "image/jpeg", Size: 10}
}

func assertKind(t *testing.T, err error, kind sitepost.Kind, message string) {
	t.Helper()
	require.Error(t, err)
	var se *sitepost.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, kind, se.Kind)
	assert.Equal(t, message, se.Message)
}

func TestPublishRequiresDestination(t *testing.T) {
	repo := newMemRepo()
	_, err := newPublisher(repo).Publish(context.Background(), Request{MicroText: "hi", PostToBluesky: true})
	assertKind(t, err, sitepost.KindBadRequest, "Pick at least one destination")
	assert.Equal(t, http.StatusBadRequest, sitepost.StatusOf(err))
	assert.Empty(t, repo.reads)
	assert.Empty(t, repo.writes)
}

func TestPublishRequiresConfiguration(t *testing.T) {
	cfg := testConfig()
	cfg.GitHub.Token = ""
	_, err := New(cfg, newMemRepo()).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "hi"})
	assertKind(t, err, sitepost.KindConfiguration, "Missing environment value: GITHUB_TOKEN")
	assert.Equal(t, http.StatusInternalServerError, sitepost.StatusOf(err))
}

func TestPublishMicroblogOnly(t *testing.T) {
	repo := newMemRepo()
	res, err := newPublisher(repo).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "  Hello world  "})
	require.NoError(t, err)

	require.NotNil(t, res.Microblog)
	assert.True(t, res.OK)
	assert.Nil(t, res.Photo)
	assert.Equal(t, "post-20261018120000", res.Microblog.ID)
	assert.Equal(t, "Hello world", res.Microblog.Text)
	assert.Equal(t, "2026-10-18T12:00:00.123Z", res.Microblog.CreatedAt)
	assert.Equal(t, "https://site.test/posts/post-20261018120000.html", res.Microblog.Permalink)
	assert.NotNil(t, res.Crosspost)
	assert.Empty(t, res.Crosspost)
	assert.Nil(t, res.CrosspostErrors)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"crosspost":[]`)
	assert.NotContains(t, string(raw), "crosspostErrors")

	feed := repo.feed(t)
	require.Len(t, feed, 1)
	assert.Equal(t, "Hello world", feed[0]["text"])
	assert.True(t, strings.HasSuffix(repo.files[FeedPath], "}\n]\n"))
	assert.Contains(t, repo.files[FeedPath], "\n  {\n    \"id\": ")

	require.Len(t, repo.writes, 2)
	assert.Equal(t, "posts/post-20261018120000.html", repo.writes[0].Path)
	assert.Equal(t, write{Path: FeedPath, Message: "Publish microblog post: post-20261018120000"}, repo.writes[1])
	assert.Contains(t, repo.files["posts/post-20261018120000.html"], "Hello world")
}

func TestPublishPrependsAndKeepsOrder(t *testing.T) {
	repo := newMemRepo()
	repo.seed(FeedPath, `[
  {"id":"post-future","text":"from another clock","createdAt":"2026-10-18T12:05:00.000Z","extra":{"kept":true}},
  {"id":"post-old","text":"old","createdAt":"2026-10-01T08:00:00.000Z"}
]`)

	res, err := newPublisher(repo).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "next"})
	require.NoError(t, err)

	feed := repo.feed(t)
	require.Len(t, feed, 3)
	assert.Equal(t, res.Microblog.ID, feed[0]["id"])
	assert.Equal(t, map[string]any{"kept": true}, feed[1]["extra"])

	prev := ""
	for i, entry := range feed {
		createdAt := entry["createdAt"].(string)
		if i > 0 {
			assert.GreaterOrEqual(t, prev, createdAt)
		}
		prev = createdAt
	}
	assert.Equal(t, "2026-10-18T12:05:01.000Z", res.Microblog.CreatedAt)
	assert.Equal(t, "post-20261018120501", res.Microblog.ID)
	assert.Equal(t, "v1", repo.writes[len(repo.writes)-1].Version)
}

func TestPublishFutureHeadKeepsIDsUnique(t *testing.T) {
	repo := newMemRepo()
	repo.seed(FeedPath, `[{"id":"post-20261018130000","text":"ahead","createdAt":"2026-10-18T13:00:00.000Z"}]`)
	repo.seed("posts/post-20261018130000.html", "<p>ahead</p>")

	res, err := newPublisher(repo).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "later"})
	require.NoError(t, err)

	assert.Equal(t, "post-20261018130001", res.Microblog.ID)
	assert.Equal(t, "2026-10-18T13:00:01.000Z", res.Microblog.CreatedAt)
	assert.Equal(t, "<p>ahead</p>", repo.files["posts/post-20261018130000.html"])
	assert.Contains(t, repo.files["posts/post-20261018130001.html"], "later")

	feed := repo.feed(t)
	require.Len(t, feed, 2)
	assert.NotEqual(t, feed[0]["id"], feed[1]["id"])
}

func TestNextCreatedAt(t *testing.T) {
	feed := func(createdAt string) []json.RawMessage {
		return []json.RawMessage{json.RawMessage(`{"createdAt":"` + createdAt + `"}`)}
	}

	assert.Equal(t, clock.Truncate(time.Millisecond), nextCreatedAt(clock, nil))
	assert.Equal(t, clock, nextCreatedAt(clock, feed("2026-10-18T11:59:59.999Z")))
	assert.Equal(t, time.Date(2026, 10, 18, 12, 0, 1, 0, time.UTC), nextCreatedAt(clock, feed("2026-10-18T12:00:00.000Z")))
	assert.Equal(t, clock, nextCreatedAt(clock, feed("not a time")))
}

func TestPublishReportsMissingCredentials(t *testing.T) {
	repo := newMemRepo()
	bluesky := sitepost.Unavailable{
		Network: sitepost.NetworkBluesky,
		Err:     sitepost.MissingEnvError{Provider: sitepost.NetworkBluesky, Variables: []string{"BLUESKY_HANDLE", "BLUESKY_APP_PASSWORD"}},
	}

	res, err := newPublisher(repo, bluesky).Publish(context.Background(), Request{
		PublishMicroblog: true,
		PostToBluesky:    true,
		MicroText:        "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Bluesky": "Missing BLUESKY_HANDLE or BLUESKY_APP_PASSWORD"}, res.CrosspostErrors)
	assert.Empty(t, res.Crosspost)
	assert.Len(t, repo.feed(t), 1)
}

func TestCrosspostFailuresAreIsolated(t *testing.T) {
	repo := newMemRepo()
	bluesky := &mockPoster{name: sitepost.NetworkBluesky}
	bluesky.On("Post", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("boom") })
	mastodon := &mockPoster{name: sitepost.NetworkMastodon}
	mastodon.On("Post", mock.Anything, mock.Anything).Return("", nil)
	x := &mockPoster{name: sitepost.NetworkX}
	x.On("Post", mock.Anything, mock.Anything).Return("https://x.com/i/web/status/1", nil)

	res, err := newPublisher(repo, bluesky, mastodon, x).Publish(context.Background(), Request{
		PublishMicroblog: true,
		PostToBluesky:    true,
		PostToMastodon:   true,
		PostToX:          true,
		MicroText:        "Hello",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"X"}, res.Crosspost)
	assert.Contains(t, res.CrosspostErrors["Bluesky"], "boom")
	assert.Equal(t, "Unknown failure", res.CrosspostErrors["Mastodon"])
	assert.Equal(t, "https://x.com/i/web/status/1", res.Microblog.XURL)
	assert.Empty(t, res.Microblog.BlueskyURL)
	assert.Equal(t, "https://x.com/i/web/status/1", repo.feed(t)[0]["xUrl"])

	bluesky.AssertExpectations(t)
	mastodon.AssertExpectations(t)
	x.AssertExpectations(t)
}

func TestCrosspostErrorMessageIsReported(t *testing.T) {
	repo := newMemRepo()
	mastodon := &mockPoster{name: sitepost.NetworkMastodon}
	mastodon.On("Post", mock.Anything, mock.Anything).
		Return("", &sitepost.CrosspostError{Network: "Mastodon", Op: "post", Status: 422, Body: `{"error":"nope"}`})

	res, err := newPublisher(repo, mastodon).Publish(context.Background(), Request{
		PublishMicroblog: true,
		PostToMastodon:   true,
		MicroText:        "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, `Mastodon post failed (422): {"error":"nope"}`, res.CrosspostErrors["Mastodon"])
}

func TestUnrequestedNetworksAreSkipped(t *testing.T) {
	bluesky := &mockPoster{name: sitepost.NetworkBluesky}
	res, err := newPublisher(newMemRepo(), bluesky).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "hi"})
	require.NoError(t, err)
	assert.Empty(t, res.Crosspost)
	bluesky.AssertNotCalled(t, "Post", mock.Anything, mock.Anything)
}

func TestPosterReceivesPermalinkAndPhoto(t *testing.T) {
	repo := newMemRepo()
	bluesky := &mockPoster{name: sitepost.NetworkBluesky}
	bluesky.On("Post", mock.Anything, mock.MatchedBy(func(p sitepost.Post) bool {
		return p.Text == "Look" &&
			p.Link == "https://site.test/posts/post-20261018120000.html" &&
			p.Attachment != nil &&
			p.Attachment.Alt == "Sunset" &&
			p.Attachment.MimeType == "image/jpeg"
	})).Return("https://bsky.app/profile/me/post/1", nil)

	res, err := newPublisher(repo, bluesky).Publish(context.Background(), Request{
		PublishMicroblog:    true,
		PostToBluesky:       true,
		IncludePermalink:    true,
		AttachPhotoToSocial: true,
		MicroText:           "Look",
		Photo:               jpeg(),
		PhotoCaption:        "Sunset",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Bluesky"}, res.Crosspost)
	assert.Contains(t, repo.files["posts/post-20261018120000.html"], `href="https://bsky.app/profile/me/post/1"`)
	bluesky.AssertExpectations(t)
}

func TestFeedVersionIsCapturedBeforeCrossposts(t *testing.T) {
	repo := newMemRepo()
	repo.seed(FeedPath, `[]`)
	bluesky := &mockPoster{name: sitepost.NetworkBluesky}
	bluesky.On("Post", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { repo.seed(FeedPath, `[{"id":"post-racer"}]`) }).
		Return("https://bsky.app/profile/me/post/1", nil)

	_, err := newPublisher(repo, bluesky).Publish(context.Background(), Request{
		PublishMicroblog: true,
		PostToBluesky:    true,
		MicroText:        "hi",
	})
	var se *sitepost.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sitepost.KindRepositoryWrite, se.Kind)
	assert.Equal(t, http.StatusConflict, se.Upstream)
	assert.Equal(t, []string{FeedPath}, repo.reads)
}

func TestFeedWriteFailureIsFatal(t *testing.T) {
	repo := newMemRepo()
	repo.failPath = FeedPath

	_, err := newPublisher(repo).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "hi"})
	require.Error(t, err)
	assert.True(t, sitepost.IsKind(err, sitepost.KindRepositoryWrite))
	assert.Contains(t, repo.files, "posts/post-20261018120000.html")
}

func TestPhotoStreamOnly(t *testing.T) {
	repo := newMemRepo()
	res, err := newPublisher(repo).Publish(context.Background(), Request{
		PublishPhotoStream: true,
		Photo:              jpeg(),
		PhotoDate:          "2026-09-30",
		PhotoLocation:      " Lisbon ",
	})
	require.NoError(t, err)

	require.NotNil(t, res.Photo)
	assert.Nil(t, res.Microblog)
	assert.Nil(t, res.Crosspost)
	assert.Regexp(t, `^img-0042-20260930-[0-9a-f]{8}$`, res.Photo.ReservedID)
	assert.Equal(t, "incoming/"+res.Photo.ReservedID+".jpg", res.Photo.IncomingPath)
	assert.Equal(t, "incoming/"+res.Photo.ReservedID+".json", res.Photo.SidecarPath)
	assert.Equal(t, "https://site.test/gallery.html#"+res.Photo.ReservedID, res.Photo.GalleryURL)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "crosspost")
	assert.NotContains(t, string(raw), "microblog")

	require.Len(t, repo.writes, 2)
	assert.True(t, repo.writes[0].Binary)
	assert.Equal(t, "Queue photo upload: "+res.Photo.ReservedID, repo.writes[0].Message)
	assert.NotContains(t, repo.files, FeedPath)

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(repo.files[res.Photo.SidecarPath]), &meta))
	assert.Equal(t, map[string]string{
		"id":       res.Photo.ReservedID,
		"takenOn":  "2026-09-30",
		"caption":  "",
		"location": "Lisbon",
		"alt":      "Photo",
	}, meta)
}

func TestReservedIDsAreUnique(t *testing.T) {
	p := newPublisher(newMemRepo())
	seen := map[string]bool{}
	for range 20 {
		res, err := p.Publish(context.Background(), Request{
			PublishPhotoStream: true,
			Photo:              jpeg(),
			PhotoCaption:       "Same caption",
			PhotoDate:          "2026-01-02",
		})
		require.NoError(t, err)
		assert.Regexp(t, `^same-caption-20260102-[0-9a-f]{8}$`, res.Photo.ReservedID)
		assert.False(t, seen[res.Photo.ReservedID])
		seen[res.Photo.ReservedID] = true
	}
}

func TestPhotoStreamRequiresFile(t *testing.T) {
	repo := newMemRepo()
	_, err := newPublisher(repo).Publish(context.Background(), Request{
		PublishPhotoStream: true,
		Photo:              &Upload{Filename: "empty.jpg"},
	})
	assertKind(t, err, sitepost.KindBadRequest, "Photo file is required for photo stream publish")
	assert.Empty(t, repo.writes)
}

func TestPhotoStreamWithoutFileFallsThroughToMicroblog(t *testing.T) {
	repo := newMemRepo()
	res, err := newPublisher(repo).Publish(context.Background(), Request{
		PublishPhotoStream: true,
		PublishMicroblog:   true,
		MicroText:          "text only",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Photo)
	require.NotNil(t, res.Microblog)
	assert.Equal(t, "text only", res.Microblog.Text)
}

func TestMicroblogTextFromQueuedPhoto(t *testing.T) {
	repo := newMemRepo()
	res, err := newPublisher(repo).Publish(context.Background(), Request{
		PublishPhotoStream: true,
		PublishMicroblog:   true,
		Photo:              jpeg(),
		PhotoCaption:       "Sunset",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Photo)
	assert.Equal(t, "Sunset\n\n"+res.Photo.GalleryURL, res.Microblog.Text)
	assert.Equal(t, "2026-10-18", res.Photo.TakenOn)
}

func TestMicroblogRequiresText(t *testing.T) {
	repo := newMemRepo()
	_, err := newPublisher(repo).Publish(context.Background(), Request{
		PublishMicroblog: true,
		MicroText:        "   ",
		Photo:            jpeg(),
	})
	assertKind(t, err, sitepost.KindBadRequest, "Microblog text is required")
	assert.Empty(t, repo.reads)
	assert.Empty(t, repo.writes)
}

func TestMalformedFeedIsInternalError(t *testing.T) {
	repo := newMemRepo()
	repo.seed(FeedPath, `{"not":"an array"}`)
	_, err := newPublisher(repo).Publish(context.Background(), Request{PublishMicroblog: true, MicroText: "hi"})
	assert.True(t, sitepost.IsKind(err, sitepost.KindInternal))
	assert.Empty(t, repo.writes)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "golden-hour-at-the-pier", slugify("  Golden hour at the Pier!! "))
	assert.Equal(t, "photo", slugify("☕☕"))
	assert.Equal(t, "caf", slugify("Café"))
	long := slugify(strings.Repeat("ab-", 40))
	assert.LessOrEqual(t, len(long), maxSlugLength)
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestTakenOnDefaults(t *testing.T) {
	p := newPublisher(newMemRepo())
	assert.Equal(t, "2025-02-03", p.takenOn("2025-02-03"))
	assert.Equal(t, "2026-10-18", p.takenOn("2025-13-45"))
	assert.Equal(t, "2026-10-18", p.takenOn("yesterday"))
	assert.Equal(t, "2026-10-18", p.takenOn(""))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "png", extension("a.PNG"))
	assert.Equal(t, "jpg", extension("noext"))
	assert.Equal(t, "jpg", extension("weird.j p g"))
}
