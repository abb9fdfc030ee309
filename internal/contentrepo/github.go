package contentrepo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/config"
	"github.com/blacktop/sitepost/internal/logutil"
	"github.com/blacktop/sitepost/internal/sitepost"
	"github.com/google/go-github/v66/github"
)

const (
	requestTimeout = 30 * time.Second
	maxDetail      = 500
)

// Document is a text file read together with its version token (blob SHA).
type Document struct {
	Path    string
	Content string
	Version string
}

// Client reads and writes files in a GitHub repository through the contents
// API. Every call goes through the retry policy.
type Client struct {
	api    *github.Client
	owner  string
	repo   string
	branch string
}

// Options tweaks construction, mostly for tests.
type Options struct {
	Retry RetryPolicy
	// HTTPClient replaces the retrying client entirely when set.
	HTTPClient *http.Client
}

// New constructs a repository client from the GitHub settings.
func New(cfg config.GitHub, opts Options) (*Client, error) {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(opts.Retry, requestTimeout)
	}

	if cfg.APIVersion != "" {
		hc := *httpClient
		hc.Transport = versionTransport{base: hc.Transport, version: cfg.APIVersion}
		httpClient = &hc
	}

	api := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.UserAgent != "" {
		api.UserAgent = cfg.UserAgent
	}
	if cfg.APIURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse GITHUB_API_URL: %w", err)
		}
		api.BaseURL = base
	}

	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}

	return &Client{
		api:    api,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		branch: branch,
	}, nil
}

// versionTransport pins the REST API version header.
type versionTransport struct {
	base    http.RoundTripper
	version string
}

func (t versionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("X-GitHub-Api-Version", t.version)
	return base.RoundTrip(req)
}

// ReadWithVersion returns the file at path with its version token, or nil
// when the file does not exist.
func (c *Client) ReadWithVersion(ctx context.Context, path string) (*Document, error) {
	file, _, _, err := c.api.Repositories.GetContents(ctx, c.owner, c.repo, path, &github.RepositoryContentGetOptions{Ref: c.branch})
	if err != nil {
		status, detail := describe(err)
		if status == http.StatusNotFound {
			return nil, nil
		}
		return nil, &sitepost.Error{
			Kind:     sitepost.KindRepositoryRead,
			Message:  fmt.Sprintf("GitHub read failed (%d) for %s: %s", status, path, detail),
			Upstream: status,
			Err:      err,
		}
	}
	if file == nil {
		return nil, &sitepost.Error{
			Kind:    sitepost.KindRepositoryRead,
			Message: fmt.Sprintf("GitHub read failed for %s: path is a directory", path),
		}
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, &sitepost.Error{
			Kind:    sitepost.KindRepositoryRead,
			Message: fmt.Sprintf("GitHub read failed for %s: %v", path, err),
			Err:     err,
		}
	}

	return &Document{Path: path, Content: content, Version: file.GetSHA()}, nil
}

// WriteText creates the file when version is empty, otherwise updates the
// revision identified by version. A stale version is rejected by GitHub and
// returned as an error; only a create that collides with an existing file is
// re-read and retried.
func (c *Client) WriteText(ctx context.Context, path, content, message, version string) (string, error) {
	return c.put(ctx, path, []byte(content), message, version)
}

// WriteBinary creates a new file without reading first.
func (c *Client) WriteBinary(ctx context.Context, path string, data []byte, message string) (string, error) {
	return c.put(ctx, path, data, message, "")
}

func (c *Client) put(ctx context.Context, path string, data []byte, message, version string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: data,
		Branch:  github.String(c.branch),
	}

	var (
		res *github.RepositoryContentResponse
		err error
	)
	if version == "" {
		res, _, err = c.api.Repositories.CreateFile(ctx, c.owner, c.repo, path, opts)
		if status, _ := describe(err); err != nil && status == http.StatusUnprocessableEntity {
			logutil.Debugf("github: %s already exists, retrying as update", path)
			existing, rerr := c.ReadWithVersion(ctx, path)
			if rerr != nil {
				return "", rerr
			}
			if existing != nil && existing.Version != "" {
				opts.SHA = github.String(existing.Version)
				res, _, err = c.api.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
			}
		}
	} else {
		opts.SHA = github.String(version)
		res, _, err = c.api.Repositories.UpdateFile(ctx, c.owner, c.repo, path, opts)
	}

	if err != nil {
		status, detail := describe(err)
		return "", &sitepost.Error{
			Kind:     sitepost.KindRepositoryWrite,
			Message:  fmt.Sprintf("GitHub write failed (%d) for %s: %s", status, path, detail),
			Upstream: status,
			Err:      err,
		}
	}

	logutil.Debugf("github: committed %s (%d bytes)", path, len(data))
	if res == nil || res.Content == nil {
		return "", nil
	}
	return res.Content.GetSHA(), nil
}

// describe extracts the upstream status and a short detail from a go-github
// error. Transport failures report status 0.
func describe(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	var (
		ge   *github.ErrorResponse
		rle  *github.RateLimitError
		arle *github.AbuseRateLimitError
	)
	status, detail := 0, err.Error()
	switch {
	case errors.As(err, &ge):
		if ge.Response != nil {
			status = ge.Response.StatusCode
		}
		detail = ge.Message
		for _, e := range ge.Errors {
			if e.Message != "" {
				detail += "; " + e.Message
			}
		}
	case errors.As(err, &rle):
		if rle.Response != nil {
			status = rle.Response.StatusCode
		}
		detail = rle.Message
	case errors.As(err, &arle):
		if arle.Response != nil {
			status = arle.Response.StatusCode
		}
		detail = arle.Message
	}

	if len(detail) > maxDetail {
		detail = detail[:maxDetail]
	}
	return status, detail
}
