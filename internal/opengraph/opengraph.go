// Package opengraph extracts link-preview metadata from web pages.
package opengraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/logutil"
	"golang.org/x/net/html"
)

const (
	// MaxImageBytes caps thumbnail downloads. Larger images are rejected.
	MaxImageBytes = 900_000

	maxPageBytes   = 1 << 20
	requestTimeout = 10 * time.Second
	userAgent      = "Mozilla/5.0 (compatible; sitepost/1; +https://github.com/blacktop/sitepost)"
)

var errTooLarge = errors.New("image exceeds size limit")

// Metadata is what a page advertises about itself.
type Metadata struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
}

// Image is a downloaded preview image.
type Image struct {
	Data     []byte
	MimeType string
}

// Fetcher retrieves pages and images. Failures are reported to OnError and
// otherwise discarded.
type Fetcher struct {
	Client  *http.Client
	OnError func(op, target string, err error)
}

// New returns a fetcher with a short timeout that logs failures at debug level.
func New() *Fetcher {
	return &Fetcher{
		Client: &http.Client{Timeout: requestTimeout},
		OnError: func(op, target string, err error) {
			logutil.Debugf("opengraph: %s %s: %v", op, target, err)
		},
	}
}

func (f *Fetcher) report(op, target string, err error) {
	if f.OnError != nil {
		f.OnError(op, target, err)
	}
}

func (f *Fetcher) get(ctx context.Context, target, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return resp, nil
}

// Fetch downloads target and extracts its metadata. ok is false when the
// page could not be retrieved or parsed.
func (f *Fetcher) Fetch(ctx context.Context, target string) (*Metadata, bool) {
	resp, err := f.get(ctx, target, "text/html,application/xhtml+xml")
	if err != nil {
		f.report("fetch page", target, err)
		return nil, false
	}
	defer resp.Body.Close()

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		f.report("parse page", target, err)
		return nil, false
	}

	meta := Parse(doc, target)
	return meta, true
}

// Parse extracts metadata from an already parsed document. Relative image
// URLs are resolved against pageURL.
func Parse(doc *html.Node, pageURL string) *Metadata {
	meta := &Metadata{URL: pageURL}

	meta.Title = findMetaContent(doc, "property", "og:title")
	if meta.Title == "" {
		meta.Title = findTitle(doc)
	}

	meta.Description = findMetaContent(doc, "property", "og:description")
	if meta.Description == "" {
		meta.Description = findMetaContent(doc, "name", "description")
	}

	if img := findMetaContent(doc, "property", "og:image"); img != "" {
		meta.ImageURL = resolveURL(img, pageURL)
	}

	return meta
}

// FetchImage downloads an image of at most MaxImageBytes.
func (f *Fetcher) FetchImage(ctx context.Context, target string) (*Image, bool) {
	resp, err := f.get(ctx, target, "image/*")
	if err != nil {
		f.report("fetch image", target, err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.ContentLength > MaxImageBytes {
		f.report("fetch image", target, errTooLarge)
		return nil, false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		f.report("read image", target, err)
		return nil, false
	}
	if len(data) > MaxImageBytes {
		f.report("read image", target, errTooLarge)
		return nil, false
	}
	if len(data) == 0 {
		f.report("read image", target, errors.New("empty image"))
		return nil, false
	}

	return &Image{Data: data, MimeType: GuessImageType(target)}, true
}

// GuessImageType maps the URL's file extension to a MIME type.
func GuessImageType(imageURL string) string {
	p := imageURL
	if u, err := url.Parse(imageURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func findMetaContent(root *html.Node, key, name string) string {
	var result string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n == nil || result != "" {
			return
		}

		if n.Type == html.ElementNode && n.Data == "meta" {
			var attrValue, content string
			for _, a := range n.Attr {
				switch strings.ToLower(a.Key) {
				case key:
					attrValue = strings.ToLower(strings.TrimSpace(a.Val))
				case "content":
					content = strings.TrimSpace(a.Val)
				}
			}
			if content != "" && attrValue == name {
				result = content
				return
			}
		}

		for c := n.FirstChild; c != nil && result == ""; c = c.NextSibling {
			walk(c)
		}
	}

	walk(root)
	return result
}

func findTitle(root *html.Node) string {
	var result string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n == nil || result != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			var b strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					b.WriteString(c.Data)
				}
			}
			result = strings.Join(strings.Fields(b.String()), " ")
			return
		}
		for c := n.FirstChild; c != nil && result == ""; c = c.NextSibling {
			walk(c)
		}
	}

	walk(root)
	return result
}

func resolveURL(src, pageURL string) string {
	ref, err := url.Parse(src)
	if err != nil {
		return src
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return src
	}
	return base.ResolveReference(ref).String()
}
