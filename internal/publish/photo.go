package publish

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/blacktop/sitepost/internal/sitepost"
)

// IncomingDir holds photos waiting for the ingestion job.
const IncomingDir = "incoming"

const maxSlugLength = 60

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	isoDate      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	extChars     = regexp.MustCompile(`^[a-z0-9]+$`)
)

// QueuedPhoto describes a photo written to the incoming queue.
type QueuedPhoto struct {
	ReservedID   string `json:"reservedId"`
	IncomingPath string `json:"incomingPath"`
	SidecarPath  string `json:"sidecarPath"`
	TakenOn      string `json:"takenOn"`
	GalleryURL   string `json:"galleryUrl"`
}

type sidecar struct {
	ID       string `json:"id"`
	TakenOn  string `json:"takenOn"`
	Caption  string `json:"caption"`
	Location string `json:"location"`
	Alt      string `json:"alt"`
}

// queuePhoto writes the binary, then its sidecar, under a freshly reserved id.
func (p *Publisher) queuePhoto(ctx context.Context, req Request) (*QueuedPhoto, error) {
	takenOn := p.takenOn(req.PhotoDate)
	caption := strings.TrimSpace(req.PhotoCaption)

	source := caption
	if source == "" {
		source = strings.TrimSuffix(req.Photo.Filename, filepath.Ext(req.Photo.Filename))
	}
	id := slugify(source) + "-" + strings.ReplaceAll(takenOn, "-", "") + "-" + p.suffix()

	queued := &QueuedPhoto{
		ReservedID:   id,
		IncomingPath: IncomingDir + "/" + id + "." + extension(req.Photo.Filename),
		SidecarPath:  IncomingDir + "/" + id + ".json",
		TakenOn:      takenOn,
		GalleryURL:   p.cfg.SiteBaseURL + "/gallery.html#" + id,
	}

	if _, err := p.repo.WriteBinary(ctx, queued.IncomingPath, req.Photo.Data, "Queue photo upload: "+id); err != nil {
		return nil, err
	}

	meta, err := json.MarshalIndent(sidecar{
		ID:       id,
		TakenOn:  takenOn,
		Caption:  caption,
		Location: strings.TrimSpace(req.PhotoLocation),
		Alt:      altText(caption),
	}, "", "  ")
	if err != nil {
		return nil, &sitepost.Error{Kind: sitepost.KindInternal, Message: "Encode photo metadata failed", Err: err}
	}
	if _, err := p.repo.WriteText(ctx, queued.SidecarPath, string(meta)+"\n", "Queue photo metadata: "+id, ""); err != nil {
		return nil, err
	}

	return queued, nil
}

func (p *Publisher) takenOn(date string) string {
	date = strings.TrimSpace(date)
	if isoDate.MatchString(date) {
		if _, err := time.Parse(time.DateOnly, date); err == nil {
			return date
		}
	}
	return p.now().UTC().Format(time.DateOnly)
}

func slugify(s string) string {
	s = nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLength {
		s = strings.TrimRight(s[:maxSlugLength], "-")
	}
	if s == "" {
		return "photo"
	}
	return s
}

func extension(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if !extChars.MatchString(ext) {
		return "jpg"
	}
	return ext
}
