package publish

import (
	"bytes"
	"embed"
	"html/template"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/blacktop/sitepost/internal/sitepost"
)

const (
	maxTitleRunes       = 70
	maxDescriptionRunes = 200
)

//go:embed templates/post.html.tmpl
var templateFS embed.FS

var (
	pageTemplate = template.Must(template.ParseFS(templateFS, "templates/post.html.tmpl"))
	pageLinks    = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)
)

type pageLink struct {
	Name string
	URL  string
}

type pageData struct {
	Entry       *Entry
	Title       string
	Description string
	Body        template.HTML
	Date        string
	FeedURL     string
	Links       []pageLink
}

// renderPage produces the standalone permalink page for entry.
func renderPage(siteBaseURL string, entry *Entry, created time.Time) (string, error) {
	flat := strings.Join(strings.Fields(entry.Text), " ")
	title, _, _ := strings.Cut(strings.TrimSpace(entry.Text), "\n")

	data := pageData{
		Entry:       entry,
		Title:       truncate(strings.TrimSpace(title), maxTitleRunes),
		Description: truncate(flat, maxDescriptionRunes),
		Body:        linkify(entry.Text),
		Date:        created.Format("January 2, 2006 15:04 UTC"),
		FeedURL:     siteBaseURL + "/microblog.html#" + entry.ID,
	}
	for _, l := range []pageLink{
		{sitepost.NetworkBluesky, entry.BlueskyURL},
		{sitepost.NetworkMastodon, entry.MastodonURL},
		{sitepost.NetworkX, entry.XURL},
	} {
		if l.URL != "" {
			data.Links = append(data.Links, l)
		}
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// linkify escapes text, turns URLs into anchors and keeps line breaks.
func linkify(text string) template.HTML {
	var b strings.Builder
	last := 0
	for _, loc := range pageLinks.FindAllStringIndex(text, -1) {
		link := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?")
		if strings.HasSuffix(link, "://") {
			continue
		}
		b.WriteString(template.HTMLEscapeString(text[last:loc[0]]))
		escaped := template.HTMLEscapeString(link)
		b.WriteString(`<a href="` + escaped + `" rel="noopener">` + escaped + `</a>`)
		last = loc[0] + len(link)
	}
	b.WriteString(template.HTMLEscapeString(text[last:]))
	return template.HTML(strings.ReplaceAll(b.String(), "\n", "<br />\n"))
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit-1])) + "…"
}
