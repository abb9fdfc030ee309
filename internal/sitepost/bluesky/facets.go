package bluesky

import (
	"regexp"
	"strings"

	"github.com/bluesky-social/indigo/api/bsky"
)

const maxLinkFacets = 3

var linkPattern = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)

type linkMatch struct {
	url   string
	start int
}

// matchLinks returns the first occurrence of up to three distinct URLs, in
// the order they appear. Trailing sentence punctuation is not part of a link.
func matchLinks(text string) []linkMatch {
	var links []linkMatch
	seen := map[string]struct{}{}
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		m := strings.TrimRight(text[loc[0]:loc[1]], ".,;:!?")
		if m == "" || strings.HasSuffix(m, "://") {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		links = append(links, linkMatch{url: m, start: loc[0]})
		if len(links) == maxLinkFacets {
			break
		}
	}
	return links
}

// FindLinks returns up to three distinct URLs in the order they appear.
func FindLinks(text string) []string {
	var links []string
	for _, m := range matchLinks(text) {
		links = append(links, m.url)
	}
	return links
}

// LinkFacets marks the first occurrence of each link in text. Offsets are
// UTF-8 byte offsets, as the record format requires.
func LinkFacets(text string) []*bsky.RichtextFacet {
	var facets []*bsky.RichtextFacet
	for _, m := range matchLinks(text) {
		facets = append(facets, &bsky.RichtextFacet{
			Index: &bsky.RichtextFacet_ByteSlice{
				ByteStart: int64(m.start),
				ByteEnd:   int64(m.start + len(m.url)),
			},
			Features: []*bsky.RichtextFacet_Features_Elem{
				{RichtextFacet_Link: &bsky.RichtextFacet_Link{Uri: m.url}},
			},
		})
	}
	return facets
}
