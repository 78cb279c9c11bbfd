// Package scraper queries a single peer and turns its response into
// peers and snippets, whatever format the peer speaks: the native
// snipdex XML, RSS, Atom, XML suggestions, or scraped HTML.
package scraper

import (
	"regexp"
	"strings"

	"github.com/djoerd/snipdex/snipdex"
)

// Display bounds for scraped text.
const (
	titleLimit   = 60
	summaryLimit = 300
)

// format is a set of XPath expressions for one response format. Paths
// other than itemPath are evaluated relative to each item node.
type format struct {
	itemPath    string
	titlePath   string
	linkPath    string
	summaryPath string
	previewPath string
}

var (
	formatRSS     = format{"//item", "title", "link", "description", ".//media:thumbnail"}
	formatAtom    = format{"//entry", "title", "link", "summary", ".//media:thumbnail"}
	formatSuggest = format{"//Item", "Text", "Url", "Description", "Image"}
	formatHTML    = format{"", "(.//a)[1]", "(.//a)[1]/@href", "", ""}
	formatNone    = format{}
)

// formatFor picks the builtin path set for a mimetype. HTML responses
// are only scrapeable when the template supplies an item path, so the
// caller signals whether one is present.
func formatFor(mimetype string, hasItemPath bool) format {
	switch {
	case strings.Contains(mimetype, "rss"):
		return formatRSS
	case strings.Contains(mimetype, "atom"):
		return formatAtom
	case mimetype == snipdex.MediaTypeSuggest:
		return formatSuggest
	case mimetype == snipdex.MediaTypeHTML && hasItemPath:
		return formatHTML
	}
	return formatNone
}

var markupRe = regexp.MustCompile(`<[^>]+>|\s+`)

// boundText strips markup, collapses whitespace and trims the ends,
// then bounds the text to limit runes, marking a cut with a trailing
// "...".
func boundText(s string, limit int) string {
	s = strings.TrimSpace(markupRe.ReplaceAllString(s, " "))
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit-3]) + "..."
	}
	return s
}
