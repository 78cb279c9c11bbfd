package snipdex

import (
	"crypto/md5"
	"encoding/hex"
)

// Status is the per-entry state of a peer in a peer list.
type Status string

// Peer statuses. Todo yields to any other status; the rest are sticky.
const (
	StatusTodo    Status = "TODO"
	StatusDone    Status = "DONE"
	StatusMe      Status = "ME"
	StatusEmpty   Status = "EMPTY"
	StatusError   Status = "ERROR"
	StatusTimeout Status = "TIMEOUT"
)

// Template describes one way to query a peer: a URL template, the
// mimetype of the response, and optional scraping overrides.
type Template struct {
	URL            string `json:"url"`
	Type           string `json:"type,omitempty"`
	Method         string `json:"method,omitempty"`
	ItemPath       string `json:"item_path,omitempty"`
	TitlePath      string `json:"title_path,omitempty"`
	LinkPath       string `json:"link_path,omitempty"`
	SummaryPath    string `json:"summary_path,omitempty"`
	PreviewPath    string `json:"preview_path,omitempty"`
	AttributePaths string `json:"attribute_paths,omitempty"`
	ForceDecode    string `json:"force_decode,omitempty"`
}

// Peer describes a remote search source: either another snipdex node
// or a zombie adapter wrapping a third-party engine.
type Peer struct {
	PID             string    `json:"pid"`
	Name            string    `json:"name,omitempty"`
	Description     string    `json:"description,omitempty"`
	Icon            string    `json:"icon,omitempty"`
	Language        string    `json:"language,omitempty"` // RFC 3066
	AdultContent    bool      `json:"adult_content,omitempty"`
	Hashtag         string    `json:"hashtag,omitempty"`
	QueryHints      []string  `json:"query_hints,omitempty"`
	Updated         string    `json:"updated,omitempty"` // UTC "2006-01-02 15:04:05"
	OpenTemplate    *Template `json:"open_template,omitempty"`
	HTMLTemplate    *Template `json:"html_template,omitempty"`
	SuggestTemplate *Template `json:"suggest_template,omitempty"`
	PublicAddress   string    `json:"public_address,omitempty"` // "host:port"
	LocalAddress    string    `json:"local_address,omitempty"`
}

// DerivePID fills in the pid for a zombie peer as the MD5 of its
// primary template URL. Peers with an assigned pid are left alone.
// Returns the (possibly still empty) pid.
func (p *Peer) DerivePID() string {
	if p.PID != "" {
		return p.PID
	}
	var template string
	switch {
	case p.OpenTemplate != nil:
		template = p.OpenTemplate.URL
	case p.HTMLTemplate != nil:
		template = p.HTMLTemplate.URL
	}
	if template != "" {
		sum := md5.Sum([]byte(template))
		p.PID = hex.EncodeToString(sum[:])
	}
	return p.PID
}

// SearchTemplate returns the template to use for an open search on
// this peer. A peer with a public address synthesizes a template
// pointing at its native-XML endpoint; otherwise the explicit open
// template wins, then an html template that carries scrape paths.
func (p *Peer) SearchTemplate() (*Template, error) {
	switch {
	case p.PublicAddress != "":
		return &Template{
			URL: "http://" + p.PublicAddress +
				"/snipdex/?q={q}&h={h?}&p={p?}&l={l?}&f=xml&v=" + ResponseVersion,
			Type: MediaTypeNative,
		}, nil
	case p.OpenTemplate != nil:
		return p.OpenTemplate, nil
	case p.HTMLTemplate != nil && p.HTMLTemplate.ItemPath != "":
		return p.HTMLTemplate, nil
	}
	return nil, ErrInvalidTemplate
}

// OlderThan reports whether other was updated strictly later than p.
func (p *Peer) OlderThan(other *Peer) bool {
	return other.Updated != "" && (p.Updated == "" || p.Updated < other.Updated)
}

// Touch sets the updated timestamp to now.
func (p *Peer) Touch() {
	p.Updated = Now()
}
