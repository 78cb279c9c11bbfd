package snipdex

import (
	"regexp"
	"strings"
)

// Origin records that a peer asserted a snippet, together with the
// status and score that peer had when the assertion was cached.
type Origin struct {
	PID    string   `json:"pid"`
	Status Status   `json:"status,omitempty"`
	Score  *float64 `json:"score,omitempty"`
}

// Preview is a renderable preview of a result (thumbnail, logo).
type Preview struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Width  string `json:"width,omitempty"`
	Height string `json:"height,omitempty"`
}

// LinkPair is a described link inside a snippet.
type LinkPair struct {
	Description string `json:"description"`
	URL         string `json:"url"`
}

// Attribute is a key/value detail of a snippet.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snippet is one search result as reported by one or more peers.
type Snippet struct {
	Origins         []Origin    `json:"origins,omitempty"`
	Location        string      `json:"location,omitempty"`
	Title           string      `json:"title,omitempty"`
	Found           string      `json:"found,omitempty"`
	Summary         string      `json:"summary,omitempty"`
	ExtendedSummary string      `json:"extended_summary,omitempty"`
	Preview         *Preview    `json:"preview,omitempty"`
	Geolocation     string      `json:"geolocation,omitempty"`
	DirectLinks     []LinkPair  `json:"direct_links,omitempty"`
	ServiceLinks    []LinkPair  `json:"service_links,omitempty"`
	Attributes      []Attribute `json:"attributes,omitempty"`
}

var indexFileRe = regexp.MustCompile(`index\.html?`)

// Signature returns the dedup identity of the snippet: the normalized
// location, or the title when no location is present.
func (s *Snippet) Signature() string {
	if s.Location == "" {
		return s.Title
	}
	if !strings.Contains(s.Location, "://") {
		return s.Location
	}
	location := s.Location
	if strings.HasPrefix(location, "http://www.") {
		location = "http://" + location[len("http://www."):]
	}
	return indexFileRe.ReplaceAllString(location, "")
}

// IsEmpty reports whether the snippet is only an origin carrier,
// with neither a title nor a location.
func (s *Snippet) IsEmpty() bool {
	return s.Title == "" && s.Location == ""
}

// AddOrigin records pid as an origin of this snippet. An existing
// origin for the same pid keeps the max score, and its status is
// overridden only by a different non-TODO status.
func (s *Snippet) AddOrigin(pid string, status Status, score *float64) {
	for i := range s.Origins {
		o := &s.Origins[i]
		if o.PID != pid {
			continue
		}
		if score != nil && (o.Score == nil || *score > *o.Score) {
			o.Score = score
		}
		if status != "" && status != StatusTodo && status != o.Status {
			o.Status = status
		}
		return
	}
	s.Origins = append(s.Origins, Origin{PID: pid, Status: status, Score: score})
}

// AddOrigins folds a set of origins into the snippet.
func (s *Snippet) AddOrigins(origins []Origin) {
	for _, o := range origins {
		s.AddOrigin(o.PID, o.Status, o.Score)
	}
}

// AddDirectLink appends a direct link.
func (s *Snippet) AddDirectLink(description, link string) {
	s.DirectLinks = append(s.DirectLinks, LinkPair{Description: description, URL: link})
}

// AddServiceLink appends a service link.
func (s *Snippet) AddServiceLink(description, link string) {
	s.ServiceLinks = append(s.ServiceLinks, LinkPair{Description: description, URL: link})
}

// AddAttribute appends a key/value detail.
func (s *Snippet) AddAttribute(key, value string) {
	s.Attributes = append(s.Attributes, Attribute{Key: key, Value: value})
}
