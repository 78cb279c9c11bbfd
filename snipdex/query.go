// Package snipdex provides types, parsing, and rendering for the
// snipdex peer wire format and its query/peer/snippet data model.
package snipdex

import (
	"errors"
	"math/rand"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Reserved queries exchanged between peers.
const (
	QueryRegister = "snipdexiamback"     // registration handshake at the mother
	QueryPong     = "snipdexgoodtoseeyou" // mother liveness probe
	QueryMyself   = "snipdexwhoami"      // cache key for the node's own pid
)

// ResponseVersion is the wire format version emitted in <snipdex_response>.
const ResponseVersion = "0.2"

// Media types understood by the scraper.
const (
	MediaTypeNative  = "application/snipdex+xml"
	MediaTypeSuggest = "application/x-suggestions+xml"
	MediaTypeHTML    = "text/html"
)

// ErrInvalidTemplate is returned when a URL template lacks a binding for
// a mandatory placeholder, or a peer has no usable search endpoint.
var ErrInvalidTemplate = errors.New("snipdex: invalid template")

// Query is a mapping from short parameter names to string values.
// Recognized keys: q, h, p, l, f, v plus the transport-observed keys
// public_ip, public_port, local_ip, local_port, peer_ip, peer_port.
type Query map[string]string

// Clone returns an independent copy of the query.
func (q Query) Clone() Query {
	out := make(Query, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Get returns the value for key, or "" if unset.
func (q Query) Get(key string) string {
	return q[key]
}

// Set binds key to value.
func (q Query) Set(key, value string) {
	q[key] = value
}

// Merge copies all keys from other into q, overwriting existing values.
func (q Query) Merge(other Query) {
	for k, v := range other {
		q[k] = v
	}
}

// Keys returns the parameter names in sorted order.
func (q Query) Keys() []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var spaceRe = regexp.MustCompile(`\s+`)

// Fingerprint returns the normalized canonical form of the query used
// as cache key and merge identity: lowercase, whitespace collapsed,
// percent-encoded with space as '+'. Exactly one leading hashtag term
// is allowed and is moved to the front; further '#' prefixes are
// stripped once a hashtag is bound.
func (q Query) Fingerprint() string {
	text, err := url.QueryUnescape(q["q"])
	if err != nil {
		text = q["q"]
	}
	tag, err := url.QueryUnescape(q["h"])
	if err != nil {
		tag = q["h"]
	}
	if tag != "" {
		if tag[0] != '#' {
			tag = "#" + tag
		}
		tag = spaceRe.ReplaceAllString(tag, "")
	}
	text = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
	if text != "" {
		terms := strings.Split(text, " ")
		text = ""
		for _, term := range terms {
			if term[0] == '#' {
				if tag != "" {
					term = term[1:]
				} else {
					tag = term
					term = ""
				}
			}
			switch {
			case text != "" && term != "":
				text = text + " " + term
			case term != "":
				text = term
			}
		}
	}
	switch {
	case text != "" && tag != "":
		text = tag + " " + text
	case tag != "":
		text = tag
	}
	return url.QueryEscape(strings.ToLower(text))
}

// Terms splits the fingerprint on '+' into its terms.
func (q Query) Terms() []string {
	fp := q.Fingerprint()
	if fp == "" {
		return nil
	}
	return strings.Split(fp, "+")
}

// Text returns the decoded query text for display.
func (q Query) Text() string {
	text, err := url.QueryUnescape(q["q"])
	if err != nil {
		return q["q"]
	}
	return text
}

var optionalRe = regexp.MustCompile(`\{[^}?]*\?\}`)
var requiredRe = regexp.MustCompile(`\{[^}]*\}`)

// FillTemplate substitutes {k} and {k?} placeholders in a URL template
// by URL-encoded query values. The q placeholder receives the
// normalized fingerprint. Unmatched optional placeholders are erased;
// an unmatched required placeholder yields ErrInvalidTemplate.
func (q Query) FillTemplate(template string) (string, error) {
	out := strings.ReplaceAll(template, "&amp;", "&")
	for key, value := range q {
		if key == "q" {
			value = q.Fingerprint()
		} else {
			value = url.QueryEscape(value)
		}
		re, err := regexp.Compile(`\{` + regexp.QuoteMeta(key) + `\??\}`)
		if err != nil {
			continue
		}
		out = re.ReplaceAllString(out, value)
	}
	out = optionalRe.ReplaceAllString(out, "")
	if m := requiredRe.FindString(out); m != "" {
		return "", ErrInvalidTemplate
	}
	return out, nil
}

// Now returns the current UTC time in the wire timestamp format.
func Now() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

const pidAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewPID mints a random 23-character persistent peer identifier.
func NewPID() string {
	b := make([]byte, 23)
	for i := range b {
		b[i] = pidAlphabet[rand.Intn(len(pidAlphabet))]
	}
	return string(b)
}
