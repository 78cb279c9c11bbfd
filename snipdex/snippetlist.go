package snipdex

import (
	"encoding/json"
	"sort"
)

// SnippetList is a ranked list of snippets. Rank is implicit in the
// ordering: the first snippet appended is rank 1. The list tracks the
// signature of every snippet and the set of distinct origin pids seen.
type SnippetList struct {
	snippets   []*Snippet
	signatures map[string]int
	origins    map[string]struct{}
}

// NewSnippetList builds a list from the given snippets in order.
func NewSnippetList(snippets ...*Snippet) *SnippetList {
	l := &SnippetList{
		signatures: make(map[string]int),
		origins:    make(map[string]struct{}),
	}
	for _, s := range snippets {
		l.Append(s)
	}
	return l
}

// Append adds a snippet to the end of the list. No duplicate detection
// is performed; Merge is the deduplicating entry point.
func (l *SnippetList) Append(s *Snippet) {
	l.snippets = append(l.snippets, s)
	l.signatures[s.Signature()] = len(l.snippets) - 1
	for _, o := range s.Origins {
		l.origins[o.PID] = struct{}{}
	}
}

// Len returns the number of snippets.
func (l *SnippetList) Len() int {
	return len(l.snippets)
}

// At returns the i-th snippet.
func (l *SnippetList) At(i int) *Snippet {
	return l.snippets[i]
}

// Snippets returns the backing slice, in rank order.
func (l *SnippetList) Snippets() []*Snippet {
	return l.snippets
}

// Merge interleaves other into the list round-robin while preserving
// rank: with k the number of distinct origins already present (at
// least 1), one other item is admitted after every k own items, and
// other drains once own items are exhausted. An other item whose
// signature is already present is not duplicated; its origins are
// added to the existing entry instead.
func (l *SnippetList) Merge(other *SnippetList) {
	if other == nil {
		return
	}
	k := len(l.origins)
	if k < 1 {
		k = 1
	}
	merged := NewSnippetList()
	existing := l.signatures
	own := l.snippets
	i, j := 0, 0
	for i < len(own) || j < other.Len() {
		if i < len(own) {
			merged.Append(own[i])
			i++
		}
		if i%k == 0 || i >= len(own) {
			if j < other.Len() {
				incoming := other.At(j)
				if at, ok := existing[incoming.Signature()]; ok {
					own[at].AddOrigins(incoming.Origins)
				} else {
					merged.Append(incoming)
				}
				j++
			}
		}
	}
	l.snippets = merged.snippets
	l.signatures = merged.signatures
	l.origins = merged.origins
}

// Trim keeps only the first n snippets.
func (l *SnippetList) Trim(n int) {
	if len(l.snippets) <= n {
		return
	}
	trimmed := NewSnippetList(l.snippets[:n]...)
	l.snippets = trimmed.snippets
	l.signatures = trimmed.signatures
	l.origins = trimmed.origins
}

// StripEmpty removes origin-carrier snippets (no title, no location).
func (l *SnippetList) StripEmpty() {
	kept := NewSnippetList()
	for _, s := range l.snippets {
		if !s.IsEmpty() {
			kept.Append(s)
		}
	}
	l.snippets = kept.snippets
	l.signatures = kept.signatures
	l.origins = kept.origins
}

// AddOrigin attaches pid as an origin to every snippet in the list.
func (l *SnippetList) AddOrigin(pid string, status Status, score *float64) {
	l.origins[pid] = struct{}{}
	for _, s := range l.snippets {
		s.AddOrigin(pid, status, score)
	}
}

// OriginBin is one origin with its reciprocal-rank importance score.
type OriginBin struct {
	PID   string
	Score float64
}

// OriginBins groups the snippets by origin pid for aggregated
// rendering. It returns per-origin scores sorted low to high (a higher
// score means more of that origin's results sit near the top) and a
// map from pid to that origin's snippets in rank order.
func (l *SnippetList) OriginBins() ([]OriginBin, map[string]*SnippetList) {
	items := make(map[string]*SnippetList)
	scores := make(map[string]float64)
	index := 1
	for _, s := range l.snippets {
		for _, o := range s.Origins {
			bin, ok := items[o.PID]
			if !ok {
				bin = NewSnippetList()
				items[o.PID] = bin
			}
			bin.Append(s)
			scores[o.PID] += 1.0 / float64(index)
			index++
		}
	}
	bins := make([]OriginBin, 0, len(scores))
	for pid, score := range scores {
		bins = append(bins, OriginBin{PID: pid, Score: score})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Score < bins[j].Score })
	return bins, items
}

// MarshalJSON encodes the list as a plain snippet array.
func (l *SnippetList) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.snippets)
}

// UnmarshalJSON decodes a snippet array and rebuilds the indexes.
// Unknown fields in the input are ignored.
func (l *SnippetList) UnmarshalJSON(data []byte) error {
	var snippets []*Snippet
	if err := json.Unmarshal(data, &snippets); err != nil {
		return err
	}
	fresh := NewSnippetList(snippets...)
	*l = *fresh
	return nil
}
