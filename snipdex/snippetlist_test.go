package snipdex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snip(pid, location string) *Snippet {
	s := &Snippet{Location: location, Title: location}
	if pid != "" {
		s.AddOrigin(pid, "", nil)
	}
	return s
}

func locations(l *SnippetList) []string {
	out := make([]string, 0, l.Len())
	for _, s := range l.Snippets() {
		out = append(out, s.Location)
	}
	return out
}

func TestSignature(t *testing.T) {
	assert.Equal(t, "http://example.com/",
		(&Snippet{Location: "http://www.example.com/index.html"}).Signature())
	assert.Equal(t, "http://example.com/a",
		(&Snippet{Location: "http://example.com/a"}).Signature())
	assert.Equal(t, "just a title", (&Snippet{Title: "just a title"}).Signature())
}

func TestMergeInterleavesByOriginCount(t *testing.T) {
	// Two distinct origins already present, so one incoming snippet is
	// admitted after every two own snippets.
	own := NewSnippetList(
		snip("A", "http://a.example/1"),
		snip("B", "http://a.example/2"),
		snip("A", "http://a.example/3"),
		snip("B", "http://a.example/4"),
	)
	other := NewSnippetList(
		snip("C", "http://c.example/1"),
		snip("C", "http://c.example/2"),
		snip("C", "http://c.example/3"),
	)

	own.Merge(other)
	assert.Equal(t, []string{
		"http://a.example/1",
		"http://a.example/2",
		"http://c.example/1",
		"http://a.example/3",
		"http://a.example/4",
		"http://c.example/2",
		"http://c.example/3",
	}, locations(own))
}

func TestMergeIntoEmpty(t *testing.T) {
	own := NewSnippetList()
	other := NewSnippetList(snip("C", "http://c.example/1"), snip("C", "http://c.example/2"))
	own.Merge(other)
	assert.Equal(t, 2, own.Len())
}

func TestMergeDeduplicatesBySignature(t *testing.T) {
	own := NewSnippetList(snip("A", "http://www.example.com/index.html"))
	other := NewSnippetList(snip("B", "http://example.com/"))

	own.Merge(other)
	require.Equal(t, 1, own.Len())
	origins := own.At(0).Origins
	require.Len(t, origins, 2)
	assert.Equal(t, "A", origins[0].PID)
	assert.Equal(t, "B", origins[1].PID)
}

func TestTrim(t *testing.T) {
	l := NewSnippetList(
		snip("A", "http://a.example/1"),
		snip("A", "http://a.example/2"),
		snip("A", "http://a.example/3"),
	)
	l.Trim(2)
	assert.Equal(t, 2, l.Len())
	l.Trim(5)
	assert.Equal(t, 2, l.Len())
}

func TestStripEmpty(t *testing.T) {
	carrier := &Snippet{}
	carrier.AddOrigin("A", StatusDone, nil)
	l := NewSnippetList(snip("A", "http://a.example/1"), carrier)

	l.StripEmpty()
	require.Equal(t, 1, l.Len())
	assert.Equal(t, "http://a.example/1", l.At(0).Location)
}

func TestAddOrigin(t *testing.T) {
	s := snip("A", "http://a.example/1")
	s.AddOrigin("A", StatusDone, Score(2))
	require.Len(t, s.Origins, 1)
	assert.Equal(t, StatusDone, s.Origins[0].Status)
	assert.Equal(t, 2.0, *s.Origins[0].Score)

	// Lower scores and TODO do not regress the origin.
	s.AddOrigin("A", StatusTodo, Score(1))
	assert.Equal(t, StatusDone, s.Origins[0].Status)
	assert.Equal(t, 2.0, *s.Origins[0].Score)
}

func TestOriginBins(t *testing.T) {
	l := NewSnippetList(
		snip("A", "http://a.example/1"),
		snip("B", "http://b.example/1"),
		snip("B", "http://b.example/2"),
	)
	bins, items := l.OriginBins()
	require.Len(t, bins, 2)
	// A holds the top rank, so it scores highest and sorts last.
	assert.Equal(t, "A", bins[1].PID)
	assert.Equal(t, 1, items["A"].Len())
	assert.Equal(t, 2, items["B"].Len())
}

func TestSnippetListJSONRoundTrip(t *testing.T) {
	l := NewSnippetList(snip("A", "http://a.example/1"), snip("B", "http://b.example/1"))
	blob, err := l.MarshalJSON()
	require.NoError(t, err)

	var back SnippetList
	require.NoError(t, back.UnmarshalJSON(blob))
	require.Equal(t, 2, back.Len())
	assert.Equal(t, "http://a.example/1", back.At(0).Location)
	assert.Equal(t, "A", back.At(0).Origins[0].PID)

	// The rebuilt indexes still deduplicate on merge.
	back.Merge(NewSnippetList(snip("C", "http://a.example/1")))
	assert.Equal(t, 2, back.Len())
}
