package snipdex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePID(t *testing.T) {
	p := &Peer{OpenTemplate: &Template{URL: "http://example.com/search?q={q}"}}
	pid := p.DerivePID()
	require.Len(t, pid, 32) // md5 hex of the template url
	assert.Equal(t, pid, p.DerivePID())

	assigned := &Peer{PID: "fixed", OpenTemplate: &Template{URL: "http://example.com/"}}
	assert.Equal(t, "fixed", assigned.DerivePID())

	assert.Empty(t, (&Peer{}).DerivePID())
}

func TestSearchTemplate(t *testing.T) {
	networked := &Peer{
		PublicAddress: "198.51.100.7:8472",
		OpenTemplate:  &Template{URL: "http://example.com/search?q={q}"},
	}
	template, err := networked.SearchTemplate()
	require.NoError(t, err)
	assert.Equal(t, MediaTypeNative, template.Type)
	assert.Contains(t, template.URL, "http://198.51.100.7:8472/snipdex/")
	assert.Contains(t, template.URL, "f=xml")

	zombie := &Peer{OpenTemplate: &Template{URL: "http://example.com/rss?q={q}"}}
	template, err = zombie.SearchTemplate()
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/rss?q={q}", template.URL)

	scraped := &Peer{HTMLTemplate: &Template{URL: "http://example.com/?q={q}", ItemPath: "//div"}}
	template, err = scraped.SearchTemplate()
	require.NoError(t, err)
	assert.Equal(t, "//div", template.ItemPath)

	_, err = (&Peer{HTMLTemplate: &Template{URL: "http://example.com/?q={q}"}}).SearchTemplate()
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestMergeOneStatusProgress(t *testing.T) {
	p := &Peer{PID: "abc"}
	l := &PeerList{}
	l.MergeOne(p, StatusTodo, nil)

	// TODO yields to any other status.
	l.MergeOne(p, StatusDone, nil)
	require.Equal(t, 1, l.Len())
	assert.Equal(t, StatusDone, l.Entries[0].Status)

	// Non-TODO statuses are sticky.
	l.MergeOne(p, StatusTodo, nil)
	assert.Equal(t, StatusDone, l.Entries[0].Status)
	l.MergeOne(p, StatusEmpty, nil)
	assert.Equal(t, StatusDone, l.Entries[0].Status)
}

func TestMergeOneScoreMax(t *testing.T) {
	p := &Peer{PID: "abc"}
	l := &PeerList{}
	l.MergeOne(p, StatusTodo, Score(2))
	l.MergeOne(p, StatusTodo, Score(1))
	require.NotNil(t, l.Entries[0].Score)
	assert.Equal(t, 2.0, *l.Entries[0].Score)

	l.MergeOne(p, StatusTodo, Score(3))
	assert.Equal(t, 3.0, *l.Entries[0].Score)
}

func TestMergeOneDescriptorFreshness(t *testing.T) {
	stale := &Peer{PID: "abc", Name: "old", Updated: "2026-01-01 00:00:00"}
	fresh := &Peer{PID: "abc", Name: "new", Updated: "2026-06-01 00:00:00"}

	l := &PeerList{}
	l.MergeOne(stale, StatusDone, nil)
	l.MergeOne(fresh, StatusTodo, nil)
	assert.Equal(t, "new", l.Entries[0].Peer.Name)

	// An older descriptor never wins.
	l.MergeOne(stale, StatusTodo, nil)
	assert.Equal(t, "new", l.Entries[0].Peer.Name)
}

func TestMergeKeepsOrder(t *testing.T) {
	a := &Peer{PID: "a"}
	b := &Peer{PID: "b"}
	c := &Peer{PID: "c"}

	l := &PeerList{}
	l.Append(a, StatusDone, nil)
	l.Append(b, StatusTodo, nil)

	other := &PeerList{}
	other.Append(b, StatusDone, nil)
	other.Append(c, StatusTodo, nil)

	l.Merge(other)
	require.Equal(t, 3, l.Len())
	assert.Equal(t, "a", l.Entries[0].Peer.PID)
	assert.Equal(t, "b", l.Entries[1].Peer.PID)
	assert.Equal(t, StatusDone, l.Entries[1].Status)
	assert.Equal(t, "c", l.Entries[2].Peer.PID)
}
