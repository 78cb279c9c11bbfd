package fanout

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djoerd/snipdex/cache"
	"github.com/djoerd/snipdex/snipdex"
)

func testEngine(t *testing.T) (*Engine, *cache.Cache) {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return New(c, 8472, nil, nil), c
}

func nativePeer(name, templateURL string, hints ...string) *snipdex.Peer {
	p := &snipdex.Peer{
		Name:         name,
		QueryHints:   hints,
		OpenTemplate: &snipdex.Template{URL: templateURL, Type: snipdex.MediaTypeNative},
	}
	p.DerivePID()
	p.Touch()
	return p
}

// nativeServer answers every request with one snippet in native XML.
func nativeServer(t *testing.T, location string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snippet := &snipdex.Snippet{Location: location, Title: "a result"}
		var buf bytes.Buffer
		err := snipdex.Render(&buf,
			snipdex.Query{"q": r.URL.Query().Get("q"), "public_ip": "127.0.0.1"},
			&snipdex.PeerList{}, snipdex.NewSnippetList(snippet))
		require.NoError(t, err)
		w.Header().Set("Content-Type", snipdex.MediaTypeNative)
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchRemoteAnsweredFromCache(t *testing.T) {
	engine, c := testEngine(t)
	peer := nativePeer("cheese", "http://cheese.example/?q={q}&f=xml")

	cached := &snipdex.PeerList{}
	cached.Append(peer, snipdex.StatusDone, nil)
	snippet := &snipdex.Snippet{Location: "http://cheese.example/1", Title: "one"}
	snippet.AddOrigin(peer.PID, snipdex.StatusDone, nil)
	require.NoError(t, c.Put(snipdex.Query{"q": "aged gouda"}, cached, snipdex.NewSnippetList(snippet)))

	query := snipdex.Query{"q": "aged gouda", "public_ip": "203.0.113.9", "public_port": "4711"}
	peers, snippets, err := engine.Search(context.Background(), query)
	require.NoError(t, err)

	// The node itself leads, the cached answer follows, nothing was
	// re-contacted.
	require.Equal(t, 2, peers.Len())
	assert.Equal(t, snipdex.StatusMe, peers.Entries[0].Status)
	assert.Equal(t, c.MyPeerID(), peers.Entries[0].Peer.PID)
	assert.Equal(t, peer.PID, peers.Entries[1].Peer.PID)
	assert.Equal(t, 1, snippets.Len())

	// The query's sub-terms were recorded for back-off learning.
	sub, _, err := c.Get(snipdex.Query{"q": "gouda"})
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, snipdex.StatusTodo, sub.Entries[0].Status)
}

func TestSearchRemoteUnknownQuery(t *testing.T) {
	engine, c := testEngine(t)
	peers, snippets, err := engine.Search(context.Background(),
		snipdex.Query{"q": "never seen", "public_ip": "203.0.113.9"})
	require.NoError(t, err)
	require.Equal(t, 1, peers.Len())
	assert.Equal(t, snipdex.StatusMe, peers.Entries[0].Status)
	assert.Equal(t, c.MyPeerID(), peers.Entries[0].Peer.PID)
	assert.Equal(t, 0, snippets.Len())
}

func TestSearchLoopbackContactsTodoPeers(t *testing.T) {
	engine, c := testEngine(t)
	srv := nativeServer(t, "http://cheese.example/gouda")
	peer := nativePeer("cheese", srv.URL+"/?q={q}&f=xml", "gouda")
	require.NoError(t, engine.SeedPeers([]*snipdex.Peer{peer}))

	query := snipdex.Query{"q": "gouda", "public_ip": "127.0.0.1"}
	peers, snippets, err := engine.Search(context.Background(), query)
	require.NoError(t, err)

	entry := peers.Find(peer.PID)
	require.NotNil(t, entry)
	assert.Equal(t, snipdex.StatusDone, entry.Status)
	assert.Equal(t, snipdex.StatusMe, peers.Entries[0].Status)

	require.Equal(t, 1, snippets.Len())
	got := snippets.At(0)
	assert.Equal(t, "http://cheese.example/gouda", got.Location)
	require.Len(t, got.Origins, 1)
	assert.Equal(t, peer.PID, got.Origins[0].PID)

	// The merged answer was written back to the cache.
	cachedPeers, cachedSnippets, err := c.Get(query)
	require.NoError(t, err)
	require.NotNil(t, cachedPeers)
	assert.Equal(t, 1, cachedSnippets.Len())
}

func TestSearchLoopbackWritesBackoff(t *testing.T) {
	engine, c := testEngine(t)
	srv := nativeServer(t, "http://cheese.example/aged-gouda")
	peer := nativePeer("cheese", srv.URL+"/?q={q}&f=xml")
	require.NoError(t, engine.SeedPeers([]*snipdex.Peer{peer}))

	_, _, err := engine.Search(context.Background(),
		snipdex.Query{"q": "aged gouda", "public_ip": "127.0.0.1"})
	require.NoError(t, err)

	// Every sub-term of the search now knows the contacted peer, so
	// a later search for just that term can re-query it.
	for _, sub := range []string{"aged", "gouda"} {
		subPeers, _, err := c.Get(snipdex.Query{"q": sub})
		require.NoError(t, err)
		require.NotNil(t, subPeers, sub)
		entry := subPeers.Find(peer.PID)
		require.NotNil(t, entry, sub)
		assert.Equal(t, snipdex.StatusTodo, entry.Status, sub)
	}
}

func TestSearchLoopbackMarksFailingPeers(t *testing.T) {
	engine, _ := testEngine(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	peer := nativePeer("broken", srv.URL+"/?q={q}&f=xml", "gouda")
	require.NoError(t, engine.SeedPeers([]*snipdex.Peer{peer}))

	peers, snippets, err := engine.Search(context.Background(),
		snipdex.Query{"q": "gouda", "public_ip": "127.0.0.1"})
	require.NoError(t, err)

	entry := peers.Find(peer.PID)
	require.NotNil(t, entry)
	assert.Equal(t, snipdex.StatusError, entry.Status)
	assert.Equal(t, 0, snippets.Len())
}

func TestSearchLoopbackMarksEmptyPeers(t *testing.T) {
	engine, _ := testEngine(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		snipdex.Render(&buf, snipdex.Query{"q": r.URL.Query().Get("q")},
			&snipdex.PeerList{}, snipdex.NewSnippetList())
		w.Header().Set("Content-Type", snipdex.MediaTypeNative)
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	peer := nativePeer("quiet", srv.URL+"/?q={q}&f=xml", "gouda")
	require.NoError(t, engine.SeedPeers([]*snipdex.Peer{peer}))

	peers, _, err := engine.Search(context.Background(),
		snipdex.Query{"q": "gouda", "public_ip": "127.0.0.1"})
	require.NoError(t, err)

	entry := peers.Find(peer.PID)
	require.NotNil(t, entry)
	assert.Equal(t, snipdex.StatusEmpty, entry.Status)
	require.NotNil(t, entry.Score)
	assert.Equal(t, 0.1, *entry.Score)
}

func TestSeedPeersSkipsTemplateless(t *testing.T) {
	engine, c := testEngine(t)
	require.NoError(t, engine.SeedPeers([]*snipdex.Peer{{Name: "nothing"}}))

	peers, _, err := c.Get(snipdex.Query{"q": ""})
	require.NoError(t, err)
	assert.Nil(t, peers)
}

func TestRemoveQueryHints(t *testing.T) {
	q := snipdex.Query{"q": "#news trump"}
	out := removeQueryHints(q, []string{"#news"})
	assert.Equal(t, " trump", out.Get("q"))

	// Stripping must never empty the query.
	out = removeQueryHints(snipdex.Query{"q": "#news"}, []string{"#news"})
	assert.Equal(t, "#news", out.Get("q"))

	out = removeQueryHints(q, nil)
	assert.Equal(t, "#news trump", out.Get("q"))
}

func TestGetAllPeersWithoutMother(t *testing.T) {
	engine, c := testEngine(t)
	peers, snippets := engine.GetAllPeers(snipdex.Query{"q": snipdex.QueryPong, "public_ip": "203.0.113.9"})
	// Strangers only learn about the node itself.
	require.Equal(t, 1, peers.Len())
	assert.Equal(t, snipdex.StatusMe, peers.Entries[0].Status)
	assert.Equal(t, c.MyPeerID(), peers.Entries[0].Peer.PID)
	assert.Equal(t, 0, snippets.Len())

	peers, _ = engine.GetAllPeers(snipdex.Query{"q": snipdex.QueryPong, "p": "2"})
	assert.Equal(t, 0, peers.Len())
}
