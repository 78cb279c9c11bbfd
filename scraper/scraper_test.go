package scraper

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djoerd/snipdex/snipdex"
)

func serve(t *testing.T, contentType string, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchRSS(t *testing.T) {
	rss := []byte(`<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Cheese News</title>
    <item>
      <title>Gouda wins award</title>
      <link>http://cheese.example/gouda-award</link>
      <description>The &lt;b&gt;famous&lt;/b&gt; Dutch cheese   wins again.</description>
    </item>
    <item>
      <title>Edam recalled</title>
      <link>http://cheese.example/edam-recall</link>
      <description>A batch of Edam was recalled.</description>
    </item>
  </channel>
</rss>`)
	srv := serve(t, "application/rss+xml", rss)

	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}", Type: "application/rss+xml"}, srv.Client(), nil)
	result, err := s.Search(context.Background(), snipdex.Query{"q": "gouda"})
	require.NoError(t, err)

	require.Equal(t, 2, result.Snippets.Len())
	first := result.Snippets.At(0)
	assert.Equal(t, "Gouda wins award", first.Title)
	assert.Equal(t, "http://cheese.example/gouda-award", first.Location)
	// Markup is stripped; every tag or whitespace run becomes a space.
	assert.Equal(t, "The  famous  Dutch cheese wins again.", first.Summary)
	assert.Equal(t, 0, result.Peers.Len())

	// The response query echoes the request plus the socket addresses.
	assert.Equal(t, "gouda", result.Query.Get("q"))
	assert.Equal(t, "127.0.0.1", result.Query.Get("peer_ip"))
	assert.NotEmpty(t, result.Query.Get("local_port"))
}

func TestSearchStripsDefaultNamespace(t *testing.T) {
	atom := []byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <title>Entry One</title>
    <link href="http://a.example/1" type="text/html"/>
    <summary>the first entry</summary>
  </entry>
</feed>`)
	srv := serve(t, "application/atom+xml", atom)

	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}", Type: "application/atom+xml"}, srv.Client(), nil)
	result, err := s.Search(context.Background(), snipdex.Query{"q": "one"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Snippets.Len())
	assert.Equal(t, "Entry One", result.Snippets.At(0).Title)
	assert.Equal(t, "http://a.example/1", result.Snippets.At(0).Location)
}

func TestSearchSuggestions(t *testing.T) {
	suggest := []byte(`<?xml version="1.0"?>
<SearchSuggestion>
  <Section>
    <Item>
      <Text>gouda cheese</Text>
      <Url>http://s.example/?q=gouda+cheese</Url>
      <Description>popular search</Description>
    </Item>
  </Section>
</SearchSuggestion>`)
	srv := serve(t, snipdex.MediaTypeSuggest, suggest)

	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}", Type: snipdex.MediaTypeSuggest}, srv.Client(), nil)
	result, err := s.Search(context.Background(), snipdex.Query{"q": "gouda"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Snippets.Len())
	assert.Equal(t, "gouda cheese", result.Snippets.At(0).Title)
}

func TestSearchNative(t *testing.T) {
	peer := &snipdex.Peer{
		Name:         "Cheese Search",
		OpenTemplate: &snipdex.Template{URL: "http://cheese.example/rss?q={q}", Type: "application/rss+xml"},
	}
	peer.DerivePID()
	peers := &snipdex.PeerList{}
	peers.Append(peer, snipdex.StatusTodo, nil)
	snippet := &snipdex.Snippet{Location: "http://cheese.example/1", Title: "one"}
	snippet.AddOrigin(peer.PID, "", nil)

	var body bytes.Buffer
	require.NoError(t, snipdex.Render(&body,
		snipdex.Query{"q": "gouda", "public_ip": "198.51.100.7"},
		peers, snipdex.NewSnippetList(snippet)))
	srv := serve(t, snipdex.MediaTypeNative, body.Bytes())

	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}&f=xml", Type: snipdex.MediaTypeNative}, srv.Client(), nil)
	result, err := s.Search(context.Background(), snipdex.Query{"q": "gouda", "public_ip": "203.0.113.9"})
	require.NoError(t, err)

	require.Equal(t, 1, result.Peers.Len())
	assert.Equal(t, peer.PID, result.Peers.Entries[0].Peer.PID)
	require.Equal(t, 1, result.Snippets.Len())
	assert.Equal(t, "1", result.TotalResults)

	// The peer's assertion of our public address is kept; our own
	// public_ip never overwrites what the peer observed.
	assert.Equal(t, "198.51.100.7", result.Query.Get("public_ip"))
	assert.Equal(t, "gouda", result.Query.Get("q"))
}

func TestSearchHTML(t *testing.T) {
	page := []byte(`<html><body>
<div class="result">
  <a href="http://h.example/one">One result</a>
  <script>tracking();</script>
  some context about one
</div>
<div class="result">
  <a href="http://h.example/two">Two result</a>
  more context about two
</div>
</body></html>`)
	srv := serve(t, "text/html", page)

	s := New(&snipdex.Template{
		URL:      srv.URL + "/?q={q}",
		Type:     snipdex.MediaTypeHTML,
		ItemPath: `//div[@class="result"]`,
	}, srv.Client(), nil)
	result, err := s.Search(context.Background(), snipdex.Query{"q": "one"})
	require.NoError(t, err)

	require.Equal(t, 2, result.Snippets.Len())
	first := result.Snippets.At(0)
	assert.Equal(t, "One result", first.Title)
	assert.Equal(t, "http://h.example/one", first.Location)
	// The summary is the item text without its title link and scripts.
	assert.Contains(t, first.Summary, "some context about one")
	assert.NotContains(t, first.Summary, "One result")
	assert.NotContains(t, first.Summary, "tracking")
}

func TestSearchHTMLWithoutItemPath(t *testing.T) {
	srv := serve(t, "text/html", []byte("<html><body>hi</body></html>"))
	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}", Type: snipdex.MediaTypeHTML}, srv.Client(), nil)
	result, err := s.Search(context.Background(), snipdex.Query{"q": "one"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Snippets.Len())
}

func TestSearchPost(t *testing.T) {
	var gotMethod, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.String()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(`<rss><channel></channel></rss>`))
	}))
	defer srv.Close()

	s := New(&snipdex.Template{URL: srv.URL + "/search?q={q}", Type: "application/rss+xml", Method: "post"},
		srv.Client(), nil)
	_, err := s.Search(context.Background(), snipdex.Query{"q": "gouda cheese"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "q=gouda+cheese", gotBody)
	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
}

func TestSearchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}", Type: "application/rss+xml"}, client, nil)
	_, err := s.Search(context.Background(), snipdex.Query{"q": "slow"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSearchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	s := New(&snipdex.Template{URL: srv.URL + "/?q={q}", Type: "application/rss+xml"}, srv.Client(), nil)
	_, err := s.Search(context.Background(), snipdex.Query{"q": "gouda"})
	assert.Error(t, err)

	// A template with an unbound required placeholder never hits the wire.
	s = New(&snipdex.Template{URL: srv.URL + "/?q={q}&key={apikey}", Type: "application/rss+xml"}, srv.Client(), nil)
	_, err = s.Search(context.Background(), snipdex.Query{"q": "gouda"})
	assert.ErrorIs(t, err, snipdex.ErrInvalidTemplate)
}

func TestBoundText(t *testing.T) {
	assert.Equal(t, "short", boundText("short", 10))
	assert.Equal(t, "", boundText("<br/>", 10))
	assert.Equal(t, "foo", boundText("<b>foo</b>", 10))
	assert.Equal(t, "padded", boundText("  padded  ", 20))
	long := boundText("aaaaaaaaaaaaaaaaaaaa", 10)
	assert.Len(t, []rune(long), 10)
	assert.Equal(t, "...", long[7:])
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, "//item", formatFor("application/rss+xml", false).itemPath)
	assert.Equal(t, "//entry", formatFor("application/atom+xml", false).itemPath)
	assert.Equal(t, "//Item", formatFor(snipdex.MediaTypeSuggest, false).itemPath)
	assert.Equal(t, "", formatFor(snipdex.MediaTypeHTML, false).itemPath)
	assert.Equal(t, "(.//a)[1]", formatFor(snipdex.MediaTypeHTML, true).titlePath)
	assert.Equal(t, "", formatFor(snipdex.MediaTypeNative, false).itemPath)
}

func TestTotalResultsValue(t *testing.T) {
	assert.Equal(t, 42, TotalResultsValue(" 42 "))
	assert.Equal(t, 0, TotalResultsValue(""))
	assert.Equal(t, 0, TotalResultsValue("many"))
}
