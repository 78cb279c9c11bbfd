package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xmlquery"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/djoerd/snipdex/snipdex"
)

// Errors reported by Search. ErrTimeout covers both the per-request
// socket timeout and an expired context deadline.
var (
	ErrTimeout = errors.New("scraper: peer timed out")
	ErrParse   = errors.New("scraper: unparseable peer response")
)

// SocketTimeout is the total budget for one peer request.
const SocketTimeout = 10 * time.Second

var defaultHeaders = map[string]string{
	"User-Agent":      "SnipDex/0.2 (+http://www.snipdex.net/)",
	"Accept-Encoding": "identity",
	"Accept-Charset":  "UTF-8;q=0.7,*;q=0.7",
	"Cache-Control":   "no-cache",
	"Accept-Language": "nl,en;q=0.7,en-us;q=0.3",
	"Referer":         "http://www.snipdex.net/",
}

// Result is one peer's answer: the query echoed by the peer enriched
// with the observed transport addresses, plus whatever peers and
// snippets could be extracted.
type Result struct {
	Query        snipdex.Query
	Peers        *snipdex.PeerList
	Snippets     *snipdex.SnippetList
	TotalResults string
}

// Scraper queries one peer through one of its templates.
type Scraper struct {
	searchURL      string
	mimetype       string
	method         string
	itemPath       string
	titlePath      string
	linkPath       string
	summaryPath    string
	previewPath    string
	attributePaths string
	forceDecode    string
	client         *http.Client
	logger         *slog.Logger
}

// New builds a scraper from a peer template. The template's explicit
// paths override the builtin defaults of its mimetype's format.
func New(t *snipdex.Template, client *http.Client, logger *slog.Logger) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: SocketTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := formatFor(t.Type, t.ItemPath != "")
	s := &Scraper{
		searchURL:      t.URL,
		mimetype:       t.Type,
		method:         strings.ToUpper(t.Method),
		itemPath:       f.itemPath,
		titlePath:      f.titlePath,
		linkPath:       f.linkPath,
		summaryPath:    f.summaryPath,
		previewPath:    f.previewPath,
		attributePaths: t.AttributePaths,
		forceDecode:    t.ForceDecode,
		client:         client,
		logger:         logger,
	}
	if s.method == "" {
		s.method = http.MethodGet
	}
	if t.ItemPath != "" {
		s.itemPath = t.ItemPath
	}
	if t.TitlePath != "" {
		s.titlePath = t.TitlePath
	}
	if t.LinkPath != "" {
		s.linkPath = t.LinkPath
	}
	if t.SummaryPath != "" {
		s.summaryPath = t.SummaryPath
	}
	if t.PreviewPath != "" {
		s.previewPath = t.PreviewPath
	}
	return s
}

// Search fills the template with the query, performs the request, and
// parses the response according to the template's mimetype. The
// returned query carries the transport addresses observed on the
// socket (local_ip, local_port, peer_ip, peer_port) plus all incoming
// parameters except public_ip and public_port, which only the remote
// peer may assert.
func (s *Scraper) Search(ctx context.Context, query snipdex.Query) (*Result, error) {
	link, err := query.FillTemplate(s.searchURL)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if s.method != http.MethodGet {
		base, params, found := strings.Cut(link, "?")
		if found {
			link = base
			reqBody = strings.NewReader(params)
		}
	}
	req, err := http.NewRequestWithContext(ctx, s.method, link, reqBody)
	if err != nil {
		return nil, fmt.Errorf("scraper: build request %s: %w", link, err)
	}
	for head, value := range defaultHeaders {
		req.Header.Set(head, value)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Close = true

	var localAddr, peerAddr net.Addr
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			localAddr = info.Conn.LocalAddr()
			peerAddr = info.Conn.RemoteAddr()
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	s.logger.Debug("peer request", "method", s.method, "mimetype", s.mimetype, "url", link)
	resp, err := s.client.Do(req)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, link)
		}
		return nil, fmt.Errorf("scraper: fetch %s: %w", link, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scraper: fetch %s: HTTP %d", link, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, link)
		}
		return nil, fmt.Errorf("scraper: read %s: %w", link, err)
	}
	body = s.decode(body)

	result, err := s.parse(body)
	if err != nil {
		return nil, err
	}
	if host, port, err := net.SplitHostPort(addrString(localAddr)); err == nil {
		result.Query.Set("local_ip", host)
		result.Query.Set("local_port", port)
	}
	if host, port, err := net.SplitHostPort(addrString(peerAddr)); err == nil {
		result.Query.Set("peer_ip", host)
		result.Query.Set("peer_port", port)
	}
	for key, value := range query {
		if key == "public_ip" || key == "public_port" {
			continue
		}
		result.Query.Set(key, value)
	}
	return result, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// decode applies the template's force_decode charset, for peers that
// declare one charset and send another. The charset declaration in the
// body is rewritten so downstream parsers see the truth.
func (s *Scraper) decode(body []byte) []byte {
	if s.forceDecode == "" {
		return body
	}
	enc, err := htmlindex.Get(s.forceDecode)
	if err != nil {
		s.logger.Warn("unknown force_decode charset", "charset", s.forceDecode)
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return bytes.ReplaceAll(decoded,
		[]byte("charset="+s.forceDecode), []byte("charset=utf-8"))
}

func (s *Scraper) parse(body []byte) (*Result, error) {
	if s.mimetype == snipdex.MediaTypeNative {
		resp, err := snipdex.Parse(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return &Result{
			Query:        resp.Query,
			Peers:        resp.Peers,
			Snippets:     resp.Snippets,
			TotalResults: resp.TotalResults,
		}, nil
	}
	return s.scrape(body)
}

var defaultNSRe = regexp.MustCompile(`xmlns=('|")[^'"]*('|")`)

// scrape extracts snippets from a non-native XML or HTML response
// using the scraper's XPath expressions. Foreign formats never carry
// peers; only snippets come back.
func (s *Scraper) scrape(body []byte) (*Result, error) {
	if s.itemPath == "" {
		return &Result{
			Query:    snipdex.Query{},
			Peers:    &snipdex.PeerList{},
			Snippets: snipdex.NewSnippetList(),
		}, nil
	}
	// Default namespaces get in the way of unprefixed XPath steps.
	text := defaultNSRe.ReplaceAllString(string(body), " ")

	var root xnode
	if s.mimetype == snipdex.MediaTypeHTML {
		doc, err := htmlquery.Parse(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		root = htmlNode{doc}
	} else {
		doc, err := xmlquery.Parse(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		root = xmlNode{doc}
	}

	snippets := snipdex.NewSnippetList()
	found := snipdex.Now()
	for _, item := range root.query(s.itemPath) {
		snippet := &snipdex.Snippet{
			Title:    boundText(textValue(item, s.titlePath), titleLimit),
			Location: s.scrapeLink(item),
			Found:    found,
			Preview:  s.scrapePreview(item),
		}
		var summary string
		if s.summaryPath != "" {
			summary = textValue(item, s.summaryPath)
		} else {
			summary = textExcluding(item, s.titlePath, ".//script")
		}
		snippet.Summary = boundText(summary, summaryLimit)
		s.scrapeAttributes(item, snippet)
		snippets.Append(snippet)
	}
	return &Result{
		Query:        snipdex.Query{},
		Peers:        &snipdex.PeerList{},
		Snippets:     snippets,
		TotalResults: textValue(root, "//*[local-name()='totalResults']"),
	}, nil
}

// scrapeLink resolves the item's result URL: element text first, then
// an href attribute, then a url attribute on the item itself. Among
// multiple link elements one typed text/html wins. A bare "#" counts
// as no link.
func (s *Scraper) scrapeLink(item xnode) string {
	var value string
	for _, link := range item.query(s.linkPath) {
		value = link.text()
		if value == "" {
			value = link.attr("href")
		}
		if value == "" {
			value = item.attr("url")
		}
		if value == "#" {
			value = ""
		}
		if value != "" && link.attr("type") == "text/html" {
			break
		}
	}
	return value
}

var allSpaceRe = regexp.MustCompile(`\s+`)

func (s *Scraper) scrapePreview(item xnode) *snipdex.Preview {
	if s.previewPath == "" {
		return nil
	}
	nodes := item.query(s.previewPath)
	if len(nodes) == 0 {
		return nil
	}
	node := nodes[0]
	value := allSpaceRe.ReplaceAllString(node.text(), "")
	for _, attr := range []string{"url", "source", "href", "src"} {
		if value != "" {
			break
		}
		value = node.attr(attr)
	}
	if value == "" {
		return nil
	}
	mimetype := node.attr("type")
	if mimetype == "" {
		mimetype = "image"
	}
	return &snipdex.Preview{
		Type:   mimetype,
		URL:    value,
		Width:  node.attr("width"),
		Height: node.attr("height"),
	}
}

// scrapeAttributes evaluates the template's attribute_paths, a comma
// separated list of Key{path} pairs.
func (s *Scraper) scrapeAttributes(item xnode, snippet *snipdex.Snippet) {
	if s.attributePaths == "" {
		return
	}
	for _, keyPath := range strings.Split(s.attributePaths, ",") {
		key, path, found := strings.Cut(keyPath, "{")
		if !found {
			continue
		}
		path = strings.TrimSuffix(path, "}")
		if value := textValue(item, path); value != "" {
			snippet.AddAttribute(key, value)
		}
	}
}

// TotalResultsValue parses a scraped totalResults string, returning 0
// when absent or malformed.
func TotalResultsValue(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
