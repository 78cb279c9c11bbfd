// Package fanout implements the federated search itself: seeding a
// peer list from the cache, contacting TODO peers hop by hop, merging
// their answers, and keeping the node registered in the network.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/djoerd/snipdex/cache"
	"github.com/djoerd/snipdex/scraper"
	"github.com/djoerd/snipdex/snipdex"
)

const (
	searchHops = 3               // hops to follow referrals, self included
	hopBudget  = 4 * time.Second // drain budget per hop
	workerTrim = 10              // snippets kept per peer answer
)

// Engine runs searches against the peer network on behalf of the
// local user, and answers the network's own service queries.
type Engine struct {
	cache  *cache.Cache
	client *http.Client
	logger *slog.Logger

	localPort int // the port we serve on, fixed at startup

	mu            sync.RWMutex
	publicIP      string
	publicPort    string
	localIP       string
	mother        *snipdex.Peer
	motherAddress string // as configured, before NAT rewrites
	fallback      *snipdex.PeerList
	branding      Branding
}

// New creates an engine serving on localPort. Call Register before
// serving searches.
func New(c *cache.Cache, localPort int, client *http.Client, logger *slog.Logger) *Engine {
	if client == nil {
		client = &http.Client{Timeout: scraper.SocketTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cache:     c,
		client:    client,
		logger:    logger,
		localPort: localPort,
		branding:  defaultBranding(),
	}
}

// LocalPort returns the port the node serves on.
func (e *Engine) LocalPort() int {
	return e.localPort
}

// PublicAddress returns the node's public "host:port" as last
// observed, or "" before any registration or discovery.
func (e *Engine) PublicAddress() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.publicIP == "" {
		return ""
	}
	return net.JoinHostPort(e.publicIP, e.publicPort)
}

// Mother returns the mother peer, or nil in stand-alone mode.
func (e *Engine) Mother() *snipdex.Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mother
}

// SeedPeers merges locally configured peers into the cache under each
// of their query hints, or under the empty query when a peer carries
// no hints. Used to preload adapters for engines the node should
// always know about.
func (e *Engine) SeedPeers(peers []*snipdex.Peer) error {
	for _, p := range peers {
		if p.DerivePID() == "" {
			e.logger.Warn("skipping seed peer without template", "name", p.Name)
			continue
		}
		list := &snipdex.PeerList{}
		list.Append(p, snipdex.StatusTodo, nil)
		hints := p.QueryHints
		if len(hints) == 0 {
			hints = []string{""}
		}
		for _, hint := range hints {
			query := snipdex.Query{"q": hint}
			if err := e.cache.Update(query, list, snipdex.NewSnippetList()); err != nil {
				return err
			}
		}
	}
	return nil
}

// storeIPs records the node's addresses as observed by a remote peer.
// When the local and public IP agree there is no NAT in between, so
// the public port is the port we actually serve on.
func (e *Engine) storeIPs(publicIP, publicPort, localIP string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publicIP = publicIP
	e.localIP = localIP
	if localIP == publicIP || publicPort == "" {
		e.publicPort = strconv.Itoa(e.localPort)
	} else {
		e.publicPort = publicPort
	}
}

// adoptAddresses picks up an address change reported in a peer's
// response query.
func (e *Engine) adoptAddresses(q snipdex.Query) {
	publicIP := q.Get("public_ip")
	if publicIP == "" {
		return
	}
	e.mu.RLock()
	current := e.publicIP
	e.mu.RUnlock()
	if publicIP == current {
		return
	}
	e.logger.Info("public address changed", "from", current, "to", publicIP)
	e.storeIPs(publicIP, q.Get("public_port"), q.Get("local_ip"))
}

func (e *Engine) motherPeer() *snipdex.Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mother
}

func (e *Engine) fallbackPeers() *snipdex.PeerList {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallback
}

// Myself builds the node's own peer descriptor.
func (e *Engine) Myself() *snipdex.Peer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	me := &snipdex.Peer{
		PID:           e.cache.MyPeerID(),
		PublicAddress: net.JoinHostPort(e.publicIP, e.publicPort),
	}
	if e.localIP != e.publicIP {
		me.LocalAddress = net.JoinHostPort(e.localIP, strconv.Itoa(e.localPort))
	}
	me.Touch()
	return me
}

// PutMyselfFirst returns a new list with the node itself as the first
// entry, status ME, followed by the given peers.
func (e *Engine) PutMyselfFirst(peers *snipdex.PeerList) *snipdex.PeerList {
	out := &snipdex.PeerList{}
	out.Append(e.Myself(), snipdex.StatusMe, nil)
	out.Merge(peers)
	return out
}

// probe is one in-flight peer request.
type probe struct {
	peer     *snipdex.Peer
	result   *scraper.Result
	err      error
	done     chan struct{}
	hasPeers bool
	hasSnips bool
}

func (p *probe) run(ctx context.Context, s *scraper.Scraper, query snipdex.Query) {
	defer close(p.done)
	p.result, p.err = s.Search(ctx, query)
	if p.err != nil {
		return
	}
	p.hasPeers = p.result.Peers != nil && p.result.Peers.Len() > 0
	p.hasSnips = p.result.Snippets != nil && p.result.Snippets.Len() > 0
	if p.hasSnips {
		p.result.Snippets.Trim(workerTrim)
	}
}

// Search answers a query. Requests arriving from the loopback address
// get the full treatment: the cached peer list is re-contacted for
// searchHops hops and the merged result is cached. Requests from
// elsewhere in the network are answered from the cache alone, after
// recording the query's sub-terms for back-off learning.
func (e *Engine) Search(ctx context.Context, query snipdex.Query) (*snipdex.PeerList, *snipdex.SnippetList, error) {
	e.logger.Debug("processing query", "q", query.Get("q"), "fingerprint", query.Fingerprint())

	peers, snippets, err := e.cache.GetApprox(query)
	if err != nil {
		return nil, nil, err
	}
	if peers == nil {
		peers = &snipdex.PeerList{}
	}
	if snippets == nil {
		snippets = snipdex.NewSnippetList()
	}
	e.logger.Debug("cache", "peers", peers.Len(), "results", snippets.Len())

	if query.Get("public_ip") != "127.0.0.1" {
		// We still might learn from new terms and term combinations.
		if err := e.cache.PutBackoff(query, peers); err != nil {
			e.logger.Warn("back-off update failed", "error", err)
		}
		if peers.Len() == 0 {
			peers.Merge(e.fallbackPeers())
		}
		return e.PutMyselfFirst(peers), snippets, nil
	}

	if mother := e.motherPeer(); mother != nil {
		// A no-op if the mother is already in as DONE.
		peers.MergeOne(mother, snipdex.StatusTodo, nil)
	}

	for hop := 1; hop <= searchHops; hop++ {
		next := &snipdex.PeerList{}
		var probes []*probe
		for _, entry := range peers.Entries {
			if entry.Status != snipdex.StatusTodo {
				status := entry.Status
				if status == snipdex.StatusMe {
					// Someone else's ME; the real me is added at the end.
					status = snipdex.StatusDone
				}
				next.MergeOne(entry.Peer, status, entry.Score)
				continue
			}
			template, err := entry.Peer.SearchTemplate()
			if err != nil {
				e.logger.Warn("peer has no usable template", "pid", entry.Peer.PID)
				next.MergeOne(entry.Peer, snipdex.StatusError, entry.Score)
				continue
			}
			p := &probe{peer: entry.Peer, done: make(chan struct{})}
			probes = append(probes, p)
			go p.run(ctx, scraper.New(template, e.client, e.logger),
				removeQueryHints(query, entry.Peer.QueryHints))
		}

		hopStart := time.Now()
		for _, p := range probes {
			finished := false
			if remaining := hopBudget - time.Since(hopStart); remaining > 0 {
				select {
				case <-p.done:
					finished = true
				case <-time.After(remaining):
				}
			} else {
				select {
				case <-p.done:
					finished = true
				default:
				}
			}
			switch {
			case !finished || errors.Is(p.err, scraper.ErrTimeout):
				e.logger.Debug("peer timeout", "pid", p.peer.PID, "hop", hop)
				next.MergeOne(p.peer, snipdex.StatusTimeout, nil)
			case p.err != nil:
				e.logger.Debug("peer error", "pid", p.peer.PID, "hop", hop, "error", p.err)
				next.MergeOne(p.peer, snipdex.StatusError, nil)
			default:
				if p.hasPeers {
					next.Merge(p.result.Peers)
				}
				if p.hasSnips {
					p.result.Snippets.AddOrigin(p.peer.PID, "", nil)
					snippets.Merge(p.result.Snippets)
				}
				if p.hasPeers || p.hasSnips {
					next.MergeOne(p.peer, snipdex.StatusDone, nil)
				} else {
					next.MergeOne(p.peer, snipdex.StatusEmpty, snipdex.Score(0.1))
				}
				e.logger.Debug("peer response", "pid", p.peer.PID,
					"peers", p.result.Peers.Len(), "results", p.result.Snippets.Len(),
					"reported", scraper.TotalResultsValue(p.result.TotalResults), "hop", hop)
				e.adoptAddresses(p.result.Query)
			}
		}

		next.Merge(e.fallbackPeers())
		peers = next
	}

	if err := e.cache.Update(query, peers, snippets); err != nil {
		e.logger.Error("caching merged result failed", "error", err)
	}
	if err := e.cache.PutBackoff(query, peers); err != nil {
		e.logger.Warn("back-off update failed", "error", err)
	}
	return e.PutMyselfFirst(peers), snippets, nil
}

// removeQueryHints strips a peer's own query hints from the query text
// before forwarding: a peer scoped to "#news" need not see the tag it
// is scoped to. When stripping would leave nothing, the original text
// is kept.
func removeQueryHints(query snipdex.Query, hints []string) snipdex.Query {
	out := query.Clone()
	if len(hints) == 0 {
		return out
	}
	value := query.Get("q")
	for _, hint := range hints {
		value = strings.ReplaceAll(value, hint, "")
	}
	if value != "" {
		out.Set("q", value)
	}
	return out
}

// GetAllPeers answers the mother's liveness probe with one page of
// known peers. Only the mother gets pages of the cache; anyone else
// learns nothing beyond the node itself. The first page always leads
// with the node's own descriptor.
func (e *Engine) GetAllPeers(query snipdex.Query) (*snipdex.PeerList, *snipdex.SnippetList) {
	page, err := strconv.Atoi(query.Get("p"))
	if err != nil || page < 1 {
		page = 1
	}
	peers := &snipdex.PeerList{}
	if mother := e.motherPeer(); mother != nil {
		motherIP, _, err := net.SplitHostPort(mother.PublicAddress)
		if err == nil && query.Get("public_ip") == motherIP {
			e.logger.Debug("contacted by mother", "page", page)
			peers = e.cache.AllPeersByPage(page)
		}
	}
	if page <= 1 {
		peers = e.PutMyselfFirst(peers)
	}
	return peers, snipdex.NewSnippetList()
}
