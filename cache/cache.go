// Package cache provides the persistent query cache: per-fingerprint
// search results in SQLite plus an in-memory index of known peers.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/djoerd/snipdex/snipdex"
)

// PeersPerPage is the page size of the paginated peer listing served
// to the mother's liveness probe.
const PeersPerPage = 10

// storedPeer is the per-query peer row: a pid with the status and
// score the peer had for that query. The descriptor itself lives in
// the peers table, one row per pid.
type storedPeer struct {
	PID    string         `json:"pid"`
	Status snipdex.Status `json:"status"`
	Score  *float64       `json:"score,omitempty"`
}

type storedResponse struct {
	Peers    []storedPeer         `json:"peers"`
	Snippets *snipdex.SnippetList `json:"snippets"`
}

// Cache is the node's persistent memory: which peers exist, which
// peers answered which query, and the merged snippets per query.
type Cache struct {
	mu     sync.RWMutex
	db     *sql.DB
	peers  map[string]*snipdex.Peer // known descriptors by pid
	pid    string                   // this node's own pid
	logger *slog.Logger
}

// Open opens or creates the cache database at path. A fresh database
// gets a newly minted pid for the node itself; an existing one keeps
// the pid it was created with.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			pid  TEXT PRIMARY KEY,
			peer TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS snippets (
			query    TEXT PRIMARY KEY,
			response TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create tables: %w", err)
	}

	c := &Cache{db: db, peers: make(map[string]*snipdex.Peer), logger: logger}
	if err := c.loadPeers(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.loadIdentity(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("cache opened", "path", path, "pid", c.pid, "peers", len(c.peers))
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// MyPeerID returns the node's own persistent pid.
func (c *Cache) MyPeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pid
}

// Peer returns the known descriptor for pid, or nil.
func (c *Cache) Peer(pid string) *snipdex.Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peers[pid]
}

func (c *Cache) loadPeers() error {
	rows, err := c.db.Query(`SELECT pid, peer FROM peers`)
	if err != nil {
		return fmt.Errorf("cache: load peers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid, blob string
		if err := rows.Scan(&pid, &blob); err != nil {
			return fmt.Errorf("cache: scan peer: %w", err)
		}
		var p snipdex.Peer
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			c.logger.Warn("dropping unreadable peer row", "pid", pid, "error", err)
			continue
		}
		c.peers[pid] = &p
	}
	return rows.Err()
}

// loadIdentity reads the node's own pid, minting and persisting a new
// one on first start. The pid lives in the snippets table under the
// fingerprint of the reserved whoami query.
func (c *Cache) loadIdentity() error {
	key := snipdex.Query{"q": snipdex.QueryMyself}.Fingerprint()
	var pid string
	err := c.db.QueryRow(`SELECT response FROM snippets WHERE query = ?`, key).Scan(&pid)
	switch {
	case err == sql.ErrNoRows:
		pid = snipdex.NewPID()
		if _, err := c.db.Exec(
			`INSERT INTO snippets (query, response) VALUES (?, ?)`, key, pid); err != nil {
			return fmt.Errorf("cache: store identity: %w", err)
		}
	case err != nil:
		return fmt.Errorf("cache: load identity: %w", err)
	}
	c.pid = pid
	return nil
}

// Get returns the cached peers and snippets for the query's exact
// fingerprint. Peer scores are set to the number of query terms, so
// that peers found under longer matching keys outrank peers found
// under shorter ones. Missing fingerprints return (nil, nil, nil).
func (c *Cache) Get(query snipdex.Query) (*snipdex.PeerList, *snipdex.SnippetList, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(query)
}

func (c *Cache) getLocked(query snipdex.Query) (*snipdex.PeerList, *snipdex.SnippetList, error) {
	key := query.Fingerprint()
	var blob string
	err := c.db.QueryRow(`SELECT response FROM snippets WHERE query = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cache: get %q: %w", key, err)
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		return nil, nil, fmt.Errorf("cache: decode %q: %w", key, err)
	}

	score := snipdex.Score(float64(len(query.Terms())))
	byPID := make(map[string]storedPeer, len(stored.Peers))
	peers := &snipdex.PeerList{}
	for _, sp := range stored.Peers {
		descriptor, known := c.peers[sp.PID]
		if !known {
			c.logger.Warn("dropping unknown peer from cached result", "pid", sp.PID, "query", key)
			continue
		}
		byPID[sp.PID] = sp
		peers.Append(descriptor, sp.Status, score)
	}

	snippets := snipdex.NewSnippetList()
	if stored.Snippets != nil {
		for _, s := range stored.Snippets.Snippets() {
			kept := make([]snipdex.Origin, 0, len(s.Origins))
			for _, o := range s.Origins {
				sp, known := byPID[o.PID]
				if !known {
					continue
				}
				kept = append(kept, snipdex.Origin{PID: sp.PID, Status: sp.Status, Score: score})
			}
			s.Origins = kept
			if len(s.Origins) > 0 {
				snippets.Append(s)
			}
		}
	}
	snippets.StripEmpty()
	return peers, snippets, nil
}

// GetApprox returns the best cached approximation of a query. An exact
// fingerprint hit contributes its peers and snippets unchanged. The
// sub-query rows written by PutBackoff are always consulted as well:
// every single term and every proper fingerprint prefix. Peers found
// only there are merged in with status TODO so the caller re-queries
// them; a peer learned under a shared term is offered even when the
// full query has its own entry. Snippets come from the exact hit
// alone.
func (c *Cache) GetApprox(query snipdex.Query) (*snipdex.PeerList, *snipdex.SnippetList, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers, snippets, err := c.getLocked(query)
	if err != nil {
		return nil, nil, err
	}
	if peers == nil {
		peers = &snipdex.PeerList{}
	}
	if snippets == nil {
		snippets = snipdex.NewSnippetList()
	}

	fingerprint := query.Fingerprint()
	for _, key := range subQueryKeys(query.Terms()) {
		if key == fingerprint {
			continue
		}
		sub, _, err := c.getLocked(snipdex.Query{"q": key})
		if err != nil {
			return nil, nil, err
		}
		if sub == nil {
			continue
		}
		for _, e := range sub.Entries {
			peers.MergeOne(e.Peer, snipdex.StatusTodo, e.Score)
		}
	}
	return peers, snippets, nil
}

// subQueryKeys returns the cache keys consulted on an approximate
// read: each single term and each proper left prefix of the terms.
func subQueryKeys(terms []string) []string {
	var keys []string
	seen := make(map[string]struct{})
	add := func(key string) {
		if _, dup := seen[key]; !dup {
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	for _, term := range terms {
		add(term)
	}
	for n := 2; n < len(terms); n++ {
		add(strings.Join(terms[:n], "+"))
	}
	return keys
}

// Put stores the merged result of a query under its fingerprint and
// refreshes the peer descriptors, replacing a stored descriptor only
// when the incoming one was updated later. Peers that contributed no
// snippet get an empty origin-carrier snippet so their participation
// survives the round trip.
func (c *Cache) Put(query snipdex.Query, peers *snipdex.PeerList, snippets *snipdex.SnippetList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(query, peers, snippets)
}

func (c *Cache) putLocked(query snipdex.Query, peers *snipdex.PeerList, snippets *snipdex.SnippetList) error {
	key := query.Fingerprint()
	stored := storedResponse{Snippets: snipdex.NewSnippetList()}

	byPID := make(map[string]storedPeer)
	if peers != nil {
		for _, e := range peers.Entries {
			sp := storedPeer{PID: e.Peer.PID, Status: e.Status, Score: e.Score}
			stored.Peers = append(stored.Peers, sp)
			byPID[sp.PID] = sp
		}
	}

	covered := make(map[string]struct{})
	if snippets != nil {
		for _, s := range snippets.Snippets() {
			copied := *s
			copied.Origins = make([]snipdex.Origin, 0, len(s.Origins))
			for _, o := range s.Origins {
				origin := snipdex.Origin{PID: o.PID, Status: o.Status, Score: o.Score}
				if sp, ok := byPID[o.PID]; ok {
					origin.Status = sp.Status
					origin.Score = sp.Score
				}
				copied.Origins = append(copied.Origins, origin)
				covered[o.PID] = struct{}{}
			}
			stored.Snippets.Append(&copied)
		}
	}
	carrier := &snipdex.Snippet{}
	for _, sp := range stored.Peers {
		if _, ok := covered[sp.PID]; !ok {
			carrier.AddOrigin(sp.PID, sp.Status, sp.Score)
		}
	}
	if len(carrier.Origins) > 0 {
		stored.Snippets.Append(carrier)
	}

	blob, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO snippets (query, response) VALUES (?, ?)
		ON CONFLICT (query) DO UPDATE SET response = excluded.response
	`, key, string(blob)); err != nil {
		return fmt.Errorf("cache: put %q: %w", key, err)
	}

	fresh := make(map[string]*snipdex.Peer)
	if peers != nil {
		for _, e := range peers.Entries {
			p := e.Peer
			if known, ok := c.peers[p.PID]; ok && !known.OlderThan(p) {
				continue
			}
			descriptor, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("cache: encode peer %s: %w", p.PID, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO peers (pid, peer) VALUES (?, ?)
				ON CONFLICT (pid) DO UPDATE SET peer = excluded.peer
			`, p.PID, string(descriptor)); err != nil {
				return fmt.Errorf("cache: put peer %s: %w", p.PID, err)
			}
			fresh[p.PID] = p
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit %q: %w", key, err)
	}
	for pid, p := range fresh {
		c.peers[pid] = p
	}
	return nil
}

// Update merges peers and snippets into the entry already cached for
// the query, then writes the merged result back.
func (c *Cache) Update(query snipdex.Query, peers *snipdex.PeerList, snippets *snipdex.SnippetList) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existingPeers, existingSnippets, err := c.getLocked(query)
	if err != nil {
		return err
	}
	if existingPeers == nil {
		existingPeers = &snipdex.PeerList{}
		existingSnippets = snipdex.NewSnippetList()
	}
	existingPeers.Merge(peers)
	existingSnippets.Merge(snippets)
	return c.putLocked(query, existingPeers, existingSnippets)
}

// PutBackoff records, for every proper contiguous n-gram of the
// query's terms, which peers took part in answering the full query.
// The peers are stored with status TODO: a later search for the
// sub-query finds them as candidates, not as answers.
func (c *Cache) PutBackoff(query snipdex.Query, peers *snipdex.PeerList) error {
	if peers == nil || peers.Len() == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range ngramKeys(query.Terms()) {
		sub := snipdex.Query{"q": key}
		existing, _, err := c.getLocked(sub)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &snipdex.PeerList{}
		}
		for _, e := range peers.Entries {
			existing.MergeOne(e.Peer, snipdex.StatusTodo, e.Score)
		}
		if err := c.putLocked(sub, existing, snipdex.NewSnippetList()); err != nil {
			return err
		}
	}
	return nil
}

// ngramKeys returns every proper contiguous n-gram of terms, shortest
// first: all single terms, all pairs, and so on, excluding the full
// sequence.
func ngramKeys(terms []string) []string {
	var keys []string
	seen := make(map[string]struct{})
	for n := 1; n < len(terms); n++ {
		for i := 0; i+n <= len(terms); i++ {
			key := strings.Join(terms[i:i+n], "+")
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
	}
	return keys
}

// AllPeersByPage returns one page of all known peers, sorted by pid,
// PeersPerPage at a time. Page numbering starts at 1; a page past the
// end is empty. Every entry is returned with status TODO and score 1
// so the receiver treats them as candidates.
func (c *Cache) AllPeersByPage(page int) *snipdex.PeerList {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pids := make([]string, 0, len(c.peers))
	for pid := range c.peers {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	list := &snipdex.PeerList{}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * PeersPerPage
	for i := start; i < len(pids) && i < start+PeersPerPage; i++ {
		list.Append(c.peers[pids[i]], snipdex.StatusTodo, snipdex.Score(1.0))
	}
	return list
}
