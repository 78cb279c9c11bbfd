package snipdex

// PeerEntry is one row of a PeerList: a peer plus its status and score
// for the query at hand. A nil score means "not scored".
type PeerEntry struct {
	Peer   *Peer    `json:"peer"`
	Status Status   `json:"status"`
	Score  *float64 `json:"score,omitempty"`
}

// PeerList is an ordered set of peers with per-entry status and score.
// It holds each pid at most once (when built through MergeOne/Merge).
type PeerList struct {
	Entries []PeerEntry
}

// NewPeerList builds a list from peers, all with status DONE and no score.
func NewPeerList(peers ...*Peer) *PeerList {
	l := &PeerList{}
	for _, p := range peers {
		l.Append(p, StatusDone, nil)
	}
	return l
}

// Score returns a pointer to v, for use as a PeerEntry score.
func Score(v float64) *float64 {
	return &v
}

// Append adds an entry without duplicate detection.
func (l *PeerList) Append(p *Peer, status Status, score *float64) {
	l.Entries = append(l.Entries, PeerEntry{Peer: p, Status: status, Score: score})
}

// Len returns the number of entries.
func (l *PeerList) Len() int {
	return len(l.Entries)
}

// Find returns the entry for pid, or nil.
func (l *PeerList) Find(pid string) *PeerEntry {
	for i := range l.Entries {
		if l.Entries[i].Peer.PID == pid {
			return &l.Entries[i]
		}
	}
	return nil
}

// MergeOne folds one peer into the list. If the pid is already present
// the scores take their elementwise max, the status makes forward
// progress only (TODO yields to anything, non-TODO is sticky), and the
// peer descriptor is replaced only when the incoming one was updated
// strictly later. Otherwise the peer is appended.
func (l *PeerList) MergeOne(p *Peer, status Status, score *float64) {
	for i := range l.Entries {
		e := &l.Entries[i]
		if e.Peer.PID != p.PID {
			continue
		}
		if e.Peer.OlderThan(p) {
			e.Peer = p
		}
		if score != nil && (e.Score == nil || *score > *e.Score) {
			e.Score = score
		}
		if e.Status == StatusTodo && status != StatusTodo {
			e.Status = status
		}
		return
	}
	l.Append(p, status, score)
}

// Merge folds every entry of other into the list.
func (l *PeerList) Merge(other *PeerList) {
	if other == nil {
		return
	}
	for _, e := range other.Entries {
		l.MergeOne(e.Peer, e.Status, e.Score)
	}
}
