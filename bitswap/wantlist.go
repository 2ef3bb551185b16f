package bitswap

import (
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// waiter receives exactly one delivery or a cancellation. The channel
// is buffered so signalling never blocks the engine.
type waiter struct {
	ch   chan blocks.Block
	once sync.Once
}

func newWaiter() *waiter {
	return &waiter{ch: make(chan blocks.Block, 1)}
}

// deliver hands the block to the waiter; nil means cancelled. The once
// guard keeps signalling exactly-once even when a local put races a
// remote delivery.
func (w *waiter) deliver(b blocks.Block) {
	w.once.Do(func() {
		if b != nil {
			w.ch <- b
		}
		close(w.ch)
	})
}

// wantEntry tracks one wanted cid: the remote peers that asked for it,
// the local waiters to signal on arrival, and when the want was born.
type wantEntry struct {
	cid       cid.Cid
	peers     map[peer.ID]struct{}
	waiters   map[*waiter]struct{}
	createdAt time.Time
}

// wantTable is the engine's concurrent want map.
type wantTable struct {
	mu sync.Mutex
	m  map[cid.Cid]*wantEntry
}

func newWantTable() *wantTable {
	return &wantTable{m: make(map[cid.Cid]*wantEntry)}
}

// addWaiter registers w for c, reporting whether this created the entry
// (the caller broadcasts on first interest).
func (wt *wantTable) addWaiter(c cid.Cid, w *waiter) (first bool) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	e, ok := wt.m[c]
	if !ok {
		e = &wantEntry{
			cid:       c,
			peers:     make(map[peer.ID]struct{}),
			waiters:   make(map[*waiter]struct{}),
			createdAt: time.Now(),
		}
		wt.m[c] = e
		first = true
	}
	e.waiters[w] = struct{}{}
	return first
}

// dropWaiter removes w from c's entry; a waiterless, peerless entry is
// removed entirely.
func (wt *wantTable) dropWaiter(c cid.Cid, w *waiter) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	e, ok := wt.m[c]
	if !ok {
		return
	}
	delete(e.waiters, w)
	if len(e.waiters) == 0 && len(e.peers) == 0 {
		delete(wt.m, c)
	}
}

// addPeerWant records that a remote peer asked us for c.
func (wt *wantTable) addPeerWant(c cid.Cid, p peer.ID) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	e, ok := wt.m[c]
	if !ok {
		e = &wantEntry{
			cid:       c,
			peers:     make(map[peer.ID]struct{}),
			waiters:   make(map[*waiter]struct{}),
			createdAt: time.Now(),
		}
		wt.m[c] = e
	}
	e.peers[p] = struct{}{}
}

// dropPeerWant handles an incoming cancel from p.
func (wt *wantTable) dropPeerWant(c cid.Cid, p peer.ID) {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	e, ok := wt.m[c]
	if !ok {
		return
	}
	delete(e.peers, p)
	if len(e.waiters) == 0 && len(e.peers) == 0 {
		delete(wt.m, c)
	}
}

// settle removes c's entry and returns its waiters for signalling.
func (wt *wantTable) settle(c cid.Cid) []*waiter {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	e, ok := wt.m[c]
	if !ok {
		return nil
	}
	delete(wt.m, c)
	out := make([]*waiter, 0, len(e.waiters))
	for w := range e.waiters {
		out = append(out, w)
	}
	return out
}

// wanted lists every cid with at least one local waiter.
func (wt *wantTable) wanted() []cid.Cid {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	out := make([]cid.Cid, 0, len(wt.m))
	for c, e := range wt.m {
		if len(e.waiters) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func (wt *wantTable) len() int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	return len(wt.m)
}
