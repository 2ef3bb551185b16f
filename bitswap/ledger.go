package bitswap

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Ledger is the running account we keep for one remote peer.
type Ledger struct {
	mu sync.Mutex

	Partner         peer.ID
	BlocksExchanged uint64
	BytesSent       uint64
	BytesReceived   uint64
}

func (l *Ledger) sentBytes(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BlocksExchanged++
	l.BytesSent += uint64(n)
}

func (l *Ledger) receivedBytes(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BlocksExchanged++
	l.BytesReceived += uint64(n)
}

// Debt is the peer's indebtedness to us: bytes we sent over bytes we
// got back, damped so fresh peers start near zero.
func (l *Ledger) Debt() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.BytesSent) / float64(l.BytesReceived+1)
}

// Snapshot returns a copy safe to hand out.
func (l *Ledger) Snapshot() Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Ledger{
		Partner:         l.Partner,
		BlocksExchanged: l.BlocksExchanged,
		BytesSent:       l.BytesSent,
		BytesReceived:   l.BytesReceived,
	}
}

type ledgerBook struct {
	mu sync.Mutex
	m  map[peer.ID]*Ledger
}

func newLedgerBook() *ledgerBook {
	return &ledgerBook{m: make(map[peer.ID]*Ledger)}
}

func (lb *ledgerBook) ledger(p peer.ID) *Ledger {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	l, ok := lb.m[p]
	if !ok {
		l = &Ledger{Partner: p}
		lb.m[p] = l
	}
	return l
}

func (lb *ledgerBook) peers() []peer.ID {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]peer.ID, 0, len(lb.m))
	for p := range lb.m {
		out = append(out, p)
	}
	return out
}
