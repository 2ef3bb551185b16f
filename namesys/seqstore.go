package namesys

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrStaleRecord rejects a record whose sequence does not advance past
// the highest one already admitted for its publisher.
var ErrStaleRecord = errors.New("namesys: stale record (sequence not monotone)")

// seqStore is the replay barrier: the highest admitted sequence per
// publisher, persisted so it survives cache eviction and restarts.
type seqStore struct {
	mu    sync.Mutex
	store ds.Datastore
	seen  map[peer.ID]uint64
}

func newSeqStore(store ds.Datastore) *seqStore {
	return &seqStore{store: store, seen: make(map[peer.ID]uint64)}
}

func seqKey(p peer.ID) ds.Key {
	return ds.NewKey("/namesys/seq/" + p.String())
}

// max returns the highest admitted sequence for p, consulting the
// datastore on first touch.
func (s *seqStore) max(ctx context.Context, p peer.ID) (uint64, bool) {
	if v, ok := s.seen[p]; ok {
		return v, true
	}
	raw, err := s.store.Get(ctx, seqKey(p))
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(raw)
	s.seen[p] = v
	return v, true
}

// admit applies the monotonicity rule: a sequence at or below the
// stored maximum is rejected; otherwise the maximum advances durably.
func (s *seqStore) admit(ctx context.Context, p peer.ID, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.max(ctx, p); ok && seq <= prev {
		return ErrStaleRecord
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := s.store.Put(ctx, seqKey(p), buf[:]); err != nil {
		return err
	}
	s.seen[p] = seq
	return nil
}

// next computes the sequence for a fresh publish: one past the highest
// seen, starting at 1.
func (s *seqStore) next(ctx context.Context, p peer.ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.max(ctx, p)
	return prev + 1
}
