package bitswap

import (
	"context"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"golang.org/x/exp/slices"
)

type memBlockstore struct {
	mu   sync.Mutex
	blks map[cid.Cid]blocks.Block
}

func newMemBlockstore() *memBlockstore {
	return &memBlockstore{blks: make(map[cid.Cid]blocks.Block)}
}

func (m *memBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blks[c]
	if !ok {
		return nil, ErrCancelled // any error will do; engine treats it as absent
	}
	return b, nil
}

func (m *memBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blks[c]
	return ok, nil
}

func (m *memBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blks[blk.Cid()] = blk
	return nil
}

// twoEngines builds two linked, unconnected mock hosts with started
// engines. Callers connect when the scenario calls for it.
func twoEngines(t *testing.T) (*Engine, *Engine, *memBlockstore, *memBlockstore, func() error) {
	t.Helper()
	mn := mocknet.New()
	h1, err := mn.GenPeer()
	if err != nil {
		t.Fatalf("gen peer: %v", err)
	}
	h2, err := mn.GenPeer()
	if err != nil {
		t.Fatalf("gen peer: %v", err)
	}
	if err := mn.LinkAll(); err != nil {
		t.Fatalf("link: %v", err)
	}

	bs1, bs2 := newMemBlockstore(), newMemBlockstore()
	e1, e2 := New(h1, bs1), New(h2, bs2)
	ctx := context.Background()
	if err := e1.Start(ctx); err != nil {
		t.Fatalf("start e1: %v", err)
	}
	if err := e2.Start(ctx); err != nil {
		t.Fatalf("start e2: %v", err)
	}
	t.Cleanup(func() {
		e1.Close()
		e2.Close()
	})
	connect := func() error {
		_, err := mn.ConnectPeers(h1.ID(), h2.ID())
		return err
	}
	return e1, e2, bs1, bs2, connect
}

func TestWantThenCancelLeavesTableEmpty(t *testing.T) {
	e1, _, _, _, _ := twoEngines(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c := blocks.NewBlock([]byte("never arrives")).Cid()
	go func() {
		_, err := e1.GetBlock(ctx, c)
		done <- err
	}()

	// Wait for the want to register, then cancel.
	for i := 0; i < 100 && e1.wants.len() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if e1.wants.len() != 1 {
		t.Fatalf("want not registered")
	}
	cancel()
	if err := <-done; err == nil {
		t.Fatalf("cancelled get returned no error")
	}
	if n := e1.wants.len(); n != 0 {
		t.Errorf("wants table holds %d entries after cancel, want 0", n)
	}
}

func TestExchangeOnConnect(t *testing.T) {
	e1, _, _, bs2, connect := twoEngines(t)

	blk := blocks.NewBlock([]byte("the block p2 holds"))
	if err := bs2.Put(context.Background(), blk); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan blocks.Block, 1)
	errs := make(chan error, 1)
	go func() {
		b, err := e1.GetBlock(ctx, blk.Cid())
		if err != nil {
			errs <- err
			return
		}
		got <- b
	}()

	// No peers yet: the want must sit quietly.
	time.Sleep(50 * time.Millisecond)
	if err := connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case b := <-got:
		if !slices.Equal(b.RawData(), blk.RawData()) {
			t.Fatalf("wrong bytes delivered")
		}
	case err := <-errs:
		t.Fatalf("get failed: %v", err)
	case <-ctx.Done():
		t.Fatalf("block never arrived after connect")
	}

	// The ledger must account for the delivery.
	l := e1.LedgerForPeer(e1.host.Network().Peers()[0])
	if l.BytesReceived < uint64(len(blk.RawData())) {
		t.Errorf("ledger bytes received = %d, want >= %d", l.BytesReceived, len(blk.RawData()))
	}
}

func TestLocalPutSignalsWaiters(t *testing.T) {
	e1, _, bs1, _, _ := twoEngines(t)

	blk := blocks.NewBlock([]byte("produced locally"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const waiters = 4
	var wg sync.WaitGroup
	results := make(chan blocks.Block, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := e1.GetBlock(ctx, blk.Cid())
			if err == nil {
				results <- b
			}
		}()
	}

	for i := 0; i < 100 && e1.wants.len() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if err := bs1.Put(ctx, blk); err != nil {
		t.Fatalf("put: %v", err)
	}
	e1.NotifyNewBlock(blk)

	wg.Wait()
	close(results)
	n := 0
	for b := range results {
		if !b.Cid().Equals(blk.Cid()) {
			t.Errorf("waiter got wrong block %s", b.Cid())
		}
		n++
	}
	if n != waiters {
		t.Errorf("%d of %d waiters signalled", n, waiters)
	}
	if e1.wants.len() != 0 {
		t.Errorf("entry not removed after settlement")
	}
}

func TestUnwantedBlockKeepsWantActive(t *testing.T) {
	e1, _, _, _, _ := twoEngines(t)

	wanted := blocks.NewBlock([]byte("what we want"))
	other := blocks.NewBlock([]byte("what arrived"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = e1.GetBlock(ctx, wanted.Cid())
	}()
	for i := 0; i < 100 && e1.wants.len() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	// A block that hashes to a cid nobody asked for settles nothing:
	// exactly what happens when a peer's payload fails its hash.
	e1.receiveBlock("bogus-peer", other)
	if e1.wants.len() != 1 {
		t.Errorf("mismatched delivery disturbed the want table")
	}
}

func TestUnwantCancelsAllWaiters(t *testing.T) {
	e1, _, _, _, _ := twoEngines(t)
	c := blocks.NewBlock([]byte("abandoned")).Cid()

	ctx := context.Background()
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e1.GetBlock(ctx, c)
			errs <- err
		}()
	}
	for i := 0; i < 100 && e1.wants.len() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	e1.Unwant(c)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != ErrCancelled {
			t.Errorf("waiter err = %v, want ErrCancelled", err)
		}
	}
	if e1.wants.len() != 0 {
		t.Errorf("entry survived Unwant")
	}
}

func TestStatCountsReceives(t *testing.T) {
	e1, _, _, bs2, connect := twoEngines(t)

	blk := blocks.NewBlock([]byte("counted"))
	if err := bs2.Put(context.Background(), blk); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e1.GetBlock(ctx, blk.Cid()); err != nil {
		t.Fatalf("get: %v", err)
	}

	st := e1.Stat()
	if st.BlocksReceived == 0 {
		t.Errorf("stat recorded no received blocks")
	}
	if st.BytesReceived < uint64(len(blk.RawData())) {
		t.Errorf("stat bytes received = %d", st.BytesReceived)
	}
}
