package blockservice

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/driftfs/driftfs/blockstore"
)

func newTestService(t *testing.T, opts ...Option) *BlockService {
	t.Helper()
	bs, err := blockstore.Open(filepath.Join(t.TempDir(), "blocks"))
	if err != nil {
		t.Fatalf("blockstore: %v", err)
	}
	return New(bs, opts...)
}

// fakeExchange satisfies wants from a side table.
type fakeExchange struct {
	mu       sync.Mutex
	blks     map[cid.Cid]blocks.Block
	notified []cid.Cid
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{blks: make(map[cid.Cid]blocks.Block)}
}

func (f *fakeExchange) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	f.mu.Lock()
	blk, ok := f.blks[c]
	f.mu.Unlock()
	if ok {
		return blk, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeExchange) NotifyNewBlock(blk blocks.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, blk.Cid())
}

func TestPutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	st, err := s.Put(ctx, []byte("block layer bytes"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	blk, err := s.Get(ctx, st.Cid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(blk.RawData()) != "block layer bytes" {
		t.Errorf("got %q", blk.RawData())
	}
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	a, err := s.Put(ctx, []byte("same"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	b, err := s.Put(ctx, []byte("same"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !a.Cid.Equals(b.Cid) {
		t.Errorf("idempotent put produced %s then %s", a.Cid, b.Cid)
	}
}

func TestSizeCap(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	exact := make([]byte, BlockSizeLimit)
	if _, err := s.Put(ctx, exact, PutOptions{}); err != nil {
		t.Errorf("block of exactly the cap rejected: %v", err)
	}

	over := make([]byte, BlockSizeLimit+1)
	if _, err := s.Put(ctx, over, PutOptions{}); !errors.Is(err, ErrBlockTooBig) {
		t.Errorf("oversize put = %v, want ErrBlockTooBig", err)
	}
	if _, err := s.Put(ctx, over, PutOptions{AllowBig: true}); err != nil {
		t.Errorf("opted-in oversize put failed: %v", err)
	}
}

func TestUnknownCodecAndHash(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	if _, err := s.Put(ctx, []byte("x"), PutOptions{Codec: "dag-xml"}); !errors.Is(err, ErrUnknownCodec) {
		t.Errorf("unknown codec = %v", err)
	}
	if _, err := s.Put(ctx, []byte("x"), PutOptions{HashAlg: "md5"}); !errors.Is(err, ErrUnknownHash) {
		t.Errorf("unknown hash = %v", err)
	}
}

func TestInlineCid(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, WithInlining(DefaultInlineLimit))

	st, err := s.Put(ctx, []byte("blorb"), PutOptions{Codec: "raw"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := st.Cid.String(); got != "bafkqablcnrxxeyq" {
		t.Errorf("inline cid = %s, want bafkqablcnrxxeyq", got)
	}
	dec, err := mh.Decode(st.Cid.Hash())
	if err != nil || dec.Code != mh.IDENTITY {
		t.Errorf("inline cid does not carry an identity hash")
	}

	// Nothing may touch the store; get serves from the cid itself.
	if has, _ := s.Blockstore().Has(ctx, st.Cid); has {
		t.Errorf("inline block was stored")
	}
	blk, err := s.Get(ctx, st.Cid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(blk.RawData()) != "blorb" {
		t.Errorf("inline get = %q", blk.RawData())
	}
}

func TestInlineBoundary(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, WithInlining(DefaultInlineLimit))

	at := bytes.Repeat([]byte("a"), DefaultInlineLimit)
	stAt, err := s.Put(ctx, at, PutOptions{})
	if err != nil {
		t.Fatalf("put at limit: %v", err)
	}
	if dec, _ := mh.Decode(stAt.Cid.Hash()); dec.Code != mh.IDENTITY {
		t.Errorf("payload at the inline limit was not inlined")
	}

	over := bytes.Repeat([]byte("a"), DefaultInlineLimit+1)
	stOver, err := s.Put(ctx, over, PutOptions{})
	if err != nil {
		t.Fatalf("put over limit: %v", err)
	}
	if dec, _ := mh.Decode(stOver.Cid.Hash()); dec.Code == mh.IDENTITY {
		t.Errorf("payload one past the inline limit was inlined")
	}
}

func TestExchangeInformedOnPut(t *testing.T) {
	ctx := context.Background()
	exch := newFakeExchange()
	s := newTestService(t, WithExchange(exch))

	st, err := s.Put(ctx, []byte("announce me"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	exch.mu.Lock()
	defer exch.mu.Unlock()
	if len(exch.notified) != 1 || !exch.notified[0].Equals(st.Cid) {
		t.Errorf("exchange not informed of put: %v", exch.notified)
	}
}

func TestGetFallsBackToExchange(t *testing.T) {
	ctx := context.Background()
	exch := newFakeExchange()
	s := newTestService(t, WithExchange(exch))

	blk := blocks.NewBlock([]byte("remote-only"))
	exch.blks[blk.Cid()] = blk

	got, err := s.Get(ctx, blk.Cid())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.RawData()) != "remote-only" {
		t.Errorf("got %q", got.RawData())
	}
}

func TestOfflineGetMissing(t *testing.T) {
	s := newTestService(t)
	blk := blocks.NewBlock([]byte("nowhere"))
	if _, err := s.Get(context.Background(), blk.Cid()); !errors.Is(err, ErrOffline) {
		t.Errorf("offline get = %v, want ErrOffline", err)
	}
	if _, err := s.GetWith(context.Background(), blk.Cid(), GetOptions{LocalOnly: true}); !errors.Is(err, ErrNotFound) {
		t.Errorf("local-only get = %v, want ErrNotFound", err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	st, err := s.Put(ctx, []byte("twelve bytes"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Stat(ctx, st.Cid)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got.Size != 12 {
		t.Errorf("stat size = %d, want 12", got.Size)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	st, err := s.Put(ctx, []byte("to be removed"), PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Remove(ctx, st.Cid, false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Remove(ctx, st.Cid, false); err == nil {
		t.Errorf("second remove succeeded")
	}
	if _, err := s.Remove(ctx, st.Cid, true); err != nil {
		t.Errorf("ignored remove failed: %v", err)
	}
}
