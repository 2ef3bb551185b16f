package pin

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"

	"github.com/driftfs/driftfs/blockstore"
	"github.com/driftfs/driftfs/dagpb"
	"github.com/driftfs/driftfs/importer"
	"github.com/driftfs/driftfs/unixfs"
)

// localFetcher serves only what the store already holds.
type localFetcher struct {
	bs *blockstore.Blockstore
}

func (l localFetcher) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return l.bs.Get(ctx, c)
}

func newTestPinner(t *testing.T) (*Pinner, *blockstore.Blockstore) {
	t.Helper()
	dir := t.TempDir()
	bs, err := blockstore.Open(filepath.Join(dir, "blocks"))
	if err != nil {
		t.Fatalf("blockstore: %v", err)
	}
	p, err := Open(filepath.Join(dir, "pins"), bs, localFetcher{bs})
	if err != nil {
		t.Fatalf("pinner: %v", err)
	}
	return p, bs
}

func addTree(t *testing.T, bs *blockstore.Blockstore, payload string) cid.Cid {
	t.Helper()
	opts := importer.DefaultOptions()
	opts.Chunker = "size-16"
	res, err := importer.Add(context.Background(), bs, strings.NewReader(payload), opts)
	if err != nil {
		t.Fatalf("importing: %v", err)
	}
	return res.Cid
}

func TestDirectPin(t *testing.T) {
	ctx := context.Background()
	p, bs := newTestPinner(t)

	blk := blocks.NewBlock([]byte("pinned bytes"))
	if err := bs.Put(ctx, blk); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := p.Pin(ctx, blk.Cid(), false); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if !p.IsPinned(blk.Cid()) {
		t.Errorf("pin not recorded")
	}
	if err := p.Remove(ctx, blk.Cid(), false); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if p.IsPinned(blk.Cid()) {
		t.Errorf("pin survived removal")
	}
	if err := p.Remove(ctx, blk.Cid(), false); !errors.Is(err, ErrNotPinned) {
		t.Errorf("double remove = %v, want ErrNotPinned", err)
	}
}

func TestRecursivePinCoversClosure(t *testing.T) {
	ctx := context.Background()
	p, bs := newTestPinner(t)
	root := addTree(t, bs, strings.Repeat("all of this stays ", 16))

	if err := p.Pin(ctx, root, true); err != nil {
		t.Fatalf("pin: %v", err)
	}

	blk, err := bs.Get(ctx, root)
	if err != nil {
		t.Fatalf("root missing: %v", err)
	}
	links, err := dagpb.LinksOf(blk)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(links) == 0 {
		t.Fatalf("test tree has no links; payload too small")
	}
	for _, l := range links {
		if !p.IsPinned(l) {
			t.Errorf("closure member %s not recorded", l)
		}
	}
}

func TestGCKeepsPinnedSweepsRest(t *testing.T) {
	ctx := context.Background()
	p, bs := newTestPinner(t)

	kept := addTree(t, bs, strings.Repeat("keep me around ", 8))
	doomed := addTree(t, bs, strings.Repeat("sweep me away ", 8))
	if err := p.Pin(ctx, kept, true); err != nil {
		t.Fatalf("pin: %v", err)
	}

	removed, err := p.GC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if len(removed) == 0 {
		t.Fatalf("gc removed nothing")
	}
	if _, err := bs.Get(ctx, kept); err != nil {
		t.Errorf("gc removed a pinned root: %v", err)
	}
	if _, err := bs.Get(ctx, doomed); err == nil {
		t.Errorf("gc kept an unpinned root")
	}

	// The pinned file must still read back whole.
	data, err := unixfs.ReadAll(ctx, localFetcher{bs}, kept)
	if err != nil {
		t.Fatalf("reading pinned file after gc: %v", err)
	}
	if !strings.HasPrefix(string(data), "keep me around") {
		t.Errorf("pinned content mangled after gc")
	}
}

func TestLsFiltersByKind(t *testing.T) {
	ctx := context.Background()
	p, bs := newTestPinner(t)

	a := blocks.NewBlock([]byte("direct one"))
	if err := bs.Put(ctx, a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := p.Pin(ctx, a.Cid(), false); err != nil {
		t.Fatalf("pin: %v", err)
	}
	root := addTree(t, bs, "recursive tree payload")
	if err := p.Pin(ctx, root, true); err != nil {
		t.Fatalf("pin: %v", err)
	}

	rec := KindRecursive
	entries, err := p.Ls(&rec)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	for _, e := range entries {
		if e.Kind != KindRecursive {
			t.Errorf("filter leaked kind %d", e.Kind)
		}
	}
	all, err := p.Ls(nil)
	if err != nil {
		t.Fatalf("ls: %v", err)
	}
	if len(all) < len(entries) {
		t.Errorf("unfiltered ls shorter than filtered")
	}
}
