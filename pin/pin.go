// Package pin keeps the durable set of roots shielded from garbage
// collection: one file per pin under the repository, written before
// any fetch so a crash cannot orphan a wanted block.
package pin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/facebookgo/atomicfile"
	"github.com/hashicorp/go-multierror"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	golog "github.com/ipfs/go-log"
	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"

	"github.com/driftfs/driftfs/blockstore"
	"github.com/driftfs/driftfs/dagpb"
)

var log = golog.Logger("pin")

// Pin kinds.
const (
	KindDirect    byte = 0
	KindRecursive byte = 1
)

var (
	ErrNotPinned = errors.New("pin: cid is not pinned")
	ErrPinned    = errors.New("pin: cid is pinned")
)

// Fetcher pulls blocks, from the network when needed; pinning a cid
// guarantees local availability.
type Fetcher interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
}

// Entry is one pin record.
type Entry struct {
	Cid  cid.Cid
	Kind byte
}

// Pinner is the durable pin set. All mutations serialize on one lock;
// reads go straight to the file system.
type Pinner struct {
	mu      sync.Mutex
	root    string
	bstore  *blockstore.Blockstore
	fetcher Fetcher
}

func Open(root string, bstore *blockstore.Blockstore, fetcher Fetcher) (*Pinner, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("pin: %w", err)
	}
	return &Pinner{root: root, bstore: bstore, fetcher: fetcher}, nil
}

func (p *Pinner) path(c cid.Cid) string {
	s, _ := mb.Encode(mb.Base32, c.Hash())
	return filepath.Join(p.root, s)
}

// writeRecord persists one pin record: a kind byte followed by the cid
// bytes. An existing record is upgraded in place when the kind grows.
func (p *Pinner) writeRecord(c cid.Cid, kind byte) error {
	if existing, err := p.readRecord(c); err == nil {
		if existing.Kind >= kind {
			return nil
		}
	}
	f, err := atomicfile.New(p.path(c), 0644)
	if err != nil {
		return fmt.Errorf("pin: record %s: %w", c, err)
	}
	if _, err := f.Write(append([]byte{kind}, c.Bytes()...)); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}

func (p *Pinner) readRecord(c cid.Cid) (Entry, error) {
	raw, err := os.ReadFile(p.path(c))
	if os.IsNotExist(err) {
		return Entry{}, ErrNotPinned
	}
	if err != nil {
		return Entry{}, err
	}
	if len(raw) < 2 {
		return Entry{}, fmt.Errorf("pin: corrupt record for %s", c)
	}
	rc, err := cid.Cast(raw[1:])
	if err != nil {
		return Entry{}, fmt.Errorf("pin: corrupt record for %s: %w", c, err)
	}
	return Entry{Cid: rc, Kind: raw[0]}, nil
}

// Pin records root (and, recursively, its closure) and fetches every
// pinned block. Records are written before fetches: a crash mid-fetch
// still protects the target from future sweeps.
func (p *Pinner) Pin(ctx context.Context, root cid.Cid, recursive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind := KindDirect
	if recursive {
		kind = KindRecursive
	}
	type item struct {
		c    cid.Cid
		kind byte
	}
	stack := []item{{c: root, kind: kind}}
	seen := cid.NewSet()
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.Visit(it.c) {
			continue
		}
		if err := p.writeRecord(it.c, it.kind); err != nil {
			return err
		}
		blk, err := p.fetchBlock(ctx, it.c)
		if err != nil {
			return fmt.Errorf("pin: fetching %s: %w", it.c, err)
		}
		if !recursive {
			continue
		}
		links, err := dagpb.LinksOf(blk)
		if err != nil {
			return err
		}
		for _, l := range links {
			stack = append(stack, item{c: l, kind: KindDirect})
		}
	}
	return nil
}

func (p *Pinner) fetchBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if dec, err := mh.Decode(c.Hash()); err == nil && dec.Code == mh.IDENTITY {
		return blocks.NewBlockWithCid(dec.Digest, c)
	}
	if blk, err := p.bstore.Get(ctx, c); err == nil {
		return blk, nil
	}
	return p.fetcher.Get(ctx, c)
}

// Remove mirrors Pin: the root's record goes, and for a recursive pin
// so do the closure's records.
func (p *Pinner) Remove(ctx context.Context, root cid.Cid, recursive bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	stack := []cid.Cid{root}
	seen := cid.NewSet()
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !seen.Visit(c) {
			continue
		}
		err := os.Remove(p.path(c))
		if os.IsNotExist(err) {
			if c.Equals(root) {
				return ErrNotPinned
			}
			continue
		}
		if err != nil {
			return err
		}
		if !recursive {
			continue
		}
		blk, err := p.bstore.Get(ctx, c)
		if err != nil {
			// Closure entries we cannot read stay unpinned records
			// at worst; the sweep tolerates them.
			continue
		}
		links, lerr := dagpb.LinksOf(blk)
		if lerr != nil {
			continue
		}
		stack = append(stack, links...)
	}
	return nil
}

// Unpin drops whatever pin covers c, recursively when the record says
// so. It satisfies the block layer's Pinner shape.
func (p *Pinner) Unpin(ctx context.Context, c cid.Cid) error {
	ent, err := p.readRecord(c)
	if err != nil {
		return err
	}
	return p.Remove(ctx, c, ent.Kind == KindRecursive)
}

// IsPinned is a plain membership test on the record files.
func (p *Pinner) IsPinned(c cid.Cid) bool {
	_, err := os.Stat(p.path(c))
	return err == nil
}

// Ls lists pin entries, optionally restricted to one kind.
func (p *Pinner) Ls(kindFilter *byte) ([]Entry, error) {
	files, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.root, f.Name()))
		if err != nil || len(raw) < 2 {
			log.Warnf("skipping unreadable pin record %q", f.Name())
			continue
		}
		c, err := cid.Cast(raw[1:])
		if err != nil {
			log.Warnf("skipping corrupt pin record %q: %v", f.Name(), err)
			continue
		}
		if kindFilter != nil && raw[0] != *kindFilter {
			continue
		}
		out = append(out, Entry{Cid: c, Kind: raw[0]})
	}
	return out, nil
}

// GC removes every stored block that is neither pinned directly nor
// reachable from a recursive pin. It keeps sweeping past individual
// failures and reports them together.
func (p *Pinner) GC(ctx context.Context) ([]cid.Cid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keep, err := p.protectedSet(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := p.bstore.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}
	var removed []cid.Cid
	var errs *multierror.Error
	for c := range ch {
		if keep.Has(c) || keep.Has(cid.NewCidV1(cid.Raw, c.Hash())) {
			continue
		}
		if err := p.bstore.DeleteBlock(ctx, c); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sweeping %s: %w", c, err))
			continue
		}
		removed = append(removed, c)
	}
	log.Debugf("gc removed %d blocks", len(removed))
	return removed, errs.ErrorOrNil()
}

// protectedSet is the union of all pin records plus the closure of the
// recursive ones, normalized to raw v1 so multihash equality decides.
func (p *Pinner) protectedSet(ctx context.Context) (*cid.Set, error) {
	entries, err := p.Ls(nil)
	if err != nil {
		return nil, err
	}
	keep := cid.NewSet()
	add := func(c cid.Cid) {
		keep.Add(c)
		keep.Add(cid.NewCidV1(cid.Raw, c.Hash()))
	}
	for _, ent := range entries {
		add(ent.Cid)
		if ent.Kind != KindRecursive {
			continue
		}
		err := dagpb.Walk(ctx, localOnly{p.bstore}, ent.Cid, func(blk blocks.Block) error {
			add(blk.Cid())
			return nil
		})
		if err != nil {
			// A partially fetched closure still protects what its
			// records cover; log and keep sweeping.
			log.Warnf("walking recursive pin %s: %v", ent.Cid, err)
		}
	}
	return keep, nil
}

// localOnly adapts the blockstore to the walker without network reach.
type localOnly struct {
	bs *blockstore.Blockstore
}

func (l localOnly) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return l.bs.Get(ctx, c)
}
