package blockstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/facebookgo/atomicfile"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	golog "github.com/ipfs/go-log"
	mb "github.com/multiformats/go-multibase"
	mh "github.com/multiformats/go-multihash"
)

var log = golog.Logger("blockstore")

var (
	// ErrNotFound is returned when the store holds no block for the multihash.
	ErrNotFound = errors.New("blockstore: block not found")

	// ErrCorrupt names the condition Rehash detects: a block whose bytes
	// no longer match its multihash. Rehash itself reports such blocks as
	// a list of CIDs and does not return this error.
	ErrCorrupt = errors.New("blockstore: block bytes fail rehash")
)

// Blockstore is a durable mapping from the base-32 form of a CID's
// multihash to a file holding exactly the block bytes. There is no
// metadata on disk; codec and hash algorithm travel in the CID.
//
// Concurrent readers are always safe. Concurrent writers on the same
// CID may race, but every write goes through an atomic rename so the
// final state is a complete file or no file.
type Blockstore struct {
	root string
}

func Open(root string) (*Blockstore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("blockstore: %w", err)
	}
	return &Blockstore{root: root}, nil
}

func (bs *Blockstore) Root() string { return bs.root }

// Key returns the on-disk file name for a multihash. Base32 keeps the
// name valid on any common file system.
func Key(h mh.Multihash) string {
	s, _ := mb.Encode(mb.Base32, h)
	return s
}

func (bs *Blockstore) path(c cid.Cid) string {
	return filepath.Join(bs.root, Key(c.Hash()))
}

// Put persists a block. Writing a block that is already present is a
// no-op; the bytes are content-addressed so they cannot differ.
func (bs *Blockstore) Put(ctx context.Context, blk blocks.Block) error {
	if dec, err := mh.Decode(blk.Cid().Hash()); err == nil && dec.Code == mh.IDENTITY {
		// Identity hashes carry their content in the CID.
		return nil
	}
	path := bs.path(blk.Cid())
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := atomicfile.New(path, 0644)
	if err != nil {
		return fmt.Errorf("blockstore: put %s: %w", blk.Cid(), err)
	}
	if _, err := f.Write(blk.RawData()); err != nil {
		f.Abort()
		return fmt.Errorf("blockstore: put %s: %w", blk.Cid(), err)
	}
	return f.Close()
}

// PutMany persists a batch, stopping at the first failure.
func (bs *Blockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, b := range blks {
		if err := bs.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the block stored for c, or ErrNotFound.
func (bs *Blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	if !c.Defined() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(bs.path(c))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockstore: get %s: %w", c, err)
	}
	return blocks.NewBlockWithCid(data, c)
}

func (bs *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	_, err := os.Stat(bs.path(c))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Size returns the stored byte length of the block for c.
func (bs *Blockstore) Size(ctx context.Context, c cid.Cid) (int, error) {
	fi, err := os.Stat(bs.path(c))
	if os.IsNotExist(err) {
		return -1, ErrNotFound
	}
	if err != nil {
		return -1, err
	}
	return int(fi.Size()), nil
}

func (bs *Blockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	err := os.Remove(bs.path(c))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// AllKeysChan iterates the stored CIDs. Keys come back as raw-codec v1
// CIDs; only the multihash is authoritative on disk.
func (bs *Blockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	entries, err := os.ReadDir(bs.root)
	if err != nil {
		return nil, err
	}
	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			_, raw, err := mb.Decode(ent.Name())
			if err != nil {
				log.Warnf("skipping undecodable block file %q: %v", ent.Name(), err)
				continue
			}
			h, err := mh.Cast(raw)
			if err != nil {
				log.Warnf("skipping non-multihash block file %q: %v", ent.Name(), err)
				continue
			}
			select {
			case out <- cid.NewCidV1(cid.Raw, h):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Rehash sweeps the store and returns the CIDs of blocks whose bytes no
// longer hash to their key. Corrupt entries are reported, never deleted.
func (bs *Blockstore) Rehash(ctx context.Context) ([]cid.Cid, error) {
	ch, err := bs.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}
	var bad []cid.Cid
	for c := range ch {
		blk, err := bs.Get(ctx, c)
		if err != nil {
			continue
		}
		dec, err := mh.Decode(c.Hash())
		if err != nil {
			continue
		}
		sum, err := mh.Sum(blk.RawData(), dec.Code, dec.Length)
		if err != nil {
			// Hash function not linked in; cannot verify, do not accuse.
			continue
		}
		if !bytes.Equal(sum, c.Hash()) {
			log.Errorf("block %s fails rehash", c)
			bad = append(bad, c)
		}
	}
	return bad, ctx.Err()
}
