// Package blockservice is the block layer: put, get, stat and remove
// over the local store, with identity-cid handling and local-first,
// then-network fetch through the exchange engine and the routing
// system.
package blockservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/ipfs/go-cidutil"
	golog "github.com/ipfs/go-log"
	verifcid "github.com/ipfs/go-verifcid"
	"github.com/libp2p/go-libp2p/core/peer"
	mh "github.com/multiformats/go-multihash"

	"github.com/driftfs/driftfs/blockstore"
)

var log = golog.Logger("blockservice")

// BlockSizeLimit rejects blocks above 2 MiB unless a caller opts in.
const BlockSizeLimit = 2 << 20

// DefaultInlineLimit is the largest payload inlined into an identity
// cid when inlining is enabled.
const DefaultInlineLimit = 64

// providerSearchLimit caps how many providers a network get dials.
const providerSearchLimit = 20

var (
	ErrNotFound     = errors.New("blockservice: block not found")
	ErrBlockTooBig  = fmt.Errorf("blockservice: block beyond %d bytes", BlockSizeLimit)
	ErrUnknownCodec = errors.New("blockservice: unknown codec")
	ErrUnknownHash  = errors.New("blockservice: unknown hash algorithm")
	ErrOffline      = errors.New("blockservice: block not local and node is offline")
)

// Exchange is the engine slice the block layer drives.
type Exchange interface {
	GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error)
	NotifyNewBlock(blk blocks.Block)
}

// Router finds and announces providers.
type Router interface {
	FindProviders(ctx context.Context, c cid.Cid, limit int, onEach func(peer.AddrInfo)) error
	Provide(ctx context.Context, c cid.Cid, advertise bool) error
}

// Connector dials a discovered provider; the libp2p host satisfies it.
type Connector interface {
	Connect(ctx context.Context, info peer.AddrInfo) error
}

// Pinner shields cids from garbage collection.
type Pinner interface {
	Pin(ctx context.Context, c cid.Cid, recursive bool) error
	Unpin(ctx context.Context, c cid.Cid) error
}

// Stat describes a block without carrying its bytes.
type Stat struct {
	Cid  cid.Cid
	Size int
}

// PutOptions steer a single put.
type PutOptions struct {
	Codec    string // default "raw"
	HashAlg  string // default "sha2-256"
	Pin      bool
	AllowBig bool
}

// GetOptions steer a single get.
type GetOptions struct {
	LocalOnly bool
}

// BlockService wires the store, the exchange and the routing system.
// Exchange, router, connector and pinner are all optional: a service
// without them is simply offline.
type BlockService struct {
	bstore    *blockstore.Blockstore
	exch      Exchange
	router    Router
	connector Connector
	pinner    Pinner

	allowInline bool
	inlineLimit int
}

type Option func(*BlockService)

func WithExchange(e Exchange) Option          { return func(s *BlockService) { s.exch = e } }
func WithRouter(r Router) Option              { return func(s *BlockService) { s.router = r } }
func WithConnector(c Connector) Option        { return func(s *BlockService) { s.connector = c } }
func WithPinner(p Pinner) Option              { return func(s *BlockService) { s.pinner = p } }
func WithInlining(limit int) Option {
	return func(s *BlockService) {
		s.allowInline = true
		if limit > 0 {
			s.inlineLimit = limit
		}
	}
}

func New(bstore *blockstore.Blockstore, opts ...Option) *BlockService {
	s := &BlockService{bstore: bstore, inlineLimit: DefaultInlineLimit}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *BlockService) Blockstore() *blockstore.Blockstore { return s.bstore }

// Put hashes data, forms its cid and persists it. Inline-sized payloads
// become identity cids without touching the store. The exchange is
// informed before Put returns, so waiters see the block immediately.
func (s *BlockService) Put(ctx context.Context, data []byte, opts PutOptions) (Stat, error) {
	if opts.Codec == "" {
		opts.Codec = "raw"
	}
	if opts.HashAlg == "" {
		opts.HashAlg = "sha2-256"
	}
	codec, ok := Codecs[opts.Codec]
	if !ok {
		return Stat{}, fmt.Errorf("%w: %q", ErrUnknownCodec, opts.Codec)
	}
	hashCode, ok := mh.Names[opts.HashAlg]
	if !ok {
		return Stat{}, fmt.Errorf("%w: %q", ErrUnknownHash, opts.HashAlg)
	}
	if len(data) > BlockSizeLimit && !opts.AllowBig {
		return Stat{}, fmt.Errorf("%w: %d bytes", ErrBlockTooBig, len(data))
	}

	var builder cid.Builder = cid.V1Builder{Codec: codec, MhType: hashCode}
	if s.allowInline && len(data) <= s.inlineLimit {
		builder = cidutil.InlineBuilder{Builder: builder, Limit: s.inlineLimit}
	}
	c, err := builder.Sum(data)
	if err != nil {
		return Stat{}, err
	}
	if err := verifcid.ValidateCid(c); err != nil {
		return Stat{}, err
	}

	st := Stat{Cid: c, Size: len(data)}
	if dec, err := mh.Decode(c.Hash()); err == nil && dec.Code == mh.IDENTITY {
		// The cid carries the content; nothing to store or announce.
		return st, nil
	}

	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return Stat{}, err
	}
	if err := s.bstore.Put(ctx, blk); err != nil {
		return Stat{}, err
	}
	if s.exch != nil {
		s.exch.NotifyNewBlock(blk)
	}
	if s.router != nil {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.router.Provide(actx, c, true); err != nil {
				log.Debugf("advertising %s: %v", c, err)
			}
		}()
	}
	if opts.Pin && s.pinner != nil {
		if err := s.pinner.Pin(ctx, c, false); err != nil {
			return Stat{}, err
		}
	}
	return st, nil
}

// PutBlock persists an already-addressed block, used by the importer
// and the archive reader. The same size cap and exchange notification
// apply.
func (s *BlockService) PutBlock(ctx context.Context, blk blocks.Block) error {
	if len(blk.RawData()) > BlockSizeLimit {
		return ErrBlockTooBig
	}
	if err := s.bstore.Put(ctx, blk); err != nil {
		return err
	}
	if s.exch != nil {
		s.exch.NotifyNewBlock(blk)
	}
	return nil
}

// Put satisfies the importer and archive Putter shapes.
var _ interface {
	Put(ctx context.Context, blk blocks.Block) error
} = putAdapter{}

type putAdapter struct{ s *BlockService }

func (p putAdapter) Put(ctx context.Context, blk blocks.Block) error {
	return p.s.PutBlock(ctx, blk)
}

// BlockPutter adapts the service to interfaces wanting Put(ctx, block).
func (s *BlockService) BlockPutter() interface {
	Put(ctx context.Context, blk blocks.Block) error
} {
	return putAdapter{s: s}
}

// Get returns the block for c: from the cid itself for identity
// hashes, from the local store when present, otherwise from the
// network. A network get fails only when ctx is cancelled.
func (s *BlockService) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return s.GetWith(ctx, c, GetOptions{})
}

func (s *BlockService) GetWith(ctx context.Context, c cid.Cid, opts GetOptions) (blocks.Block, error) {
	if blk, ok, err := s.getLocal(ctx, c); ok || err != nil {
		return blk, err
	}
	if opts.LocalOnly || s.exch == nil {
		if s.exch == nil && !opts.LocalOnly {
			return nil, ErrOffline
		}
		return nil, ErrNotFound
	}
	return s.getRemote(ctx, c)
}

func (s *BlockService) getLocal(ctx context.Context, c cid.Cid) (blocks.Block, bool, error) {
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return nil, false, fmt.Errorf("blockservice: %s: %v", c, err)
	}
	if dec.Code == mh.IDENTITY {
		blk, err := blocks.NewBlockWithCid(dec.Digest, c)
		return blk, true, err
	}
	blk, err := s.bstore.Get(ctx, c)
	if err == nil {
		return blk, true, nil
	}
	if errors.Is(err, blockstore.ErrNotFound) {
		return nil, false, nil
	}
	return nil, false, err
}

// getRemote races the want against a provider walk: the exchange
// registers the want and waits, while providers found through routing
// are dialled so they connect and see the wantlist. The walk is
// abandoned the moment the want settles.
func (s *BlockService) getRemote(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	searchCtx, cancelSearch := context.WithCancel(ctx)
	defer cancelSearch()

	if s.router != nil && s.connector != nil {
		go s.dialProviders(searchCtx, c)
	}
	return s.exch.GetBlock(ctx, c)
}

func (s *BlockService) dialProviders(ctx context.Context, c cid.Cid) {
	err := s.router.FindProviders(ctx, c, providerSearchLimit, func(info peer.AddrInfo) {
		go func() {
			dial := func() error { return s.connector.Connect(ctx, info) }
			bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
			if err := backoff.Retry(dial, bo); err != nil {
				log.Debugf("dialling provider %s for %s: %v", info.ID, c, err)
			}
		}()
	})
	if err != nil && ctx.Err() == nil {
		log.Debugf("provider search for %s: %v", c, err)
	}
}

// GetMany fetches a batch concurrently, delivering blocks as they
// arrive. The channel closes when all are done or ctx fires.
func (s *BlockService) GetMany(ctx context.Context, cids []cid.Cid) <-chan blocks.Block {
	out := make(chan blocks.Block)
	go func() {
		defer close(out)
		var wg sync.WaitGroup
		for _, c := range cids {
			wg.Add(1)
			go func(c cid.Cid) {
				defer wg.Done()
				blk, err := s.Get(ctx, c)
				if err != nil {
					log.Debugf("getmany %s: %v", c, err)
					return
				}
				select {
				case out <- blk:
				case <-ctx.Done():
				}
			}(c)
		}
		wg.Wait()
	}()
	return out
}

// Stat reports a block's cid and size using the same lookup order as
// Get, without reading local bytes off disk.
func (s *BlockService) Stat(ctx context.Context, c cid.Cid) (Stat, error) {
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return Stat{}, err
	}
	if dec.Code == mh.IDENTITY {
		return Stat{Cid: c, Size: len(dec.Digest)}, nil
	}
	if size, err := s.bstore.Size(ctx, c); err == nil {
		return Stat{Cid: c, Size: size}, nil
	} else if !errors.Is(err, blockstore.ErrNotFound) {
		return Stat{}, err
	}
	if s.exch == nil {
		return Stat{}, ErrNotFound
	}
	blk, err := s.exch.GetBlock(ctx, c)
	if err != nil {
		return Stat{}, err
	}
	return Stat{Cid: c, Size: len(blk.RawData())}, nil
}

// Remove deletes a block locally and drops any pin on it.
func (s *BlockService) Remove(ctx context.Context, c cid.Cid, ignoreMissing bool) (cid.Cid, error) {
	if s.pinner != nil {
		if err := s.pinner.Unpin(ctx, c); err != nil {
			log.Debugf("unpinning %s on remove: %v", c, err)
		}
	}
	err := s.bstore.DeleteBlock(ctx, c)
	if errors.Is(err, blockstore.ErrNotFound) {
		if ignoreMissing {
			return c, nil
		}
		return cid.Undef, fmt.Errorf("%w: %s", ErrNotFound, c)
	}
	if err != nil {
		return cid.Undef, err
	}
	return c, nil
}
