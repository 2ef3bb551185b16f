package importer

import (
	"context"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"

	"github.com/driftfs/driftfs/chunk"
	"github.com/driftfs/driftfs/dagpb"
	"github.com/driftfs/driftfs/unixfs"
)

// DefaultLinksPerBlock is the branching factor of both layouts. It is
// part of the determinism contract and must not drift.
const DefaultLinksPerBlock = 174

// maxTrickleDepth bounds subtree recursion in the trickle layout.
const maxTrickleDepth = 5

var ErrUnknownLayout = errors.New("importer: unknown layout")

// Putter persists blocks produced during a build. *blockstore.Blockstore
// satisfies it, as does the block layer.
type Putter interface {
	Put(ctx context.Context, blk blocks.Block) error
}

// node pairs a built block with the unixfs bookkeeping its parent needs:
// the cumulative byte size of its subtree and the file bytes it covers.
type node struct {
	cid      cid.Cid
	treeSize uint64 // bytes of all blocks beneath (and including) this one
	fileSize uint64 // file content bytes this subtree covers
}

// dagBuilder drains a splitter and turns chunks into leaf blocks under
// the configured leaf encoding.
type dagBuilder struct {
	ctx     context.Context
	putter  Putter
	spl     chunk.Splitter
	opts    Options
	builder cid.Builder // for dag-pb nodes
	leafPre cid.Builder // for raw/cms leaves
	sealer  *sealer

	nextLeaf []byte
	done     bool
}

func newDagBuilder(ctx context.Context, putter Putter, spl chunk.Splitter, opts Options) (*dagBuilder, error) {
	hashCode, ok := mh.Names[opts.HashFunc]
	if !ok {
		return nil, fmt.Errorf("importer: unknown hash function %q", opts.HashFunc)
	}

	version := opts.CidVersion
	if hashCode != mh.SHA2_256 || opts.RawLeaves || opts.ProtectionKey != nil {
		// Only the historical sha2-256 dag-pb shape has a v0 form.
		version = 1
	}

	db := &dagBuilder{
		ctx:    ctx,
		putter: putter,
		spl:    spl,
		opts:   opts,
	}
	if version == 0 {
		db.builder = cid.Prefix{Version: 0, Codec: cid.DagProtobuf, MhType: hashCode, MhLength: -1}
	} else {
		db.builder = cid.V1Builder{Codec: cid.DagProtobuf, MhType: hashCode}
	}
	leafCodec := uint64(cid.Raw)
	if opts.ProtectionKey != nil {
		leafCodec = CodecCMS
		db.sealer = newSealer(opts.ProtectionKey)
	}
	db.leafPre = cid.V1Builder{Codec: leafCodec, MhType: hashCode}
	return db, nil
}

// peek reads ahead one chunk so builders can ask "is there more" without
// consuming.
func (db *dagBuilder) peek() error {
	if db.done || db.nextLeaf != nil {
		return nil
	}
	b, err := db.spl.NextBytes()
	if err == io.EOF {
		db.done = true
		return nil
	}
	if err != nil {
		return err
	}
	db.nextLeaf = b
	return nil
}

func (db *dagBuilder) hasNext() (bool, error) {
	if err := db.peek(); err != nil {
		return false, err
	}
	return db.nextLeaf != nil, nil
}

// nextLeafNode consumes one chunk and persists it as a leaf block.
func (db *dagBuilder) nextLeafNode() (*node, error) {
	if err := db.peek(); err != nil {
		return nil, err
	}
	data := db.nextLeaf
	db.nextLeaf = nil
	return db.newLeaf(data)
}

func (db *dagBuilder) newLeaf(data []byte) (*node, error) {
	switch {
	case db.opts.RawLeaves:
		return db.putLeafBlock(data, uint64(len(data)))
	case db.sealer != nil:
		sealed, err := db.sealer.seal(data)
		if err != nil {
			return nil, err
		}
		return db.putLeafBlock(sealed, uint64(len(data)))
	default:
		nd := dagpb.NodeWithData(unixfs.FilePBData(data, uint64(len(data))))
		nd.SetCidBuilder(db.builder)
		if err := db.putter.Put(db.ctx, nd); err != nil {
			return nil, err
		}
		return &node{
			cid:      nd.Cid(),
			treeSize: uint64(len(nd.RawData())),
			fileSize: uint64(len(data)),
		}, nil
	}
}

func (db *dagBuilder) putLeafBlock(data []byte, fileSize uint64) (*node, error) {
	c, err := db.leafPre.Sum(data)
	if err != nil {
		return nil, err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, err
	}
	if err := db.putter.Put(db.ctx, blk); err != nil {
		return nil, err
	}
	return &node{cid: c, treeSize: uint64(len(data)), fileSize: fileSize}, nil
}

// newParent bundles children into an inner file node. Link order is
// input order; block sizes record each child's covered file bytes.
func (db *dagBuilder) newParent(children []*node) (*node, error) {
	fsn := unixfs.NewFSNode(unixfs.TFile)
	for _, ch := range children {
		fsn.AddBlockSize(ch.fileSize)
	}
	data, err := fsn.GetBytes()
	if err != nil {
		return nil, err
	}
	nd := dagpb.NodeWithData(data)
	nd.SetCidBuilder(db.builder)
	for _, ch := range children {
		if err := nd.AddRawLink("", &format.Link{Cid: ch.cid, Size: ch.treeSize}); err != nil {
			return nil, err
		}
	}
	if err := db.putter.Put(db.ctx, nd); err != nil {
		return nil, err
	}
	parent := &node{cid: nd.Cid(), treeSize: uint64(len(nd.RawData()))}
	for _, ch := range children {
		parent.treeSize += ch.treeSize
		parent.fileSize += ch.fileSize
	}
	return parent, nil
}

// wrapInDirectory builds a one-entry directory pointing at root.
func (db *dagBuilder) wrapInDirectory(root *node, name string) (*node, error) {
	nd := dagpb.NodeWithData(unixfs.FolderPBData())
	nd.SetCidBuilder(db.builder)
	if err := nd.AddRawLink(name, &format.Link{Cid: root.cid, Size: root.treeSize}); err != nil {
		return nil, err
	}
	if err := db.putter.Put(db.ctx, nd); err != nil {
		return nil, err
	}
	return &node{
		cid:      nd.Cid(),
		treeSize: uint64(len(nd.RawData())) + root.treeSize,
		fileSize: root.fileSize,
	}, nil
}
