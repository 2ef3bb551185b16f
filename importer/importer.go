package importer

import (
	"context"
	"io"

	cid "github.com/ipfs/go-cid"
	golog "github.com/ipfs/go-log"

	"github.com/driftfs/driftfs/chunk"
)

var log = golog.Logger("importer")

// Layouts supported by Add.
const (
	LayoutBalanced = "balanced"
	LayoutTrickle  = "trickle"
)

// Options steer a file build. The zero value plus DefaultOptions'
// defaults describes the historical add: 256 KiB chunks, sha2-256,
// dag-pb leaves, balanced layout, CIDv0.
type Options struct {
	Chunker       string // "size-N" token, empty for default
	HashFunc      string // multihash name, e.g. "sha2-256"
	RawLeaves     bool
	ProtectionKey []byte // non-nil seals leaves under the cms codec
	Layout        string
	CidVersion    int
	Wrap          bool   // wrap the root in a one-entry directory
	Name          string // link name used when wrapping
}

func DefaultOptions() Options {
	return Options{
		HashFunc: "sha2-256",
		Layout:   LayoutBalanced,
	}
}

// Result describes the root of a finished build.
type Result struct {
	Cid      cid.Cid
	Size     uint64 // cumulative bytes of every block in the tree
	FileSize uint64 // file content bytes
}

// Add chunks r and assembles the chunks into a Merkle DAG, persisting
// every block through putter. The same stream and options always yield
// the same root CID.
func Add(ctx context.Context, putter Putter, r io.Reader, opts Options) (Result, error) {
	if opts.HashFunc == "" {
		opts.HashFunc = "sha2-256"
	}
	if opts.Layout == "" {
		opts.Layout = LayoutBalanced
	}
	spl, err := chunk.FromString(r, opts.Chunker)
	if err != nil {
		return Result{}, err
	}
	db, err := newDagBuilder(ctx, putter, spl, opts)
	if err != nil {
		return Result{}, err
	}

	var root *node
	switch opts.Layout {
	case LayoutBalanced:
		root, err = balancedLayout(db)
	case LayoutTrickle:
		root, err = trickleLayout(db)
	default:
		return Result{}, ErrUnknownLayout
	}
	if err != nil {
		return Result{}, err
	}

	if opts.Wrap {
		root, err = db.wrapInDirectory(root, opts.Name)
		if err != nil {
			return Result{}, err
		}
	}
	log.Debugf("added %s (%d bytes in tree)", root.cid, root.treeSize)
	return Result{Cid: root.cid, Size: root.treeSize, FileSize: root.fileSize}, nil
}

// balancedLayout bundles leaves into groups of at most 174, then
// bundles the groups, until a single root remains. A singleton leaf is
// the root itself.
func balancedLayout(db *dagBuilder) (*node, error) {
	var level []*node
	for {
		more, err := db.hasNext()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		leaf, err := db.nextLeafNode()
		if err != nil {
			return nil, err
		}
		level = append(level, leaf)
	}
	if len(level) == 0 {
		// Empty input: the single empty leaf is the root.
		return db.newLeaf([]byte{})
	}

	for len(level) > 1 {
		next := make([]*node, 0, (len(level)+DefaultLinksPerBlock-1)/DefaultLinksPerBlock)
		for start := 0; start < len(level); start += DefaultLinksPerBlock {
			end := start + DefaultLinksPerBlock
			if end > len(level) {
				end = len(level)
			}
			parent, err := db.newParent(level[start:end])
			if err != nil {
				return nil, err
			}
			next = append(next, parent)
		}
		level = next
	}
	return level[0], nil
}

// trickleLayout fills each node depth-first: children alternate between
// leaves consumed in order and subtrees of strictly greater depth, up
// to 174 children per node and a subtree depth of 5. A node that ends
// up with a single child collapses to that child.
func trickleLayout(db *dagBuilder) (*node, error) {
	root, err := trickleNode(db, 1)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return db.newLeaf([]byte{})
	}
	return root, nil
}

func trickleNode(db *dagBuilder, depth int) (*node, error) {
	var children []*node
	for i := 0; i < DefaultLinksPerBlock; i++ {
		more, err := db.hasNext()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		var ch *node
		if i%2 == 1 && depth < maxTrickleDepth {
			ch, err = trickleNode(db, depth+1)
		} else {
			ch, err = db.nextLeafNode()
		}
		if err != nil {
			return nil, err
		}
		if ch != nil {
			children = append(children, ch)
		}
	}
	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		return children[0], nil
	default:
		return db.newParent(children)
	}
}
