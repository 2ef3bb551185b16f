package dagpb

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
)

// BlockGetter is the one-method view of the block layer the walkers
// need. The block layer and the raw blockstore both satisfy it.
type BlockGetter interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
}

// LinksOf enumerates the outgoing links of a block. Only dag-pb blocks
// carry traversable links; every other codec is a leaf.
func LinksOf(blk blocks.Block) ([]cid.Cid, error) {
	if blk.Cid().Prefix().Codec != cid.DagProtobuf {
		return nil, nil
	}
	nd, err := DecodeBlock(blk)
	if err != nil {
		return nil, err
	}
	out := make([]cid.Cid, 0, len(nd.Links()))
	for _, l := range nd.Links() {
		out = append(out, l.Cid)
	}
	return out, nil
}

// Walk visits root and everything reachable from it breadth-first,
// calling visit exactly once per distinct CID. Traversal stops on the
// first error from the getter or the visitor.
func Walk(ctx context.Context, bg BlockGetter, root cid.Cid, visit func(blocks.Block) error) error {
	seen := cid.NewSet()
	queue := []cid.Cid{root}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := queue[0]
		queue = queue[1:]
		if !seen.Visit(c) {
			continue
		}
		blk, err := bg.Get(ctx, c)
		if err != nil {
			return err
		}
		if err := visit(blk); err != nil {
			return err
		}
		links, err := LinksOf(blk)
		if err != nil {
			return err
		}
		queue = append(queue, links...)
	}
	return nil
}
