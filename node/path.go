package node

import (
	"context"
	"fmt"
	"strings"

	cid "github.com/ipfs/go-cid"

	"github.com/driftfs/driftfs/dagpb"
	"github.com/driftfs/driftfs/namesys"
)

// parseCids converts cid strings to cids, dropping duplicates while
// keeping first-seen order.
func parseCids(strs []string) ([]cid.Cid, error) {
	out := make([]cid.Cid, 0, len(strs))
	seen := cid.NewSet()
	for _, s := range strs {
		c, err := cid.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("node: cid %q cannot be parsed: %v", s, err)
		}
		if seen.Visit(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ResolvePath maps a content path to the cid it names. Accepted forms:
// a bare cid, /ipfs/<cid>[/name...], and /ipns/<name>[/...] which is
// resolved through the name system first.
func (n *Node) ResolvePath(ctx context.Context, path string) (cid.Cid, error) {
	if strings.HasPrefix(path, "/ipns/") {
		if n.names == nil {
			return cid.Undef, fmt.Errorf("node: name resolution needs an online node")
		}
		resolved, err := n.names.Resolve(ctx, path, namesys.ResolveOptions{Recursive: true})
		if err != nil {
			return cid.Undef, err
		}
		path = resolved
	}
	path = strings.TrimPrefix(path, "/ipfs/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	c, err := cid.Decode(segments[0])
	if err != nil {
		return cid.Undef, fmt.Errorf("node: path root %q: %v", segments[0], err)
	}
	for _, name := range segments[1:] {
		blk, err := n.blocks.Get(ctx, c)
		if err != nil {
			return cid.Undef, err
		}
		nd, err := dagpb.DecodeBlock(blk)
		if err != nil {
			return cid.Undef, fmt.Errorf("node: %s is not traversable: %w", c, err)
		}
		lnk, err := nd.GetNodeLink(name)
		if err != nil {
			return cid.Undef, fmt.Errorf("node: no link %q under %s", name, c)
		}
		c = lnk.Cid
	}
	return c, nil
}
