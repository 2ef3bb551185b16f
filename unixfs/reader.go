package unixfs

import (
	"context"
	"fmt"

	cid "github.com/ipfs/go-cid"

	"github.com/driftfs/driftfs/dagpb"
)

// ReadAll reconstructs a file's bytes by reading leaves in link order.
// Raw-codec leaves contribute their bytes directly; dag-pb leaves
// contribute their inline unixfs data. The result's length equals the
// root's declared file size for any well-formed file DAG.
func ReadAll(ctx context.Context, bg dagpb.BlockGetter, root cid.Cid) ([]byte, error) {
	blk, err := bg.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	if blk.Cid().Prefix().Codec == cid.Raw {
		return blk.RawData(), nil
	}
	nd, err := dagpb.DecodeBlock(blk)
	if err != nil {
		return nil, err
	}
	fsn, err := FSNodeFromBytes(nd.Data())
	if err != nil {
		return nil, err
	}
	switch fsn.Type {
	case TRaw:
		return fsn.Data, nil
	case TFile:
	default:
		return nil, fmt.Errorf("unixfs: cid %s is not a file", root)
	}
	if len(nd.Links()) == 0 {
		return fsn.Data, nil
	}
	out := make([]byte, 0, fsn.FileSize)
	for _, l := range nd.Links() {
		part, err := ReadAll(ctx, bg, l.Cid)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// FileSize reports the declared size of the file rooted at c without
// reading leaf data.
func FileSize(ctx context.Context, bg dagpb.BlockGetter, c cid.Cid) (uint64, error) {
	blk, err := bg.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	if blk.Cid().Prefix().Codec == cid.Raw {
		return uint64(len(blk.RawData())), nil
	}
	nd, err := dagpb.DecodeBlock(blk)
	if err != nil {
		return 0, err
	}
	fsn, err := FSNodeFromBytes(nd.Data())
	if err != nil {
		return 0, err
	}
	return fsn.FileSize, nil
}
