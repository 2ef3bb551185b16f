package dagpb

import (
	"errors"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"
)

var (
	ErrLinkNotFound = errors.New("dagpb: no link by that name")
	ErrNotProtobuf  = errors.New("dagpb: not a dag-pb block")
)

// v0Builder is the historical default: CIDv0, sha2-256.
var v0Builder cid.Builder = cid.Prefix{
	Version:  0,
	Codec:    cid.DagProtobuf,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// ProtoNode is a dag-pb node: opaque data plus an ordered list of named,
// sized links. The encoded form is canonical; two nodes with the same
// data and links serialize to the same bytes.
type ProtoNode struct {
	data  []byte
	links []*format.Link

	builder cid.Builder

	// cache of the serialized form and its cid
	encoded []byte
	cached  cid.Cid
}

func NodeWithData(data []byte) *ProtoNode {
	return &ProtoNode{data: data, builder: v0Builder}
}

func (n *ProtoNode) Data() []byte { return n.data }

func (n *ProtoNode) SetData(data []byte) {
	n.invalidate()
	n.data = data
}

// SetCidBuilder switches the builder used to derive the node's CID.
// A nil builder resets to the v0 default.
func (n *ProtoNode) SetCidBuilder(b cid.Builder) {
	n.invalidate()
	if b == nil {
		n.builder = v0Builder
		return
	}
	n.builder = b
}

func (n *ProtoNode) CidBuilder() cid.Builder { return n.builder }

func (n *ProtoNode) invalidate() {
	n.encoded = nil
	n.cached = cid.Undef
}

// AddRawLink appends a link. Order is preserved; callers that need
// sorted directory links sort before building.
func (n *ProtoNode) AddRawLink(name string, l *format.Link) error {
	if !l.Cid.Defined() {
		return errors.New("dagpb: link to undefined cid")
	}
	n.invalidate()
	n.links = append(n.links, &format.Link{
		Name: name,
		Size: l.Size,
		Cid:  l.Cid,
	})
	return nil
}

// AddNodeLink links child under name, recording its cumulative size.
func (n *ProtoNode) AddNodeLink(name string, child format.Node) error {
	lnk, err := format.MakeLink(child)
	if err != nil {
		return err
	}
	return n.AddRawLink(name, lnk)
}

func (n *ProtoNode) GetNodeLink(name string) (*format.Link, error) {
	for _, l := range n.links {
		if l.Name == name {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrLinkNotFound
}

func (n *ProtoNode) RemoveNodeLink(name string) error {
	kept := n.links[:0]
	found := false
	for _, l := range n.links {
		if l.Name == name {
			found = true
			continue
		}
		kept = append(kept, l)
	}
	n.links = kept
	if !found {
		return ErrLinkNotFound
	}
	n.invalidate()
	return nil
}

func (n *ProtoNode) Links() []*format.Link { return n.links }

func (n *ProtoNode) SetLinks(links []*format.Link) {
	n.invalidate()
	n.links = links
}

// Copy returns a deep copy sharing no mutable state.
func (n *ProtoNode) Copy() format.Node {
	nn := &ProtoNode{builder: n.builder}
	if len(n.data) > 0 {
		nn.data = append([]byte(nil), n.data...)
	}
	if len(n.links) > 0 {
		nn.links = make([]*format.Link, len(n.links))
		for i, l := range n.links {
			cp := *l
			nn.links[i] = &cp
		}
	}
	return nn
}

func (n *ProtoNode) RawData() []byte {
	data, err := n.EncodeProtobuf()
	if err != nil {
		// Encoding only fails on an unencodable builder; surface loudly.
		panic(fmt.Sprintf("dagpb: encode: %v", err))
	}
	return data
}

func (n *ProtoNode) Cid() cid.Cid {
	if n.cached.Defined() && n.encoded != nil {
		return n.cached
	}
	data := n.RawData()
	c, err := n.builder.Sum(data)
	if err != nil {
		panic(fmt.Sprintf("dagpb: cid: %v", err))
	}
	n.cached = c
	return c
}

func (n *ProtoNode) String() string { return n.Cid().String() }

func (n *ProtoNode) Loggable() map[string]interface{} {
	return map[string]interface{}{"node": n.String()}
}

// Size is the cumulative size: this block plus every linked subtree.
func (n *ProtoNode) Size() (uint64, error) {
	s := uint64(len(n.RawData()))
	for _, l := range n.links {
		s += l.Size
	}
	return s, nil
}

func (n *ProtoNode) Stat() (*format.NodeStat, error) {
	enc, err := n.EncodeProtobuf()
	if err != nil {
		return nil, err
	}
	cumulative, err := n.Size()
	if err != nil {
		return nil, err
	}
	return &format.NodeStat{
		Hash:           n.Cid().String(),
		NumLinks:       len(n.links),
		BlockSize:      len(enc),
		LinksSize:      len(enc) - len(n.data),
		DataSize:       len(n.data),
		CumulativeSize: int(cumulative),
	}, nil
}

func (n *ProtoNode) Resolve(path []string) (interface{}, []string, error) {
	return n.ResolveLink(path)
}

func (n *ProtoNode) ResolveLink(path []string) (*format.Link, []string, error) {
	if len(path) == 0 {
		return nil, nil, errors.New("dagpb: end of path, no link to resolve")
	}
	lnk, err := n.GetNodeLink(path[0])
	if err != nil {
		return nil, nil, err
	}
	return lnk, path[1:], nil
}

func (n *ProtoNode) Tree(p string, depth int) []string {
	if p != "" || depth == 0 {
		return nil
	}
	out := make([]string, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l.Name)
	}
	return out
}

var _ format.Node = (*ProtoNode)(nil)

// DecodeBlock interprets a block's bytes as dag-pb. The block's CID is
// adopted unchanged.
func DecodeBlock(b blocks.Block) (*ProtoNode, error) {
	c := b.Cid()
	if c.Prefix().Codec != cid.DagProtobuf {
		return nil, ErrNotProtobuf
	}
	n, err := DecodeProtobuf(b.RawData())
	if err != nil {
		return nil, err
	}
	n.cached = c
	n.builder = c.Prefix()
	return n, nil
}
