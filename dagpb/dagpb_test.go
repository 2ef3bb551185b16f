package dagpb

import (
	"context"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"golang.org/x/exp/slices"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	child := NodeWithData([]byte("leaf"))
	parent := NodeWithData([]byte("parent payload"))
	if err := parent.AddNodeLink("kid", child); err != nil {
		t.Fatalf("link: %v", err)
	}

	enc, err := parent.EncodeProtobuf()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProtobuf(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !slices.Equal(got.Data(), parent.Data()) {
		t.Errorf("data mangled")
	}
	if len(got.Links()) != 1 {
		t.Fatalf("links lost")
	}
	l := got.Links()[0]
	if l.Name != "kid" || !l.Cid.Equals(child.Cid()) {
		t.Errorf("link mangled: %+v", l)
	}
}

func TestEncodingIsStable(t *testing.T) {
	build := func() *ProtoNode {
		a := NodeWithData([]byte("aaa"))
		b := NodeWithData([]byte("bbb"))
		n := NodeWithData([]byte("root"))
		n.AddNodeLink("", a)
		n.AddNodeLink("", b)
		return n
	}
	one := build()
	two := build()
	if !one.Cid().Equals(two.Cid()) {
		t.Errorf("identical nodes encode to %s and %s", one.Cid(), two.Cid())
	}
}

func TestEmptyNameAndTsizeAlwaysSerialized(t *testing.T) {
	child := NodeWithData([]byte("x"))
	n := NodeWithData(nil)
	n.AddNodeLink("", child)
	enc, err := n.EncodeProtobuf()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProtobuf(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Name field survives empty and Tsize carries the child block size.
	if got.Links()[0].Name != "" {
		t.Errorf("name = %q", got.Links()[0].Name)
	}
	if got.Links()[0].Size != uint64(len(child.RawData())) {
		t.Errorf("tsize = %d, want %d", got.Links()[0].Size, len(child.RawData()))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeProtobuf([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Errorf("garbage decoded")
	}
}

func TestResolveLink(t *testing.T) {
	child := NodeWithData([]byte("target"))
	n := NodeWithData(nil)
	n.AddNodeLink("docs", child)

	lnk, rest, err := n.ResolveLink([]string{"docs", "deeper"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !lnk.Cid.Equals(child.Cid()) {
		t.Errorf("resolved wrong link")
	}
	if len(rest) != 1 || rest[0] != "deeper" {
		t.Errorf("rest = %v", rest)
	}
	if _, _, err := n.ResolveLink([]string{"absent"}); err == nil {
		t.Errorf("absent link resolved")
	}
}

// mapGetter serves Walk from a map.
type mapGetter struct {
	mu   sync.Mutex
	blks map[cid.Cid]blocks.Block
}

func (m *mapGetter) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blks[c], nil
}

func TestWalkVisitsOnce(t *testing.T) {
	shared := NodeWithData([]byte("shared leaf"))
	left := NodeWithData([]byte("left"))
	left.AddNodeLink("s", shared)
	right := NodeWithData([]byte("right"))
	right.AddNodeLink("s", shared)
	root := NodeWithData([]byte("root"))
	root.AddNodeLink("l", left)
	root.AddNodeLink("r", right)

	mg := &mapGetter{blks: map[cid.Cid]blocks.Block{}}
	for _, n := range []*ProtoNode{shared, left, right, root} {
		mg.blks[n.Cid()] = n
	}

	visits := map[string]int{}
	err := Walk(context.Background(), mg, root.Cid(), func(blk blocks.Block) error {
		visits[blk.Cid().String()]++
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(visits) != 4 {
		t.Errorf("visited %d distinct blocks, want 4", len(visits))
	}
	for c, n := range visits {
		if n != 1 {
			t.Errorf("%s visited %d times", c, n)
		}
	}
}

func TestStatAndSize(t *testing.T) {
	child := NodeWithData([]byte("0123456789"))
	n := NodeWithData([]byte("data"))
	n.AddNodeLink("c", child)

	size, err := n.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	childSize, _ := child.Size()
	if size <= childSize {
		t.Errorf("cumulative size %d not larger than child %d", size, childSize)
	}
	st, err := n.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.NumLinks != 1 || st.DataSize != 4 {
		t.Errorf("stat = %+v", st)
	}
}

var _ format.Node = (*ProtoNode)(nil)
