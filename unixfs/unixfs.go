package unixfs

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Node types carried in the dag-pb Data field.
const (
	TRaw       = 0
	TDirectory = 1
	TFile      = 2
)

var (
	ErrMalformed   = errors.New("unixfs: malformed node data")
	ErrUnknownType = errors.New("unixfs: unknown node type")
)

// wire numbers of the unixfs Data message
const (
	fldType       = 1
	fldData       = 2
	fldFilesize   = 3
	fldBlocksizes = 4
)

// FSNode is the typed payload inside a dag-pb node: a file (possibly
// with inline data and per-child block sizes), a directory, or raw
// bytes. The encoded form is canonical.
type FSNode struct {
	Type       int64
	Data       []byte
	FileSize   uint64
	BlockSizes []uint64
}

func NewFSNode(typ int64) *FSNode {
	return &FSNode{Type: typ}
}

// AddBlockSize records the declared size of the next child block.
func (n *FSNode) AddBlockSize(s uint64) {
	n.FileSize += s
	n.BlockSizes = append(n.BlockSizes, s)
}

func (n *FSNode) RemoveBlockSize(i int) {
	n.FileSize -= n.BlockSizes[i]
	n.BlockSizes = append(n.BlockSizes[:i], n.BlockSizes[i+1:]...)
}

// SetData replaces inline data, keeping the declared file size in step.
func (n *FSNode) SetData(data []byte) {
	n.FileSize -= uint64(len(n.Data))
	n.Data = data
	n.FileSize += uint64(len(data))
}

func (n *FSNode) NumChildren() int { return len(n.BlockSizes) }

// GetBytes serializes the node. Field order is fixed (type, data,
// filesize, blocksizes) and filesize is always written for file and raw
// nodes, zero included, so the same node always yields the same bytes.
func (n *FSNode) GetBytes() ([]byte, error) {
	switch n.Type {
	case TRaw, TDirectory, TFile:
	default:
		return nil, ErrUnknownType
	}
	var buf []byte
	buf = protowire.AppendTag(buf, fldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(n.Type))
	if len(n.Data) > 0 {
		buf = protowire.AppendTag(buf, fldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, n.Data)
	}
	if n.Type != TDirectory {
		buf = protowire.AppendTag(buf, fldFilesize, protowire.VarintType)
		buf = protowire.AppendVarint(buf, n.FileSize)
	}
	for _, bs := range n.BlockSizes {
		buf = protowire.AppendTag(buf, fldBlocksizes, protowire.VarintType)
		buf = protowire.AppendVarint(buf, bs)
	}
	return buf, nil
}

// FSNodeFromBytes parses a unixfs payload. Unknown fields are skipped.
func FSNodeFromBytes(data []byte) (*FSNode, error) {
	n := &FSNode{Type: -1}
	rest := data
	for len(rest) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(rest)
		if tagLen < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		rest = rest[tagLen:]
		switch {
		case num == fldType && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, ErrMalformed
			}
			n.Type = int64(v)
			rest = rest[m:]
		case num == fldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, ErrMalformed
			}
			n.Data = append([]byte(nil), v...)
			rest = rest[m:]
		case num == fldFilesize && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, ErrMalformed
			}
			n.FileSize = v
			rest = rest[m:]
		case num == fldBlocksizes && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, ErrMalformed
			}
			n.BlockSizes = append(n.BlockSizes, v)
			rest = rest[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, rest)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			rest = rest[m:]
		}
	}
	if n.Type < 0 {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return n, nil
}

// FilePBData builds the canonical payload of a file node holding data
// inline: the exact bytes every chunker emits for a leaf.
func FilePBData(data []byte, totalsize uint64) []byte {
	n := &FSNode{Type: TFile, Data: data, FileSize: totalsize}
	b, err := n.GetBytes()
	if err != nil {
		panic(err) // TFile is always encodable
	}
	return b
}

// FolderPBData is the payload of a directory node.
func FolderPBData() []byte {
	n := &FSNode{Type: TDirectory}
	b, err := n.GetBytes()
	if err != nil {
		panic(err)
	}
	return b
}
