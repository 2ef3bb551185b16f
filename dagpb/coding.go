package dagpb

import (
	"fmt"

	cid "github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"google.golang.org/protobuf/encoding/protowire"
)

// dag-pb wire numbers. Links are serialized before Data: the canonical
// form every dag-pb implementation agrees on writes repeated field 2
// first, then field 1.
const (
	pbData  = 1
	pbLinks = 2

	pbLinkHash  = 1
	pbLinkName  = 2
	pbLinkTsize = 3
)

// EncodeProtobuf returns the canonical dag-pb encoding. Links keep their
// current order; every link carries Hash, Name (even when empty) and
// Tsize so the bytes are stable across implementations.
func (n *ProtoNode) EncodeProtobuf() ([]byte, error) {
	if n.encoded != nil {
		return n.encoded, nil
	}
	var buf []byte
	for _, l := range n.links {
		var lb []byte
		lb = protowire.AppendTag(lb, pbLinkHash, protowire.BytesType)
		lb = protowire.AppendBytes(lb, l.Cid.Bytes())
		lb = protowire.AppendTag(lb, pbLinkName, protowire.BytesType)
		lb = protowire.AppendBytes(lb, []byte(l.Name))
		lb = protowire.AppendTag(lb, pbLinkTsize, protowire.VarintType)
		lb = protowire.AppendVarint(lb, l.Size)

		buf = protowire.AppendTag(buf, pbLinks, protowire.BytesType)
		buf = protowire.AppendBytes(buf, lb)
	}
	if len(n.data) > 0 {
		buf = protowire.AppendTag(buf, pbData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, n.data)
	}
	if buf == nil {
		buf = []byte{}
	}
	n.encoded = buf
	return n.encoded, nil
}

// DecodeProtobuf parses dag-pb bytes. Unknown fields are skipped rather
// than rejected so newer producers stay readable.
func DecodeProtobuf(data []byte) (*ProtoNode, error) {
	n := &ProtoNode{builder: v0Builder}
	rest := data
	for len(rest) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(rest)
		if tagLen < 0 {
			return nil, fmt.Errorf("dagpb: bad tag: %w", protowire.ParseError(tagLen))
		}
		rest = rest[tagLen:]
		switch {
		case num == pbData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad data field: %w", protowire.ParseError(m))
			}
			n.data = append([]byte(nil), v...)
			rest = rest[m:]
		case num == pbLinks && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad link field: %w", protowire.ParseError(m))
			}
			lnk, err := decodeLink(v)
			if err != nil {
				return nil, err
			}
			n.links = append(n.links, lnk)
			rest = rest[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad field %d: %w", num, protowire.ParseError(m))
			}
			rest = rest[m:]
		}
	}
	n.encoded = append([]byte(nil), data...)
	return n, nil
}

func decodeLink(data []byte) (*format.Link, error) {
	l := &format.Link{}
	rest := data
	for len(rest) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(rest)
		if tagLen < 0 {
			return nil, fmt.Errorf("dagpb: bad link tag: %w", protowire.ParseError(tagLen))
		}
		rest = rest[tagLen:]
		switch {
		case num == pbLinkHash && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad link hash: %w", protowire.ParseError(m))
			}
			c, err := cid.Cast(v)
			if err != nil {
				return nil, fmt.Errorf("dagpb: link hash: %w", err)
			}
			l.Cid = c
			rest = rest[m:]
		case num == pbLinkName && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad link name: %w", protowire.ParseError(m))
			}
			l.Name = string(v)
			rest = rest[m:]
		case num == pbLinkTsize && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad link tsize: %w", protowire.ParseError(m))
			}
			l.Size = v
			rest = rest[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, rest)
			if m < 0 {
				return nil, fmt.Errorf("dagpb: bad link field %d: %w", num, protowire.ParseError(m))
			}
			rest = rest[m:]
		}
	}
	if !l.Cid.Defined() {
		return nil, fmt.Errorf("dagpb: link without hash")
	}
	return l, nil
}
