// Package message implements the exchange wire format: length-prefixed
// protobuf messages carrying a wantlist, block payloads and block
// presences, across the three protocol revisions.
package message

import (
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-msgio"
	"google.golang.org/protobuf/encoding/protowire"
)

// Want types carried per wantlist entry since protocol 1.2.0.
const (
	WantBlock = 0
	WantHave  = 1
)

// Presence types.
const (
	PresenceHave     = 0
	PresenceDontHave = 1
)

var ErrMalformed = errors.New("message: malformed wire message")

// wire numbers
const (
	fldWantlist       = 1
	fldBlocksV0       = 2
	fldPayload        = 3
	fldBlockPresences = 4
	fldPendingBytes   = 5

	fldWlEntries = 1
	fldWlFull    = 2

	fldEntryBlock        = 1
	fldEntryPriority     = 2
	fldEntryCancel       = 3
	fldEntryWantType     = 4
	fldEntrySendDontHave = 5

	fldBlockPrefix = 1
	fldBlockData   = 2

	fldPresenceCid  = 1
	fldPresenceType = 2
)

// Entry is one wantlist line: want (or cancel) for a cid.
type Entry struct {
	Cid          cid.Cid
	Priority     int32
	Cancel       bool
	WantType     int32
	SendDontHave bool
}

// BlockPresence tells a peer whether we hold a cid without sending it.
type BlockPresence struct {
	Cid  cid.Cid
	Type int32
}

// Message is one exchange frame. The zero value is an empty message.
type Message struct {
	full         bool
	wantlist     []Entry
	blocks       []blocks.Block
	presences    []BlockPresence
	pendingBytes int32
}

func New(full bool) *Message {
	return &Message{full: full}
}

func (m *Message) Full() bool               { return m.full }
func (m *Message) Wantlist() []Entry        { return m.wantlist }
func (m *Message) Blocks() []blocks.Block   { return m.blocks }
func (m *Message) Presences() []BlockPresence { return m.presences }
func (m *Message) PendingBytes() int32      { return m.pendingBytes }
func (m *Message) SetPendingBytes(n int32)  { m.pendingBytes = n }

func (m *Message) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.presences) == 0
}

func (m *Message) AddEntry(c cid.Cid, priority int32, wantType int32, sendDontHave bool) {
	m.wantlist = append(m.wantlist, Entry{
		Cid:          c,
		Priority:     priority,
		WantType:     wantType,
		SendDontHave: sendDontHave,
	})
}

func (m *Message) AddCancel(c cid.Cid) {
	m.wantlist = append(m.wantlist, Entry{Cid: c, Cancel: true})
}

func (m *Message) AddBlock(b blocks.Block) {
	m.blocks = append(m.blocks, b)
}

func (m *Message) AddPresence(c cid.Cid, typ int32) {
	m.presences = append(m.presences, BlockPresence{Cid: c, Type: typ})
}

// Size is the payload byte total: the summed length of the message's
// blocks.
func (m *Message) Size() int {
	n := 0
	for _, b := range m.blocks {
		n += len(b.RawData())
	}
	return n
}

func (m *Message) encodeWantlist() []byte {
	var wl []byte
	for _, e := range m.wantlist {
		var eb []byte
		eb = protowire.AppendTag(eb, fldEntryBlock, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Cid.Bytes())
		if e.Priority != 0 {
			eb = protowire.AppendTag(eb, fldEntryPriority, protowire.VarintType)
			eb = protowire.AppendVarint(eb, uint64(uint32(e.Priority)))
		}
		if e.Cancel {
			eb = protowire.AppendTag(eb, fldEntryCancel, protowire.VarintType)
			eb = protowire.AppendVarint(eb, 1)
		}
		if e.WantType != 0 {
			eb = protowire.AppendTag(eb, fldEntryWantType, protowire.VarintType)
			eb = protowire.AppendVarint(eb, uint64(e.WantType))
		}
		if e.SendDontHave {
			eb = protowire.AppendTag(eb, fldEntrySendDontHave, protowire.VarintType)
			eb = protowire.AppendVarint(eb, 1)
		}
		wl = protowire.AppendTag(wl, fldWlEntries, protowire.BytesType)
		wl = protowire.AppendBytes(wl, eb)
	}
	if m.full {
		wl = protowire.AppendTag(wl, fldWlFull, protowire.VarintType)
		wl = protowire.AppendVarint(wl, 1)
	}
	return wl
}

// Encode serializes the message for a protocol revision. Version 1.0.0
// ships blocks as bare bytes; later revisions ship (prefix, data) pairs
// plus presences and the pending-byte count.
func (m *Message) Encode(legacyBlocks bool) []byte {
	var buf []byte
	if wl := m.encodeWantlist(); wl != nil {
		buf = protowire.AppendTag(buf, fldWantlist, protowire.BytesType)
		buf = protowire.AppendBytes(buf, wl)
	}
	if legacyBlocks {
		for _, b := range m.blocks {
			buf = protowire.AppendTag(buf, fldBlocksV0, protowire.BytesType)
			buf = protowire.AppendBytes(buf, b.RawData())
		}
		return buf
	}
	for _, b := range m.blocks {
		var pb []byte
		pb = protowire.AppendTag(pb, fldBlockPrefix, protowire.BytesType)
		pb = protowire.AppendBytes(pb, b.Cid().Prefix().Bytes())
		pb = protowire.AppendTag(pb, fldBlockData, protowire.BytesType)
		pb = protowire.AppendBytes(pb, b.RawData())
		buf = protowire.AppendTag(buf, fldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, pb)
	}
	for _, p := range m.presences {
		var bp []byte
		bp = protowire.AppendTag(bp, fldPresenceCid, protowire.BytesType)
		bp = protowire.AppendBytes(bp, p.Cid.Bytes())
		if p.Type != 0 {
			bp = protowire.AppendTag(bp, fldPresenceType, protowire.VarintType)
			bp = protowire.AppendVarint(bp, uint64(p.Type))
		}
		buf = protowire.AppendTag(buf, fldBlockPresences, protowire.BytesType)
		buf = protowire.AppendBytes(buf, bp)
	}
	if m.pendingBytes != 0 {
		buf = protowire.AppendTag(buf, fldPendingBytes, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(uint32(m.pendingBytes)))
	}
	return buf
}

// WriteTo frames the encoded message with a varint length prefix.
func (m *Message) WriteTo(w io.Writer, legacyBlocks bool) error {
	return msgio.NewVarintWriter(w).WriteMsg(m.Encode(legacyBlocks))
}

// FromReader reads one framed message from a varint msg reader.
func FromReader(r msgio.Reader) (*Message, error) {
	raw, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer r.ReleaseMsg(raw)
	return Decode(raw)
}

// Decode parses a wire message of any protocol revision. Legacy bare
// blocks are re-addressed with the historical sha2-256 v0 form; payload
// blocks take their cid from the carried prefix.
func Decode(raw []byte) (*Message, error) {
	m := &Message{}
	rest := raw
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, fmt.Errorf("%w: tag", ErrMalformed)
		}
		rest = rest[n:]
		switch {
		case num == fldWantlist && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: wantlist", ErrMalformed)
			}
			if err := m.decodeWantlist(v); err != nil {
				return nil, err
			}
			rest = rest[n:]
		case num == fldBlocksV0 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: block", ErrMalformed)
			}
			blk := blocks.NewBlock(append([]byte(nil), v...))
			m.blocks = append(m.blocks, blk)
			rest = rest[n:]
		case num == fldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload", ErrMalformed)
			}
			blk, err := decodePayload(v)
			if err != nil {
				return nil, err
			}
			m.blocks = append(m.blocks, blk)
			rest = rest[n:]
		case num == fldBlockPresences && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: presence", ErrMalformed)
			}
			bp, err := decodePresence(v)
			if err != nil {
				return nil, err
			}
			m.presences = append(m.presences, bp)
			rest = rest[n:]
		case num == fldPendingBytes && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: pending bytes", ErrMalformed)
			}
			m.pendingBytes = int32(v)
			rest = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d", ErrMalformed, num)
			}
			rest = rest[n:]
		}
	}
	return m, nil
}

func (m *Message) decodeWantlist(raw []byte) error {
	rest := raw
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return fmt.Errorf("%w: wantlist tag", ErrMalformed)
		}
		rest = rest[n:]
		switch {
		case num == fldWlEntries && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return fmt.Errorf("%w: entry", ErrMalformed)
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			m.wantlist = append(m.wantlist, e)
			rest = rest[n:]
		case num == fldWlFull && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return fmt.Errorf("%w: full flag", ErrMalformed)
			}
			m.full = v != 0
			rest = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return fmt.Errorf("%w: wantlist field %d", ErrMalformed, num)
			}
			rest = rest[n:]
		}
	}
	return nil
}

func decodeEntry(raw []byte) (Entry, error) {
	var e Entry
	rest := raw
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return e, fmt.Errorf("%w: entry tag", ErrMalformed)
		}
		rest = rest[n:]
		switch {
		case num == fldEntryBlock && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return e, fmt.Errorf("%w: entry cid", ErrMalformed)
			}
			c, err := cid.Cast(v)
			if err != nil {
				return e, fmt.Errorf("%w: entry cid: %v", ErrMalformed, err)
			}
			e.Cid = c
			rest = rest[n:]
		case num == fldEntryPriority && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return e, ErrMalformed
			}
			e.Priority = int32(v)
			rest = rest[n:]
		case num == fldEntryCancel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return e, ErrMalformed
			}
			e.Cancel = v != 0
			rest = rest[n:]
		case num == fldEntryWantType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return e, ErrMalformed
			}
			e.WantType = int32(v)
			rest = rest[n:]
		case num == fldEntrySendDontHave && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return e, ErrMalformed
			}
			e.SendDontHave = v != 0
			rest = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return e, fmt.Errorf("%w: entry field %d", ErrMalformed, num)
			}
			rest = rest[n:]
		}
	}
	if !e.Cid.Defined() {
		return e, fmt.Errorf("%w: entry without cid", ErrMalformed)
	}
	return e, nil
}

// decodePayload rebuilds a block from its (prefix, data) pair. The cid
// is recomputed from the data, so a tampered payload simply yields a
// cid nobody asked for.
func decodePayload(raw []byte) (blocks.Block, error) {
	var prefix []byte
	var data []byte
	rest := raw
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, fmt.Errorf("%w: payload tag", ErrMalformed)
		}
		rest = rest[n:]
		switch {
		case num == fldBlockPrefix && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, ErrMalformed
			}
			prefix = v
			rest = rest[n:]
		case num == fldBlockData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return nil, ErrMalformed
			}
			data = append([]byte(nil), v...)
			rest = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload field %d", ErrMalformed, num)
			}
			rest = rest[n:]
		}
	}
	pref, err := cid.PrefixFromBytes(prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: prefix: %v", ErrMalformed, err)
	}
	c, err := pref.Sum(data)
	if err != nil {
		return nil, fmt.Errorf("%w: prefix sum: %v", ErrMalformed, err)
	}
	return blocks.NewBlockWithCid(data, c)
}

func decodePresence(raw []byte) (BlockPresence, error) {
	var bp BlockPresence
	rest := raw
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return bp, fmt.Errorf("%w: presence tag", ErrMalformed)
		}
		rest = rest[n:]
		switch {
		case num == fldPresenceCid && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(rest)
			if n < 0 {
				return bp, ErrMalformed
			}
			c, err := cid.Cast(v)
			if err != nil {
				return bp, fmt.Errorf("%w: presence cid: %v", ErrMalformed, err)
			}
			bp.Cid = c
			rest = rest[n:]
		case num == fldPresenceType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(rest)
			if n < 0 {
				return bp, ErrMalformed
			}
			bp.Type = int32(v)
			rest = rest[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, rest)
			if n < 0 {
				return bp, fmt.Errorf("%w: presence field %d", ErrMalformed, num)
			}
			rest = rest[n:]
		}
	}
	if !bp.Cid.Defined() {
		return bp, fmt.Errorf("%w: presence without cid", ErrMalformed)
	}
	return bp, nil
}
