package bitswap

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// Stream protocol identifiers, newest first. Negotiation walks this
// list in order and settles on the first one the peer accepts.
const (
	ProtocolBitswap    protocol.ID = "/ipfs/bitswap/1.2.0"
	ProtocolBitswap110 protocol.ID = "/ipfs/bitswap/1.1.0"
	ProtocolBitswap100 protocol.ID = "/ipfs/bitswap/1.0.0"
)

// variant describes what one protocol revision can carry. The table
// replaces version-specific subtypes: dispatch is by lookup, never by
// type switch.
type variant struct {
	id protocol.ID

	// legacyBlocks: blocks ship as bare bytes (1.0.0) instead of
	// (prefix, data) payload pairs.
	legacyBlocks bool

	// supportsHave: the revision understands want-have entries and
	// block presences (1.2.0 only).
	supportsHave bool
}

var variants = []variant{
	{id: ProtocolBitswap, legacyBlocks: false, supportsHave: true},
	{id: ProtocolBitswap110, legacyBlocks: false, supportsHave: false},
	{id: ProtocolBitswap100, legacyBlocks: true, supportsHave: false},
}

func protocolIDs() []protocol.ID {
	ids := make([]protocol.ID, len(variants))
	for i, v := range variants {
		ids[i] = v.id
	}
	return ids
}

func variantFor(id protocol.ID) variant {
	for _, v := range variants {
		if v.id == id {
			return v
		}
	}
	// Unknown stream protocol: treat as oldest wire form.
	return variants[len(variants)-1]
}
