package blockservice

import (
	cid "github.com/ipfs/go-cid"

	"github.com/driftfs/driftfs/importer"
)

// Codecs is the closed registry of linked-data formats the node
// accepts, seeded once at start. New codecs are code changes, not
// runtime registrations.
var Codecs = map[string]uint64{
	"raw":      cid.Raw,
	"dag-pb":   cid.DagProtobuf,
	"dag-cbor": cid.DagCBOR,
	"dag-json": cid.DagJSON,
	"cms":      importer.CodecCMS,
}

// CodecName reverses the registry for display.
func CodecName(code uint64) string {
	for name, c := range Codecs {
		if c == code {
			return name
		}
	}
	return "unknown"
}
