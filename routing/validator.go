package routing

import (
	"errors"
	"strings"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/driftfs/driftfs/namesys"
)

// NameRecordValidator lets the DHT accept and rank name records: a
// record must carry a valid signature for its key's peer, and among
// candidates the highest sequence wins.
type NameRecordValidator struct{}

var _ record.Validator = NameRecordValidator{}

func (NameRecordValidator) Validate(key string, value []byte) error {
	id, err := peerFromKey(key)
	if err != nil {
		return err
	}
	rec, err := namesys.UnmarshalRecord(value)
	if err != nil {
		return err
	}
	return rec.Verify(id)
}

func (NameRecordValidator) Select(key string, values [][]byte) (int, error) {
	best, bestSeq := -1, uint64(0)
	for i, raw := range values {
		rec, err := namesys.UnmarshalRecord(raw)
		if err != nil {
			continue
		}
		if best == -1 || rec.Sequence > bestSeq {
			best, bestSeq = i, rec.Sequence
		}
	}
	if best == -1 {
		return 0, errors.New("routing: no valid records to select from")
	}
	return best, nil
}

func peerFromKey(key string) (peer.ID, error) {
	name := strings.TrimPrefix(key, "ipns/")
	name = strings.TrimPrefix(name, "/ipns/")
	return peer.Decode(name)
}
