package namesys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	ci "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"google.golang.org/protobuf/encoding/protowire"
)

// Validity types. End-of-life is the only kind defined.
const ValidityEOL = 0

// TimeFormat is the on-the-wire validity timestamp: ISO-8601 in UTC
// with a trailing Z and nanosecond precision.
const TimeFormat = "2006-01-02T15:04:05.999999999Z07:00"

var (
	ErrRecordMalformed = errors.New("namesys: malformed record")
	ErrBadSignature    = errors.New("namesys: record signature invalid")
	ErrExpiredRecord   = errors.New("namesys: record past its end of life")
)

// Record is a signed, sequence-numbered mapping from a publishing key
// to a content path. Records are never modified, only superseded.
type Record struct {
	Value        []byte
	Signature    []byte
	ValidityType uint64
	Validity     []byte
	Sequence     uint64
	TTL          uint64 // nanoseconds
	PubKey       []byte // embedded when not derivable from the peer id
	SignatureV2  []byte // carried opaquely when present
	Data         []byte // canonical blob for v2 verification, opaque here
}

// wire numbers 1..9, in data-model order
const (
	recValue = 1 + iota
	recSignature
	recValidityType
	recValidity
	recSequence
	recTTL
	recPubKey
	recSignatureV2
	recData
)

// sigPayload is the byte string the v1 signature covers: the value,
// the validity timestamp, and the validity type as a big-endian u64.
func sigPayload(value, validity []byte, validityType uint64) []byte {
	buf := make([]byte, 0, len(value)+len(validity)+8)
	buf = append(buf, value...)
	buf = append(buf, validity...)
	var vt [8]byte
	binary.BigEndian.PutUint64(vt[:], validityType)
	return append(buf, vt[:]...)
}

// NewRecord builds and signs a record for value, expiring at eol.
func NewRecord(sk ci.PrivKey, value []byte, seq uint64, eol time.Time, ttl time.Duration) (*Record, error) {
	validity := []byte(eol.UTC().Format(TimeFormat))
	sig, err := sk.Sign(sigPayload(value, validity, ValidityEOL))
	if err != nil {
		return nil, fmt.Errorf("namesys: signing record: %w", err)
	}
	rec := &Record{
		Value:        value,
		Signature:    sig,
		ValidityType: ValidityEOL,
		Validity:     validity,
		Sequence:     seq,
		TTL:          uint64(ttl.Nanoseconds()),
	}

	// Peers cannot derive an RSA public key from a peer id, so embed it.
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	if _, err := id.ExtractPublicKey(); err != nil {
		pkb, err := ci.MarshalPublicKey(sk.GetPublic())
		if err != nil {
			return nil, err
		}
		rec.PubKey = pkb
	}
	return rec, nil
}

// Verify checks the v1 signature and the end-of-life window against
// the publisher's identity.
func (r *Record) Verify(id peer.ID) error {
	pk, err := r.publicKey(id)
	if err != nil {
		return err
	}
	ok, err := pk.Verify(sigPayload(r.Value, r.Validity, r.ValidityType), r.Signature)
	if err != nil || !ok {
		return ErrBadSignature
	}
	if r.ValidityType == ValidityEOL {
		eol, err := time.Parse(TimeFormat, string(r.Validity))
		if err != nil {
			return fmt.Errorf("%w: validity: %v", ErrRecordMalformed, err)
		}
		if time.Now().UTC().After(eol) {
			return ErrExpiredRecord
		}
	}
	return nil
}

func (r *Record) publicKey(id peer.ID) (ci.PubKey, error) {
	if len(r.PubKey) > 0 {
		pk, err := ci.UnmarshalPublicKey(r.PubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: embedded key: %v", ErrRecordMalformed, err)
		}
		// The embedded key must actually be the publisher's.
		derived, err := peer.IDFromPublicKey(pk)
		if err != nil || derived != id {
			return nil, ErrBadSignature
		}
		return pk, nil
	}
	pk, err := id.ExtractPublicKey()
	if err != nil {
		return nil, fmt.Errorf("namesys: no public key for %s: %w", id, err)
	}
	return pk, nil
}

// Marshal serializes the record with fields in wire order 1..9.
func (r *Record) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, recValue, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Value)
	buf = protowire.AppendTag(buf, recSignature, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Signature)
	buf = protowire.AppendTag(buf, recValidityType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.ValidityType)
	buf = protowire.AppendTag(buf, recValidity, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Validity)
	buf = protowire.AppendTag(buf, recSequence, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Sequence)
	buf = protowire.AppendTag(buf, recTTL, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.TTL)
	if len(r.PubKey) > 0 {
		buf = protowire.AppendTag(buf, recPubKey, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.PubKey)
	}
	if len(r.SignatureV2) > 0 {
		buf = protowire.AppendTag(buf, recSignatureV2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.SignatureV2)
	}
	if len(r.Data) > 0 {
		buf = protowire.AppendTag(buf, recData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Data)
	}
	return buf
}

// UnmarshalRecord parses a record, skipping unknown fields.
func UnmarshalRecord(raw []byte) (*Record, error) {
	r := &Record{}
	rest := raw
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, ErrRecordMalformed
		}
		rest = rest[n:]
		consumeBytes := func(dst *[]byte) error {
			v, m := protowire.ConsumeBytes(rest)
			if m < 0 {
				return ErrRecordMalformed
			}
			*dst = append([]byte(nil), v...)
			rest = rest[m:]
			return nil
		}
		consumeVarint := func(dst *uint64) error {
			v, m := protowire.ConsumeVarint(rest)
			if m < 0 {
				return ErrRecordMalformed
			}
			*dst = v
			rest = rest[m:]
			return nil
		}
		var err error
		switch {
		case num == recValue && typ == protowire.BytesType:
			err = consumeBytes(&r.Value)
		case num == recSignature && typ == protowire.BytesType:
			err = consumeBytes(&r.Signature)
		case num == recValidityType && typ == protowire.VarintType:
			err = consumeVarint(&r.ValidityType)
		case num == recValidity && typ == protowire.BytesType:
			err = consumeBytes(&r.Validity)
		case num == recSequence && typ == protowire.VarintType:
			err = consumeVarint(&r.Sequence)
		case num == recTTL && typ == protowire.VarintType:
			err = consumeVarint(&r.TTL)
		case num == recPubKey && typ == protowire.BytesType:
			err = consumeBytes(&r.PubKey)
		case num == recSignatureV2 && typ == protowire.BytesType:
			err = consumeBytes(&r.SignatureV2)
		case num == recData && typ == protowire.BytesType:
			err = consumeBytes(&r.Data)
		default:
			m := protowire.ConsumeFieldValue(num, typ, rest)
			if m < 0 {
				return nil, ErrRecordMalformed
			}
			rest = rest[m:]
		}
		if err != nil {
			return nil, err
		}
	}
	if len(r.Value) == 0 || len(r.Signature) == 0 {
		return nil, ErrRecordMalformed
	}
	return r, nil
}
