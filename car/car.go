package car

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	golog "github.com/ipfs/go-log"
	mh "github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"

	"github.com/driftfs/driftfs/dagpb"
)

var log = golog.Logger("car")

var (
	ErrMalformedCar      = errors.New("car: malformed archive")
	ErrUnsupportedFormat = errors.New("car: unsupported archive version")
	ErrHashMismatch      = errors.New("car: block bytes do not match cid")
)

// cidTag is the CBOR tag wrapping CID bytes (with the reserved leading
// zero byte) inside the archive header.
const cidTag = 42

// v2HeaderSize is the fixed frame between a v2 pragma and the inner v1
// payload: 16 bytes of characteristics, then data offset, data size and
// index offset as little-endian u64s.
const v2HeaderSize = 40

var headerEnc cbor.EncMode

func init() {
	var err error
	headerEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

type header struct {
	Roots   []cbor.Tag `cbor:"roots"`
	Version uint64     `cbor:"version"`
}

// Putter receives imported blocks; the block layer satisfies it.
type Putter interface {
	Put(ctx context.Context, blk blocks.Block) error
}

// WriteCar exports the DAGs rooted at roots as a v1 archive: a DAG-CBOR
// header followed by length-prefixed (cid, bytes) entries. Each root is
// walked breadth-first and every reachable block appears exactly once,
// even when the roots' graphs overlap.
func WriteCar(ctx context.Context, bg dagpb.BlockGetter, roots []cid.Cid, w io.Writer) error {
	hdr := header{Version: 1, Roots: make([]cbor.Tag, len(roots))}
	for i, r := range roots {
		hdr.Roots[i] = cbor.Tag{Number: cidTag, Content: append([]byte{0}, r.Bytes()...)}
	}
	hdrBytes, err := headerEnc.Marshal(hdr)
	if err != nil {
		return fmt.Errorf("car: encoding header: %w", err)
	}
	if _, err := w.Write(varint.ToUvarint(uint64(len(hdrBytes)))); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}

	seen := cid.NewSet()
	for _, root := range roots {
		err := dagpb.Walk(ctx, bg, root, func(blk blocks.Block) error {
			if !seen.Visit(blk.Cid()) {
				return nil
			}
			return writeEntry(w, blk)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(w io.Writer, blk blocks.Block) error {
	cidBytes := blk.Cid().Bytes()
	total := uint64(len(cidBytes) + len(blk.RawData()))
	if _, err := w.Write(varint.ToUvarint(total)); err != nil {
		return err
	}
	if _, err := w.Write(cidBytes); err != nil {
		return err
	}
	_, err := w.Write(blk.RawData())
	return err
}

// ReadCar imports an archive, handing each block to put. The declared
// roots are returned in archive order. Version 1 is read natively; a
// version 2 pragma is accepted by skipping its fixed frame and reading
// the inner v1 payload. Entries whose bytes fail their own hash are
// rejected.
func ReadCar(ctx context.Context, put Putter, r io.Reader) ([]cid.Cid, error) {
	br := bufio.NewReader(r)
	hdr, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	entries := br
	if hdr.Version == 2 {
		frame := make([]byte, v2HeaderSize)
		if _, err := io.ReadFull(br, frame); err != nil {
			return nil, fmt.Errorf("%w: truncated v2 frame", ErrMalformedCar)
		}
		dataSize := le64(frame[24:32])
		// In a stream read the inner payload sits right after the
		// frame; the recorded size bounds it.
		entries = bufio.NewReader(io.LimitReader(br, int64(dataSize)))
		hdr, err = readHeader(entries)
		if err != nil {
			return nil, err
		}
	}
	if hdr.Version != 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, hdr.Version)
	}

	roots := make([]cid.Cid, 0, len(hdr.Roots))
	for _, tag := range hdr.Roots {
		raw, ok := tag.Content.([]byte)
		if !ok || len(raw) < 2 || raw[0] != 0 {
			return nil, fmt.Errorf("%w: bad root encoding", ErrMalformedCar)
		}
		c, err := cid.Cast(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: root: %v", ErrMalformedCar, err)
		}
		roots = append(roots, c)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blk, err := readEntry(entries)
		if err == io.EOF {
			return roots, nil
		}
		if err != nil {
			return nil, err
		}
		if err := put.Put(ctx, blk); err != nil {
			return nil, err
		}
	}
}

func readHeader(br *bufio.Reader) (*header, error) {
	hlen, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedCar)
	}
	buf := make([]byte, hlen)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedCar)
	}
	var hdr header
	if err := cbor.Unmarshal(buf, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedCar, err)
	}
	return &hdr, nil
}

// readEntry decodes one length-prefixed (cid, bytes) entry. A leading
// 0x12 marks a bare sha2-256 multihash, read as a v0 cid.
func readEntry(br *bufio.Reader) (blocks.Block, error) {
	total, err := varint.ReadUvarint(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: entry length: %v", ErrMalformedCar, err)
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated entry", ErrMalformedCar)
	}
	n, c, err := cid.CidFromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: entry cid: %v", ErrMalformedCar, err)
	}
	data := buf[n:]

	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("%w: entry multihash: %v", ErrMalformedCar, err)
	}
	if dec.Code != mh.IDENTITY {
		sum, err := mh.Sum(data, dec.Code, dec.Length)
		if err == nil && !bytes.Equal(sum, c.Hash()) {
			log.Warnf("discarding entry %s: bytes fail rehash", c)
			return nil, ErrHashMismatch
		}
	}
	return blocks.NewBlockWithCid(data, c)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
