package chunk

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultBlockSize is the chunk size used when no chunker is named.
const DefaultBlockSize int64 = 256 * 1024

var ErrInvalidChunker = errors.New("chunk: invalid chunker string")

// A Splitter reads a stream and hands back one chunk per call. The last
// chunk may be short; after it, every call returns io.EOF.
type Splitter interface {
	NextBytes() ([]byte, error)
	Reader() io.Reader
}

// FromString selects a splitter from a chunker token. The empty string
// and "default" mean fixed 256 KiB chunks; "size-N" sets the size.
func FromString(r io.Reader, chunker string) (Splitter, error) {
	switch {
	case chunker == "" || chunker == "default":
		return NewSizeSplitter(r, DefaultBlockSize), nil
	case strings.HasPrefix(chunker, "size-"):
		size, err := strconv.ParseInt(strings.TrimPrefix(chunker, "size-"), 10, 64)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidChunker, chunker)
		}
		return NewSizeSplitter(r, size), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidChunker, chunker)
	}
}

type sizeSplitter struct {
	r    io.Reader
	size int64

	// first tracks whether anything was emitted yet: an empty stream
	// still yields exactly one empty chunk.
	first bool
	err   error
}

// NewSizeSplitter returns a Splitter emitting fixed-size chunks.
func NewSizeSplitter(r io.Reader, size int64) Splitter {
	return &sizeSplitter{r: r, size: size, first: true}
}

func (ss *sizeSplitter) NextBytes() ([]byte, error) {
	if ss.err != nil {
		return nil, ss.err
	}
	buf := make([]byte, ss.size)
	n, err := io.ReadFull(ss.r, buf)
	switch err {
	case io.ErrUnexpectedEOF:
		ss.err = io.EOF
		ss.first = false
		return buf[:n], nil
	case io.EOF:
		ss.err = io.EOF
		if ss.first {
			ss.first = false
			return []byte{}, nil
		}
		return nil, io.EOF
	case nil:
		ss.first = false
		return buf, nil
	default:
		ss.err = err
		return nil, err
	}
}

func (ss *sizeSplitter) Reader() io.Reader { return ss.r }
