package chunk

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"golang.org/x/exp/slices"
)

func collect(t *testing.T, s Splitter) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		b, err := s.NextBytes()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, b)
	}
}

func TestSizeSplitter(t *testing.T) {
	s := NewSizeSplitter(strings.NewReader("hello world"), 3)
	chunks := collect(t, s)
	want := [][]byte{[]byte("hel"), []byte("lo "), []byte("wor"), []byte("ld")}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i := range want {
		if !slices.Equal(chunks[i], want[i]) {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestEmptyStreamYieldsOneEmptyChunk(t *testing.T) {
	s := NewSizeSplitter(bytes.NewReader(nil), 1024)
	chunks := collect(t, s)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("empty stream produced %v, want exactly one empty chunk", chunks)
	}
}

func TestExactMultiple(t *testing.T) {
	s := NewSizeSplitter(strings.NewReader("abcdef"), 3)
	chunks := collect(t, s)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
}

func TestFromString(t *testing.T) {
	cases := []struct {
		token string
		ok    bool
	}{
		{"", true},
		{"default", true},
		{"size-262144", true},
		{"size-1", true},
		{"size-0", false},
		{"size-notanumber", false},
		{"rabin-16", false},
	}
	for _, tc := range cases {
		_, err := FromString(strings.NewReader("x"), tc.token)
		if (err == nil) != tc.ok {
			t.Errorf("FromString(%q) err = %v, want ok=%v", tc.token, err, tc.ok)
		}
	}
}
