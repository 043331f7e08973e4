package signature

import (
	"os"
	"path/filepath"
	"testing"
)

func TestChooseBlockSizeScaling(t *testing.T) {
	cases := []int64{0, 1, 511, 512, 513, 1 << 20, 1 << 30, 1 << 34}
	for _, size := range cases {
		b := ChooseBlockSize(size)
		blocks := ceilDiv(uint64(size), b)
		if blocks*entrySize > maxTableBytes {
			t.Fatalf("size=%d chose block=%d: table would be %d bytes, over the 64MiB cap", size, b, blocks*entrySize)
		}
		if b != 512 {
			half := b / 2
			halfBlocks := ceilDiv(uint64(size), half)
			if halfBlocks*entrySize <= maxTableBytes {
				t.Fatalf("size=%d chose block=%d but half (%d) would already satisfy the cap", size, b, half)
			}
		}
	}
}

func TestBuildOrdersAndDigests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.bin")
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := Build(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(table.Entries) == 0 {
		t.Fatal("expected at least one signature entry")
	}
	for i := 1; i < len(table.Entries); i++ {
		if Less(table.Entries[i], table.Entries[i-1]) {
			t.Fatalf("entries not sorted at index %d", i)
		}
	}

	wantBlocks := ceilDiv(uint64(len(content)), table.BlockSize)
	if uint64(len(table.Entries)) != wantBlocks {
		t.Fatalf("got %d entries, want %d for a %d-byte file at block size %d", len(table.Entries), wantBlocks, len(content), table.BlockSize)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entries := []Entry{
		{Weak: 1, Strong: [20]byte{1}, Offset: 0},
		{Weak: 2, Strong: [20]byte{2}, Offset: 512},
	}
	encoded := Encode(entries)
	if len(encoded) != len(entries)*entrySize {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(entries)*entrySize)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(entries) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(entries))
	}
	for i := range entries {
		if decoded[i] != entries[i] {
			t.Fatalf("entry %d round-tripped as %+v, want %+v", i, decoded[i], entries[i])
		}
	}
}

func TestDecodeRejectsMalformedLength(t *testing.T) {
	if _, err := Decode(make([]byte, entrySize+1)); err == nil {
		t.Fatal("expected an error decoding a non-multiple-of-32 buffer")
	}
}
