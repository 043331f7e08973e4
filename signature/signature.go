// Package signature builds and orders the per-block signature table of a
// file: the weak/strong hash pairs the comparer searches against when
// matching a new file's content to an old one.
package signature

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"sort"

	"nithronos/backupengine/blockio"
	"nithronos/backupengine/rollsum"
)

// ErrMalformedTable is returned by Decode when data is not a whole number of
// 32-byte entries.
var ErrMalformedTable = errors.New("signature: malformed encoded table")

// Entry is one block's signature: its weak checksum, strong hash, and the
// byte offset in the source file where the block begins.
type Entry struct {
	Weak   uint32
	Strong [20]byte
	Offset uint64
}

// Less orders entries lexicographically by (weak, strong, offset), the
// order the comparer's binary searches rely on.
func Less(a, b Entry) bool {
	if a.Weak != b.Weak {
		return a.Weak < b.Weak
	}
	if c := bytes.Compare(a.Strong[:], b.Strong[:]); c != 0 {
		return c < 0
	}
	return a.Offset < b.Offset
}

// Table is the sorted signature table of one file version: its block size,
// its sorted entries, and a digest over the whole file. It is immutable once
// built and safe to share by reference.
type Table struct {
	BlockSize uint64
	Entries   []Entry
	Digest    [20]byte
}

// entrySize is the 32-byte encoded stride (weak:4, strong:20, offset:8) that
// drives the block-size scaling rule and the persisted layout in §6.
const entrySize = 32

// maxTableBytes caps the in-memory (and persisted) signature table at 64MiB
// regardless of file size, by growing the block size instead.
const maxTableBytes = 64 << 20

// ChooseBlockSize implements the scaling rule: start at 512 bytes and double
// while the signature table would exceed maxTableBytes.
func ChooseBlockSize(fileSize int64) uint64 {
	if fileSize < 0 {
		fileSize = 0
	}
	blockSize := uint64(512)
	for {
		blocks := ceilDiv(uint64(fileSize), blockSize)
		if blocks*entrySize <= maxTableBytes {
			return blockSize
		}
		blockSize *= 2
	}
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Build reads path block by block, computing a signature table for it:
// block size chosen by ChooseBlockSize, one Entry per block in file order,
// and a SHA-1 digest over the whole file's bytes. The returned table's
// entries are sorted by (weak, strong, offset).
func Build(path string) (*Table, error) {
	src, err := blockio.OpenFileSource(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	blockSize := ChooseBlockSize(size)

	reader, err := blockio.NewBlockReader(src, int(blockSize))
	if err != nil {
		return nil, err
	}

	var entries []Entry
	digest := sha1.New()
	buf := make([]byte, blockSize)
	var offset uint64
	for {
		n, ok, err := reader.NextBlock(buf)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		block := buf[:n]
		weak := rollsum.Compute(block)
		strong := sha1.Sum(block)
		entries = append(entries, Entry{Weak: uint32(weak), Strong: strong, Offset: offset})
		digest.Write(block)
		offset += uint64(n)
	}

	sort.Slice(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })

	var d [20]byte
	copy(d[:], digest.Sum(nil))

	return &Table{BlockSize: blockSize, Entries: entries, Digest: d}, nil
}

// WeakRange returns the contiguous index range [lo, hi) of entries with the
// given weak checksum. Entries must already be sorted by Less.
func WeakRange(entries []Entry, weak uint32) (lo, hi int) {
	lo = sort.Search(len(entries), func(i int) bool { return entries[i].Weak >= weak })
	hi = sort.Search(len(entries), func(i int) bool { return entries[i].Weak > weak })
	return lo, hi
}

// StrongRange returns the contiguous index range [lo, hi) within entries
// (already restricted to a single weak-checksum range) matching strong.
func StrongRange(entries []Entry, strong [20]byte) (lo, hi int) {
	lo = sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Strong[:], strong[:]) >= 0 })
	hi = sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].Strong[:], strong[:]) > 0 })
	return lo, hi
}

// FindOffset looks for an entry with the given Offset within entries
// (already restricted to a single strong-hash range), returning its index.
func FindOffset(entries []Entry, target uint64) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Offset >= target })
	if i < len(entries) && entries[i].Offset == target {
		return i, true
	}
	return 0, false
}

// Encode serializes entries in the persisted layout of §6: sorted order,
// fixed 32-byte stride (weak:4, strong:20, offset:8) little-endian.
func Encode(entries []Entry) []byte {
	out := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		p := out[i*entrySize:]
		putUint32LE(p[0:4], e.Weak)
		copy(p[4:24], e.Strong[:])
		putUint64LE(p[24:32], e.Offset)
	}
	return out
}

// Decode parses the persisted layout produced by Encode.
func Decode(data []byte) ([]Entry, error) {
	if len(data)%entrySize != 0 {
		return nil, ErrMalformedTable
	}
	n := len(data) / entrySize
	entries := make([]Entry, n)
	for i := range entries {
		p := data[i*entrySize:]
		entries[i].Weak = uint32LE(p[0:4])
		copy(entries[i].Strong[:], p[4:24])
		entries[i].Offset = uint64LE(p[24:32])
	}
	return entries, nil
}

func putUint32LE(p []byte, v uint32) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
	p[3] = byte(v >> 24)
}

func putUint64LE(p []byte, v uint64) {
	for i := 0; i < 8; i++ {
		p[i] = byte(v >> (8 * uint(i)))
	}
}

func uint32LE(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

func uint64LE(p []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(p[i]) << (8 * uint(i))
	}
	return v
}
