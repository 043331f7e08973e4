package blockio

import (
	"errors"
	"io"
)

// maxDiskChunk bounds the granularity of an individual prefetch read,
// independent of the logical block size the caller is assembling; large
// block sizes are filled by looping across several of these chunks, the
// same internal-boundary crossing the original reader's overlapped I/O had
// to manage explicitly.
const maxDiskChunk = 4096

type prefetchResult struct {
	data []byte
	err  error
}

// BlockReader is an asynchronously prefetching reader over a ByteSource: it
// always has the next disk chunk in flight so that NextBlock/NextByte stall
// on I/O at most once per chunk in the steady state. A Seek tears down any
// in-flight prefetch by simply abandoning its result; the goroutine finishes
// on its own time and the buffered result channel never blocks it.
type BlockReader struct {
	src      ByteSource
	owned    *FileSource
	fileSize int64
	chunk    int

	ch         chan prefetchResult
	readOff    int64
	sourceDone bool

	carry    []byte
	carryPos int
	eof      bool
}

// Open opens path and returns a BlockReader over it with the given logical
// block size. The returned reader owns the file handle; Close releases it.
func Open(path string, blockSize int) (*BlockReader, error) {
	src, err := OpenFileSource(path)
	if err != nil {
		return nil, err
	}
	r, err := NewBlockReader(src, blockSize)
	if err != nil {
		src.Close()
		return nil, err
	}
	r.owned = src
	return r, nil
}

// NewBlockReader wraps an already-open ByteSource. The reader does not own
// src; the caller is responsible for closing it.
func NewBlockReader(src ByteSource, blockSize int) (*BlockReader, error) {
	size, err := src.Size()
	if err != nil {
		return nil, err
	}
	chunk := blockSize
	if chunk > maxDiskChunk {
		chunk = maxDiskChunk
	}
	if chunk < 1 {
		chunk = 1
	}
	r := &BlockReader{src: src, fileSize: size, chunk: chunk}
	r.startPrefetch(0)
	return r, nil
}

// Close releases the file handle if this reader opened it via Open.
func (r *BlockReader) Close() error {
	if r.owned != nil {
		return r.owned.Close()
	}
	return nil
}

// Size returns the total size of the backing file.
func (r *BlockReader) Size() int64 {
	return r.fileSize
}

// AtEOF reports whether the reader has been fully drained.
func (r *BlockReader) AtEOF() bool {
	return r.eof
}

func (r *BlockReader) startPrefetch(offset int64) {
	ch := make(chan prefetchResult, 1)
	r.ch = ch
	r.readOff = offset
	go func() {
		buf := make([]byte, r.chunk)
		n, err := r.src.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			ch <- prefetchResult{err: err}
			return
		}
		ch <- prefetchResult{data: buf[:n]}
	}()
}

// Seek repositions the logical cursor, discarding any carried-over bytes and
// abandoning the in-flight prefetch (its result, once it arrives, is simply
// never read).
func (r *BlockReader) Seek(offset int64) error {
	if offset < 0 || offset > r.fileSize {
		return errInvalidSeek
	}
	r.carry = nil
	r.carryPos = 0
	r.sourceDone = false
	r.eof = false
	r.startPrefetch(offset)
	return nil
}

var errInvalidSeek = errors.New("blockio: seek offset out of range")

func (r *BlockReader) available() []byte {
	return r.carry[r.carryPos:]
}

// fetchMore blocks for the in-flight prefetch result, appends its bytes to
// the carry buffer, and immediately starts the next prefetch.
func (r *BlockReader) fetchMore() error {
	if r.sourceDone {
		return nil
	}
	res := <-r.ch
	if res.err != nil {
		return res.err
	}
	if len(res.data) == 0 {
		r.sourceDone = true
		return nil
	}
	if r.carryPos > 0 {
		r.carry = append(r.carry[:0], r.carry[r.carryPos:]...)
		r.carryPos = 0
	}
	nextOffset := r.readOff + int64(len(res.data))
	r.carry = append(r.carry, res.data...)
	r.startPrefetch(nextOffset)
	return nil
}

// NextBlock fills buf with up to len(buf) bytes, looping across internal
// disk-chunk boundaries until buf is full or the source is exhausted. It
// returns false only when there is nothing left to read at all, and on every
// call after that.
//
// NextWholeBlock is an alias: both always deliver a fully, freshly filled
// window (short only for the file's final block), so there is no behavior
// left for a separate "whole block" guarantee to add once chunk boundaries
// are handled internally.
func (r *BlockReader) NextBlock(buf []byte) (int, bool, error) {
	return r.fill(buf)
}

// NextWholeBlock is equivalent to NextBlock; see its doc comment.
func (r *BlockReader) NextWholeBlock(buf []byte) (int, bool, error) {
	return r.fill(buf)
}

func (r *BlockReader) fill(buf []byte) (int, bool, error) {
	if r.eof {
		return 0, false, nil
	}
	got := 0
	for got < len(buf) {
		if len(r.available()) == 0 {
			if r.sourceDone {
				break
			}
			if err := r.fetchMore(); err != nil {
				return got, got > 0, err
			}
			continue
		}
		n := copy(buf[got:], r.available())
		r.carryPos += n
		got += n
	}
	if got == 0 {
		r.eof = true
		return 0, false, nil
	}
	if got < len(buf) && r.sourceDone && len(r.available()) == 0 {
		r.eof = true
	}
	return got, true, nil
}

// NextByte returns the next byte, or false at EOF.
func (r *BlockReader) NextByte() (byte, bool, error) {
	if r.eof {
		return 0, false, nil
	}
	for len(r.available()) == 0 {
		if r.sourceDone {
			r.eof = true
			return 0, false, nil
		}
		if err := r.fetchMore(); err != nil {
			return 0, false, err
		}
	}
	b := r.available()[0]
	r.carryPos++
	return b, true, nil
}
