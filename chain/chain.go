// Package chain implements the version-chain stream layer: Normal, Sparse,
// and ChainLink streams that share one seek/read/eof/reconstructSection
// contract, and the reconstruction planner that walks them down to
// terminal, physical-file reads.
package chain

import (
	"io"
	"sort"

	"nithronos/backupengine/bkerr"
	"nithronos/backupengine/blockio"
	"nithronos/backupengine/delta"
)

// ReconstructedPart is a terminal descriptor: size bytes at offsetInSource
// within the Normal file identified by sourceID.
type ReconstructedPart struct {
	SourceID       uint64
	OffsetInSource uint64
	Size           uint64
}

// Stream is the uniform contract every version-chain stream kind satisfies.
type Stream interface {
	// Seek positions the logical cursor at virtual offset v. It fails with
	// bkerr.ErrInvalidOffset if v falls in an uncovered hole.
	Seek(v uint64) error
	// Read fills p from the current cursor, advancing it. It follows
	// io.Reader conventions: io.EOF is a legitimate end, not a failure.
	Read(p []byte) (int, error)
	// EOF reports whether the stream has been read to its end.
	EOF() bool
	// UniqueID identifies the backing Normal file, or the ChainLink
	// sentinel ^uint64(0) if there is no single backing file.
	UniqueID() uint64
	// Version is the stream's distance from its Normal root.
	Version() uint64
	// ReconstructSection resolves a virtual byte range into a list of
	// terminal parts whose concatenation equals that range's bytes.
	ReconstructSection(v, size uint64) ([]ReconstructedPart, error)
}

// NormalStream is a direct view over a physical file: version 0, its own
// unique ID, reads are exactly the file's bytes.
type NormalStream struct {
	src      blockio.ByteSource
	owned    *blockio.FileSource
	uniqueID uint64
	size     int64
	pos      int64
}

// NewNormal opens path as a Normal stream identified by uniqueID.
func NewNormal(path string, uniqueID uint64) (*NormalStream, error) {
	src, err := blockio.OpenFileSource(path)
	if err != nil {
		return nil, err
	}
	size, err := src.Size()
	if err != nil {
		src.Close()
		return nil, err
	}
	return &NormalStream{src: src, owned: src, uniqueID: uniqueID, size: size}, nil
}

// Close releases the underlying file handle.
func (n *NormalStream) Close() error {
	if n.owned != nil {
		return n.owned.Close()
	}
	return nil
}

func (n *NormalStream) Seek(v uint64) error {
	if int64(v) > n.size {
		return bkerr.ErrInvalidOffset
	}
	n.pos = int64(v)
	return nil
}

func (n *NormalStream) Read(p []byte) (int, error) {
	if n.pos >= n.size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if n.pos+want > n.size {
		want = n.size - n.pos
	}
	read, err := n.src.ReadAt(p[:want], n.pos)
	n.pos += int64(read)
	if err != nil && err != io.EOF {
		return read, err
	}
	if n.pos >= n.size {
		return read, io.EOF
	}
	return read, nil
}

func (n *NormalStream) EOF() bool { return n.pos >= n.size }

func (n *NormalStream) UniqueID() uint64 { return n.uniqueID }

func (n *NormalStream) Version() uint64 { return 0 }

func (n *NormalStream) ReconstructSection(v, size uint64) ([]ReconstructedPart, error) {
	if int64(v+size) > n.size {
		return nil, bkerr.ErrInvalidOffset
	}
	return []ReconstructedPart{{SourceID: n.uniqueID, OffsetInSource: v, Size: size}}, nil
}

// span is a contiguous virtual-offset-addressed range shared by Sparse and
// ChainLink parts; findSpan binary-searches it by virtual offset.
type span struct {
	virtualOffset uint64
	size          uint64
}

// findSpan returns the index of the part containing v, per §4.7: the
// unique part p with p.virtualOffset <= v < p.virtualOffset+p.size, found
// by locating the first part starting after v and stepping back one.
// Every call site consistently measures from the start of the slice (not
// from its end), resolving the inconsistency the source exhibited.
func findSpan(spans []span, v uint64) (int, bool) {
	idx := sort.Search(len(spans), func(i int) bool { return spans[i].virtualOffset > v })
	if idx == 0 {
		return -1, false
	}
	idx--
	s := spans[idx]
	if v < s.virtualOffset || v >= s.virtualOffset+s.size {
		return -1, false
	}
	return idx, true
}

// SparseStream is a view over a physical file in which only the OLD-sourced
// spans of a command list are materialized; seeking into a gap fails.
type SparseStream struct {
	src      blockio.ByteSource
	owned    *blockio.FileSource
	uniqueID uint64

	physicalOffsets []uint64 // parallel to spans, by part index
	spans           []span
	current         int
	offset          uint64
}

// NewSparse opens path (the backing OLD file) as a Sparse stream over the
// OLD-sourced spans of commands.
func NewSparse(path string, uniqueID uint64, commands []delta.Command) (*SparseStream, error) {
	src, err := blockio.OpenFileSource(path)
	if err != nil {
		return nil, err
	}
	phys, spans := buildSparseSpans(commands)
	s := &SparseStream{src: src, owned: src, uniqueID: uniqueID, physicalOffsets: phys, spans: spans}
	if len(spans) > 0 {
		s.offset = spans[0].virtualOffset
	}
	return s, nil
}

func buildSparseSpans(commands []delta.Command) ([]uint64, []span) {
	var phys []uint64
	var spans []span
	var running uint64
	for _, c := range commands {
		if c.Source == delta.OLD {
			phys = append(phys, c.Offset)
			spans = append(spans, span{virtualOffset: running, size: c.Length})
		}
		running += c.Length
	}
	return phys, spans
}

// Close releases the underlying file handle.
func (s *SparseStream) Close() error {
	if s.owned != nil {
		return s.owned.Close()
	}
	return nil
}

func (s *SparseStream) Seek(v uint64) error {
	idx, ok := findSpan(s.spans, v)
	if !ok {
		return bkerr.ErrInvalidOffset
	}
	s.current = idx
	s.offset = v
	return nil
}

func (s *SparseStream) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if s.current >= len(s.spans) {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		sp := s.spans[s.current]
		within := s.offset - sp.virtualOffset
		remaining := sp.size - within
		want := uint64(len(p) - total)
		if want > remaining {
			want = remaining
		}
		physOff := int64(s.physicalOffsets[s.current] + within)
		n, err := s.src.ReadAt(p[total:total+int(want)], physOff)
		total += n
		s.offset += uint64(n)
		if err != nil && err != io.EOF {
			return total, err
		}
		if uint64(n) < want {
			return total, io.EOF
		}
		if s.offset == sp.virtualOffset+sp.size {
			s.current++
			if s.current < len(s.spans) {
				s.offset = s.spans[s.current].virtualOffset
			}
		}
	}
	return total, nil
}

func (s *SparseStream) EOF() bool { return s.current >= len(s.spans) }

func (s *SparseStream) UniqueID() uint64 { return s.uniqueID }

func (s *SparseStream) Version() uint64 { return 0 }

func (s *SparseStream) ReconstructSection(v, size uint64) ([]ReconstructedPart, error) {
	var out []ReconstructedPart
	for size > 0 {
		idx, ok := findSpan(s.spans, v)
		if !ok {
			return nil, bkerr.ErrInvalidOffset
		}
		sp := s.spans[idx]
		within := v - sp.virtualOffset
		avail := sp.size - within
		take := size
		if take > avail {
			take = avail
		}
		out = append(out, ReconstructedPart{
			SourceID:       s.uniqueID,
			OffsetInSource: s.physicalOffsets[idx] + within,
			Size:           take,
		})
		v += take
		size -= take
	}
	return out, nil
}

// ChainLinkStream represents one version of a file as its predecessor
// stream plus a command list: OLD spans delegate to old, NEW spans
// delegate to new. Its unique ID is the sentinel ^uint64(0): there is no
// single backing file.
type ChainLinkStream struct {
	old Stream
	new Stream

	physicalOffsets []uint64
	useNew          []bool
	spans           []span
	current         int
	offset          uint64
}

// NewChainLink builds the chain link old -> new described by commands.
// Call Seek (for example Seek(0)) before the first Read: Seek positions the
// child that backs the target offset, and Read re-seeks each child as it
// crosses into the next part, but Read does not position the first part's
// child on its own.
func NewChainLink(old, new_ Stream, commands []delta.Command) *ChainLinkStream {
	var phys []uint64
	var useNew []bool
	var spans []span
	var running uint64
	for _, c := range commands {
		phys = append(phys, c.Offset)
		useNew = append(useNew, c.Source == delta.NEW)
		spans = append(spans, span{virtualOffset: running, size: c.Length})
		running += c.Length
	}
	return &ChainLinkStream{old: old, new: new_, physicalOffsets: phys, useNew: useNew, spans: spans}
}

func (c *ChainLinkStream) childAt(idx int) Stream {
	if c.useNew[idx] {
		return c.new
	}
	return c.old
}

func (c *ChainLinkStream) Seek(v uint64) error {
	idx, ok := findSpan(c.spans, v)
	if !ok {
		return bkerr.ErrInvalidOffset
	}
	sp := c.spans[idx]
	physOffset := c.physicalOffsets[idx] + (v - sp.virtualOffset)
	if err := c.childAt(idx).Seek(physOffset); err != nil {
		return err
	}
	c.current = idx
	c.offset = v
	return nil
}

func (c *ChainLinkStream) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if c.current >= len(c.spans) {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		sp := c.spans[c.current]
		within := c.offset - sp.virtualOffset
		remaining := sp.size - within
		want := uint64(len(p) - total)
		if want > remaining {
			want = remaining
		}
		n, err := c.childAt(c.current).Read(p[total : total+int(want)])
		total += n
		c.offset += uint64(n)
		if err != nil && err != io.EOF {
			return total, err
		}
		if uint64(n) < want {
			return total, io.EOF
		}
		if c.offset == sp.virtualOffset+sp.size {
			c.current++
			if c.current < len(c.spans) {
				next := c.spans[c.current]
				if err := c.childAt(c.current).Seek(c.physicalOffsets[c.current]); err != nil {
					return total, err
				}
				c.offset = next.virtualOffset
			}
		}
	}
	return total, nil
}

func (c *ChainLinkStream) EOF() bool { return c.current >= len(c.spans) }

func (c *ChainLinkStream) UniqueID() uint64 { return ^uint64(0) }

func (c *ChainLinkStream) Version() uint64 { return c.old.Version() + 1 }

func (c *ChainLinkStream) ReconstructSection(v, size uint64) ([]ReconstructedPart, error) {
	var out []ReconstructedPart
	for size > 0 {
		idx, ok := findSpan(c.spans, v)
		if !ok {
			return nil, bkerr.ErrInvalidOffset
		}
		sp := c.spans[idx]
		within := v - sp.virtualOffset
		avail := sp.size - within
		take := size
		if take > avail {
			take = avail
		}
		physOffset := c.physicalOffsets[idx] + within
		sub, err := c.childAt(idx).ReconstructSection(physOffset, take)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
		v += take
		size -= take
	}
	return out, nil
}
