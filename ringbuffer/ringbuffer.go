// Package ringbuffer implements a fixed-capacity circular byte buffer: the
// sliding window the file comparer keeps over one block's worth of bytes.
package ringbuffer

// Buffer is a circular byte buffer of fixed capacity. Once constructed its
// capacity never changes; size grows and shrinks between 0 and capacity as
// bytes are pushed and popped.
type Buffer struct {
	data  []byte
	start int
	size  int
}

// New returns a buffer with the given capacity, initially full (size ==
// capacity) of indeterminate bytes, matching the constructor behavior of the
// circular buffer this type replaces.
func New(capacity int) *Buffer {
	return &Buffer{
		data:  make([]byte, capacity),
		start: 0,
		size:  capacity,
	}
}

// Capacity returns the fixed maximum number of bytes the buffer can hold.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Size returns the number of bytes currently held.
func (b *Buffer) Size() int {
	return b.size
}

// Push appends one byte if the buffer is not full. It reports whether the
// byte was accepted.
func (b *Buffer) Push(x byte) bool {
	if b.size == len(b.data) {
		return false
	}
	pos := (b.start + b.size) % len(b.data)
	b.data[pos] = x
	b.size++
	return true
}

// Pop removes and returns the oldest byte. It returns 0 if the buffer is
// empty; callers that care must check Size first.
func (b *Buffer) Pop() byte {
	if b.size == 0 {
		return 0
	}
	x := b.data[b.start]
	b.start = (b.start + 1) % len(b.data)
	b.size--
	return x
}

// At returns the i-th byte counted from the oldest (i == 0) to the newest
// (i == Size()-1). The index must be in range.
func (b *Buffer) At(i int) byte {
	return b.data[(b.start+i)%len(b.data)]
}

// SinglePiece reports whether the held bytes form one contiguous run in the
// backing array, i.e. whether they don't wrap around the end.
func (b *Buffer) SinglePiece() bool {
	return b.start+b.size <= len(b.data)
}

// ProcessWhole invokes f once for each contiguous piece of the held bytes, in
// logical (oldest-to-newest) order: once if SinglePiece, twice if the data
// wraps. f must not retain the slices it is given; they alias the buffer.
func (b *Buffer) ProcessWhole(f func(piece []byte)) {
	if b.size == 0 {
		return
	}
	if b.SinglePiece() {
		f(b.data[b.start : b.start+b.size])
		return
	}
	first := len(b.data) - b.start
	f(b.data[b.start:])
	f(b.data[:b.size-first])
}

// PushBytes copies as many bytes from src as fit in the remaining capacity,
// in order, and reports how many were actually pushed.
func (b *Buffer) PushBytes(src []byte) int {
	n := len(src)
	if room := len(b.data) - b.size; n > room {
		n = room
	}
	if n == 0 {
		return 0
	}
	pos := (b.start + b.size) % len(b.data)
	if pos+n <= len(b.data) {
		copy(b.data[pos:pos+n], src[:n])
	} else {
		k := len(b.data) - pos
		copy(b.data[pos:], src[:k])
		copy(b.data[:n-k], src[k:n])
	}
	b.size += n
	return n
}

// PopBytes copies up to len(dst) of the oldest held bytes into dst, removing
// them, and reports how many were copied.
func (b *Buffer) PopBytes(dst []byte) int {
	want := len(dst)
	if want > b.size {
		want = b.size
	}
	got := 0
	b.ProcessWhole(func(piece []byte) {
		if got >= want {
			return
		}
		k := len(piece)
		if got+k > want {
			k = want - got
		}
		copy(dst[got:got+k], piece[:k])
		got += k
	})
	b.start = (b.start + got) % len(b.data)
	b.size -= got
	return got
}

// PopInto moves as many bytes as possible from b into other, limited by
// other's remaining capacity, and reports how many bytes moved.
func (b *Buffer) PopInto(other *Buffer) int {
	before := other.size
	b.ProcessWhole(func(piece []byte) {
		other.PushBytes(piece)
	})
	moved := other.size - before
	b.start = (b.start + moved) % len(b.data)
	b.size -= moved
	return moved
}

// ResetSize empties the buffer without reallocating, keeping its capacity.
func (b *Buffer) ResetSize() {
	b.size = 0
}

// Reset marks the buffer as full again starting at offset 0, matching the
// post-construction state. Existing contents are not cleared, only the
// bookkeeping.
func (b *Buffer) Reset() {
	b.start = 0
	b.size = len(b.data)
}

// Realloc changes the buffer's capacity and empties it.
func (b *Buffer) Realloc(capacity int) {
	b.data = make([]byte, capacity)
	b.start = 0
	b.size = 0
}

// Trim shrinks size down to n, discarding the newest bytes beyond it. It is
// a no-op if n >= Size().
func (b *Buffer) Trim(n int) {
	if n < b.size {
		b.size = n
	}
}
