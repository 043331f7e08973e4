// Package rollsum implements the weak rolling checksum used to find
// candidate block matches cheaply before confirming them with a strong hash.
// It is deliberately not hash/adler32: that stdlib implementation's modulus
// and accumulation order differ from the construction here, and the point of
// this package is the exact incrementally-invertible a/b update the file
// comparer's sliding window depends on, not an approximation of it.
package rollsum

import "nithronos/backupengine/ringbuffer"

// Checksum is the 32-bit rolling checksum: the low 16 bits hold the simple
// sum (a), the high 16 bits hold the weighted sum (b).
type Checksum uint32

const mask = 0xFFFF

// Compute computes the checksum of data from scratch.
//
//	a = (sum of b_i) mod 2^16
//	b = (sum of (n-i+1)*b_i) mod 2^16, for i = 0..n-1
func Compute(data []byte) Checksum {
	n := len(data)
	var a, b uint32
	for i, x := range data {
		k := uint32(x)
		a = (a + k) & mask
		b = (b + k*uint32(n-i+1)) & mask
	}
	return Checksum(a | (b << 16))
}

// ComputeBuffer computes the checksum of the logical contents of buf, in
// oldest-to-newest order, without requiring the caller to flatten it first.
func ComputeBuffer(buf *ringbuffer.Buffer) Checksum {
	n := buf.Size()
	var a, b uint32
	i := 0
	buf.ProcessWhole(func(piece []byte) {
		for _, x := range piece {
			k := uint32(x)
			a = (a + k) & mask
			b = (b + k*uint32(n-i+1)) & mask
			i++
		}
	})
	return Checksum(a | (b << 16))
}

func split(c Checksum) (a, b uint32) {
	return uint32(c) & mask, (uint32(c) >> 16) & mask
}

func join(a, b uint32) Checksum {
	return Checksum((a & mask) | ((b & mask) << 16))
}

// Remove updates prev to account for the oldest byte (b0) leaving a window
// that held n bytes before the removal.
//
//	a' = (a - b0) mod 2^16
//	b' = (b - (n+1)*b0) mod 2^16
func Remove(prev Checksum, b0 byte, n int) Checksum {
	a, b := split(prev)
	a = (a - uint32(b0)) & mask
	b = (b - uint32(n+1)*uint32(b0)) & mask
	return join(a, b)
}

// Add updates prev (which must already have had the departing byte removed)
// to account for a new byte x entering the window.
//
//	a'' = (a' + x) mod 2^16
//	b'' = (b' + a'' + x) mod 2^16
func Add(prev Checksum, x byte) Checksum {
	a, b := split(prev)
	a = (a + uint32(x)) & mask
	b = (b + a + uint32(x)) & mask
	return join(a, b)
}
