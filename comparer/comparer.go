// Package comparer implements the file comparer: the state machine that
// matches a new file against an old file's signature table, producing a
// delta command list while concurrently building the new file's own
// signature table.
package comparer

import (
	"crypto/sha1"
	"sort"

	"nithronos/backupengine/blockio"
	"nithronos/backupengine/delta"
	"nithronos/backupengine/ringbuffer"
	"nithronos/backupengine/rollsum"
	"nithronos/backupengine/signature"
)

type state int

const (
	stateInitial state = iota
	stateMatching
	stateNonMatching
	stateFinal
)

// Result is the output of a completed Process: the command list against the
// old file, the new file's own freshly built signature table, and the old
// table's digest (echoed back for the caller's convenience).
type Result struct {
	Commands  *delta.CommandList
	NewTable  *signature.Table
	OldDigest [20]byte
}

// Comparer matches one new file against one old file's signature table. It
// is single-use: construct with New, call Process once.
type Comparer struct {
	newPath string
	old     *signature.Table

	src    *blockio.FileSource
	reader *blockio.BlockReader

	window   *ringbuffer.Buffer
	checksum rollsum.Checksum
	newOffset uint64
	oldOffset uint64
	commands  []delta.Command

	newBuf    []byte
	newBufLen int

	workCh  chan []byte
	doneCh  chan workerOutput
}

type workerOutput struct {
	entries []signature.Entry
	digest  [20]byte
}

// New constructs a Comparer for newPath against old's signature table.
func New(newPath string, old *signature.Table) (*Comparer, error) {
	src, err := blockio.OpenFileSource(newPath)
	if err != nil {
		return nil, err
	}
	reader, err := blockio.NewBlockReader(src, int(old.BlockSize))
	if err != nil {
		src.Close()
		return nil, err
	}
	newSize, err := src.Size()
	if err != nil {
		src.Close()
		return nil, err
	}
	newBufCap := signature.ChooseBlockSize(newSize)

	return &Comparer{
		newPath: newPath,
		old:     old,
		src:     src,
		reader:  reader,
		window:  ringbuffer.New(int(old.BlockSize)),
		newBuf:  make([]byte, newBufCap),
		workCh:  make(chan []byte, 4),
		doneCh:  make(chan workerOutput, 1),
	}, nil
}

// Process runs the state machine to completion, producing a Result. On
// failure the partial command list and signature table are discarded; the
// caller gets only the error.
func (c *Comparer) Process() (*Result, error) {
	defer c.src.Close()

	go c.signatureWorker()

	st := stateInitial
	var err error
	for st != stateFinal {
		switch st {
		case stateInitial:
			st, err = c.stepInitial()
		case stateMatching:
			st, err = c.stepMatching()
		case stateNonMatching:
			st, err = c.stepNonMatching()
		}
		if err != nil {
			c.shutdownWorker()
			return nil, err
		}
	}

	c.flushNewBuffer(true)
	out := c.shutdownWorker()

	newTable := &signature.Table{
		BlockSize: uint64(len(c.newBuf)),
		Entries:   out.entries,
		Digest:    out.digest,
	}
	return &Result{
		Commands:  &delta.CommandList{Commands: c.commands},
		NewTable:  newTable,
		OldDigest: c.old.Digest,
	}, nil
}

func (c *Comparer) shutdownWorker() workerOutput {
	c.workCh <- nil
	close(c.workCh)
	return <-c.doneCh
}

func (c *Comparer) signatureWorker() {
	var entries []signature.Entry
	digest := sha1.New()
	var offset uint64
	for buf := range c.workCh {
		if len(buf) == 0 {
			break
		}
		weak := rollsum.Compute(buf)
		strong := sha1.Sum(buf)
		entries = append(entries, signature.Entry{Weak: uint32(weak), Strong: strong, Offset: offset})
		digest.Write(buf)
		offset += uint64(len(buf))
	}
	sort.Slice(entries, func(i, j int) bool { return signature.Less(entries[i], entries[j]) })
	var d [20]byte
	copy(d[:], digest.Sum(nil))
	c.doneCh <- workerOutput{entries: entries, digest: d}
}

// addBytes feeds bytes arriving from the new file into the signature
// worker's fixed-capacity buffer, handing full buffers off as they fill.
func (c *Comparer) addBytes(buf []byte) {
	for len(buf) > 0 {
		n := copy(c.newBuf[c.newBufLen:], buf)
		c.newBufLen += n
		buf = buf[n:]
		if c.newBufLen == len(c.newBuf) {
			c.flushNewBuffer(false)
		}
	}
}

func (c *Comparer) flushNewBuffer(force bool) {
	if c.newBufLen == 0 {
		return
	}
	if !force && c.newBufLen < len(c.newBuf) {
		return
	}
	chunk := make([]byte, c.newBufLen)
	copy(chunk, c.newBuf[:c.newBufLen])
	c.workCh <- chunk
	c.newBufLen = 0
}

// readAnotherByte reads one byte from the new file (0, false at EOF) and
// feeds it to the signature worker.
func (c *Comparer) readAnotherByte() (byte, bool, error) {
	b, ok, err := c.reader.NextByte()
	if err != nil {
		return 0, false, err
	}
	if ok {
		c.addBytes([]byte{b})
	}
	return b, ok, nil
}

// readAnotherBlock reads one whole block from the new file into the
// matching window (replacing its prior contents) and feeds the block to the
// signature worker.
func (c *Comparer) readAnotherBlock() (bool, error) {
	buf := make([]byte, c.old.BlockSize)
	n, ok, err := c.reader.NextWholeBlock(buf)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	block := buf[:n]
	c.addBytes(block)
	c.window.ResetSize()
	c.window.PushBytes(block)
	return true, nil
}

func (c *Comparer) stepInitial() (state, error) {
	if err := c.reader.Seek(0); err != nil {
		return stateFinal, err
	}
	c.newOffset = 0
	c.oldOffset = 0
	ok, err := c.readAnotherBlock()
	if err != nil {
		return stateFinal, err
	}
	if !ok {
		return stateFinal, nil
	}
	c.checksum = rollsum.ComputeBuffer(c.window)
	if c.search(false, 0) {
		return stateMatching, nil
	}
	return stateNonMatching, nil
}

func (c *Comparer) stepMatching() (state, error) {
	for {
		c.commands = append(c.commands, delta.Command{Source: delta.OLD, Offset: c.oldOffset, Length: 0})
		idx := len(c.commands) - 1
		for {
			c.newOffset += c.old.BlockSize
			c.commands[idx].Length += uint64(c.window.Size())

			ok, err := c.readAnotherBlock()
			if err != nil {
				return stateFinal, err
			}
			if !ok {
				return stateFinal, nil
			}
			c.checksum = rollsum.ComputeBuffer(c.window)

			target := c.commands[idx].Offset + c.commands[idx].Length
			if !c.search(true, target) {
				return stateNonMatching, nil
			}
			if c.oldOffset != target {
				break
			}
		}
	}
}

func (c *Comparer) stepNonMatching() (state, error) {
	c.commands = append(c.commands, delta.Command{Source: delta.NEW, Offset: c.newOffset, Length: 0})
	idx := len(c.commands) - 1

	for {
		c.newOffset++
		c.commands[idx].Length++

		size := c.window.Size()
		popped := c.window.Pop()
		c.checksum = rollsum.Remove(c.checksum, popped, size)

		b, ok, err := c.readAnotherByte()
		if err != nil {
			return stateFinal, err
		}
		if ok {
			c.window.Push(b)
			c.checksum = rollsum.Add(c.checksum, b)
		} else if c.window.Size() == 0 {
			return stateFinal, nil
		}

		if c.search(false, 0) {
			return stateMatching, nil
		}
	}
}

// search implements the triple-search contract: weak-checksum range, then
// strong-hash range, then (if a target offset is supplied) an exact-offset
// match falling back to the range's first entry.
func (c *Comparer) search(targetValid bool, target uint64) bool {
	entries := c.old.Entries

	lo, hi := signature.WeakRange(entries, uint32(c.checksum))
	if lo == hi {
		return false
	}

	strong := sha1Buffer(c.window)
	slo, shi := signature.StrongRange(entries[lo:hi], strong)
	if slo == shi {
		return false
	}
	slo += lo
	shi += lo

	for {
		if !targetValid {
			c.oldOffset = entries[slo].Offset
			return true
		}
		if idx, ok := signature.FindOffset(entries[slo:shi], target); ok {
			c.oldOffset = entries[slo+idx].Offset
			return true
		}
		targetValid = false
	}
}

func sha1Buffer(buf *ringbuffer.Buffer) [20]byte {
	h := sha1.New()
	buf.ProcessWhole(func(p []byte) { h.Write(p) })
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
