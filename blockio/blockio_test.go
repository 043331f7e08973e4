package blockio

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileSourceReadAtAndSize(t *testing.T) {
	content := []byte("hello, world")
	path := writeTempFile(t, content)
	src, err := OpenFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	size, err := src.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(content)) {
		t.Fatalf("size = %d, want %d", size, len(content))
	}

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || string(buf) != "world" {
		t.Fatalf("ReadAt(off=7) = %q, want %q", buf[:n], "world")
	}
}

func TestBlockReaderNextBlockCoversWholeFile(t *testing.T) {
	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i)
	}
	path := writeTempFile(t, content)
	src, err := OpenFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	reader, err := NewBlockReader(src, 1500)
	if err != nil {
		t.Fatal(err)
	}

	var got []byte
	buf := make([]byte, 1500)
	for {
		n, ok, err := reader.NextBlock(buf)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, buf[:n]...)
	}
	if len(got) != len(content) {
		t.Fatalf("read %d bytes total, want %d", len(got), len(content))
	}
	for i := range content {
		if got[i] != content[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], content[i])
		}
	}
	if !reader.AtEOF() {
		t.Fatal("expected AtEOF after draining the file")
	}
}

func TestBlockReaderSeekRestartsAtOffset(t *testing.T) {
	content := []byte("0123456789abcdefghij")
	path := writeTempFile(t, content)
	src, err := OpenFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	reader, err := NewBlockReader(src, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := reader.Seek(10); err != nil {
		t.Fatal(err)
	}
	b, ok, err := reader.NextByte()
	if err != nil || !ok {
		t.Fatalf("NextByte after seek: ok=%v err=%v", ok, err)
	}
	if b != content[10] {
		t.Fatalf("byte after Seek(10) = %q, want %q", b, content[10])
	}
}

func TestBlockReaderNextByteToEOF(t *testing.T) {
	content := []byte("xyz")
	path := writeTempFile(t, content)
	src, err := OpenFileSource(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	reader, err := NewBlockReader(src, 2)
	if err != nil {
		t.Fatal(err)
	}
	var got []byte
	for {
		b, ok, err := reader.NextByte()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, b)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}
