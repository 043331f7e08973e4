// Package blockio supplies the core's only external I/O surface: a
// random-access byte source, a sequential byte sink, and an asynchronously
// prefetching block reader built on top of a source.
package blockio

import (
	"errors"
	"io"
	"os"

	"nithronos/backupengine/bkerr"
)

// ByteSource is a random-access, sized byte source. *FileSource satisfies
// it; so does anything else exposing io.ReaderAt plus a size.
type ByteSource interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() (int64, error)
}

// ByteSink is a sequential, flushable byte sink.
type ByteSink interface {
	Write(p []byte) (int, error)
	Flush() error
}

// FileSource is an os.File-backed ByteSource.
type FileSource struct {
	path string
	f    *os.File
}

// OpenFileSource opens path for random-access reading.
func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, bkerr.NewIoError(path, err)
	}
	return &FileSource{path: path, f: f}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, bkerr.NewIoError(s.path, err)
	}
	return n, err
}

// Size returns the current file size.
func (s *FileSource) Size() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, bkerr.NewIoError(s.path, err)
	}
	return fi.Size(), nil
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// FileSink is an os.File-backed ByteSink that creates or truncates path.
type FileSink struct {
	path string
	f    *os.File
}

// CreateFileSink creates (or truncates) path for sequential writing.
func CreateFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, bkerr.NewIoError(path, err)
	}
	return &FileSink{path: path, f: f}, nil
}

func (s *FileSink) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	if err != nil {
		return n, bkerr.NewIoError(s.path, err)
	}
	return n, nil
}

// Flush syncs buffered writes to stable storage.
func (s *FileSink) Flush() error {
	if err := s.f.Sync(); err != nil {
		return bkerr.NewIoError(s.path, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	return s.f.Close()
}
