package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nithronos/backupengine/catalog"
)

func TestWatcherSnapshotsOnSettle(t *testing.T) {
	root := t.TempDir()
	catDir := t.TempDir()

	cat, err := catalog.Open(catDir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	cfg := DefaultConfig(root)
	cfg.DebounceTime = 50 * time.Millisecond
	w, err := New(cfg, cat, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	target := filepath.Join(root, "watched.txt")
	if err := os.WriteFile(target, []byte("first version"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-w.Results():
		if res.Err != nil {
			t.Fatalf("snapshot on create failed: %v", res.Err)
		}
		if res.Version == nil || res.Version.VersionNumber != 0 {
			t.Fatalf("expected version 0 on first settle, got %+v", res.Version)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first snapshot")
	}

	if err := os.WriteFile(target, []byte("second, longer version"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-w.Results():
		if res.Err != nil {
			t.Fatalf("snapshot on write failed: %v", res.Err)
		}
		if res.Version == nil || res.Version.VersionNumber != 1 {
			t.Fatalf("expected version 1 on second settle, got %+v", res.Version)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second snapshot")
	}
}

func TestWatcherIgnoresExcludedFiles(t *testing.T) {
	root := t.TempDir()
	catDir := t.TempDir()

	cat, err := catalog.Open(catDir)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	cfg := DefaultConfig(root)
	cfg.DebounceTime = 30 * time.Millisecond
	w, err := New(cfg, cat, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-w.Results():
		t.Fatalf("expected no snapshot for an excluded file, got %+v", res)
	case <-time.After(300 * time.Millisecond):
		// expected: nothing settled
	}
}
