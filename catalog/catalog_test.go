package catalog

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func writeSource(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	cat, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestSnapshotRootVersion(t *testing.T) {
	cat := openTestCatalog(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "source.bin")
	content := bytes.Repeat([]byte("hello world "), 1000)
	writeSource(t, src, content)

	lineageID, err := cat.CreateLineage(src)
	if err != nil {
		t.Fatal(err)
	}

	v0, err := cat.Snapshot(lineageID, src)
	if err != nil {
		t.Fatal(err)
	}
	if v0.VersionNumber != 0 {
		t.Fatalf("VersionNumber = %d, want 0", v0.VersionNumber)
	}
	if v0.ParentVersion != -1 {
		t.Fatalf("ParentVersion = %d, want -1", v0.ParentVersion)
	}
	if v0.LogicalSize != uint64(len(content)) {
		t.Fatalf("LogicalSize = %d, want %d", v0.LogicalSize, len(content))
	}

	var out bytes.Buffer
	if err := cat.Materialize(lineageID, 0, &out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatal("materialized root version does not match source content")
	}

	ok, err := cat.Verify(lineageID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Verify reported a digest mismatch for an untouched root version")
	}
}

func TestSnapshotChainAndMaterializeEachVersion(t *testing.T) {
	cat := openTestCatalog(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "source.bin")

	rng := rand.New(rand.NewSource(11))
	v0 := make([]byte, 200000)
	rng.Read(v0)
	v1 := append([]byte(nil), v0...)
	rng.Read(v1[:8192])
	v2 := append([]byte(nil), v1...)
	v2 = append(v2, bytes.Repeat([]byte{'Z'}, 4096)...)

	writeSource(t, src, v0)
	lineageID, err := cat.CreateLineage(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Snapshot(lineageID, src); err != nil {
		t.Fatal(err)
	}

	writeSource(t, src, v1)
	if _, err := cat.Snapshot(lineageID, src); err != nil {
		t.Fatal(err)
	}

	writeSource(t, src, v2)
	if _, err := cat.Snapshot(lineageID, src); err != nil {
		t.Fatal(err)
	}

	versions, err := cat.ListVersions(lineageID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 {
		t.Fatalf("got %d versions, want 3", len(versions))
	}

	for i, want := range [][]byte{v0, v1, v2} {
		var out bytes.Buffer
		if err := cat.Materialize(lineageID, i, &out); err != nil {
			t.Fatalf("materialize version %d: %v", i, err)
		}
		if !bytes.Equal(out.Bytes(), want) {
			t.Fatalf("version %d materialized %d bytes, want match with %d-byte source", i, out.Len(), len(want))
		}
		ok, err := cat.Verify(lineageID, i)
		if err != nil {
			t.Fatalf("verify version %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("version %d failed digest verification", i)
		}
	}
}

func TestReconstructPlanCoversWholeVersion(t *testing.T) {
	cat := openTestCatalog(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "source.bin")

	rng := rand.New(rand.NewSource(3))
	v0 := make([]byte, 50000)
	rng.Read(v0)
	v1 := append([]byte(nil), v0...)
	rng.Read(v1[10000:10500])

	writeSource(t, src, v0)
	lineageID, err := cat.CreateLineage(src)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.Snapshot(lineageID, src); err != nil {
		t.Fatal(err)
	}
	writeSource(t, src, v1)
	v1Info, err := cat.Snapshot(lineageID, src)
	if err != nil {
		t.Fatal(err)
	}

	parts, err := cat.ReconstructPlan(lineageID, 1)
	if err != nil {
		t.Fatal(err)
	}
	var coverage uint64
	for _, p := range parts {
		if p.Size == 0 {
			t.Fatal("zero-size reconstructed part")
		}
		coverage += p.Size
	}
	if coverage != v1Info.LogicalSize {
		t.Fatalf("reconstructed parts cover %d bytes, want %d", coverage, v1Info.LogicalSize)
	}
}

func TestLineageForPathIsStable(t *testing.T) {
	cat := openTestCatalog(t)
	first, err := cat.LineageForPath("/data/report.docx")
	if err != nil {
		t.Fatal(err)
	}
	second, err := cat.LineageForPath("/data/report.docx")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("LineageForPath returned %s then %s for the same path", first, second)
	}
	other, err := cat.LineageForPath("/data/other.docx")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Fatal("distinct paths must not share a lineage")
	}
}

func TestVerifyAllReportsEachLineage(t *testing.T) {
	cat := openTestCatalog(t)
	dir := t.TempDir()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		src := filepath.Join(dir, "f"+string(rune('a'+i)))
		writeSource(t, src, bytes.Repeat([]byte{byte('A' + i)}, 4096))
		id, err := cat.CreateLineage(src)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := cat.Snapshot(id, src); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	results, err := cat.VerifyAll(context.Background(), ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("lineage %s: %v", r.LineageID, r.Err)
		}
		if !r.OK {
			t.Fatalf("lineage %s failed verification", r.LineageID)
		}
	}
}

func TestPruneKeepsRootAndRecentVersions(t *testing.T) {
	cat := openTestCatalog(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "source.bin")

	rng := rand.New(rand.NewSource(5))
	content := make([]byte, 20000)
	rng.Read(content)
	writeSource(t, src, content)
	lineageID, err := cat.CreateLineage(src)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		rng.Read(content[i*1000 : i*1000+500])
		writeSource(t, src, content)
		if _, err := cat.Snapshot(lineageID, src); err != nil {
			t.Fatal(err)
		}
	}

	if err := cat.Prune(lineageID, 2); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := cat.Materialize(lineageID, 4, &out); err != nil {
		t.Fatalf("materialize latest version after prune: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatal("latest version no longer materializes correctly after prune")
	}
}
