// Package catalog provides the local SQLite-backed version catalog: the
// durable record of every lineage and the version chain backing it, and the
// snapshot/materialize/reconstruct operations built on top of the chain and
// comparer packages.
package catalog

import (
	"bytes"
	"context"
	"crypto/sha1"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"nithronos/backupengine/blockio"
	"nithronos/backupengine/chain"
	"nithronos/backupengine/comparer"
	"nithronos/backupengine/delta"
	"nithronos/backupengine/signature"
)

// Catalog is the local database of lineages and their version chains, plus
// the on-disk literal stores backing each version.
type Catalog struct {
	db      *sql.DB
	repoDir string
}

// Lineage identifies one tracked source path and its chain of versions.
type Lineage struct {
	ID         uuid.UUID
	SourcePath string
	CreatedAt  time.Time
}

// VersionInfo is the catalog's record of one version in a lineage.
type VersionInfo struct {
	LineageID     uuid.UUID
	VersionNumber int
	UniqueID      uint64
	ParentVersion int // -1 for the root version
	BlockSize     uint64
	Digest        [20]byte
	LiteralPath   string
	LogicalSize   uint64
	CommandList   []byte // nil for the root version
	SignatureBlob []byte
	CreatedAt     time.Time
}

// Open opens or creates the catalog database and literal store under dir.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}
	return OpenPath(filepath.Join(dir, "catalog.db"), dir)
}

// OpenPath opens the catalog database at a specific path, storing literal
// version content under repoDir.
func OpenPath(dbPath, repoDir string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	cat := &Catalog{db: db, repoDir: repoDir}
	if err := cat.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate catalog database: %w", err)
	}
	return cat, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lineages (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS versions (
		lineage_id TEXT NOT NULL,
		version_number INTEGER NOT NULL,
		unique_id INTEGER NOT NULL,
		parent_version INTEGER NOT NULL,
		block_size INTEGER NOT NULL,
		digest BLOB NOT NULL,
		literal_path TEXT NOT NULL,
		logical_size INTEGER NOT NULL,
		command_list BLOB,
		signature_blob BLOB,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (lineage_id, version_number)
	);

	CREATE INDEX IF NOT EXISTS idx_versions_lineage ON versions(lineage_id, version_number);
	`
	_, err := c.db.Exec(schema)
	return err
}

// CreateLineage registers a new lineage tracking sourcePath.
func (c *Catalog) CreateLineage(sourcePath string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := c.db.Exec(
		`INSERT INTO lineages (id, source_path) VALUES (?, ?)`,
		id.String(), sourcePath,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create lineage: %w", err)
	}
	return id, nil
}

// GetLineage retrieves a lineage by ID.
func (c *Catalog) GetLineage(id uuid.UUID) (*Lineage, error) {
	var l Lineage
	var idStr string
	err := c.db.QueryRow(`SELECT id, source_path, created_at FROM lineages WHERE id = ?`, id.String()).
		Scan(&idStr, &l.SourcePath, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLineages returns every registered lineage.
func (c *Catalog) ListLineages() ([]Lineage, error) {
	rows, err := c.db.Query(`SELECT id, source_path, created_at FROM lineages ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lineage
	for rows.Next() {
		var l Lineage
		var idStr string
		if err := rows.Scan(&idStr, &l.SourcePath, &l.CreatedAt); err != nil {
			return nil, err
		}
		if l.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LineageForPath returns the lineage tracking sourcePath, creating one if
// this is the first time the path has been seen.
func (c *Catalog) LineageForPath(sourcePath string) (uuid.UUID, error) {
	var idStr string
	err := c.db.QueryRow(`SELECT id FROM lineages WHERE source_path = ?`, sourcePath).Scan(&idStr)
	if err == nil {
		return uuid.Parse(idStr)
	}
	if err != sql.ErrNoRows {
		return uuid.Nil, err
	}
	return c.CreateLineage(sourcePath)
}

// latestVersion returns the highest version number recorded for lineageID,
// or -1 if none exists yet.
func (c *Catalog) latestVersion(lineageID uuid.UUID) (int, error) {
	var n sql.NullInt64
	err := c.db.QueryRow(
		`SELECT MAX(version_number) FROM versions WHERE lineage_id = ?`, lineageID.String(),
	).Scan(&n)
	if err != nil {
		return -1, err
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// rootVersion returns the lowest version number still recorded for
// lineageID, or -1 if none exists. Prune rebases this forward over time, so
// it is not always 0.
func (c *Catalog) rootVersion(lineageID uuid.UUID) (int, error) {
	var n sql.NullInt64
	err := c.db.QueryRow(
		`SELECT MIN(version_number) FROM versions WHERE lineage_id = ?`, lineageID.String(),
	).Scan(&n)
	if err != nil {
		return -1, err
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// GetVersion retrieves one version's catalog row.
func (c *Catalog) GetVersion(lineageID uuid.UUID, versionNumber int) (*VersionInfo, error) {
	var v VersionInfo
	var digest []byte
	var idStr string
	err := c.db.QueryRow(
		`SELECT lineage_id, version_number, unique_id, parent_version, block_size, digest,
		        literal_path, logical_size, command_list, signature_blob, created_at
		 FROM versions WHERE lineage_id = ? AND version_number = ?`,
		lineageID.String(), versionNumber,
	).Scan(
		&idStr, &v.VersionNumber, &v.UniqueID, &v.ParentVersion, &v.BlockSize, &digest,
		&v.LiteralPath, &v.LogicalSize, &v.CommandList, &v.SignatureBlob, &v.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.LineageID = lineageID
	copy(v.Digest[:], digest)
	return &v, nil
}

// ListVersions returns every version still recorded for a lineage, in
// ascending order. After a Prune, this may start above version 0: the
// surviving root is whichever version Prune last rebased onto.
func (c *Catalog) ListVersions(lineageID uuid.UUID) ([]VersionInfo, error) {
	root, err := c.rootVersion(lineageID)
	if err != nil {
		return nil, err
	}
	latest, err := c.latestVersion(lineageID)
	if err != nil {
		return nil, err
	}
	var out []VersionInfo
	for i := root; i <= latest; i++ {
		v, err := c.GetVersion(lineageID, i)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("catalog gap: lineage %s is missing version %d", lineageID, i)
		}
		out = append(out, *v)
	}
	return out, nil
}

func (c *Catalog) versionDir(lineageID uuid.UUID) string {
	return filepath.Join(c.repoDir, "versions", lineageID.String())
}

// Snapshot takes the next version of a lineage from the current contents of
// sourcePath: the first snapshot stores a full copy, every later one runs
// the comparer against the prior version's signature table and stores only
// the literal bytes the comparer attributes to NEW.
func (c *Catalog) Snapshot(lineageID uuid.UUID, sourcePath string) (*VersionInfo, error) {
	latest, err := c.latestVersion(lineageID)
	if err != nil {
		return nil, err
	}

	dir := c.versionDir(lineageID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create version directory: %w", err)
	}

	nextVersion := latest + 1
	literalPath := filepath.Join(dir, fmt.Sprintf("v%d.literal", nextVersion))
	uniqueID := uuid.New().ID() // first 32 bits of a fresh random UUID, unique enough within one lineage's chain

	if latest < 0 {
		return c.snapshotRoot(lineageID, sourcePath, literalPath, uint64(uniqueID))
	}

	prev, err := c.GetVersion(lineageID, latest)
	if err != nil {
		return nil, err
	}
	oldEntries, err := signature.Decode(prev.SignatureBlob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode prior signature table: %w", err)
	}
	oldTable := &signature.Table{BlockSize: prev.BlockSize, Entries: oldEntries, Digest: prev.Digest}

	cmp, err := comparer.New(sourcePath, oldTable)
	if err != nil {
		return nil, err
	}
	result, err := cmp.Process()
	if err != nil {
		return nil, err
	}

	rewritten, logicalSize, err := writeLiteralStore(literalPath, sourcePath, result.Commands.Commands)
	if err != nil {
		return nil, err
	}

	info := &VersionInfo{
		LineageID:     lineageID,
		VersionNumber: nextVersion,
		UniqueID:      uint64(uniqueID),
		ParentVersion: latest,
		BlockSize:     result.NewTable.BlockSize,
		Digest:        result.NewTable.Digest,
		LiteralPath:   literalPath,
		LogicalSize:   logicalSize,
		CommandList:   (&delta.CommandList{Commands: rewritten}).Encode(),
		SignatureBlob: signature.Encode(result.NewTable.Entries),
	}
	if err := c.insertVersion(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Catalog) snapshotRoot(lineageID uuid.UUID, sourcePath, literalPath string, uniqueID uint64) (*VersionInfo, error) {
	if err := copyFile(sourcePath, literalPath); err != nil {
		return nil, err
	}
	table, err := signature.Build(literalPath)
	if err != nil {
		return nil, err
	}
	size, err := os.Stat(literalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat literal store: %w", err)
	}

	info := &VersionInfo{
		LineageID:     lineageID,
		VersionNumber: 0,
		UniqueID:      uniqueID,
		ParentVersion: -1,
		BlockSize:     table.BlockSize,
		Digest:        table.Digest,
		LiteralPath:   literalPath,
		LogicalSize:   uint64(size.Size()),
		CommandList:   nil,
		SignatureBlob: signature.Encode(table.Entries),
	}
	if err := c.insertVersion(info); err != nil {
		return nil, err
	}
	return info, nil
}

// writeLiteralStore copies the NEW-sourced bytes of commands out of
// sourcePath into literalPath in command order, returning a rewritten copy
// of commands whose NEW offsets point into that literal file instead of
// into sourcePath, plus the total logical length the commands describe.
func writeLiteralStore(literalPath, sourcePath string, commands []delta.Command) ([]delta.Command, uint64, error) {
	src, err := blockio.OpenFileSource(sourcePath)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	sink, err := blockio.CreateFileSink(literalPath)
	if err != nil {
		return nil, 0, err
	}
	defer sink.Close()

	rewritten := make([]delta.Command, len(commands))
	var literalOffset, logicalSize uint64
	buf := make([]byte, 64*1024)
	for i, cmd := range commands {
		rewritten[i] = cmd
		logicalSize += cmd.Length
		if cmd.Source != delta.NEW {
			continue
		}
		rewritten[i].Offset = literalOffset
		remaining := cmd.Length
		readOffset := int64(cmd.Offset)
		for remaining > 0 {
			want := remaining
			if want > uint64(len(buf)) {
				want = uint64(len(buf))
			}
			n, err := src.ReadAt(buf[:want], readOffset)
			if err != nil && uint64(n) < want {
				return nil, 0, err
			}
			if err := sink.Write(buf[:n]); err != nil {
				return nil, 0, err
			}
			readOffset += int64(n)
			literalOffset += uint64(n)
			remaining -= uint64(n)
		}
	}
	if err := sink.Flush(); err != nil {
		return nil, 0, err
	}
	return rewritten, logicalSize, nil
}

func (c *Catalog) insertVersion(v *VersionInfo) error {
	_, err := c.db.Exec(
		`INSERT INTO versions (lineage_id, version_number, unique_id, parent_version, block_size,
		    digest, literal_path, logical_size, command_list, signature_blob)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.LineageID.String(), v.VersionNumber, v.UniqueID, v.ParentVersion, v.BlockSize,
		v.Digest[:], v.LiteralPath, v.LogicalSize, v.CommandList, v.SignatureBlob,
	)
	return err
}

// buildChain composes the live Stream for the last entry of versions (which
// must start with a root row — ParentVersion == -1 — and run contiguously
// from there) by layering Normal and ChainLink streams in order. The caller
// must closeAll the returned closers once done with the stream.
func buildChain(versions []VersionInfo) (chain.Stream, []io.Closer, error) {
	if len(versions) == 0 {
		return nil, nil, fmt.Errorf("no versions to build a chain from")
	}

	var closers []io.Closer
	root, err := chain.NewNormal(versions[0].LiteralPath, versions[0].UniqueID)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, root)

	var cur chain.Stream = root
	for _, v := range versions[1:] {
		commands, err := delta.DecodeCommandList(v.CommandList)
		if err != nil {
			closeAll(closers)
			return nil, nil, fmt.Errorf("failed to decode command list for version %d: %w", v.VersionNumber, err)
		}
		next, err := chain.NewNormal(v.LiteralPath, v.UniqueID)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		closers = append(closers, next)
		cur = chain.NewChainLink(cur, next, commands.Commands)
	}
	return cur, closers, nil
}

// openChain builds the live Stream for versionNumber out of every surviving
// version up to and including it.
func (c *Catalog) openChain(lineageID uuid.UUID, versionNumber int) (chain.Stream, []io.Closer, error) {
	versions, err := c.ListVersions(lineageID)
	if err != nil {
		return nil, nil, err
	}
	cutoff := -1
	for i, v := range versions {
		if v.VersionNumber == versionNumber {
			cutoff = i
			break
		}
	}
	if cutoff < 0 {
		return nil, nil, fmt.Errorf("lineage %s has no version %d", lineageID, versionNumber)
	}
	return buildChain(versions[:cutoff+1])
}

func closeAll(closers []io.Closer) {
	for _, cl := range closers {
		cl.Close()
	}
}

// Materialize writes the full reconstructed content of versionNumber to dst.
func (c *Catalog) Materialize(lineageID uuid.UUID, versionNumber int, dst io.Writer) error {
	stream, closers, err := c.openChain(lineageID, versionNumber)
	defer closeAll(closers)
	if err != nil {
		return err
	}
	return materializeStream(stream, dst)
}

// materializeStream reads stream from its start to EOF, copying every byte
// to dst.
func materializeStream(stream chain.Stream, dst io.Writer) error {
	if err := stream.Seek(0); err != nil {
		return err
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// ReconstructPlan resolves versionNumber's full content into the terminal
// physical-file parts that materializing it would read.
func (c *Catalog) ReconstructPlan(lineageID uuid.UUID, versionNumber int) ([]chain.ReconstructedPart, error) {
	v, err := c.GetVersion(lineageID, versionNumber)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("lineage %s has no version %d", lineageID, versionNumber)
	}
	stream, closers, err := c.openChain(lineageID, versionNumber)
	defer closeAll(closers)
	if err != nil {
		return nil, err
	}
	return stream.ReconstructSection(0, v.LogicalSize)
}

// Verify materializes versionNumber and checks its SHA-1 digest against the
// catalog's recorded digest for that version.
func (c *Catalog) Verify(lineageID uuid.UUID, versionNumber int) (bool, error) {
	v, err := c.GetVersion(lineageID, versionNumber)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, fmt.Errorf("lineage %s has no version %d", lineageID, versionNumber)
	}
	h := sha1.New()
	if err := c.Materialize(lineageID, versionNumber, h); err != nil {
		return false, err
	}
	var got [20]byte
	copy(got[:], h.Sum(nil))
	return got == v.Digest, nil
}

// Prune trims a lineage down to its newest keep versions. Because every
// version's command list is a delta against its immediate predecessor, a
// version in the middle of the chain cannot simply be deleted without
// breaking everything after it. Instead Prune rebases: it materializes the
// oldest version being kept, rewrites its catalog row into a new root
// (ParentVersion -1, no command list, a fresh full-content literal store and
// signature table), and only then deletes the now-unreferenced older rows
// and their literal stores.
func (c *Catalog) Prune(lineageID uuid.UUID, keep int) error {
	versions, err := c.ListVersions(lineageID)
	if err != nil {
		return err
	}
	if keep <= 0 || len(versions) <= keep {
		return nil
	}

	newRootIdx := len(versions) - keep
	newRoot := versions[newRootIdx]
	oldLiteral := newRoot.LiteralPath

	stream, closers, err := buildChain(versions[:newRootIdx+1])
	if err != nil {
		return err
	}
	var content bytes.Buffer
	if err := materializeStream(stream, &content); err != nil {
		closeAll(closers)
		return err
	}
	closeAll(closers)

	dir := c.versionDir(lineageID)
	newLiteralPath := filepath.Join(dir, fmt.Sprintf("v%d.root", newRoot.VersionNumber))
	if err := os.WriteFile(newLiteralPath, content.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write rebased root literal store: %w", err)
	}
	table, err := signature.Build(newLiteralPath)
	if err != nil {
		return err
	}

	_, err = c.db.Exec(
		`UPDATE versions SET parent_version = -1, command_list = NULL, signature_blob = ?,
		    literal_path = ?, block_size = ?, digest = ? WHERE lineage_id = ? AND version_number = ?`,
		signature.Encode(table.Entries), newLiteralPath, table.BlockSize, table.Digest[:],
		lineageID.String(), newRoot.VersionNumber,
	)
	if err != nil {
		os.Remove(newLiteralPath)
		return fmt.Errorf("failed to rebase version %d: %w", newRoot.VersionNumber, err)
	}
	os.Remove(oldLiteral)

	for _, v := range versions[:newRootIdx] {
		if _, err := c.db.Exec(
			`DELETE FROM versions WHERE lineage_id = ? AND version_number = ?`,
			lineageID.String(), v.VersionNumber,
		); err != nil {
			return err
		}
		os.Remove(v.LiteralPath)
	}
	return nil
}

// VerifyResult is one lineage's outcome from VerifyAll.
type VerifyResult struct {
	LineageID uuid.UUID
	OK        bool
	Err       error
}

// VerifyAll verifies the latest version of every lineage in lineageIDs
// concurrently, the same errgroup.WithContext fan-out the teacher uses for
// processing queued sync operations. A per-lineage failure is reported in
// its VerifyResult rather than aborting the other lineages' checks.
func (c *Catalog) VerifyAll(ctx context.Context, lineageIDs []uuid.UUID) ([]VerifyResult, error) {
	results := make([]VerifyResult, len(lineageIDs))
	g, _ := errgroup.WithContext(ctx)
	for i, id := range lineageIDs {
		i, id := i, id
		g.Go(func() error {
			latest, err := c.latestVersion(id)
			if err != nil {
				results[i] = VerifyResult{LineageID: id, Err: err}
				return nil
			}
			if latest < 0 {
				results[i] = VerifyResult{LineageID: id, Err: fmt.Errorf("lineage %s has no versions", id)}
				return nil
			}
			ok, err := c.Verify(id, latest)
			results[i] = VerifyResult{LineageID: id, OK: ok, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// PruneAll applies Prune(keep) to every lineage in lineageIDs concurrently.
func (c *Catalog) PruneAll(ctx context.Context, lineageIDs []uuid.UUID, keep int) error {
	g, _ := errgroup.WithContext(ctx)
	for _, id := range lineageIDs {
		id := id
		g.Go(func() error {
			return c.Prune(id, keep)
		})
	}
	return g.Wait()
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create literal store: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy source file: %w", err)
	}
	return dst.Sync()
}
