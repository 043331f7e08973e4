// Package main provides a CLI for the backup engine's catalog.
package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nithronos/backupengine/catalog"
	"nithronos/backupengine/config"
)

var Version = "1.0.0"

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "snapshot":
		cmdSnapshot(args)
	case "restore":
		cmdRestore(args)
	case "verify":
		cmdVerify(args)
	case "log":
		cmdLog(args)
	case "lineages":
		cmdLineages()
	case "version":
		fmt.Printf("backupctl v%s\n", Version)
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`backupctl

Usage: backupctl <command> [arguments]

Commands:
  snapshot <path>                     Take the next version of path
  restore <lineage> <version> <dest>  Materialize a version to dest
  verify <lineage> <version>          Check a version's digest
  log <lineage>                       List a lineage's versions
  lineages                            List every tracked lineage
  version                             Show version
  help                                Show this help`)
}

func openCatalog() *catalog.Catalog {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %s\n", err)
		os.Exit(1)
	}
	if cfg.RepoRoot == "" {
		fmt.Println("No repository configured; set RepoRoot in the config file.")
		os.Exit(1)
	}
	cat, err := catalog.Open(cfg.RepoRoot)
	if err != nil {
		fmt.Printf("Error opening catalog: %s\n", err)
		os.Exit(1)
	}
	return cat
}

func cmdSnapshot(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: backupctl snapshot <path>")
		os.Exit(1)
	}
	path := args[0]
	cat := openCatalog()
	defer cat.Close()

	lineageID, err := cat.LineageForPath(path)
	if err != nil {
		fmt.Printf("Error resolving lineage: %s\n", err)
		os.Exit(1)
	}
	v, err := cat.Snapshot(lineageID, path)
	if err != nil {
		fmt.Printf("Error taking snapshot: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("lineage %s version %d (%d bytes)\n", lineageID, v.VersionNumber, v.LogicalSize)
}

func cmdRestore(args []string) {
	if len(args) != 3 {
		fmt.Println("Usage: backupctl restore <lineage> <version> <dest>")
		os.Exit(1)
	}
	lineageID, version, ok := parseLineageVersion(args[0], args[1])
	if !ok {
		os.Exit(1)
	}
	dest := args[2]

	cat := openCatalog()
	defer cat.Close()

	out, err := os.Create(dest)
	if err != nil {
		fmt.Printf("Error creating destination: %s\n", err)
		os.Exit(1)
	}
	defer out.Close()

	if err := cat.Materialize(lineageID, version, out); err != nil {
		fmt.Printf("Error restoring version: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("restored lineage %s version %d to %s\n", lineageID, version, dest)
}

func cmdVerify(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: backupctl verify <lineage> <version>")
		os.Exit(1)
	}
	lineageID, version, ok := parseLineageVersion(args[0], args[1])
	if !ok {
		os.Exit(1)
	}

	cat := openCatalog()
	defer cat.Close()

	ok, err := cat.Verify(lineageID, version)
	if err != nil {
		fmt.Printf("Error verifying version: %s\n", err)
		os.Exit(1)
	}
	if ok {
		fmt.Printf("lineage %s version %d: OK\n", lineageID, version)
	} else {
		fmt.Printf("lineage %s version %d: DIGEST MISMATCH\n", lineageID, version)
		os.Exit(1)
	}
}

func cmdLog(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: backupctl log <lineage>")
		os.Exit(1)
	}
	lineageID, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Printf("Invalid lineage id: %s\n", err)
		os.Exit(1)
	}

	cat := openCatalog()
	defer cat.Close()

	versions, err := cat.ListVersions(lineageID)
	if err != nil {
		fmt.Printf("Error listing versions: %s\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSIZE\tPARENT\tCREATED")
	for _, v := range versions {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", v.VersionNumber, v.LogicalSize, v.ParentVersion, v.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func cmdLineages() {
	cat := openCatalog()
	defer cat.Close()

	lineages, err := cat.ListLineages()
	if err != nil {
		fmt.Printf("Error listing lineages: %s\n", err)
		os.Exit(1)
	}
	if len(lineages) == 0 {
		fmt.Println("No tracked lineages.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE PATH\tCREATED")
	for _, l := range lineages {
		fmt.Fprintf(w, "%s\t%s\t%s\n", l.ID, l.SourcePath, l.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func parseLineageVersion(lineageArg, versionArg string) (uuid.UUID, int, bool) {
	lineageID, err := uuid.Parse(lineageArg)
	if err != nil {
		fmt.Printf("Invalid lineage id: %s\n", err)
		return uuid.Nil, 0, false
	}
	version, err := strconv.Atoi(versionArg)
	if err != nil {
		fmt.Printf("Invalid version number: %s\n", err)
		return uuid.Nil, 0, false
	}
	return lineageID, version, true
}
