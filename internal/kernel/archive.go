package kernel

import (
	"path/filepath"
	"time"

	"github.com/autocapture/engine/internal/archive"
	"github.com/autocapture/engine/internal/config"
)

// ExportArchive bundles cfg's data directory into a fresh, deterministic
// archive under cfg.Storage.Archive.Dir, returning its path.
func ExportArchive(cfg *config.Config) (string, error) {
	outputPath := filepath.Join(cfg.Storage.Archive.Dir, archiveFilename())
	exporter := archive.NewExporter(cfg.Storage.DataDir)
	return exporter.Export(outputPath)
}

// VerifyArchive is the `verify archive --path` CLI operation: it never
// extracts, only validates every manifest entry's safety and hash.
func VerifyArchive(path string) (bool, []string, error) {
	return archive.VerifyArchive(path)
}

// ImportArchive verifies then extracts path into cfg's data directory,
// honoring cfg.Storage.Archive.SafeExtract.
func ImportArchive(cfg *config.Config, path string) (string, error) {
	importer := archive.NewImporter(cfg.Storage.DataDir, cfg.Storage.Archive.SafeExtract)
	return importer.ImportArchive(path)
}

func archiveFilename() string {
	return "autocapture-" + time.Now().UTC().Format("20060102T150405Z") + ".zip"
}
