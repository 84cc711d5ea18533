package archive

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
)

// Exporter bundles a source directory into an archive.
type Exporter struct {
	SourceDir string
}

// NewExporter returns an Exporter rooted at sourceDir.
func NewExporter(sourceDir string) *Exporter {
	return &Exporter{SourceDir: sourceDir}
}

// Export writes an archive of e.SourceDir to outputPath.
func (e *Exporter) Export(outputPath string) (string, error) {
	return CreateArchive(e.SourceDir, outputPath)
}

// Importer restores an archive into a target directory.
type Importer struct {
	TargetDir   string
	SafeExtract bool
}

// NewImporter returns an Importer rooted at targetDir. safeExtract mirrors
// config.storage.archive.safe_extract: when true (the default), every
// member is validated before anything is written to disk.
func NewImporter(targetDir string, safeExtract bool) *Importer {
	return &Importer{TargetDir: targetDir, SafeExtract: safeExtract}
}

// ImportArchive verifies archivePath's manifest, then extracts it into
// i.TargetDir. It refuses to extract an archive that fails verification.
func (i *Importer) ImportArchive(archivePath string) (string, error) {
	ok, issues, err := VerifyArchive(archivePath)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("archive: %s failed verification: %v", archivePath, issues)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("archive: open %s: %w", archivePath, err)
	}
	defer zr.Close()

	if i.SafeExtract {
		if err := safeExtractAll(&zr.Reader, i.TargetDir); err != nil {
			return "", err
		}
		return i.TargetDir, nil
	}

	for _, f := range zr.File {
		if f.Name == manifestName || f.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(i.TargetDir, filepath.FromSlash(f.Name))
		data, err := readZipFile(f)
		if err != nil {
			return "", fmt.Errorf("archive: read member %q: %w", f.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return "", fmt.Errorf("archive: mkdir for %s: %w", dest, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return "", fmt.Errorf("archive: write %s: %w", dest, err)
		}
	}
	return i.TargetDir, nil
}
