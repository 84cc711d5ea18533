// Package archive implements export/import bundling for a data directory:
// a zip file containing every regular file under the source tree plus a
// manifest.json of per-file SHA-256 hashes, with zip-slip and symlink
// rejection on import.
//
// Grounded on original_source/autocapture/storage/archive.py.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const manifestSchemaVersion = 1

// manifestName is the fixed entry name for the archive's file-hash index.
const manifestName = "manifest.json"

// Manifest records the sha256 hash of every file an archive contains,
// keyed by slash-separated path relative to the archive root.
type Manifest struct {
	SchemaVersion int               `json:"schema_version"`
	Files         map[string]string `json:"files"`
}

var fixedModTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// zipInfo builds a ZipInfo with a deterministic timestamp so two exports of
// identical content produce byte-identical archives.
func zipInfo(name string, method uint16) *zip.FileHeader {
	fh := &zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: fixedModTime,
	}
	fh.SetMode(0o644)
	return fh
}

// isSafeMember reports whether a zip entry name is safe to extract: no
// absolute paths, no ".."/"." path segments, no empty segments, and no
// Windows drive-letter prefix.
func isSafeMember(name string) bool {
	if name == "" {
		return false
	}
	normalized := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return false
	}
	parts := strings.Split(normalized, "/")
	if strings.Contains(parts[0], ":") {
		return false
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// isSymlinkMember reports whether a zip entry's external attributes encode
// a Unix symlink (upper 16 bits hold the st_mode field).
func isSymlinkMember(fh *zip.FileHeader) bool {
	mode := fh.ExternalAttrs >> 16
	const sIFLNK = 0o120000
	const sIFMT = 0o170000
	return mode&sIFMT == sIFLNK
}

// CreateArchive zips every regular file under sourceDir into outputPath,
// alongside a manifest.json of sha256 hashes. Files are walked in sorted
// order so identical trees produce identical archives.
func CreateArchive(sourceDir, outputPath string) (string, error) {
	var relPaths []string
	if err := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		relPaths = append(relPaths, rel)
		return nil
	}); err != nil {
		return "", fmt.Errorf("archive: walk source dir: %w", err)
	}
	sort.Strings(relPaths)

	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("archive: create output: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	manifest := Manifest{SchemaVersion: manifestSchemaVersion, Files: make(map[string]string, len(relPaths))}
	for _, rel := range relPaths {
		data, err := os.ReadFile(filepath.Join(sourceDir, rel))
		if err != nil {
			zw.Close()
			return "", fmt.Errorf("archive: read %s: %w", rel, err)
		}
		name := filepath.ToSlash(rel)
		w, err := zw.CreateHeader(zipInfo(name, zip.Deflate))
		if err != nil {
			zw.Close()
			return "", fmt.Errorf("archive: write header %s: %w", rel, err)
		}
		if _, err := w.Write(data); err != nil {
			zw.Close()
			return "", fmt.Errorf("archive: write %s: %w", rel, err)
		}
		manifest.Files[name] = hashBytes(data)
	}

	manifestData, err := json.Marshal(manifest)
	if err != nil {
		zw.Close()
		return "", fmt.Errorf("archive: marshal manifest: %w", err)
	}
	w, err := zw.CreateHeader(zipInfo(manifestName, zip.Store))
	if err != nil {
		zw.Close()
		return "", fmt.Errorf("archive: write manifest header: %w", err)
	}
	if _, err := w.Write(manifestData); err != nil {
		zw.Close()
		return "", fmt.Errorf("archive: write manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("archive: close zip: %w", err)
	}
	return outputPath, nil
}

// VerifyArchive checks an archive's manifest against its actual member
// hashes, returning whether it is intact and a list of human-readable
// issues (empty when ok is true). It never extracts anything.
func VerifyArchive(path string) (bool, []string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false, nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer zr.Close()

	members := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		members[f.Name] = f
	}

	manifestFile, ok := members[manifestName]
	if !ok {
		return false, nil, fmt.Errorf("archive: missing %s", manifestName)
	}
	manifest, err := readManifest(manifestFile)
	if err != nil {
		return false, nil, err
	}

	var issues []string
	names := make([]string, 0, len(manifest.Files))
	for name := range manifest.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		wantHash := manifest.Files[name]
		if !isSafeMember(name) {
			issues = append(issues, fmt.Sprintf("unsafe_member:%s", name))
			continue
		}
		f, ok := members[name]
		if !ok {
			issues = append(issues, fmt.Sprintf("missing_member:%s", name))
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			issues = append(issues, fmt.Sprintf("missing_member:%s", name))
			continue
		}
		if hashBytes(data) != wantHash {
			issues = append(issues, fmt.Sprintf("hash_mismatch:%s", name))
		}
	}
	return len(issues) == 0, issues, nil
}

func readManifest(f *zip.File) (Manifest, error) {
	data, err := readZipFile(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("archive: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("archive: parse manifest: %w", err)
	}
	return m, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// safeExtractAll validates every member of zr against isSafeMember,
// isSymlinkMember, and a resolved-path-under-target check before
// extracting any of them, so a malicious archive cannot write or clobber
// a file outside targetDir (zip slip) nor plant a symlink member.
func safeExtractAll(zr *zip.Reader, targetDir string) error {
	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("archive: resolve target dir: %w", err)
	}

	type plannedFile struct {
		dest string
		f    *zip.File
	}
	var dirs []string
	var files []plannedFile

	for _, f := range zr.File {
		if f.Name == manifestName {
			continue
		}
		if !isSafeMember(f.Name) {
			return fmt.Errorf("archive: unsafe member %q", f.Name)
		}
		if isSymlinkMember(&f.FileHeader) {
			return fmt.Errorf("archive: symlink member %q rejected", f.Name)
		}
		dest := filepath.Join(absTarget, filepath.FromSlash(f.Name))
		absDest, err := filepath.Abs(dest)
		if err != nil {
			return fmt.Errorf("archive: resolve member %q: %w", f.Name, err)
		}
		if absDest != absTarget && !strings.HasPrefix(absDest, absTarget+string(os.PathSeparator)) {
			return fmt.Errorf("archive: zip_slip: member %q escapes target dir", f.Name)
		}
		if f.FileInfo().IsDir() {
			dirs = append(dirs, absDest)
			continue
		}
		files = append(files, plannedFile{dest: absDest, f: f})
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("archive: mkdir %s: %w", d, err)
		}
	}
	for _, pf := range files {
		if err := os.MkdirAll(filepath.Dir(pf.dest), 0o755); err != nil {
			return fmt.Errorf("archive: mkdir for %s: %w", pf.dest, err)
		}
		data, err := readZipFile(pf.f)
		if err != nil {
			return fmt.Errorf("archive: read member %q: %w", pf.f.Name, err)
		}
		if err := os.WriteFile(pf.dest, data, 0o644); err != nil {
			return fmt.Errorf("archive: write %s: %w", pf.dest, err)
		}
	}
	return nil
}
