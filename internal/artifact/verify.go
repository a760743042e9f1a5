package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/tools"
)

// Artifact is a verified artifact directory.
type Artifact struct {
	Dir      string
	Manifest Manifest
}

// EntryPath is the absolute path of the server entry file.
func (a Artifact) EntryPath() string {
	return filepath.Join(a.Dir, filepath.FromSlash(a.Manifest.Entry))
}

// Open loads the manifest from dir without verifying file contents.
func Open(dir string) (Artifact, error) {
	for _, name := range []string{ManifestName, "manifest.yaml", "manifest.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Artifact{}, err
		}
		m, err := Load(path)
		if err != nil {
			return Artifact{}, &faults.PackagingIntegrityError{Path: name, Reason: "unreadable manifest", Err: err}
		}
		return Artifact{Dir: dir, Manifest: m}, nil
	}
	return Artifact{}, &faults.PackagingIntegrityError{Path: ManifestName, Reason: "missing", Err: ErrManifestNotFound}
}

// Verify opens dir and checks every manifest-referenced file. An artifact is
// launchable only when Verify succeeds.
func Verify(dir string) (Artifact, error) {
	a, err := Open(dir)
	if err != nil {
		return Artifact{}, err
	}
	if err := verifyTree(dir, a.Manifest); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

func verifyTree(dir string, m Manifest) error {
	if _, ok := m.File(m.Entry); !ok {
		return &faults.PackagingIntegrityError{Path: m.Entry, Reason: "entry not referenced", Err: ErrEntryNotInFileTable}
	}
	for _, f := range m.Files {
		path := filepath.Join(dir, filepath.FromSlash(f.Path))
		info, err := os.Stat(path)
		if err != nil {
			return &faults.PackagingIntegrityError{Path: f.Path, Reason: "missing", Err: ErrMissingReferenced}
		}
		if !info.Mode().IsRegular() {
			return &faults.PackagingIntegrityError{Path: f.Path, Reason: "not a regular file", Err: ErrMissingReferenced}
		}
		sum, err := digestFile(path)
		if err != nil {
			return &faults.PackagingIntegrityError{Path: f.Path, Reason: "unreadable", Err: err}
		}
		if sum != f.SHA256 || info.Size() != f.Size {
			return &faults.PackagingIntegrityError{
				Path:   f.Path,
				Reason: "digest mismatch",
				Err:    fmt.Errorf("%w: want %s got %s", ErrDigestMismatch, f.SHA256, sum),
			}
		}
	}
	present, err := tools.ListFiles(dir)
	if err != nil {
		return &faults.PackagingIntegrityError{Path: ".", Reason: "unreadable tree", Err: err}
	}
	for _, rel := range present {
		if isManifestFile(rel) {
			continue
		}
		if _, ok := m.File(rel); !ok {
			return &faults.PackagingIntegrityError{Path: rel, Reason: "unreferenced residue", Err: ErrUnreferencedResidue}
		}
	}
	return nil
}

func isManifestFile(rel string) bool {
	switch rel {
	case ManifestName, "manifest.yaml", "manifest.yml":
		return true
	}
	return false
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// fileTable digests every regular file under dir except the manifest.
func fileTable(dir string) ([]FileEntry, error) {
	files, err := tools.ListFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]FileEntry, 0, len(files))
	for _, rel := range files {
		if isManifestFile(rel) {
			continue
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		sum, err := digestFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, FileEntry{Path: rel, SHA256: sum, Size: info.Size()})
	}
	return out, nil
}
