// Package artifact owns the deployable artifact directory and its manifest.
//
// Ownership boundary:
// - staging, verification and swap of the artifact directory
//
// - manifest.json encoding (JSON or YAML on load) and integrity checks
//
// An artifact directory is only ever produced by a verified rename; a failed
// packaging run leaves the previous artifact untouched.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidManifest     = errors.New("artifact: invalid manifest")
	ErrUnsupportedFormat   = errors.New("artifact: unsupported manifest format")
	ErrPackagingInProgress = errors.New("artifact: packaging already in progress")
	ErrManifestNotFound    = errors.New("artifact: manifest not found")
	ErrLockUnsupported     = errors.New("artifact: file locking unsupported on this platform")
	ErrVerificationFailed  = errors.New("artifact: verification failed")
	ErrUnreferencedResidue = errors.New("artifact: unreferenced file in artifact")
	ErrMissingReferenced   = errors.New("artifact: referenced file missing")
	ErrDigestMismatch      = errors.New("artifact: digest mismatch")
	ErrEntryNotInFileTable = errors.New("artifact: entry not in file table")
)

const (
	ManifestName    = "manifest.json"
	PackageJSONName = "package.json"
	PublicDirName   = "public"
	ServerDirName   = "server"
)

// HealthPaths are the health routes the launched process answers.
type HealthPaths struct {
	Liveness  string `json:"liveness" yaml:"liveness"`
	Readiness string `json:"readiness" yaml:"readiness"`
}

// FileEntry is one row of the manifest file table.
type FileEntry struct {
	Path   string `json:"path" yaml:"path"`
	SHA256 string `json:"sha256" yaml:"sha256"`
	Size   int64  `json:"size" yaml:"size"`
}

// Manifest describes an artifact. It carries no timestamps or ids so identical
// inputs produce identical bytes.
type Manifest struct {
	Name       string      `json:"name" yaml:"name"`
	Runtime    string      `json:"runtime" yaml:"runtime"`
	ModuleType string      `json:"module_type" yaml:"module_type"`
	Entry      string      `json:"entry" yaml:"entry"`
	Start      []string    `json:"start" yaml:"start"`
	Externals  []string    `json:"externals" yaml:"externals"`
	Assets     string      `json:"assets" yaml:"assets"`
	Health     HealthPaths `json:"health" yaml:"health"`
	Files      []FileEntry `json:"files" yaml:"files"`
}

// Validate checks the manifest is self-consistent. It does not touch disk.
func (m Manifest) Validate() error {
	var errs []string
	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, "name is required")
	}
	if strings.TrimSpace(m.Entry) == "" {
		errs = append(errs, "entry is required")
	}
	if len(m.Start) == 0 {
		errs = append(errs, "start command is required")
	}
	switch m.ModuleType {
	case "module", "commonjs":
	default:
		errs = append(errs, fmt.Sprintf("module_type %q must be module or commonjs", m.ModuleType))
	}
	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if err := checkRelative(f.Path); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, dup := seen[f.Path]; dup {
			errs = append(errs, fmt.Sprintf("duplicate file %q", f.Path))
		}
		seen[f.Path] = struct{}{}
	}
	if err := checkRelative(m.Entry); m.Entry != "" && err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(errs, "; "))
	}
	return nil
}

// File returns the table row for a relative path.
func (m Manifest) File(path string) (FileEntry, bool) {
	i := sort.Search(len(m.Files), func(i int) bool { return m.Files[i].Path >= path })
	if i < len(m.Files) && m.Files[i].Path == path {
		return m.Files[i], true
	}
	return FileEntry{}, false
}

// Encode renders the canonical JSON form written into artifacts.
func (m Manifest) Encode() ([]byte, error) {
	m.normalize()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manifest) normalize() {
	if m.Start == nil {
		m.Start = []string{}
	}
	if m.Externals == nil {
		m.Externals = []string{}
	}
	if m.Files == nil {
		m.Files = []FileEntry{}
	}
	sort.Strings(m.Externals)
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })
}

// Load reads a manifest file; the format follows the extension.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	format := "json"
	if ext == ".yaml" || ext == ".yml" {
		format = "yaml"
	} else if ext != ".json" {
		return Manifest{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	return Parse(data, format)
}

// Parse decodes a manifest from json or yaml bytes and validates it.
func Parse(data []byte, format string) (Manifest, error) {
	var m Manifest
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	default:
		return Manifest{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func checkRelative(p string) error {
	if p == "" {
		return fmt.Errorf("empty file path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("file path %q must be relative", p)
	}
	clean := filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	if clean != p || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("file path %q must be clean and inside the artifact", p)
	}
	return nil
}
