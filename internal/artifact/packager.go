package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/danmuck/shipctl/internal/tools"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Input names the build outputs to package.
type Input struct {
	AssetsDir  string
	ServerFile string
	Externals  []string
}

// Packager assembles, verifies and swaps the artifact directory.
type Packager struct {
	build config.BuildConfiguration
	run   config.RunConfiguration

	// beforeVerify lets tests corrupt the staging tree.
	beforeVerify func(staging string)
}

func NewPackager(build config.BuildConfiguration, run config.RunConfiguration) *Packager {
	return &Packager{build: build, run: run}
}

// LockPath is the advisory lock guarding an artifact directory.
func LockPath(dir string) string {
	return filepath.Clean(dir) + ".lock"
}

func (p *Packager) Package(ctx context.Context, in Input) (Artifact, error) {
	start := time.Now()
	a, err := p.pack(ctx, in)
	if err != nil {
		outcome := "failure"
		if errors.Is(err, ErrPackagingInProgress) {
			outcome = "locked"
		}
		observability.RecordPackaging(outcome)
		log.Error().Err(err).Str("artifact", p.build.ArtifactDir).Msg("artifact.Packager.Package failed")
		return Artifact{}, err
	}
	observability.RecordPackaging("success")
	log.Info().
		Str("artifact", a.Dir).
		Int("files", len(a.Manifest.Files)).
		Strs("externals", a.Manifest.Externals).
		Dur("duration", time.Since(start)).
		Msg("artifact.Packager.Package ok")
	return a, nil
}

func (p *Packager) pack(ctx context.Context, in Input) (Artifact, error) {
	target := filepath.Clean(p.build.ArtifactDir)
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Artifact{}, integrity(parent, "artifact parent unavailable", err)
	}

	lock, err := acquireLock(LockPath(target))
	if err != nil {
		return Artifact{}, integrity(LockPath(target), "lock held", err)
	}
	defer func() {
		if err := lock.release(); err != nil {
			log.Warn().Err(err).Msg("artifact.Packager lock release failed")
		}
	}()

	if err := removeStale(target); err != nil {
		return Artifact{}, integrity(parent, "stale staging cleanup failed", err)
	}
	staging := siblingPath(target, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return Artifact{}, integrity(staging, "staging unavailable", err)
	}
	fail := func(err error) (Artifact, error) {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			log.Warn().Err(rmErr).Str("staging", staging).Msg("artifact.Packager staging cleanup failed")
		}
		return Artifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	manifest, err := p.assemble(staging, in)
	if err != nil {
		return fail(err)
	}
	if p.beforeVerify != nil {
		p.beforeVerify(staging)
	}
	if err := verifyTree(staging, manifest); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := swap(staging, target); err != nil {
		return fail(integrity(target, "swap failed", err))
	}
	return Artifact{Dir: target, Manifest: manifest}, nil
}

// assemble copies build outputs into staging and writes package.json and the manifest.
func (p *Packager) assemble(staging string, in Input) (Manifest, error) {
	if info, err := os.Stat(in.AssetsDir); err != nil || !info.IsDir() {
		return Manifest{}, integrity(in.AssetsDir, "compiled assets missing", err)
	}
	if _, err := os.Stat(in.ServerFile); err != nil {
		return Manifest{}, integrity(in.ServerFile, "server bundle missing", err)
	}
	if err := tools.CopyDir(in.AssetsDir, filepath.Join(staging, PublicDirName)); err != nil {
		return Manifest{}, integrity(PublicDirName, "copy assets", err)
	}
	entry := ServerDirName + "/" + filepath.Base(in.ServerFile)
	if err := tools.CopyFile(in.ServerFile, filepath.Join(staging, filepath.FromSlash(entry)), 0o644); err != nil {
		return Manifest{}, integrity(entry, "copy server bundle", err)
	}

	externals := append([]string(nil), in.Externals...)
	sort.Strings(externals)
	pkg, err := p.packageJSON(entry, externals)
	if err != nil {
		return Manifest{}, integrity(PackageJSONName, "render", err)
	}
	if err := os.WriteFile(filepath.Join(staging, PackageJSONName), pkg, 0o644); err != nil {
		return Manifest{}, integrity(PackageJSONName, "write", err)
	}

	files, err := fileTable(staging)
	if err != nil {
		return Manifest{}, integrity(staging, "digest", err)
	}
	m := Manifest{
		Name:       p.build.Name,
		Runtime:    p.build.Runtime,
		ModuleType: p.build.ModuleType(),
		Entry:      entry,
		Start:      p.build.StartCommand(entry),
		Externals:  externals,
		Assets:     PublicDirName,
		Health: HealthPaths{
			Liveness:  p.run.LivenessPath,
			Readiness: p.run.ReadinessPath,
		},
		Files: files,
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, integrity(ManifestName, "invalid", err)
	}
	data, err := m.Encode()
	if err != nil {
		return Manifest{}, integrity(ManifestName, "encode", err)
	}
	if err := os.WriteFile(filepath.Join(staging, ManifestName), data, 0o644); err != nil {
		return Manifest{}, integrity(ManifestName, "write", err)
	}
	return m, nil
}

type packageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Private      bool              `json:"private"`
	Type         string            `json:"type"`
	Main         string            `json:"main"`
	Engines      map[string]string `json:"engines,omitempty"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
}

var packageNameInvalid = regexp.MustCompile(`[^a-z0-9._~-]+`)

// packageJSON declares externals so the artifact installs with a plain
// `npm install --omit=dev`. Versions come from the source package.json.
func (p *Packager) packageJSON(entry string, externals []string) ([]byte, error) {
	versions := map[string]string{}
	version := "0.0.0"
	if path := strings.TrimSpace(p.build.PackageJSON); path != "" {
		src, err := os.ReadFile(path)
		switch {
		case err == nil:
			if !gjson.ValidBytes(src) {
				return nil, fmt.Errorf("%s: invalid json", path)
			}
			for _, section := range []string{"optionalDependencies", "devDependencies", "dependencies"} {
				gjson.GetBytes(src, section).ForEach(func(k, v gjson.Result) bool {
					versions[k.String()] = v.String()
					return true
				})
			}
			if v := gjson.GetBytes(src, "version").String(); v != "" {
				version = v
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	deps := make(map[string]string, len(externals))
	for _, name := range externals {
		v, ok := versions[name]
		if !ok || strings.TrimSpace(v) == "" {
			v = "*"
		}
		deps[name] = v
	}
	pkg := packageManifest{
		Name:         packageName(p.build.Name),
		Version:      version,
		Private:      true,
		Type:         p.build.ModuleType(),
		Main:         entry,
		Scripts:      map[string]string{"start": strings.Join(p.build.StartCommand(entry), " ")},
		Dependencies: deps,
	}
	if v, err := p.build.NodeVersion(); err == nil {
		pkg.Engines = map[string]string{"node": ">=" + v}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pkg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packageName(name string) string {
	out := packageNameInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	out = strings.Trim(out, "-.")
	if out == "" {
		return "app"
	}
	return out
}

// siblingPath names a hidden directory next to target on the same filesystem.
func siblingPath(target, kind string) string {
	return filepath.Join(filepath.Dir(target), fmt.Sprintf(".%s.%s-%s", filepath.Base(target), kind, uuid.NewString()))
}

// removeStale clears staging and retired directories left by an interrupted run.
// Callers hold the lock, so nothing else owns them.
func removeStale(target string) error {
	base := filepath.Base(target)
	var errs []error
	for _, kind := range []string{"staging", "retired"} {
		matches, err := filepath.Glob(filepath.Join(filepath.Dir(target), "."+base+"."+kind+"-*"))
		if err != nil {
			return err
		}
		for _, m := range matches {
			log.Warn().Str("path", m).Msg("artifact.Packager removing stale directory")
			errs = append(errs, os.RemoveAll(m))
		}
	}
	return errors.Join(errs...)
}

// swap retires the previous artifact, renames staging into place, then removes
// the retired tree. The previous artifact is restored if the rename fails.
func swap(staging, target string) error {
	retired := ""
	if _, err := os.Stat(target); err == nil {
		retired = siblingPath(target, "retired")
		if err := os.Rename(target, retired); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(staging, target); err != nil {
		if retired != "" {
			if restoreErr := os.Rename(retired, target); restoreErr != nil {
				return errors.Join(err, restoreErr)
			}
		}
		return err
	}
	if retired != "" {
		if err := os.RemoveAll(retired); err != nil {
			log.Warn().Err(err).Str("path", retired).Msg("artifact.Packager retired cleanup failed")
		}
	}
	return nil
}

func integrity(path, reason string, err error) error {
	var pie *faults.PackagingIntegrityError
	if errors.As(err, &pie) {
		return err
	}
	return &faults.PackagingIntegrityError{Path: path, Reason: reason, Err: err}
}
