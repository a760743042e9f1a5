package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root string
	cfg  config.Config
	in   Input
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Decode(root, `
name = "Store Front"

[build.externals]
policy = "explicit"
names = ["pg", "stripe"]
`)
	require.NoError(t, err)

	assets := filepath.Join(root, ".shipctl", "work", "assets")
	server := filepath.Join(root, ".shipctl", "work", "server", "index.mjs")
	write(t, filepath.Join(assets, "index.html"), "<html></html>")
	write(t, filepath.Join(assets, "assets", "main-ABC.js"), "console.log(1)")
	write(t, server, "import pg from \"pg\";\n")
	write(t, filepath.Join(root, "package.json"), `{"name":"storefront","version":"1.4.2","dependencies":{"pg":"^8.11.3","react":"^18.2.0"}}`)

	return fixture{
		root: root,
		cfg:  cfg,
		in:   Input{AssetsDir: assets, ServerFile: server, Externals: []string{"stripe", "pg"}},
	}
}

func write(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func (f fixture) packager() *Packager {
	return NewPackager(f.cfg.Build, f.cfg.Run)
}

func TestPackageProducesVerifiedArtifact(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	a, err := f.packager().Package(context.Background(), f.in)
	require.NoError(t, err)
	require.Equal(t, f.cfg.Build.ArtifactDir, a.Dir)
	require.Equal(t, "server/index.mjs", a.Manifest.Entry)
	require.Equal(t, []string{"node", "server/index.mjs"}, a.Manifest.Start)
	require.Equal(t, []string{"pg", "stripe"}, a.Manifest.Externals)
	require.Equal(t, "module", a.Manifest.ModuleType)
	require.Equal(t, "/health", a.Manifest.Health.Liveness)

	paths := make([]string, 0, len(a.Manifest.Files))
	for _, fe := range a.Manifest.Files {
		paths = append(paths, fe.Path)
	}
	require.Equal(t, []string{"package.json", "public/assets/main-ABC.js", "public/index.html", "server/index.mjs"}, paths)

	pkg, err := os.ReadFile(filepath.Join(a.Dir, PackageJSONName))
	require.NoError(t, err)
	require.Contains(t, string(pkg), `"name": "store-front"`)
	require.Contains(t, string(pkg), `"pg": "^8.11.3"`)
	require.Contains(t, string(pkg), `"stripe": "*"`)
	require.NotContains(t, string(pkg), "react")

	_, err = Verify(a.Dir)
	require.NoError(t, err)
}

func TestPackageCarriesConfiguredStartCommand(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	cfg, err := config.Decode(f.root, `
name = "storefront"

[build]
start = ["servectl", "-dir", ".", "-entry={entry}"]
`)
	require.NoError(t, err)

	a, err := NewPackager(cfg.Build, cfg.Run).Package(context.Background(), f.in)
	require.NoError(t, err)
	require.Equal(t, []string{"servectl", "-dir", ".", "-entry=server/index.mjs"}, a.Manifest.Start)

	reopened, err := Verify(a.Dir)
	require.NoError(t, err)
	require.Equal(t, a.Manifest.Start, reopened.Manifest.Start)
	pkg, err := os.ReadFile(filepath.Join(a.Dir, PackageJSONName))
	require.NoError(t, err)
	require.Contains(t, string(pkg), `"start": "servectl -dir . -entry=server/index.mjs"`)
}
func TestPackageIsIdempotentAndLeavesNoResidue(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	first, err := f.packager().Package(context.Background(), f.in)
	require.NoError(t, err)
	m1, err := os.ReadFile(filepath.Join(first.Dir, ManifestName))
	require.NoError(t, err)

	second, err := f.packager().Package(context.Background(), f.in)
	require.NoError(t, err)
	m2, err := os.ReadFile(filepath.Join(second.Dir, ManifestName))
	require.NoError(t, err)
	require.Equal(t, string(m1), string(m2))

	entries, err := os.ReadDir(filepath.Dir(f.cfg.Build.ArtifactDir))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.Contains(e.Name(), ".staging-") || strings.Contains(e.Name(), ".retired-"), "residue %s", e.Name())
	}
}

func TestPackageReplacesPreviousArtifactInFull(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	write(t, filepath.Join(f.cfg.Build.ArtifactDir, "public", "old-chunk.js"), "stale")

	a, err := f.packager().Package(context.Background(), f.in)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(a.Dir, "public", "old-chunk.js"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPackageVerificationFailureKeepsPreviousArtifact(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	_, err := f.packager().Package(context.Background(), f.in)
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(f.cfg.Build.ArtifactDir, ManifestName))
	require.NoError(t, err)

	p := f.packager()
	p.beforeVerify = func(staging string) {
		require.NoError(t, os.Remove(filepath.Join(staging, "server", "index.mjs")))
	}
	write(t, f.in.ServerFile, "import pg from \"pg\";\nconsole.log(2);\n")
	_, err = p.Package(context.Background(), f.in)

	var pie *faults.PackagingIntegrityError
	require.True(t, errors.As(err, &pie))
	require.Equal(t, "server/index.mjs", pie.Path)
	require.Equal(t, faults.ExitPackaging, faults.ExitCode(err))

	after, err := os.ReadFile(filepath.Join(f.cfg.Build.ArtifactDir, ManifestName))
	require.NoError(t, err)
	require.Equal(t, string(before), string(after))
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(f.cfg.Build.ArtifactDir), ".*staging-*"))
	require.Empty(t, matches)
}

func TestPackageFailsFastWhenLockHeld(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.cfg.Build.ArtifactDir), 0o755))

	held, err := acquireLock(LockPath(f.cfg.Build.ArtifactDir))
	require.NoError(t, err)
	defer held.release()

	_, err = f.packager().Package(context.Background(), f.in)
	require.ErrorIs(t, err, ErrPackagingInProgress)
	require.ErrorIs(t, err, faults.ErrPackagingIntegrity)
	_, statErr := os.Stat(f.cfg.Build.ArtifactDir)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestConcurrentPackagingNeverInterleaves(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.packager().Package(context.Background(), f.in)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrPackagingInProgress)
	}
	require.GreaterOrEqual(t, ok, 1)
	_, err := Verify(f.cfg.Build.ArtifactDir)
	require.NoError(t, err)
}

func TestVerifyDetectsMissingTamperedAndResidue(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name   string
		mutate func(t *testing.T, dir string)
		want   error
		path   string
	}{
		{
			name: "missing",
			mutate: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, "public", "index.html")))
			},
			want: ErrMissingReferenced,
			path: "public/index.html",
		},
		{
			name: "tampered",
			mutate: func(t *testing.T, dir string) {
				write(t, filepath.Join(dir, "public", "assets", "main-ABC.js"), "evil()")
			},
			want: ErrDigestMismatch,
			path: "public/assets/main-ABC.js",
		},
		{
			name:   "residue",
			mutate: func(t *testing.T, dir string) { write(t, filepath.Join(dir, "server", "debug.log"), "x") },
			want:   ErrUnreferencedResidue,
			path:   "server/debug.log",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			a, err := f.packager().Package(context.Background(), f.in)
			require.NoError(t, err)
			tc.mutate(t, a.Dir)

			_, err = Verify(a.Dir)
			require.ErrorIs(t, err, tc.want)
			var pie *faults.PackagingIntegrityError
			require.True(t, errors.As(err, &pie))
			require.Equal(t, tc.path, pie.Path)
		})
	}
}

func TestVerifyWithoutManifest(t *testing.T) {
	_, err := Verify(t.TempDir())
	require.ErrorIs(t, err, ErrManifestNotFound)
	require.Equal(t, faults.ExitPackaging, faults.ExitCode(err))
}

func TestParseYAMLManifest(t *testing.T) {
	m, err := Parse([]byte(`
name: storefront
runtime: node20
module_type: commonjs
entry: server/index.cjs
start: [node, server/index.cjs]
externals: [stripe, pg]
assets: public
health:
  liveness: /health
  readiness: /ready
files:
  - path: server/index.cjs
    sha256: abc
    size: 3
`), "yaml")
	require.NoError(t, err)
	require.Equal(t, []string{"pg", "stripe"}, m.Externals)
	require.Equal(t, "/ready", m.Health.Readiness)

	_, err = Parse([]byte(`{"name":"x","module_type":"module","entry":"../escape.js","start":["node"]}`), "json")
	require.ErrorIs(t, err, ErrInvalidManifest)

	_, err = Parse([]byte(`name: x`), "toml")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}
