package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/shipctl/internal/artifact"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const projectConfig = `
name = "storefront"

[build.ui]
mode = "static"

[build.externals]
policy = "explicit"
names = ["pg"]

[env]
required = ["DATABASE_URL|POSTGRES_URL", "SESSION_SECRET"]
optional = ["STRIPE_SECRET_KEY"]
`

func writeProject(t *testing.T, serverSource string) config.Config {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"client/index.html": "<html><body>shop</body></html>",
		"client/app.js":     "console.log('shop')",
		"server/index.ts":   serverSource,
		"package.json":      `{"dependencies":{"pg":"^8.11.3"}}`,
	}
	for rel, data := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	}
	cfg, err := config.Decode(root, projectConfig)
	require.NoError(t, err)
	return cfg
}

func TestMissingRequiredVariableStopsBeforeBuild(t *testing.T) {
	testlog.Start(t)
	cfg := writeProject(t, "console.log(1);\n")
	env := config.NewEnvironment(map[string]string{"SESSION_SECRET": "s"})

	_, err := Run(context.Background(), cfg, env, Options{})
	var cfgErr *faults.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, []string{"DATABASE_URL"}, cfgErr.Missing)
	require.Equal(t, faults.ExitConfiguration, faults.ExitCode(err))

	for _, dir := range []string{cfg.Build.WorkDir, cfg.Build.ArtifactDir} {
		_, statErr := os.Stat(dir)
		require.True(t, errors.Is(statErr, os.ErrNotExist), "%s should not exist", dir)
	}
}

func TestCheckOnlyValidatesWithoutBuilding(t *testing.T) {
	testlog.Start(t)
	cfg := writeProject(t, "console.log(1);\n")
	env := config.NewEnvironment(map[string]string{"POSTGRES_URL": "postgres://db", "SESSION_SECRET": "s"})

	res, err := Run(context.Background(), cfg, env, Options{CheckOnly: true})
	require.NoError(t, err)
	require.Equal(t, []string{"STRIPE_SECRET_KEY"}, res.Report.MissingOptional)
	_, statErr := os.Stat(cfg.Build.WorkDir)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRunProducesVerifiedArtifact(t *testing.T) {
	testlog.Start(t)
	cfg := writeProject(t, "import pg from \"pg\";\nconsole.log(process.env.NODE_ENV, pg);\n")
	env := config.NewEnvironment(map[string]string{"DATABASE_URL": "postgres://db", "SESSION_SECRET": "s"})

	res, err := Run(context.Background(), cfg, env, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, res.BuildID)

	art, err := artifact.Verify(cfg.Build.ArtifactDir)
	require.NoError(t, err)
	require.Equal(t, "server/index.mjs", art.Manifest.Entry)
	require.Equal(t, []string{"pg"}, art.Manifest.Externals)
	_, ok := art.Manifest.File("public/index.html")
	require.True(t, ok)
}

func TestBuildFailureLeavesNoArtifact(t *testing.T) {
	testlog.Start(t)
	cfg := writeProject(t, "export const = ;\n")
	env := config.NewEnvironment(map[string]string{"DATABASE_URL": "postgres://db", "SESSION_SECRET": "s"})

	_, err := Run(context.Background(), cfg, env, Options{})
	require.ErrorIs(t, err, faults.ErrBuild)
	require.Equal(t, faults.ExitBuild, faults.ExitCode(err))
	_, statErr := os.Stat(cfg.Build.ArtifactDir)
	require.True(t, errors.Is(statErr, os.ErrNotExist))
}
