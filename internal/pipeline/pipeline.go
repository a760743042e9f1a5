// Package pipeline wires the build half: validate, compile in parallel, package.
package pipeline

import (
	"context"
	"time"

	"github.com/danmuck/shipctl/internal/artifact"
	"github.com/danmuck/shipctl/internal/build"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/envcheck"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/tools"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Runner executes command-mode UI toolchains; nil uses the host.
	Runner tools.CommandRunner
	// CheckOnly stops after environment validation.
	CheckOnly bool
}

type Result struct {
	BuildID  string
	Report   envcheck.Report
	Assets   build.AssetOutput
	Server   build.ServerOutput
	Artifact artifact.Artifact
	Duration time.Duration
}

// Run validates the environment and, only when it passes, builds and packages
// the artifact. A validation failure touches no build or artifact path.
func Run(ctx context.Context, cfg config.Config, env config.Environment, opts Options) (Result, error) {
	start := time.Now()
	res := Result{BuildID: uuid.NewString()}
	logger := log.With().Str("build_id", res.BuildID).Str("name", cfg.Build.Name).Logger()

	report, err := envcheck.Validate(env, cfg.Required, cfg.Optional)
	res.Report = report
	if err != nil {
		return res, err
	}
	if opts.CheckOnly {
		logger.Info().Msg("pipeline.Run check only; skipping build")
		res.Duration = time.Since(start)
		return res, nil
	}

	childEnv := env.With(map[string]string{
		config.EnvMode: cfg.Build.Mode,
		"NODE_ENV":     cfg.Build.Mode,
	}).Pairs()
	assets := build.NewAssetCompiler(cfg.Build, opts.Runner, childEnv)
	server := build.NewServerBundler(cfg.Build)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := assets.Compile(gctx)
		res.Assets = out
		return err
	})
	g.Go(func() error {
		out, err := server.Bundle(gctx)
		res.Server = out
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str("category", faults.Category(err)).Msg("pipeline.Run build failed")
		return res, err
	}

	packager := artifact.NewPackager(cfg.Build, cfg.Run)
	art, err := packager.Package(ctx, artifact.Input{
		AssetsDir:  res.Assets.Dir,
		ServerFile: res.Server.File,
		Externals:  res.Server.Externals,
	})
	if err != nil {
		return res, err
	}
	res.Artifact = art
	res.Duration = time.Since(start)
	logger.Info().
		Str("artifact", art.Dir).
		Dur("duration", res.Duration).
		Msg("pipeline.Run ok")
	return res, nil
}
