package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/shipctl/internal/artifact"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/envcheck"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/danmuck/shipctl/internal/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("runctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "shipctl.toml", "project config path")
	envFile := fs.String("env-file", ".env", "dotenv file merged under the process environment")
	artifactDir := fs.String("artifact", "", "artifact directory (defaults to build.artifact_dir)")
	waitReady := fs.Bool("wait-ready", false, "treat startup as complete only once readiness answers 200")
	if err := fs.Parse(args); err != nil {
		return faults.ExitConfiguration
	}

	logger := observability.InitLogger("runctl")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	env, err := config.LoadEnvironment(*envFile, false)
	if err != nil {
		return fail(stderr, &faults.ConfigurationError{Reason: err.Error()})
	}
	cfg, err = cfg.ApplyEnvironment(env)
	if err != nil {
		return fail(stderr, err)
	}
	if *waitReady {
		cfg.Run.WaitReady = true
	}

	report, err := envcheck.Validate(env, cfg.Required, cfg.Optional)
	if err != nil {
		return fail(stderr, err)
	}

	dir := strings.TrimSpace(*artifactDir)
	if dir == "" {
		dir = cfg.Build.ArtifactDir
	}
	art, err := artifact.Verify(dir)
	if err != nil {
		return fail(stderr, err)
	}
	runCfg := supervisor.FromRunConfiguration(cfg.Run, env, report.Resolved())
	if art.Manifest.Health.Liveness != "" {
		runCfg.LivenessPath = art.Manifest.Health.Liveness
	}
	if art.Manifest.Health.Readiness != "" {
		runCfg.ReadinessPath = art.Manifest.Health.Readiness
	}

	sup := supervisor.New(art, runCfg)
	proc, err := sup.Run(context.Background())
	logger.Info().
		Int("pid", proc.PID).
		Str("state", string(proc.State)).
		Int("code", proc.ExitCode).
		Str("signal", proc.Signal).
		Bool("forced", proc.Forced).
		Dur("uptime", proc.Uptime(proc.ExitedAt)).
		Msg("runctl done")
	if err != nil {
		return fail(stderr, err)
	}
	return faults.ExitOK
}

func fail(stderr io.Writer, err error) int {
	var cfgErr *faults.ConfigurationError
	if errors.As(err, &cfgErr) && len(cfgErr.Missing) > 0 {
		fmt.Fprintf(stderr, "runctl: missing required variables: %s\n", strings.Join(cfgErr.Missing, ", "))
	} else {
		fmt.Fprintf(stderr, "runctl: %v\n", err)
	}
	return faults.ExitCode(err)
}
