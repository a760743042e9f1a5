package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/danmuck/shipctl/internal/pipeline"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("buildctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "shipctl.toml", "project config path")
	envFile := fs.String("env-file", ".env", "dotenv file merged under the process environment")
	envRequired := fs.Bool("env-required", false, "fail when the dotenv file is missing")
	check := fs.Bool("check", false, "validate configuration and environment only")
	if err := fs.Parse(args); err != nil {
		return faults.ExitConfiguration
	}

	logger := observability.InitLogger("buildctl")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	env, err := config.LoadEnvironment(*envFile, *envRequired)
	if err != nil {
		return fail(stderr, &faults.ConfigurationError{Reason: err.Error()})
	}
	cfg, err = cfg.ApplyEnvironment(env)
	if err != nil {
		return fail(stderr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, cfg, env, pipeline.Options{CheckOnly: *check})
	if err != nil {
		return fail(stderr, err)
	}
	if *check {
		fmt.Fprintf(stdout, "ok: %d required satisfied, optional missing: %s\n",
			len(cfg.Required), strings.Join(res.Report.MissingOptional, ","))
		return faults.ExitOK
	}
	logger.Info().
		Str("build_id", res.BuildID).
		Str("artifact", res.Artifact.Dir).
		Dur("duration", res.Duration).
		Msg("buildctl done")
	fmt.Fprintln(stdout, res.Artifact.Dir)
	return faults.ExitOK
}

func fail(stderr io.Writer, err error) int {
	var cfgErr *faults.ConfigurationError
	if errors.As(err, &cfgErr) && len(cfgErr.Missing) > 0 {
		fmt.Fprintf(stderr, "buildctl: missing required variables: %s\n", strings.Join(cfgErr.Missing, ", "))
	} else {
		fmt.Fprintf(stderr, "buildctl: %v\n", err)
	}
	return faults.ExitCode(err)
}
