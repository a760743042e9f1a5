package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/shipctl/internal/artifact"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/health"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/gin-gonic/gin"
)

const (
	envCORSOrigins  = "SHIPCTL_CORS_ORIGINS"
	envMetricsToken = "SHIPCTL_METRICS_TOKEN"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("servectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", ".", "artifact directory to serve")
	host := fs.String("host", "", "bind host (all interfaces when empty)")
	drain := fs.Duration("drain", 0, "in-flight request drain period on shutdown (defaults to SHIPCTL_DRAIN, then 2s)")
	initTimeout := fs.Duration("init-timeout", 15*time.Second, "per-dependency init timeout")
	if err := fs.Parse(args); err != nil {
		return faults.ExitConfiguration
	}

	logger := observability.InitLogger("servectl")
	gin.SetMode(gin.ReleaseMode)

	env, err := config.LoadEnvironment("", false)
	if err != nil {
		return fail(stderr, err)
	}
	srvCfg, err := serverConfig(*dir, env)
	if err != nil {
		return fail(stderr, err)
	}
	srvCfg.Host = *host
	if *drain > 0 {
		srvCfg.Drain = *drain
	}
	srvCfg.InitTimeout = *initTimeout
	srvCfg.Logger = &logger

	srv, err := health.New(srvCfg)
	if err != nil {
		return fail(stderr, &faults.ConfigurationError{Reason: err.Error()})
	}
	if err := srv.Listen(); err != nil {
		return fail(stderr, &faults.RuntimeLaunchError{PID: os.Getpid(), Reason: "bind failed", Err: err})
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.Initialize(ctx); err != nil {
			logger.Warn().Err(err).Msg("servectl dependency init stopped before ready")
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("servectl shutdown requested")
	case err := <-serveErr:
		if err != nil {
			return fail(stderr, err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), srvCfg.Drain+time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("servectl shutdown incomplete")
	}
	return faults.ExitOK
}

// serverConfig reads PORT, mode, drain and health paths from the environment and the
// artifact manifest when one is present.
func serverConfig(dir string, env config.Environment) (health.Config, error) {
	port, err := env.Int(config.EnvPort, config.DefaultPort)
	if err != nil {
		return health.Config{}, &faults.ConfigurationError{Reason: err.Error()}
	}
	drain, err := env.Duration(config.EnvDrain, 2*time.Second)
	if err != nil {
		return health.Config{}, &faults.ConfigurationError{Reason: err.Error()}
	}
	mode := env.FirstNonEmpty(config.EnvMode, "NODE_ENV")
	if mode == "" {
		mode = config.DefaultMode
	}
	deps, err := health.DependenciesFromEnv(env)
	if err != nil {
		return health.Config{}, &faults.ConfigurationError{Reason: err.Error()}
	}
	cfg := health.Config{
		App:          "servectl",
		Port:         port,
		Mode:         mode,
		Drain:        drain,
		Dependencies: deps,
		CORSOrigins:  strings.Split(env.Get(envCORSOrigins), ","),
		MetricsToken: strings.TrimSpace(env.Get(envMetricsToken)),
	}

	publicDir := filepath.Join(dir, artifact.PublicDirName)
	if art, err := artifact.Open(dir); err == nil {
		cfg.App = art.Manifest.Name
		cfg.LivenessPath = art.Manifest.Health.Liveness
		cfg.ReadinessPath = art.Manifest.Health.Readiness
		if art.Manifest.Assets != "" {
			publicDir = filepath.Join(dir, filepath.FromSlash(art.Manifest.Assets))
		}
	} else if !errors.Is(err, artifact.ErrManifestNotFound) {
		return health.Config{}, err
	}
	if info, err := os.Stat(publicDir); err == nil && info.IsDir() {
		cfg.PublicDir = publicDir
	}
	return cfg, nil
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "servectl: %v\n", err)
	return faults.ExitCode(err)
}
