package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/danmuck/shipctl/internal/tools"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// esm bundles lose the implicit CommonJS require; externals that are CJS still need it.
const esmRequireBanner = "import { createRequire as __shipctlCreateRequire } from \"node:module\";\n" +
	"const require = __shipctlCreateRequire(import.meta.url);"

// ServerOutput describes the bundled server entry.
type ServerOutput struct {
	File      string
	Externals []string
	Warnings  string
}

// ServerBundler bundles the server entry into a single file for the target runtime.
type ServerBundler struct {
	cfg config.BuildConfiguration
}

func NewServerBundler(cfg config.BuildConfiguration) *ServerBundler {
	return &ServerBundler{cfg: cfg}
}

func (b *ServerBundler) Bundle(ctx context.Context) (ServerOutput, error) {
	start := time.Now()
	out, err := b.bundle(ctx)
	observability.RecordBuildStep(StepServer, time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Str("step", StepServer).Msg("build.ServerBundler.Bundle failed")
		return ServerOutput{}, err
	}
	log.Info().
		Str("step", StepServer).
		Str("file", out.File).
		Strs("externals", out.Externals).
		Dur("duration", time.Since(start)).
		Msg("build.ServerBundler.Bundle ok")
	return out, nil
}

func (b *ServerBundler) bundle(ctx context.Context) (ServerOutput, error) {
	if err := ctx.Err(); err != nil {
		return ServerOutput{}, &faults.BuildError{Step: StepServer, Err: fmt.Errorf("%w: %v", ErrCanceled, err)}
	}
	version, err := b.cfg.NodeVersion()
	if err != nil {
		return ServerOutput{}, &faults.BuildError{Step: StepServer, Err: err}
	}
	if _, err := os.Stat(b.cfg.ServerEntry); err != nil {
		return ServerOutput{}, &faults.BuildError{Step: StepServer, Err: fmt.Errorf("%w: server entry: %v", ErrCompileFailed, err)}
	}

	outFile := ServerFile(b.cfg)
	if err := tools.ResetDir(filepath.Dir(outFile)); err != nil {
		return ServerOutput{}, &faults.BuildError{Step: StepServer, Err: err}
	}

	opts := api.BuildOptions{
		EntryPoints:   []string{b.cfg.ServerEntry},
		AbsWorkingDir: b.cfg.Root,
		Bundle:        true,
		Platform:      api.PlatformNode,
		Format:        esbuildFormat(b.cfg.Format),
		Engines:       []api.Engine{{Name: api.EngineNode, Version: version}},
		Define:        b.cfg.Substitutions(),
		Outfile:       outFile,
		Write:         true,
		LogLevel:      api.LogLevelSilent,
		Sourcemap:     api.SourceMapNone,
		Metafile:      true,
	}
	externals := append([]string(nil), b.cfg.Externals.Names...)
	switch b.cfg.Externals.Policy {
	case config.ExternalPackages:
		opts.Packages = api.PackagesExternal
	default:
		opts.External = externals
	}
	if b.cfg.Format == config.FormatESM {
		opts.Banner = map[string]string{"js": esmRequireBanner}
	}

	result := api.Build(opts)
	if len(result.Errors) > 0 {
		return ServerOutput{}, &faults.BuildError{
			Step:       StepServer,
			Diagnostic: formatMessages(result.Errors, api.ErrorMessage),
			Err:        fmt.Errorf("%w: %d error(s)", ErrCompileFailed, len(result.Errors)),
		}
	}
	if _, err := os.Stat(outFile); err != nil {
		return ServerOutput{}, &faults.BuildError{Step: StepServer, Err: fmt.Errorf("%w: no output: %v", ErrCompileFailed, err)}
	}
	if err := scanAbsolutePaths(StepServer, filepath.Dir(outFile), []string{filepath.Base(outFile)}, b.cfg.Root); err != nil {
		return ServerOutput{}, err
	}
	if b.cfg.Externals.Policy == config.ExternalPackages {
		externals = externalPackages(result.Metafile)
	}
	sort.Strings(externals)
	return ServerOutput{
		File:      outFile,
		Externals: externals,
		Warnings:  formatMessages(result.Warnings, api.WarningMessage),
	}, nil
}

// externalPackages lists the bare package names esbuild left unbundled, without
// runtime builtins.
func externalPackages(metafile string) []string {
	seen := make(map[string]struct{})
	gjson.Get(metafile, "outputs").ForEach(func(_, output gjson.Result) bool {
		for _, imp := range output.Get("imports").Array() {
			if !imp.Get("external").Bool() {
				continue
			}
			if name := packageName(imp.Get("path").String()); name != "" {
				seen[name] = struct{}{}
			}
		}
		return true
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func packageName(importPath string) string {
	importPath = strings.TrimSpace(importPath)
	if importPath == "" || strings.HasPrefix(importPath, ".") || strings.HasPrefix(importPath, "/") || strings.HasPrefix(importPath, "node:") {
		return ""
	}
	parts := strings.Split(importPath, "/")
	name := parts[0]
	if strings.HasPrefix(name, "@") {
		if len(parts) < 2 {
			return ""
		}
		name = parts[0] + "/" + parts[1]
	}
	if _, builtin := nodeBuiltins[name]; builtin {
		return ""
	}
	return name
}

var nodeBuiltins = map[string]struct{}{
	"assert": {}, "async_hooks": {}, "buffer": {}, "child_process": {}, "cluster": {},
	"console": {}, "constants": {}, "crypto": {}, "dgram": {}, "diagnostics_channel": {},
	"dns": {}, "domain": {}, "events": {}, "fs": {}, "http": {}, "http2": {}, "https": {},
	"inspector": {}, "module": {}, "net": {}, "os": {}, "path": {}, "perf_hooks": {},
	"process": {}, "punycode": {}, "querystring": {}, "readline": {}, "repl": {},
	"stream": {}, "string_decoder": {}, "timers": {}, "tls": {}, "trace_events": {},
	"tty": {}, "url": {}, "util": {}, "v8": {}, "vm": {}, "wasi": {}, "worker_threads": {},
	"zlib": {},
}
