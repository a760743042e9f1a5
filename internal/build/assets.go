package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
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

// AssetOutput describes the compiled static asset tree.
type AssetOutput struct {
	Dir           string
	EntryDocument string
	Files         []string
}

// AssetCompiler turns the UI source tree into a static asset tree.
type AssetCompiler struct {
	cfg    config.BuildConfiguration
	runner tools.CommandRunner
	env    []string
}

// NewAssetCompiler builds a compiler; env is the complete environment handed to
// command-mode toolchains (nil inherits).
func NewAssetCompiler(cfg config.BuildConfiguration, runner tools.CommandRunner, env []string) *AssetCompiler {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &AssetCompiler{cfg: cfg, runner: runner, env: env}
}

func (c *AssetCompiler) Compile(ctx context.Context) (AssetOutput, error) {
	start := time.Now()
	out, err := c.compile(ctx)
	observability.RecordBuildStep(StepAssets, time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Str("step", StepAssets).Str("mode", string(c.cfg.UI.Mode)).Msg("build.AssetCompiler.Compile failed")
		return AssetOutput{}, err
	}
	log.Info().
		Str("step", StepAssets).
		Str("mode", string(c.cfg.UI.Mode)).
		Int("files", len(out.Files)).
		Dur("duration", time.Since(start)).
		Msg("build.AssetCompiler.Compile ok")
	return out, nil
}

func (c *AssetCompiler) compile(ctx context.Context) (AssetOutput, error) {
	if err := ctx.Err(); err != nil {
		return AssetOutput{}, buildErr(fmt.Errorf("%w: %v", ErrCanceled, err))
	}
	outDir := AssetsDir(c.cfg)
	if err := tools.ResetDir(outDir); err != nil {
		return AssetOutput{}, buildErr(err)
	}

	var err error
	switch c.cfg.UI.Mode {
	case config.UIModeEsbuild:
		err = c.compileEsbuild(outDir)
	case config.UIModeCommand:
		err = c.compileCommand(ctx, outDir)
	case config.UIModeStatic:
		err = c.copyStatic(outDir)
	default:
		err = buildErr(fmt.Errorf("%w: %q", config.ErrInvalidUIMode, c.cfg.UI.Mode))
	}
	if err != nil {
		return AssetOutput{}, err
	}
	return c.check(outDir)
}

func (c *AssetCompiler) compileEsbuild(outDir string) error {
	uiDir := c.cfg.UI.Dir
	docSrc := filepath.Join(uiDir, c.cfg.UI.EntryDocument)
	doc, err := os.ReadFile(docSrc)
	if err != nil {
		return buildErr(fmt.Errorf("%w: %s: %v", ErrEntryDocumentMissing, docSrc, err))
	}

	production := c.cfg.Mode == config.DefaultMode
	result := api.Build(api.BuildOptions{
		EntryPoints:       c.cfg.UI.Entries,
		AbsWorkingDir:     uiDir,
		Bundle:            true,
		Platform:          api.PlatformBrowser,
		Format:            api.FormatESModule,
		Target:            api.ES2020,
		Splitting:         true,
		Outdir:            filepath.Join(outDir, AssetsDirName),
		EntryNames:        "[name]-[hash]",
		ChunkNames:        "chunk-[hash]",
		AssetNames:        "[name]-[hash]",
		Define:            c.cfg.Substitutions(),
		JSX:               api.JSXAutomatic,
		Loader:            assetLoaders,
		MinifyWhitespace:  production,
		MinifyIdentifiers: production,
		MinifySyntax:      production,
		Metafile:          true,
		Write:             true,
		LogLevel:          api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return &faults.BuildError{
			Step:       StepAssets,
			Diagnostic: formatMessages(result.Errors, api.ErrorMessage),
			Err:        fmt.Errorf("%w: %d error(s)", ErrCompileFailed, len(result.Errors)),
		}
	}

	entries, err := entryOutputs(result.Metafile, uiDir, outDir)
	if err != nil {
		return buildErr(err)
	}

	if public := strings.TrimSpace(c.cfg.UI.PublicDir); public != "" {
		publicDir := filepath.Join(uiDir, public)
		if info, err := os.Stat(publicDir); err == nil && info.IsDir() {
			if err := tools.CopyDir(publicDir, outDir); err != nil {
				return buildErr(err)
			}
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return buildErr(err)
		}
	}

	rewritten := rewriteDocument(string(doc), entries)
	target := filepath.Join(outDir, c.cfg.UI.EntryDocument)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return buildErr(err)
	}
	if err := os.WriteFile(target, []byte(rewritten), 0o644); err != nil {
		return buildErr(err)
	}
	return nil
}

func (c *AssetCompiler) compileCommand(ctx context.Context, outDir string) error {
	argv := make([]string, 0, len(c.cfg.UI.Command))
	for _, arg := range c.cfg.UI.Command {
		arg = strings.ReplaceAll(arg, "{out}", outDir)
		arg = strings.ReplaceAll(arg, "{src}", c.cfg.UI.Dir)
		argv = append(argv, arg)
	}
	cmd := tools.Command{Name: argv[0], Args: argv[1:], Dir: c.cfg.UI.Dir, Env: c.env}
	log.Info().Str("cmd", cmd.String()).Msg("build.AssetCompiler exec")
	res, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return &faults.BuildError{
			Step:       StepAssets,
			Diagnostic: res.Diagnostic(),
			Err:        fmt.Errorf("%w: cmd=%q exit=%d: %v", ErrCommandFailed, cmd.String(), res.ExitCode, err),
		}
	}
	if output := strings.TrimSpace(c.cfg.UI.CommandOutput); output != "" {
		src := output
		if !filepath.IsAbs(src) {
			src = filepath.Join(c.cfg.UI.Dir, src)
		}
		if err := tools.CopyDir(src, outDir); err != nil {
			return buildErr(fmt.Errorf("copy command output %s: %w", src, err))
		}
	}
	return nil
}

func (c *AssetCompiler) copyStatic(outDir string) error {
	src := c.cfg.UI.Dir
	if output := strings.TrimSpace(c.cfg.UI.CommandOutput); output != "" {
		src = filepath.Join(src, output)
	}
	if err := tools.CopyDir(src, outDir); err != nil {
		return buildErr(fmt.Errorf("copy static tree %s: %w", src, err))
	}
	return nil
}

// check enforces the post-conditions shared by every mode.
func (c *AssetCompiler) check(outDir string) (AssetOutput, error) {
	doc := filepath.Join(outDir, c.cfg.UI.EntryDocument)
	if info, err := os.Stat(doc); err != nil || info.IsDir() {
		return AssetOutput{}, buildErr(fmt.Errorf("%w: %s", ErrEntryDocumentMissing, c.cfg.UI.EntryDocument))
	}
	files, err := tools.ListFiles(outDir)
	if err != nil {
		return AssetOutput{}, buildErr(err)
	}
	if err := scanAbsolutePaths(StepAssets, outDir, files, c.cfg.Root, c.cfg.UI.Dir); err != nil {
		return AssetOutput{}, err
	}
	return AssetOutput{Dir: outDir, EntryDocument: doc, Files: files}, nil
}

var assetLoaders = map[string]api.Loader{
	".png":   api.LoaderFile,
	".jpg":   api.LoaderFile,
	".jpeg":  api.LoaderFile,
	".gif":   api.LoaderFile,
	".webp":  api.LoaderFile,
	".svg":   api.LoaderFile,
	".ico":   api.LoaderFile,
	".woff":  api.LoaderFile,
	".woff2": api.LoaderFile,
	".ttf":   api.LoaderFile,
	".mp3":   api.LoaderFile,
}

// entryAssets is the emitted script and optional stylesheet for one entry point.
type entryAssets struct {
	Script string
	Style  string
}

// entryOutputs maps each entry point (relative to the UI dir) to emitted paths
// relative to outDir, read from the esbuild metafile.
func entryOutputs(metafile, workingDir, outDir string) (map[string]entryAssets, error) {
	out := make(map[string]entryAssets)
	var relErr error
	gjson.Get(metafile, "outputs").ForEach(func(key, value gjson.Result) bool {
		entry := value.Get("entryPoint").String()
		if entry == "" {
			return true
		}
		script, err := relativeOutput(workingDir, outDir, key.String())
		if err != nil {
			relErr = err
			return false
		}
		assets := entryAssets{Script: script}
		if css := value.Get("cssBundle").String(); css != "" {
			style, err := relativeOutput(workingDir, outDir, css)
			if err != nil {
				relErr = err
				return false
			}
			assets.Style = style
		}
		out[filepath.ToSlash(filepath.Clean(entry))] = assets
		return true
	})
	if relErr != nil {
		return nil, relErr
	}
	return out, nil
}

func relativeOutput(workingDir, outDir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	rel, err := filepath.Rel(outDir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func buildErr(err error) error {
	return &faults.BuildError{Step: StepAssets, Err: err}
}
