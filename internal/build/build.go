package build

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/danmuck/shipctl/internal/config"
	"github.com/evanw/esbuild/pkg/api"
)

var (
	ErrCompileFailed        = errors.New("build: compile failed")
	ErrCommandFailed        = errors.New("build: ui command failed")
	ErrEntryDocumentMissing = errors.New("build: entry document missing")
	ErrAbsoluteSourcePath   = errors.New("build: output references absolute source path")
	ErrCanceled             = errors.New("build: canceled")
)

const (
	StepAssets = "assets"
	StepServer = "server"

	AssetsDirName = "assets"
	ServerDirName = "server"
)

// AssetsDir is where the AssetCompiler writes for a configuration.
func AssetsDir(cfg config.BuildConfiguration) string {
	return filepath.Join(cfg.WorkDir, AssetsDirName)
}

// ServerFile is the single file the ServerBundler writes for a configuration.
func ServerFile(cfg config.BuildConfiguration) string {
	return filepath.Join(cfg.WorkDir, ServerDirName, cfg.ServerOutputName())
}

func esbuildFormat(f config.ModuleFormat) api.Format {
	if f == config.FormatCJS {
		return api.FormatCommonJS
	}
	return api.FormatESModule
}

// formatMessages renders esbuild messages exactly as the esbuild CLI would, without color.
func formatMessages(msgs []api.Message, kind api.MessageKind) string {
	if len(msgs) == 0 {
		return ""
	}
	lines := api.FormatMessages(msgs, api.FormatMessagesOptions{Kind: kind})
	return strings.Join(lines, "")
}
