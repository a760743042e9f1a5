package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/shipctl/internal/envcheck"
	"github.com/danmuck/shipctl/internal/faults"
)

var (
	ErrInvalidRuntime = errors.New("config: invalid runtime id")
	ErrInvalidFormat  = errors.New("config: invalid module format")
	ErrInvalidUIMode  = errors.New("config: invalid ui mode")
	ErrInvalidPolicy  = errors.New("config: invalid external dependency policy")
)

const (
	EnvMode = "SHIPCTL_MODE"
	EnvPort = "PORT"
	// EnvDrain carries the run drain period to the artifact-side server.
	EnvDrain = "SHIPCTL_DRAIN"

	DefaultPort          = 5000
	DefaultMode          = "production"
	DefaultLivenessPath  = "/health"
	DefaultReadinessPath = "/ready"

	nodeEnvDefine = "process.env.NODE_ENV"

	// EntryPlaceholder in build.start is replaced by the artifact entry path.
	EntryPlaceholder = "{entry}"
)

type ModuleFormat string

const (
	FormatESM ModuleFormat = "esm"
	FormatCJS ModuleFormat = "cjs"
)

type UIMode string

const (
	UIModeEsbuild UIMode = "esbuild"
	UIModeCommand UIMode = "command"
	UIModeStatic  UIMode = "static"
)

type ExternalPolicy string

const (
	// ExternalExplicit keeps only the listed names out of the bundle.
	ExternalExplicit ExternalPolicy = "explicit"
	// ExternalPackages keeps every bare package import out of the bundle.
	ExternalPackages ExternalPolicy = "packages"
)

var runtimePattern = regexp.MustCompile(`^node(\d+(?:\.\d+){0,2})$`)

// UIConfig describes the static asset source tree.
type UIConfig struct {
	Mode          UIMode
	Dir           string
	Entries       []string
	EntryDocument string
	PublicDir     string
	Command       []string
	CommandOutput string
}

// ExternalConfig is the dependency-externalization policy for the server bundle.
type ExternalConfig struct {
	Policy ExternalPolicy
	Names  []string
}

// BuildConfiguration is resolved once per build invocation and passed by value.
type BuildConfiguration struct {
	Name        string
	Root        string
	Runtime     string
	Format      ModuleFormat
	UI          UIConfig
	ServerEntry string
	WorkDir     string
	ArtifactDir string
	PackageJSON string
	Externals   ExternalConfig
	// Start is the artifact start argv; {entry} expands to the bundled server path.
	Start  []string
	Mode   string
	define map[string]string
	// modePinned is set when [build.define] sets process.env.NODE_ENV itself.
	modePinned bool
}

// StartCommand expands the start argv for an artifact whose entry is entry.
func (c BuildConfiguration) StartCommand(entry string) []string {
	out := make([]string, len(c.Start))
	for i, arg := range c.Start {
		out[i] = strings.ReplaceAll(arg, EntryPlaceholder, entry)
	}
	return out
}

// Substitutions returns a copy of the build-time constant table.
func (c BuildConfiguration) Substitutions() map[string]string {
	out := make(map[string]string, len(c.define))
	for k, v := range c.define {
		out[k] = v
	}
	return out
}

// NodeVersion extracts the engine version from the runtime id (node20 -> 20).
func (c BuildConfiguration) NodeVersion() (string, error) {
	m := runtimePattern.FindStringSubmatch(strings.TrimSpace(c.Runtime))
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRuntime, c.Runtime)
	}
	return m[1], nil
}

// ServerOutputName is the bundled entry file name for the module format.
func (c BuildConfiguration) ServerOutputName() string {
	if c.Format == FormatCJS {
		return "index.cjs"
	}
	return "index.mjs"
}

// ModuleType is the package.json "type" for the module format.
func (c BuildConfiguration) ModuleType() string {
	if c.Format == FormatCJS {
		return "commonjs"
	}
	return "module"
}

func (c BuildConfiguration) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config: build name required")
	}
	if _, err := c.NodeVersion(); err != nil {
		return err
	}
	switch c.Format {
	case FormatESM, FormatCJS:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFormat, c.Format)
	}
	switch c.UI.Mode {
	case UIModeEsbuild:
		if len(c.UI.Entries) == 0 {
			return fmt.Errorf("%w: esbuild mode requires ui entries", ErrInvalidUIMode)
		}
	case UIModeCommand:
		if len(c.UI.Command) == 0 {
			return fmt.Errorf("%w: command mode requires ui command", ErrInvalidUIMode)
		}
	case UIModeStatic:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidUIMode, c.UI.Mode)
	}
	switch c.Externals.Policy {
	case ExternalExplicit, ExternalPackages:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Externals.Policy)
	}
	if strings.TrimSpace(c.ServerEntry) == "" {
		return fmt.Errorf("config: server entry required")
	}
	if len(c.Start) == 0 {
		return fmt.Errorf("config: build.start must name a command")
	}
	if strings.TrimSpace(c.ArtifactDir) == "" || strings.TrimSpace(c.WorkDir) == "" {
		return fmt.Errorf("config: work_dir and artifact_dir required")
	}
	if filepath.Clean(c.ArtifactDir) == filepath.Clean(c.Root) {
		return fmt.Errorf("config: artifact_dir must not be the project root")
	}
	return nil
}

// RunConfiguration drives the supervisor and the artifact-side health server.
type RunConfiguration struct {
	Mode           string
	Port           int
	Grace          time.Duration
	StartupTimeout time.Duration
	PollInterval   time.Duration
	Drain          time.Duration
	LivenessPath   string
	ReadinessPath  string
	WaitReady      bool
}

func (r RunConfiguration) Validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", r.Port)
	}
	if r.Grace <= 0 || r.StartupTimeout <= 0 || r.PollInterval <= 0 || r.Drain <= 0 {
		return fmt.Errorf("config: grace, startup_timeout, poll_interval and drain must be positive")
	}
	if r.Drain >= r.Grace {
		return fmt.Errorf("config: drain %s must be shorter than grace %s", r.Drain, r.Grace)
	}
	if !strings.HasPrefix(r.LivenessPath, "/") || !strings.HasPrefix(r.ReadinessPath, "/") {
		return fmt.Errorf("config: health paths must be absolute")
	}
	return nil
}

// Config is the whole resolved shipctl configuration.
type Config struct {
	Build    BuildConfiguration
	Run      RunConfiguration
	Required []envcheck.Requirement
	Optional []envcheck.Requirement
}

func DefaultRunConfiguration() RunConfiguration {
	return RunConfiguration{
		Mode:           DefaultMode,
		Port:           DefaultPort,
		Grace:          3 * time.Second,
		StartupTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		Drain:          2 * time.Second,
		LivenessPath:   DefaultLivenessPath,
		ReadinessPath:  DefaultReadinessPath,
	}
}

type fileConfig struct {
	Name  string    `toml:"name"`
	Build fileBuild `toml:"build"`
	Env   fileEnv   `toml:"env"`
	Run   fileRun   `toml:"run"`
}

type fileBuild struct {
	Runtime     string            `toml:"runtime"`
	Format      string            `toml:"format"`
	ServerEntry string            `toml:"server_entry"`
	WorkDir     string            `toml:"work_dir"`
	ArtifactDir string            `toml:"artifact_dir"`
	PackageJSON string            `toml:"package_json"`
	UI          fileUI            `toml:"ui"`
	Externals   fileExternals     `toml:"externals"`
	Define      map[string]string `toml:"define"`
	Start       []string          `toml:"start"`
}

type fileUI struct {
	Mode          string   `toml:"mode"`
	Dir           string   `toml:"dir"`
	Entries       []string `toml:"entries"`
	EntryDocument string   `toml:"entry_document"`
	PublicDir     string   `toml:"public_dir"`
	Command       []string `toml:"command"`
	CommandOutput string   `toml:"command_output"`
}

type fileExternals struct {
	Policy string   `toml:"policy"`
	Names  []string `toml:"names"`
}

type fileEnv struct {
	Required     []string               `toml:"required"`
	Optional     []string               `toml:"optional"`
	Requirements []fileRequirementTable `toml:"requirement"`
}

type fileRequirementTable struct {
	Name     string   `toml:"name"`
	Aliases  []string `toml:"aliases"`
	Optional bool     `toml:"optional"`
}

type fileRun struct {
	Mode           string `toml:"mode"`
	Port           int    `toml:"port"`
	Grace          string `toml:"grace"`
	StartupTimeout string `toml:"startup_timeout"`
	PollInterval   string `toml:"poll_interval"`
	Drain          string `toml:"drain"`
	LivenessPath   string `toml:"liveness_path"`
	ReadinessPath  string `toml:"readiness_path"`
	WaitReady      bool   `toml:"wait_ready"`
}

// Load decodes a shipctl.toml; only defined keys override defaults. Paths are
// resolved against the file's directory.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, configError("config load failed (%s): %v", path, err)
	}
	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Config{}, err
	}
	cfg, err := resolve(root, raw, meta)
	if err != nil {
		return Config{}, configError("%v", err)
	}
	return cfg, nil
}

// Decode resolves configuration from TOML text rooted at root.
func Decode(root, data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, configError("config parse failed: %v", err)
	}
	cfg, err := resolve(root, raw, meta)
	if err != nil {
		return Config{}, configError("%v", err)
	}
	return cfg, nil
}

func resolve(root string, raw fileConfig, meta toml.MetaData) (Config, error) {
	b := BuildConfiguration{
		Name:    strings.TrimSpace(raw.Name),
		Root:    root,
		Runtime: "node20",
		Format:  FormatESM,
		UI: UIConfig{
			Mode:          UIModeEsbuild,
			Dir:           abs(root, "client"),
			Entries:       []string{"src/main.tsx"},
			EntryDocument: "index.html",
			PublicDir:     "public",
		},
		ServerEntry: abs(root, "server/index.ts"),
		WorkDir:     abs(root, ".shipctl/work"),
		ArtifactDir: abs(root, "dist"),
		PackageJSON: abs(root, "package.json"),
		Externals:   ExternalConfig{Policy: ExternalExplicit},
		Start:       []string{"node", EntryPlaceholder},
	}
	run := DefaultRunConfiguration()

	if meta.IsDefined("build", "runtime") {
		b.Runtime = strings.TrimSpace(raw.Build.Runtime)
	}
	if meta.IsDefined("build", "format") {
		b.Format = ModuleFormat(strings.ToLower(strings.TrimSpace(raw.Build.Format)))
	}
	if meta.IsDefined("build", "server_entry") {
		b.ServerEntry = abs(root, raw.Build.ServerEntry)
	}
	if meta.IsDefined("build", "work_dir") {
		b.WorkDir = abs(root, raw.Build.WorkDir)
	}
	if meta.IsDefined("build", "artifact_dir") {
		b.ArtifactDir = abs(root, raw.Build.ArtifactDir)
	}
	if meta.IsDefined("build", "package_json") {
		b.PackageJSON = abs(root, raw.Build.PackageJSON)
	}
	if meta.IsDefined("build", "start") {
		b.Start = normalizeList(raw.Build.Start)
	}
	if meta.IsDefined("build", "ui", "mode") {
		b.UI.Mode = UIMode(strings.ToLower(strings.TrimSpace(raw.Build.UI.Mode)))
	}
	if meta.IsDefined("build", "ui", "dir") {
		b.UI.Dir = abs(root, raw.Build.UI.Dir)
	}
	if meta.IsDefined("build", "ui", "entries") {
		b.UI.Entries = normalizeList(raw.Build.UI.Entries)
	}
	if meta.IsDefined("build", "ui", "entry_document") {
		b.UI.EntryDocument = strings.TrimSpace(raw.Build.UI.EntryDocument)
	}
	if meta.IsDefined("build", "ui", "public_dir") {
		b.UI.PublicDir = strings.TrimSpace(raw.Build.UI.PublicDir)
	}
	if meta.IsDefined("build", "ui", "command") {
		b.UI.Command = normalizeList(raw.Build.UI.Command)
	}
	if meta.IsDefined("build", "ui", "command_output") {
		b.UI.CommandOutput = strings.TrimSpace(raw.Build.UI.CommandOutput)
	}
	if meta.IsDefined("build", "externals", "policy") {
		b.Externals.Policy = ExternalPolicy(strings.ToLower(strings.TrimSpace(raw.Build.Externals.Policy)))
	}
	if meta.IsDefined("build", "externals", "names") {
		b.Externals.Names = normalizeList(raw.Build.Externals.Names)
		sort.Strings(b.Externals.Names)
	}

	if meta.IsDefined("run", "mode") {
		run.Mode = strings.TrimSpace(raw.Run.Mode)
	}
	if meta.IsDefined("run", "port") {
		run.Port = raw.Run.Port
	}
	if meta.IsDefined("run", "wait_ready") {
		run.WaitReady = raw.Run.WaitReady
	}
	if meta.IsDefined("run", "liveness_path") {
		run.LivenessPath = strings.TrimSpace(raw.Run.LivenessPath)
	}
	if meta.IsDefined("run", "readiness_path") {
		run.ReadinessPath = strings.TrimSpace(raw.Run.ReadinessPath)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"grace", raw.Run.Grace, &run.Grace},
		{"startup_timeout", raw.Run.StartupTimeout, &run.StartupTimeout},
		{"poll_interval", raw.Run.PollInterval, &run.PollInterval},
		{"drain", raw.Run.Drain, &run.Drain},
	}
	for _, d := range durations {
		if !meta.IsDefined("run", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse run.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	b.Mode = run.Mode
	b.define = map[string]string{
		nodeEnvDefine: strconv.Quote(run.Mode),
	}
	for k, v := range raw.Build.Define {
		k = strings.TrimSpace(k)
		b.define[k] = v
		if k == nodeEnvDefine {
			b.modePinned = true
		}
	}

	required, err := envcheck.ParseRequirements(raw.Env.Required)
	if err != nil {
		return Config{}, err
	}
	optional, err := envcheck.ParseRequirements(raw.Env.Optional)
	if err != nil {
		return Config{}, err
	}
	for _, tbl := range raw.Env.Requirements {
		req := envcheck.Requirement{Name: strings.TrimSpace(tbl.Name), Aliases: normalizeList(tbl.Aliases)}
		if req.Name == "" {
			return Config{}, fmt.Errorf("%w: table without name", envcheck.ErrInvalidRequirement)
		}
		if tbl.Optional {
			optional = append(optional, req)
		} else {
			required = append(required, req)
		}
	}

	if err := b.Validate(); err != nil {
		return Config{}, err
	}
	if err := run.Validate(); err != nil {
		return Config{}, err
	}
	return Config{Build: b, Run: run, Required: required, Optional: optional}, nil
}

// ApplyEnvironment overlays PORT and SHIPCTL_MODE from the snapshot. The
// substitution table follows the resolved mode unless the project pinned
// process.env.NODE_ENV in [build.define].
func (c Config) ApplyEnvironment(env Environment) (Config, error) {
	port, err := env.Int(EnvPort, c.Run.Port)
	if err != nil {
		return Config{}, configError("%v", err)
	}
	c.Run.Port = port
	if mode := env.FirstNonEmpty(EnvMode); mode != "" && mode != c.Run.Mode {
		c.Run.Mode = mode
		c.Build.Mode = mode
		if !c.Build.modePinned {
			define := c.Build.Substitutions()
			define[nodeEnvDefine] = strconv.Quote(mode)
			c.Build.define = define
		}
	}
	if err := c.Run.Validate(); err != nil {
		return Config{}, configError("%v", err)
	}
	return c, nil
}

func configError(format string, args ...any) error {
	return &faults.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func abs(root, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
