// Package health is the artifact-side HTTP surface: liveness, readiness,
// metrics and the static asset tree.
//
// Ownership boundary:
// - two-phase startup: bind (live) before dependency init (ready)
//
// - readiness drop and bounded drain on shutdown
//
// Liveness means the listener is bound. Readiness means every dependency
// initialized and no shutdown has begun.
package health

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/shipctl/internal/auth"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/danmuck/shipctl/internal/tools"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotListening     = errors.New("health: server not listening")
	ErrAlreadyListening = errors.New("health: server already listening")
	ErrInvalidConfig    = errors.New("health: invalid config")
)

// Legacy health paths answered alongside the canonical ones.
var (
	LivenessAliases  = []string{"/healthz", "/api/health"}
	ReadinessAliases = []string{"/readyz", "/api/ready"}
)

const MetricsPath = "/metrics"

type Config struct {
	App  string
	Host string
	// Port 0 binds an ephemeral port.
	Port          int
	Mode          string
	LivenessPath  string
	ReadinessPath string
	Drain         time.Duration
	InitTimeout   time.Duration
	// Retry schedules repeated Init attempts for a failed dependency.
	Retry        tools.BackoffConfig
	Dependencies []Dependency
	// PublicDir, when set, is served on / with index.html as the SPA fallback.
	PublicDir   string
	CORSOrigins []string
	// MetricsToken, when set, requires a bearer token on the metrics endpoint.
	MetricsToken string
	Logger       *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.App == "" {
		c.App = "shipctl"
	}
	if c.Mode == "" {
		c.Mode = config.DefaultMode
	}
	if c.LivenessPath == "" {
		c.LivenessPath = config.DefaultLivenessPath
	}
	if c.ReadinessPath == "" {
		c.ReadinessPath = config.DefaultReadinessPath
	}
	if c.Drain <= 0 {
		c.Drain = 2 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 15 * time.Second
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry = tools.DefaultBackoff(250 * time.Millisecond)
	}
	return c
}

func (c Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if !strings.HasPrefix(c.LivenessPath, "/") || !strings.HasPrefix(c.ReadinessPath, "/") {
		return fmt.Errorf("%w: health paths must be absolute", ErrInvalidConfig)
	}
	if c.LivenessPath == c.ReadinessPath {
		return fmt.Errorf("%w: liveness and readiness share %s", ErrInvalidConfig, c.LivenessPath)
	}
	if c.PublicDir != "" {
		info, err := os.Stat(c.PublicDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: public dir %s", ErrInvalidConfig, c.PublicDir)
		}
	}
	seen := make(map[string]struct{}, len(c.Dependencies))
	for _, d := range c.Dependencies {
		if _, dup := seen[d.Name()]; dup {
			return fmt.Errorf("%w: duplicate dependency %s", ErrInvalidConfig, d.Name())
		}
		seen[d.Name()] = struct{}{}
	}
	return nil
}

// DependencyState is the readiness detail for one dependency.
type DependencyState struct {
	State    string        `json:"state"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
}

const (
	DependencyPending  = "pending"
	DependencyOK       = "ok"
	DependencyFailed   = "failed"
	DependencyDisabled = "disabled"
)

// Status is the externally visible health state.
type Status struct {
	Live         bool                       `json:"live"`
	Ready        bool                       `json:"ready"`
	LiveSince    time.Time                  `json:"live_since,omitempty"`
	ReadySince   time.Time                  `json:"ready_since,omitempty"`
	Mode         string                     `json:"mode"`
	Dependencies map[string]DependencyState `json:"dependencies"`
}

type Server struct {
	cfg    Config
	logger zerolog.Logger
	router *gin.Engine
	srv    *http.Server

	live         atomic.Bool
	ready        atomic.Bool
	shuttingDown atomic.Bool

	// stopCtx ends dependency retries; initWG tracks running Initialize calls.
	stopCtx  context.Context
	stopInit context.CancelFunc
	initWG   sync.WaitGroup

	mu         sync.Mutex
	ln         net.Listener
	liveSince  time.Time
	readySince time.Time
	deps       map[string]DependencyState
}

// New validates cfg and builds routes. Nothing is bound yet.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, healthPaths(cfg)...))
	r.Use(observability.RequestMetricsMiddleware(cfg.App))
	if origins := normalizeOrigins(cfg.CORSOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "HEAD"},
			AllowHeaders: []string{"Origin"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: r,
		deps:   make(map[string]DependencyState, len(cfg.Dependencies)),
	}
	s.stopCtx, s.stopInit = context.WithCancel(context.Background())
	for _, d := range cfg.Dependencies {
		state := DependencyState{State: DependencyPending}
		if dis, ok := d.(Disabled); ok {
			state = DependencyState{State: DependencyDisabled, Error: dis.Reason()}
		}
		s.deps[d.Name()] = state
	}
	s.registerRoutes()
	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router exposes the engine so callers can mount extra routes before Listen.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	for _, p := range append([]string{s.cfg.LivenessPath}, LivenessAliases...) {
		s.router.GET(p, s.handleLiveness)
		s.router.HEAD(p, s.handleLiveness)
	}
	for _, p := range append([]string{s.cfg.ReadinessPath}, ReadinessAliases...) {
		s.router.GET(p, s.handleReadiness)
		s.router.HEAD(p, s.handleReadiness)
	}
	metrics := []gin.HandlerFunc{gin.WrapH(promhttp.Handler())}
	if s.cfg.MetricsToken != "" {
		metrics = append([]gin.HandlerFunc{auth.RequireBearer(auth.StaticToken{Token: s.cfg.MetricsToken})}, metrics...)
	}
	s.router.GET(MetricsPath, metrics...)
	if s.cfg.PublicDir != "" {
		s.router.NoRoute(s.handleStatic)
	}
}

func (s *Server) handleLiveness(c *gin.Context) {
	st := s.Status()
	code := http.StatusOK
	if !st.Live {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": statusWord(st.Live),
		"live":   st.Live,
		"mode":   st.Mode,
		"uptime": time.Since(st.LiveSince).Round(time.Millisecond).String(),
	})
}

func (s *Server) handleReadiness(c *gin.Context) {
	st := s.Status()
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       statusWord(st.Ready),
		"ready":        st.Ready,
		"dependencies": st.Dependencies,
	})
}

// handleStatic serves files from PublicDir; extensionless misses fall back to
// the entry document for client-side routing.
func (s *Server) handleStatic(c *gin.Context) {
	if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
		c.Status(http.StatusNotFound)
		return
	}
	clean := path.Clean("/" + c.Request.URL.Path)
	target := filepath.Join(s.cfg.PublicDir, filepath.FromSlash(clean))
	if !tools.IsWithin(target, s.cfg.PublicDir) {
		c.Status(http.StatusNotFound)
		return
	}
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		c.File(target)
		return
	}
	if path.Ext(clean) != "" {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(filepath.Join(s.cfg.PublicDir, "index.html"))
}

// Listen binds the listener; from here the process is live.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyListening
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.liveSince = time.Now()
	s.live.Store(true)
	observability.SetHealthState("liveness", true)
	observability.SetHealthState("readiness", false)
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("health.Server.Listen live")
	return nil
}

// Addr is the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until Shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Initialize runs every dependency init concurrently, each attempt bounded by
// InitTimeout. A failed dependency is retried on the Retry schedule until it
// succeeds, ctx ends or Shutdown starts. The server turns ready only when all
// dependencies are up.
func (s *Server) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown.Load() {
		s.mu.Unlock()
		return nil
	}
	s.initWG.Add(1)
	s.mu.Unlock()
	defer s.initWG.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(s.stopCtx, cancel)()

	var g errgroup.Group
	for _, d := range s.cfg.Dependencies {
		d := d
		if _, disabled := d.(Disabled); disabled {
			s.logger.Warn().Str("dependency", d.Name()).Msg("health.Server.Initialize dependency disabled")
			continue
		}
		g.Go(func() error { return s.initDependency(ctx, d) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if s.shuttingDown.Load() {
		return nil
	}
	s.mu.Lock()
	s.readySince = time.Now()
	s.mu.Unlock()
	s.ready.Store(true)
	observability.SetHealthState("readiness", true)
	s.logger.Info().Msg("health.Server.Initialize ready")
	return nil
}

func (s *Server) initDependency(ctx context.Context, d Dependency) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
		start := time.Now()
		err := d.Init(initCtx)
		cancel()
		state := DependencyState{State: DependencyOK, Duration: time.Since(start), Attempts: attempt}
		if err == nil {
			s.setDependency(d.Name(), state)
			s.logger.Info().Str("dependency", d.Name()).Int("attempts", attempt).Dur("duration", state.Duration).Msg("health.Server.Initialize dependency ok")
			return nil
		}
		state.State = DependencyFailed
		state.Error = err.Error()
		s.setDependency(d.Name(), state)

		delay := tools.NextBackoffDelay(s.cfg.Retry, attempt, rng)
		s.logger.Warn().Err(err).Str("dependency", d.Name()).Int("attempt", attempt).Dur("retry_in", delay).Msg("health.Server.Initialize dependency failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s: %v", ErrDependencyInit, d.Name(), err)
		case <-timer.C:
		}
	}
}

func (s *Server) setDependency(name string, state DependencyState) {
	s.mu.Lock()
	s.deps[name] = state
	s.mu.Unlock()
}

// Shutdown drops readiness at once, drains in-flight requests for the drain
// period, then force-closes what remains.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	observability.SetHealthState("readiness", false)
	s.mu.Lock()
	s.stopInit()
	s.mu.Unlock()
	s.logger.Info().Dur("drain", s.cfg.Drain).Msg("health.Server.Shutdown draining")

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.Drain)
	defer cancel()
	var errs []error
	if err := s.srv.Shutdown(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("health.Server.Shutdown drain incomplete; closing connections")
		if closeErr := s.srv.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	s.mu.Lock()
	if s.ln != nil {
		// no-op when Serve already closed it
		_ = s.ln.Close()
	}
	s.mu.Unlock()
	s.initWG.Wait()
	for _, d := range s.cfg.Dependencies {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.Name(), err))
		}
	}
	s.live.Store(false)
	observability.SetHealthState("liveness", false)
	return errors.Join(errs...)
}

// Status returns a copy of the current health state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	deps := make(map[string]DependencyState, len(s.deps))
	for k, v := range s.deps {
		deps[k] = v
	}
	return Status{
		Live:         s.live.Load(),
		Ready:        s.ready.Load() && !s.shuttingDown.Load(),
		LiveSince:    s.liveSince,
		ReadySince:   s.readySince,
		Mode:         s.cfg.Mode,
		Dependencies: deps,
	}
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

func healthPaths(cfg Config) []string {
	out := []string{cfg.LivenessPath, cfg.ReadinessPath, MetricsPath}
	out = append(out, LivenessAliases...)
	return append(out, ReadinessAliases...)
}

func normalizeOrigins(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		o := strings.TrimSpace(raw)
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}
