// Package supervisor runs one artifact process and owns its lifecycle.
//
// Ownership boundary:
// - spawn with an explicit environment in a dedicated process group
//
// - startup liveness polling, signal forwarding, grace-period escalation
//
// - orphan cleanup after exit
//
// Lifecycle: Starting -> Running -> Terminating -> Exited. A crash moves
// Running -> Exited directly. Nothing is restarted automatically.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/shipctl/internal/artifact"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/observability"
	"github.com/danmuck/shipctl/internal/tools"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

type Config struct {
	Mode           string
	Port           int
	Host           string
	Base           config.Environment
	Vars           map[string]string
	Grace          time.Duration
	Drain          time.Duration // handed to the child as SHIPCTL_DRAIN
	StartupTimeout time.Duration
	Backoff        tools.BackoffConfig
	LivenessPath   string
	ReadinessPath  string
	WaitReady      bool
	// KillWait bounds the wait for a SIGKILLed child to be reaped.
	KillWait time.Duration
	Stdout   io.Writer
	Stderr   io.Writer
	// Signals overrides OS signal delivery; nil subscribes to SIGINT and SIGTERM.
	Signals <-chan os.Signal
}

// FromRunConfiguration maps the resolved run settings onto a supervisor config.
func FromRunConfiguration(run config.RunConfiguration, base config.Environment, vars map[string]string) Config {
	return Config{
		Mode:           run.Mode,
		Port:           run.Port,
		Base:           base,
		Vars:           vars,
		Grace:          run.Grace,
		Drain:          run.Drain,
		StartupTimeout: run.StartupTimeout,
		Backoff:        tools.DefaultBackoff(run.PollInterval),
		LivenessPath:   run.LivenessPath,
		ReadinessPath:  run.ReadinessPath,
		WaitReady:      run.WaitReady,
	}
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Mode == "" {
		c.Mode = config.DefaultMode
	}
	if c.Port == 0 {
		c.Port = config.DefaultPort
	}
	if c.Grace <= 0 {
		c.Grace = 3 * time.Second
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 30 * time.Second
	}
	if c.KillWait <= 0 {
		c.KillWait = 5 * time.Second
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = tools.DefaultBackoff(100 * time.Millisecond)
	}
	if c.LivenessPath == "" {
		c.LivenessPath = config.DefaultLivenessPath
	}
	if c.ReadinessPath == "" {
		c.ReadinessPath = config.DefaultReadinessPath
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return c
}

// Supervisor owns exactly one child process for its whole life.
type Supervisor struct {
	art artifact.Artifact
	cfg Config

	mu      sync.Mutex
	proc    Process
	started bool
	stopCh  chan os.Signal
	done    chan struct{}
}

func New(art artifact.Artifact, cfg Config) *Supervisor {
	return &Supervisor{
		art:    art,
		cfg:    cfg.withDefaults(),
		proc:   Process{State: StateStarting},
		stopCh: make(chan os.Signal, 1),
		done:   make(chan struct{}),
	}
}

// Process returns a snapshot of the supervised child.
func (s *Supervisor) Process() Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Stop requests graceful termination and waits for Exited or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	state := s.proc.State
	s.mu.Unlock()
	if state == StateExited {
		return nil
	}
	select {
	case s.stopCh <- syscall.SIGTERM:
	default:
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run spawns the child and blocks until it has exited. A requested shutdown
// returns nil even when the child had to be killed; a crash or failed startup
// returns a RuntimeLaunchError.
func (s *Supervisor) Run(ctx context.Context) (Process, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return s.Process(), ErrAlreadyStarted
	}
	s.started = true
	s.proc.StartedAt = time.Now()
	s.mu.Unlock()
	defer close(s.done)

	signals := s.cfg.Signals
	if signals == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	cmd, err := s.command()
	if err != nil {
		return s.spawnFailed(err)
	}
	if err := cmd.Start(); err != nil {
		return s.spawnFailed(err)
	}
	pid := cmd.Process.Pid
	s.mu.Lock()
	s.proc.PID = pid
	s.mu.Unlock()
	if err := s.transition(StateRunning); err != nil {
		return s.Process(), err
	}
	log.Info().
		Int("pid", pid).
		Strs("argv", cmd.Args).
		Str("dir", cmd.Dir).
		Int("port", s.cfg.Port).
		Msg("supervisor.Supervisor.Run spawned")

	exited := make(chan *os.ProcessState, 1)
	go func() {
		// Wait errors other than a nonzero status carry no extra signal here.
		_ = cmd.Wait()
		exited <- cmd.ProcessState
	}()

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	pollDone := make(chan error, 1)
	go func() { pollDone <- s.pollLive(pollCtx) }()
	startup := time.NewTimer(s.cfg.StartupTimeout)
	defer startup.Stop()

	for {
		select {
		case state := <-exited:
			cancelPoll()
			return s.finishUnexpected(pid, state)

		case err := <-pollDone:
			pollDone = nil
			startup.Stop()
			if err != nil {
				// canceled by ctx; handled by the ctx branch
				continue
			}
			s.mu.Lock()
			s.proc.LiveAt = time.Now()
			s.mu.Unlock()
			log.Info().Int("pid", pid).Dur("after", time.Since(s.Process().RunningAt)).Msg("supervisor.Supervisor.Run child live")

		case <-startup.C:
			cancelPoll()
			log.Error().Int("pid", pid).Dur("timeout", s.cfg.StartupTimeout).Msg("supervisor.Supervisor.Run startup timeout")
			final, _ := s.terminate(pid, syscall.SIGTERM, exited)
			return final, &faults.RuntimeLaunchError{
				PID:      pid,
				ExitCode: final.ExitCode,
				Signal:   final.Signal,
				Reason:   fmt.Sprintf("not live after %s", s.cfg.StartupTimeout),
			}

		case sig := <-signals:
			cancelPoll()
			log.Info().Int("pid", pid).Str("signal", sig.String()).Msg("supervisor.Supervisor.Run forwarding signal")
			return s.terminate(pid, toSyscall(sig), exited)

		case sig := <-s.stopCh:
			cancelPoll()
			log.Info().Int("pid", pid).Msg("supervisor.Supervisor.Run stop requested")
			return s.terminate(pid, toSyscall(sig), exited)

		case <-ctx.Done():
			cancelPoll()
			log.Info().Int("pid", pid).Msg("supervisor.Supervisor.Run context done")
			return s.terminate(pid, syscall.SIGTERM, exited)
		}
	}
}

func (s *Supervisor) command() (*exec.Cmd, error) {
	argv := s.art.Manifest.Start
	if len(argv) == 0 {
		return nil, ErrNoStartCommand
	}
	name := argv[0]
	if !filepath.IsAbs(name) {
		resolved, err := lookPath(name, s.cfg.Base.Get("PATH"))
		if err != nil {
			return nil, err
		}
		name = resolved
	}
	cmd := exec.Command(name, argv[1:]...)
	cmd.Args[0] = argv[0]
	cmd.Dir = s.art.Dir
	cmd.Env = ChildEnv(s.cfg.Base, s.cfg.Vars, s.cfg.Port, s.cfg.Mode, s.cfg.Drain)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	cmd.SysProcAttr = sysProcAttr()
	return cmd, nil
}

// lookPath resolves name against the child's PATH, not the supervisor's.
func lookPath(name, path string) (string, error) {
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func (s *Supervisor) spawnFailed(err error) (Process, error) {
	if tErr := s.transition(StateExited); tErr != nil {
		return s.Process(), errors.Join(err, tErr)
	}
	log.Error().Err(err).Msg("supervisor.Supervisor.Run spawn failed")
	return s.Process(), &faults.RuntimeLaunchError{ExitCode: -1, Reason: "spawn failed", Err: err}
}

// finishUnexpected records an exit nobody asked for.
func (s *Supervisor) finishUnexpected(pid int, state *os.ProcessState) (Process, error) {
	code, sig := exitStatus(state)
	s.recordExit(code, sig, false)
	s.cleanupGroup(pid, nil)
	final := s.Process()
	observability.RecordExit(code, sig, false)

	if !final.Live() {
		log.Error().Int("pid", pid).Int("code", code).Str("signal", sig).Msg("supervisor.Supervisor.Run exited before live")
		return final, &faults.RuntimeLaunchError{PID: pid, ExitCode: code, Signal: sig, Reason: "exited before liveness"}
	}
	if code == 0 && sig == "" {
		log.Info().Int("pid", pid).Msg("supervisor.Supervisor.Run child exited cleanly")
		return final, nil
	}
	log.Error().Int("pid", pid).Int("code", code).Str("signal", sig).Msg("supervisor.Supervisor.Run child crashed")
	return final, &faults.RuntimeLaunchError{PID: pid, ExitCode: code, Signal: sig, Reason: "unexpected exit"}
}

// terminate forwards sig to the group, then escalates to SIGKILL after the grace period.
func (s *Supervisor) terminate(pid int, sig syscall.Signal, exited <-chan *os.ProcessState) (Process, error) {
	if err := s.transition(StateTerminating); err != nil {
		return s.Process(), err
	}
	descendants := collectDescendants(pid)
	if err := signalGroup(pid, sig); err != nil {
		log.Warn().Err(err).Int("pid", pid).Msg("supervisor.Supervisor.terminate signal failed")
	}

	grace := time.NewTimer(s.cfg.Grace)
	defer grace.Stop()
	var state *os.ProcessState
	forced := false
	select {
	case state = <-exited:
	case <-grace.C:
		forced = true
		timeoutErr := &faults.ShutdownTimeoutError{PID: pid, Grace: s.cfg.Grace}
		log.Warn().Err(timeoutErr).Int("pid", pid).Msg("supervisor.Supervisor.terminate grace expired; killing group")
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			log.Warn().Err(err).Int("pid", pid).Msg("supervisor.Supervisor.terminate kill failed")
		}
		select {
		case state = <-exited:
		case <-time.After(s.cfg.KillWait):
		}
	}

	code, signame := exitStatus(state)
	if state == nil {
		// Exited is only recorded for an observed termination: gone or zombie.
		if Alive(int32(pid)) {
			err := &faults.RuntimeLaunchError{PID: pid, ExitCode: -1, Reason: "not reaped after kill", Err: ErrNotReaped}
			log.Error().Err(err).Int("pid", pid).Dur("wait", s.cfg.KillWait).Msg("supervisor.Supervisor.terminate child survived kill")
			return s.Process(), err
		}
		signame = "SIGKILL"
	}
	s.recordExit(code, signame, forced)
	s.cleanupGroup(pid, descendants)
	observability.RecordExit(code, signame, forced)
	final := s.Process()
	log.Info().
		Int("pid", pid).
		Int("code", code).
		Str("signal", signame).
		Bool("forced", forced).
		Msg("supervisor.Supervisor.terminate exited")
	return final, nil
}

func (s *Supervisor) recordExit(code int, sig string, forced bool) {
	s.mu.Lock()
	s.proc.ExitCode = code
	s.proc.Signal = sig
	s.proc.Forced = forced
	s.mu.Unlock()
	if err := s.transition(StateExited); err != nil {
		log.Error().Err(err).Msg("supervisor.Supervisor.recordExit")
	}
}

func (s *Supervisor) transition(to State) error {
	s.mu.Lock()
	from := s.proc.State
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return transitionError(from, to)
	}
	now := time.Now()
	s.proc.State = to
	switch to {
	case StateRunning:
		s.proc.RunningAt = now
	case StateTerminating:
		s.proc.TerminatingAt = now
	case StateExited:
		s.proc.ExitedAt = now
	}
	s.mu.Unlock()
	observability.RecordTransition(string(from), string(to))
	log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("supervisor.Supervisor transition")
	return nil
}

// pollLive polls liveness (or readiness when WaitReady) with backoff until it
// answers 200 or ctx ends.
func (s *Supervisor) pollLive(ctx context.Context) error {
	path := s.cfg.LivenessPath
	if s.cfg.WaitReady {
		path = s.cfg.ReadinessPath
	}
	url := "http://" + net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)) + path
	client := &http.Client{Timeout: time.Second}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if ok := pollOnce(ctx, client, url); ok {
			return nil
		}
		delay := tools.NextBackoffDelay(s.cfg.Backoff, attempt, rng)
		log.Debug().Str("url", url).Int("attempt", attempt).Dur("next", delay).Msg("supervisor.Supervisor.pollLive not live")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func pollOnce(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// collectDescendants snapshots the child's process tree so members that left
// the group can still be found after the leader exits.
func collectDescendants(pid int) []int32 {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			out = append(out, c.Pid)
			queue = append(queue, c)
		}
	}
	return out
}

// cleanupGroup kills anything left in the child's group or tree after exit.
func (s *Supervisor) cleanupGroup(pgid int, descendants []int32) {
	if groupAlive(pgid) {
		log.Warn().Int("pgid", pgid).Msg("supervisor.Supervisor.cleanupGroup killing surviving group members")
		if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
			log.Warn().Err(err).Int("pgid", pgid).Msg("supervisor.Supervisor.cleanupGroup kill failed")
		}
	}
	for _, pid := range descendants {
		if !Alive(pid) {
			continue
		}
		p, err := process.NewProcess(pid)
		if err != nil {
			continue
		}
		log.Warn().Int32("pid", pid).Msg("supervisor.Supervisor.cleanupGroup killing escaped descendant")
		if err := p.Kill(); err != nil {
			log.Warn().Err(err).Int32("pid", pid).Msg("supervisor.Supervisor.cleanupGroup kill failed")
		}
	}
}

// Alive reports whether pid names a process that is not a zombie.
func Alive(pid int32) bool {
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, st := range status {
		if st == process.Zombie {
			return false
		}
	}
	return true
}
