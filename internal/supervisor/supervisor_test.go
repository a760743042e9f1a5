package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/shipctl/internal/artifact"
	"github.com/danmuck/shipctl/internal/config"
	"github.com/danmuck/shipctl/internal/faults"
	"github.com/danmuck/shipctl/internal/health"
	"github.com/danmuck/shipctl/internal/testutil/testlog"
	"github.com/danmuck/shipctl/internal/tools"
	"github.com/gin-gonic/gin"
)

const helperEnv = "SHIPCTL_SUPERVISOR_HELPER"

// TestHelperProcess is the supervised child; it only runs when re-executed.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	switch mode {
	case "health-server":
		serveHealth()
	case "crash":
		os.Exit(3)
	case "never-live":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "serve", "stubborn", "crash-later", "spawner":
	default:
		os.Exit(64)
	}

	sigs := make(chan os.Signal, 1)
	if mode == "stubborn" || mode == "spawner" {
		signal.Ignore(syscall.SIGTERM, syscall.SIGINT)
	} else {
		signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	}
	if mode == "spawner" {
		child := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
		child.Env = append(os.Environ(), helperEnv+"=never-live")
		if err := child.Start(); err != nil {
			os.Exit(65)
		}
		if err := os.WriteFile(os.Getenv("SHIPCTL_HELPER_PIDFILE"), []byte(strconv.Itoa(child.Process.Pid)), 0o644); err != nil {
			os.Exit(66)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		os.Exit(67)
	}
	go func() { _ = http.Serve(ln, mux) }()

	if mode == "crash-later" {
		time.Sleep(800 * time.Millisecond)
		os.Exit(7)
	}
	select {
	case <-sigs:
		os.Exit(0)
	case <-time.After(time.Minute):
		os.Exit(0)
	}
}

// serveHealth runs the artifact-side health server the way servectl does.
func serveHealth() {
	gin.SetMode(gin.TestMode)
	port, err := strconv.Atoi(os.Getenv(config.EnvPort))
	if err != nil {
		os.Exit(68)
	}
	drain, err := time.ParseDuration(os.Getenv(config.EnvDrain))
	if err != nil {
		os.Exit(69)
	}
	srv, err := health.New(health.Config{App: "helper", Host: "127.0.0.1", Port: port, Mode: os.Getenv(config.EnvMode), Drain: drain})
	if err != nil {
		os.Exit(70)
	}
	if err := srv.Listen(); err != nil {
		os.Exit(71)
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { _ = srv.Serve() }()
	go func() { _ = srv.Initialize(context.Background()) }()
	<-sigs
	if err := srv.Shutdown(context.Background()); err != nil {
		os.Exit(72)
	}
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func helperSupervisor(t *testing.T, mode string, tune func(*Config)) (*Supervisor, chan os.Signal) {
	t.Helper()
	sigs := make(chan os.Signal, 1)
	art := artifact.Artifact{
		Dir: t.TempDir(),
		Manifest: artifact.Manifest{
			Name:  "helper",
			Start: []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		},
	}
	cfg := Config{
		Mode:           "test",
		Port:           freePort(t),
		Base:           config.NewEnvironment(map[string]string{"PATH": os.Getenv("PATH")}),
		Vars:           map[string]string{helperEnv: mode},
		Grace:          500 * time.Millisecond,
		StartupTimeout: 10 * time.Second,
		Backoff:        tools.DefaultBackoff(20 * time.Millisecond),
		Signals:        sigs,
		Stdout:         os.Stderr,
	}
	if tune != nil {
		tune(&cfg)
	}
	return New(art, cfg), sigs
}

func waitLive(t *testing.T, s *Supervisor) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Process().Live() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("child never became live: %+v", s.Process())
}

type runResult struct {
	proc Process
	err  error
}

func runAsync(s *Supervisor) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		p, err := s.Run(context.Background())
		out <- runResult{proc: p, err: err}
	}()
	return out
}

func TestSignalForwardedAndChildExitsWithinGrace(t *testing.T) {
	testlog.Start(t)
	s, sigs := helperSupervisor(t, "serve", nil)
	done := runAsync(s)
	waitLive(t, s)

	start := time.Now()
	sigs <- syscall.SIGTERM
	res := <-done
	if res.err != nil {
		t.Fatalf("graceful shutdown should not error: %v", res.err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond+time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	if res.proc.State != StateExited || res.proc.ExitCode != 0 || res.proc.Forced {
		t.Fatalf("unexpected final process: %+v", res.proc)
	}
	if res.proc.TerminatingAt.IsZero() || res.proc.ExitedAt.Before(res.proc.TerminatingAt) {
		t.Fatalf("expected running -> terminating -> exited timestamps: %+v", res.proc)
	}
}

func TestHealthServerChildLifecycle(t *testing.T) {
	testlog.Start(t)
	s, sigs := helperSupervisor(t, "health-server", func(c *Config) {
		c.Mode = "production"
		c.Grace = 2 * time.Second
		c.Drain = 500 * time.Millisecond
	})
	base := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	status := func(path string) int {
		client := &http.Client{Timeout: 200 * time.Millisecond}
		resp, err := client.Get(base + path)
		if err != nil {
			return 0
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	done := runAsync(s)
	waitLive(t, s)
	p := s.Process()
	if live := p.LiveAt.Sub(p.RunningAt); live > time.Second {
		t.Fatalf("liveness took %s", live)
	}
	deadline := time.Now().Add(5 * time.Second)
	for status(config.DefaultReadinessPath) != http.StatusOK {
		if time.Now().After(deadline) {
			t.Fatalf("child never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	sigs <- syscall.SIGINT
	deadline = time.Now().Add(500 * time.Millisecond)
	for status(config.DefaultReadinessPath) == http.StatusOK {
		if time.Now().After(deadline) {
			t.Fatalf("readiness still passing %s after SIGINT", time.Since(start))
		}
		time.Sleep(5 * time.Millisecond)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("graceful shutdown should not error: %v", res.err)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Fatalf("child outlived grace: %s", elapsed)
	}
	if res.proc.Forced || res.proc.ExitCode != 0 || res.proc.State != StateExited {
		t.Fatalf("unexpected final process: %+v", res.proc)
	}
}

func TestUnresponsiveChildIsKilledAfterGrace(t *testing.T) {
	testlog.Start(t)
	s, sigs := helperSupervisor(t, "stubborn", nil)
	done := runAsync(s)
	waitLive(t, s)

	start := time.Now()
	sigs <- syscall.SIGINT
	res := <-done
	elapsed := time.Since(start)
	if res.err != nil {
		t.Fatalf("forced shutdown should still succeed: %v", res.err)
	}
	if elapsed < 500*time.Millisecond || elapsed > 500*time.Millisecond+2*time.Second {
		t.Fatalf("unexpected shutdown duration %s", elapsed)
	}
	if !res.proc.Forced || res.proc.Signal != "SIGKILL" {
		t.Fatalf("expected forced kill: %+v", res.proc)
	}
	if Alive(int32(res.proc.PID)) {
		t.Fatalf("child %d still alive", res.proc.PID)
	}
}

func TestExitBeforeLivenessIsRuntimeLaunchError(t *testing.T) {
	testlog.Start(t)
	s, _ := helperSupervisor(t, "crash", nil)
	proc, err := s.Run(context.Background())

	var launchErr *faults.RuntimeLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected RuntimeLaunchError, got %v", err)
	}
	if launchErr.ExitCode != 3 || proc.ExitCode != 3 || proc.State != StateExited {
		t.Fatalf("unexpected exit details: err=%+v proc=%+v", launchErr, proc)
	}
	if faults.ExitCode(err) != faults.ExitRuntime {
		t.Fatalf("expected runtime exit code")
	}
}

func TestCrashAfterLivenessIsReportedWithoutRestart(t *testing.T) {
	testlog.Start(t)
	s, _ := helperSupervisor(t, "crash-later", nil)
	proc, err := s.Run(context.Background())
	if !errors.Is(err, faults.ErrRuntimeLaunch) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if !proc.Live() || proc.ExitCode != 7 || proc.Restarts != 0 {
		t.Fatalf("unexpected process: %+v", proc)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("supervisor must not relaunch, got %v", err)
	}
}

func TestStartupTimeoutTerminatesChild(t *testing.T) {
	testlog.Start(t)
	s, _ := helperSupervisor(t, "never-live", func(c *Config) {
		c.StartupTimeout = 300 * time.Millisecond
		c.Grace = 200 * time.Millisecond
	})
	proc, err := s.Run(context.Background())
	var launchErr *faults.RuntimeLaunchError
	if !errors.As(err, &launchErr) || !strings.Contains(launchErr.Reason, "not live") {
		t.Fatalf("expected startup timeout error, got %v", err)
	}
	if proc.State != StateExited || Alive(int32(proc.PID)) {
		t.Fatalf("child should be gone: %+v", proc)
	}
}

func TestSignalDuringStartupCancelsPolling(t *testing.T) {
	testlog.Start(t)
	s, sigs := helperSupervisor(t, "never-live", func(c *Config) {
		c.StartupTimeout = time.Minute
		c.Grace = 200 * time.Millisecond
	})
	done := runAsync(s)
	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	sigs <- syscall.SIGTERM
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("shutdown during startup should not error: %v", res.err)
		}
		if res.proc.Live() {
			t.Fatalf("child was never live")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("signal did not cancel startup polling")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("startup cancellation too slow")
	}
}

func TestStopTerminatesAndLeavesNoOrphans(t *testing.T) {
	testlog.Start(t)
	pidfile := filepath.Join(t.TempDir(), "grandchild.pid")
	s, _ := helperSupervisor(t, "spawner", func(c *Config) {
		c.Vars["SHIPCTL_HELPER_PIDFILE"] = pidfile
	})
	done := runAsync(s)
	waitLive(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	res := <-done
	if res.proc.State != StateExited {
		t.Fatalf("expected exited, got %+v", res.proc)
	}

	raw, err := os.ReadFile(pidfile)
	if err != nil {
		t.Fatalf("read pidfile: %v", err)
	}
	grandchild, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for Alive(int32(grandchild)) {
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d survived the supervisor", grandchild)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSpawnFailureMovesStartingToExited(t *testing.T) {
	testlog.Start(t)
	art := artifact.Artifact{Dir: t.TempDir(), Manifest: artifact.Manifest{Start: []string{"/nonexistent/shipctl-node"}}}
	s := New(art, Config{Signals: make(chan os.Signal)})
	proc, err := s.Run(context.Background())
	if !errors.Is(err, faults.ErrRuntimeLaunch) || proc.State != StateExited {
		t.Fatalf("expected spawn failure, got %v %+v", err, proc)
	}
}

func startHelper(t *testing.T, mode string, ownGroup bool) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperEnv+"="+mode)
	if ownGroup {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	return cmd
}

func runningSupervisor(t *testing.T, pid int) *Supervisor {
	t.Helper()
	s := New(artifact.Artifact{}, Config{
		Grace:    50 * time.Millisecond,
		KillWait: 200 * time.Millisecond,
		Signals:  make(chan os.Signal),
	})
	s.proc.PID = pid
	if err := s.transition(StateRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return s
}

func TestUnreapedChildStaysTerminating(t *testing.T) {
	testlog.Start(t)
	// Outside its own group the group signals miss, so the child survives.
	cmd := startHelper(t, "never-live", false)
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	s := runningSupervisor(t, cmd.Process.Pid)

	proc, err := s.terminate(cmd.Process.Pid, syscall.SIGTERM, make(chan *os.ProcessState))
	if !errors.Is(err, ErrNotReaped) || !errors.Is(err, faults.ErrRuntimeLaunch) {
		t.Fatalf("expected not-reaped error, got %v", err)
	}
	if proc.State != StateTerminating || !proc.ExitedAt.IsZero() {
		t.Fatalf("process must stay terminating: %+v", proc)
	}
}

func TestKilledZombieCountsAsExited(t *testing.T) {
	testlog.Start(t)
	cmd := startHelper(t, "never-live", true)
	t.Cleanup(func() { _ = cmd.Wait() })
	s := runningSupervisor(t, cmd.Process.Pid)

	// Nobody reaps the child here, so after SIGKILL it lingers as a zombie.
	proc, err := s.terminate(cmd.Process.Pid, syscall.SIGTERM, make(chan *os.ProcessState))
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if proc.State != StateExited || !proc.Forced || proc.Signal != "SIGKILL" {
		t.Fatalf("unexpected process: %+v", proc)
	}
}

func TestTransitionsAreStrict(t *testing.T) {
	allowed := [][2]State{
		{StateStarting, StateRunning},
		{StateStarting, StateExited},
		{StateRunning, StateTerminating},
		{StateRunning, StateExited},
		{StateTerminating, StateExited},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s allowed", tr[0], tr[1])
		}
	}
	denied := [][2]State{
		{StateExited, StateStarting},
		{StateExited, StateRunning},
		{StateTerminating, StateRunning},
		{StateRunning, StateStarting},
		{StateStarting, StateTerminating},
	}
	for _, tr := range denied {
		if CanTransition(tr[0], tr[1]) {
			t.Fatalf("expected %s -> %s denied", tr[0], tr[1])
		}
	}

	s := New(artifact.Artifact{}, Config{})
	if err := s.transition(StateTerminating); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.transition(StateExited); err != nil {
		t.Fatalf("starting -> exited: %v", err)
	}
	if err := s.transition(StateRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("exited must be terminal, got %v", err)
	}
}

func TestChildEnvIsExplicit(t *testing.T) {
	base := config.NewEnvironment(map[string]string{
		"PATH":         "/usr/bin",
		"HOME":         "/home/app",
		"AWS_SECRET":   "leak",
		"DATABASE_URL": "ignored-host-value",
	})
	env := ChildEnv(base, map[string]string{"DATABASE_URL": "postgres://db"}, 5000, "production", 2*time.Second)
	want := []string{
		"DATABASE_URL=postgres://db",
		"HOME=/home/app",
		"NODE_ENV=production",
		"PATH=/usr/bin",
		"PORT=5000",
		"SHIPCTL_DRAIN=2s",
		"SHIPCTL_MODE=production",
	}
	if fmt.Sprint(env) != fmt.Sprint(want) {
		t.Fatalf("unexpected env:\n got=%v\nwant=%v", env, want)
	}
}
