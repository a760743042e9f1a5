package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestExitCodeByCategory(t *testing.T) {
	cases := []struct {
		err  error
		code int
		cat  string
	}{
		{nil, ExitOK, "ok"},
		{&ConfigurationError{Missing: []string{"DATABASE_URL"}}, ExitConfiguration, "configuration"},
		{&BuildError{Step: "bundle", Diagnostic: "x"}, ExitBuild, "build"},
		{&PackagingIntegrityError{Path: "server/index.mjs", Reason: "missing"}, ExitPackaging, "packaging"},
		{&RuntimeLaunchError{PID: 10, ExitCode: 1}, ExitRuntime, "runtime"},
		{&ShutdownTimeoutError{PID: 10, Grace: time.Second}, ExitOK, "shutdown_timeout"},
		{errors.New("boom"), ExitInternal, "internal"},
	}
	for _, tc := range cases {
		wrapped := tc.err
		if wrapped != nil {
			wrapped = fmt.Errorf("pipeline: %w", tc.err)
		}
		if got := ExitCode(wrapped); got != tc.code {
			t.Fatalf("exit code for %v: got %d want %d", tc.err, got, tc.code)
		}
		if got := Category(wrapped); got != tc.cat {
			t.Fatalf("category for %v: got %q want %q", tc.err, got, tc.cat)
		}
	}
}

func TestConfigurationErrorListsMissingNames(t *testing.T) {
	err := &ConfigurationError{Missing: []string{"DATABASE_URL", "SESSION_SECRET"}}
	want := `configuration error: missing=["DATABASE_URL","SESSION_SECRET"]`
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestBuildErrorKeepsDiagnosticVerbatim(t *testing.T) {
	diag := "src/server.ts:3:7: ERROR: Expected \";\" but found \"x\""
	err := &BuildError{Step: "server", Diagnostic: diag, Err: errors.New("esbuild failed")}
	if !errors.Is(err, ErrBuild) {
		t.Fatalf("expected ErrBuild")
	}
	if got := err.Error(); got != "build error: step=server: esbuild failed\n"+diag {
		t.Fatalf("unexpected message: %q", got)
	}
}
