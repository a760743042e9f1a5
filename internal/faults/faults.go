// Package faults owns the pipeline failure taxonomy and its exit-code contract.
//
// Ownership boundary:
// - failure categories shared by validator, build, packager and supervisor
//
// - process exit codes used by every cmd binary
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfiguration      = errors.New("configuration error")
	ErrBuild              = errors.New("build error")
	ErrPackagingIntegrity = errors.New("packaging integrity error")
	ErrRuntimeLaunch      = errors.New("runtime launch error")
	ErrShutdownTimeout    = errors.New("shutdown timeout")
)

// Exit codes reported by cmd binaries for operator triage.
const (
	ExitOK            = 0
	ExitInternal      = 1
	ExitConfiguration = 2
	ExitBuild         = 3
	ExitPackaging     = 4
	ExitRuntime       = 5
)

// ConfigurationError reports required variables with no present name or alias.
type ConfigurationError struct {
	Missing []string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%v: missing=[%s]", ErrConfiguration, quoteJoin(e.Missing))
	}
	return fmt.Sprintf("%v: %s", ErrConfiguration, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// BuildError carries the compiler or bundler diagnostic unmodified.
type BuildError struct {
	Step       string
	Diagnostic string
	Err        error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("%v: step=%s", ErrBuild, e.Step)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		msg += "\n" + d
	}
	return msg
}

func (e *BuildError) Is(target error) bool { return target == ErrBuild }
func (e *BuildError) Unwrap() error        { return e.Err }

// PackagingIntegrityError names the artifact item that failed verification.
type PackagingIntegrityError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PackagingIntegrityError) Error() string {
	msg := fmt.Sprintf("%v: path=%q reason=%s", ErrPackagingIntegrity, e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PackagingIntegrityError) Is(target error) bool { return target == ErrPackagingIntegrity }
func (e *PackagingIntegrityError) Unwrap() error        { return e.Err }

// RuntimeLaunchError reports a child that failed to spawn or exited unexpectedly.
type RuntimeLaunchError struct {
	PID      int
	ExitCode int
	Signal   string
	Reason   string
	Err      error
}

func (e *RuntimeLaunchError) Error() string {
	msg := fmt.Sprintf("%v: pid=%d exit=%d", ErrRuntimeLaunch, e.PID, e.ExitCode)
	if e.Signal != "" {
		msg += " signal=" + e.Signal
	}
	if e.Reason != "" {
		msg += " reason=" + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeLaunchError) Is(target error) bool { return target == ErrRuntimeLaunch }
func (e *RuntimeLaunchError) Unwrap() error        { return e.Err }

// ShutdownTimeoutError reports a child force-killed after its grace period.
type ShutdownTimeoutError struct {
	PID   int
	Grace time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("%v: pid=%d grace=%s", ErrShutdownTimeout, e.PID, e.Grace)
}

func (e *ShutdownTimeoutError) Is(target error) bool { return target == ErrShutdownTimeout }

// ExitCode maps an error to the process exit code for its category.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrConfiguration):
		return ExitConfiguration
	case errors.Is(err, ErrBuild):
		return ExitBuild
	case errors.Is(err, ErrPackagingIntegrity):
		return ExitPackaging
	case errors.Is(err, ErrRuntimeLaunch):
		return ExitRuntime
	case errors.Is(err, ErrShutdownTimeout):
		// shutdown was still achieved
		return ExitOK
	default:
		return ExitInternal
	}
}

// Category returns a short label for logs and metrics.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrBuild):
		return "build"
	case errors.Is(err, ErrPackagingIntegrity):
		return "packaging"
	case errors.Is(err, ErrRuntimeLaunch):
		return "runtime"
	case errors.Is(err, ErrShutdownTimeout):
		return "shutdown_timeout"
	default:
		return "internal"
	}
}

func quoteJoin(in []string) string {
	parts := make([]string, 0, len(in))
	for _, v := range in {
		parts = append(parts, fmt.Sprintf("%q", v))
	}
	return strings.Join(parts, ",")
}
