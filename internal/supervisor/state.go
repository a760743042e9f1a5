package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("supervisor: invalid state transition")
	ErrAlreadyStarted    = errors.New("supervisor: already started")
	ErrNotRunning        = errors.New("supervisor: process not running")
	ErrNoStartCommand    = errors.New("supervisor: manifest has no start command")
	ErrNotReaped         = errors.New("supervisor: child not reaped after kill")
)

type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateExited      State = "exited"
)

var validTransitions = map[State]map[State]struct{}{
	StateStarting:    {StateRunning: {}, StateExited: {}},
	StateRunning:     {StateTerminating: {}, StateExited: {}},
	StateTerminating: {StateExited: {}},
	StateExited:      {},
}

// CanTransition reports whether from -> to is allowed. Exited is terminal.
func CanTransition(from, to State) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Process is a snapshot of the supervised child.
type Process struct {
	PID      int
	State    State
	ExitCode int
	Signal   string
	// Forced is set when the child outlived its grace period and was killed.
	Forced bool
	// Restarts stays 0: crashes are reported to the caller, never relaunched.
	Restarts      int
	StartedAt     time.Time
	RunningAt     time.Time
	LiveAt        time.Time
	TerminatingAt time.Time
	ExitedAt      time.Time
}

// Live reports whether the startup liveness check succeeded.
func (p Process) Live() bool {
	return !p.LiveAt.IsZero()
}

// Uptime is the time spent between spawn and exit (or now).
func (p Process) Uptime(now time.Time) time.Duration {
	if p.RunningAt.IsZero() {
		return 0
	}
	if !p.ExitedAt.IsZero() {
		return p.ExitedAt.Sub(p.RunningAt)
	}
	return now.Sub(p.RunningAt)
}
