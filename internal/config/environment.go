package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment is one resolved variable snapshot, read once at startup and passed down.
type Environment struct {
	vars map[string]string
}

// NewEnvironment copies vars into an immutable snapshot.
func NewEnvironment(vars map[string]string) Environment {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return Environment{vars: out}
}

// LoadEnvironment merges an optional dotenv file under the process environment.
// Process values win. A missing dotenv file is not an error unless required.
func LoadEnvironment(dotenvPath string, required bool) (Environment, error) {
	vars := make(map[string]string)
	if path := strings.TrimSpace(dotenvPath); path != "" {
		fileVars, err := godotenv.Read(path)
		switch {
		case err == nil:
			for k, v := range fileVars {
				vars[k] = v
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return Environment{}, fmt.Errorf("config: read dotenv %s: %w", path, err)
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}
	return Environment{vars: vars}, nil
}

func (e Environment) Lookup(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

func (e Environment) Get(name string) string {
	return e.vars[name]
}

// FirstNonEmpty returns the first set, non-blank value among names.
func (e Environment) FirstNonEmpty(names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(e.vars[n]); v != "" {
			return v
		}
	}
	return ""
}

func (e Environment) Int(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(e.vars[name])
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q: %w", name, raw, err)
	}
	return v, nil
}

func (e Environment) Duration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(e.vars[name])
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("config: %s=%q: %w", name, raw, err)
	}
	return v, nil
}

// Names returns the sorted variable names in the snapshot.
func (e Environment) Names() []string {
	out := make([]string, 0, len(e.vars))
	for k := range e.vars {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// With returns a copy with extra values layered on top.
func (e Environment) With(extra map[string]string) Environment {
	out := make(map[string]string, len(e.vars)+len(extra))
	for k, v := range e.vars {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return Environment{vars: out}
}

// Pairs renders the snapshot as sorted KEY=VALUE entries for exec.
func (e Environment) Pairs() []string {
	names := e.Names()
	out := make([]string, 0, len(names))
	for _, k := range names {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}
