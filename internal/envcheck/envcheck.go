// Package envcheck owns the pre-build/pre-start environment gate.
//
// Ownership boundary:
// - required/optional variable presence with alias resolution
//
// - the ConfigurationError raised before any build or launch work
//
// The validator never reads the process environment directly; callers pass one
// resolved snapshot.
package envcheck

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/shipctl/internal/faults"
	"github.com/rs/zerolog/log"
)

var ErrInvalidRequirement = errors.New("envcheck: invalid requirement")

// Lookuper resolves one variable from an environment snapshot.
type Lookuper interface {
	Lookup(name string) (string, bool)
}

// MapEnv adapts a plain map to Lookuper.
type MapEnv map[string]string

func (m MapEnv) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Requirement is one logical variable; any of Name or Aliases satisfies it, first present wins.
type Requirement struct {
	Name    string   `toml:"name"`
	Aliases []string `toml:"aliases"`
}

// ParseRequirement reads the "CANONICAL|ALIAS|ALIAS" form.
func ParseRequirement(raw string) (Requirement, error) {
	parts := strings.Split(raw, "|")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			names = append(names, v)
		}
	}
	if len(names) == 0 {
		return Requirement{}, fmt.Errorf("%w: %q", ErrInvalidRequirement, raw)
	}
	return Requirement{Name: names[0], Aliases: names[1:]}, nil
}

// ParseRequirements parses a list, rejecting duplicate canonical names.
func ParseRequirements(raw []string) ([]Requirement, error) {
	out := make([]Requirement, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		req, err := ParseRequirement(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[req.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidRequirement, req.Name)
		}
		seen[req.Name] = struct{}{}
		out = append(out, req)
	}
	return out, nil
}

func (r Requirement) names() []string {
	out := make([]string, 0, 1+len(r.Aliases))
	out = append(out, strings.TrimSpace(r.Name))
	for _, a := range r.Aliases {
		if v := strings.TrimSpace(a); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Entry is the per-requirement outcome inside a Report.
type Entry struct {
	Name        string
	Required    bool
	Present     bool
	SatisfiedBy string
	value       string
}

// Report is a per-call snapshot of variable presence. It is never persisted.
type Report struct {
	Entries         []Entry
	Missing         []string
	MissingOptional []string
}

// OK reports whether every required requirement was satisfied.
func (r Report) OK() bool {
	return len(r.Missing) == 0
}

// Err returns the ConfigurationError for missing required names, or nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return &faults.ConfigurationError{Missing: append([]string(nil), r.Missing...)}
}

// Resolved maps canonical names to their values, normalizing aliases.
func (r Report) Resolved() map[string]string {
	out := make(map[string]string, len(r.Entries))
	for _, e := range r.Entries {
		if e.Present {
			out[e.Name] = e.value
		}
	}
	return out
}

// Present reports whether the canonical name was satisfied.
func (r Report) Present(name string) bool {
	for _, e := range r.Entries {
		if e.Name == name {
			return e.Present
		}
	}
	return false
}

// Check builds a report without logging or failing.
func Check(env Lookuper, required, optional []Requirement) Report {
	var rep Report
	for _, req := range required {
		e := resolve(env, req, true)
		rep.Entries = append(rep.Entries, e)
		if !e.Present {
			rep.Missing = append(rep.Missing, e.Name)
		}
	}
	for _, req := range optional {
		e := resolve(env, req, false)
		rep.Entries = append(rep.Entries, e)
		if !e.Present {
			rep.MissingOptional = append(rep.MissingOptional, e.Name)
		}
	}
	sort.Strings(rep.Missing)
	sort.Strings(rep.MissingOptional)
	return rep
}

// Validate runs Check, logs warnings for optional gaps, and fails fast on required gaps.
func Validate(env Lookuper, required, optional []Requirement) (Report, error) {
	rep := Check(env, required, optional)
	for _, e := range rep.Entries {
		if e.Present && e.SatisfiedBy != e.Name {
			log.Debug().
				Str("name", e.Name).
				Str("alias", e.SatisfiedBy).
				Msg("envcheck.Validate alias satisfied requirement")
		}
	}
	for _, name := range rep.MissingOptional {
		log.Warn().
			Str("name", name).
			Msgf("envcheck.Validate optional variable %s not set; dependent feature disabled", name)
	}
	if err := rep.Err(); err != nil {
		log.Error().
			Strs("missing", rep.Missing).
			Msg("envcheck.Validate required variables missing")
		return rep, err
	}
	log.Info().
		Int("required", len(required)).
		Int("optional_missing", len(rep.MissingOptional)).
		Msg("envcheck.Validate ok")
	return rep, nil
}

func resolve(env Lookuper, req Requirement, required bool) Entry {
	names := req.names()
	e := Entry{Name: names[0], Required: required}
	for _, name := range names {
		if name == "" {
			continue
		}
		v, ok := env.Lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		e.Present = true
		e.SatisfiedBy = name
		e.value = v
		break
	}
	return e
}
