package supervisor

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/shipctl/internal/config"
)

// baseVariables are the only host variables a child inherits implicitly.
var baseVariables = []string{"PATH", "HOME", "TMPDIR"}

// ChildEnv builds the complete, explicit environment for the artifact process:
// base host variables, validated canonical variables, PORT, the mode pair and
// the drain period when one is set.
func ChildEnv(base config.Environment, vars map[string]string, port int, mode string, drain time.Duration) []string {
	env := make(map[string]string, len(vars)+len(baseVariables)+4)
	for _, name := range baseVariables {
		if v, ok := base.Lookup(name); ok && strings.TrimSpace(v) != "" {
			env[name] = v
		}
	}
	for k, v := range vars {
		env[k] = v
	}
	env[config.EnvPort] = strconv.Itoa(port)
	env[config.EnvMode] = mode
	env["NODE_ENV"] = mode
	if drain > 0 {
		env[config.EnvDrain] = drain.String()
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
