package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "project", "shipctl":
		return projectTemplate, nil
	case "env", "dotenv":
		return dotenvTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const projectTemplate = `name = "storefront"

[build]
runtime = "node20"
format = "esm"
server_entry = "server/index.ts"
work_dir = ".shipctl/work"
artifact_dir = "dist"
package_json = "package.json"
start = ["node", "{entry}"]

[build.ui]
mode = "esbuild"
dir = "client"
entries = ["src/main.tsx"]
entry_document = "index.html"
public_dir = "public"

[build.externals]
policy = "explicit"
names = ["pg"]

[build.define]
"import.meta.env.MODE" = '"production"'

[env]
required = ["DATABASE_URL|POSTGRES_URL", "SESSION_SECRET"]
optional = ["REDIS_URL", "STRIPE_SECRET_KEY", "TWILIO_AUTH_TOKEN|TWILIO_TOKEN"]

[run]
mode = "production"
port = 5000
grace = "3s"
startup_timeout = "30s"
poll_interval = "100ms"
drain = "2s"
liveness_path = "/health"
readiness_path = "/ready"
wait_ready = false
`

const dotenvTemplate = `# values here are overridden by the process environment
SHIPCTL_MODE=production
PORT=5000
DATABASE_URL=
SESSION_SECRET=
`
