package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/shipctl/internal/faults"
)

func TestMissingArtifactIsPackagingExit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shipctl.toml")
	if err := os.WriteFile(path, []byte("name = \"shop\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stderr bytes.Buffer
	code := run([]string{"-config", path, "-env-file", "", "-artifact", filepath.Join(dir, "nope")}, &stderr)
	if code != faults.ExitPackaging {
		t.Fatalf("expected exit %d, got %d: %s", faults.ExitPackaging, code, stderr.String())
	}
}

func TestPreflightRunsBeforeArtifactCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shipctl.toml")
	data := "name = \"shop\"\n[env]\nrequired = [\"SHIPCTL_TEST_UNSET_SESSION_SECRET\"]\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stderr bytes.Buffer
	code := run([]string{"-config", path, "-env-file", ""}, &stderr)
	if code != faults.ExitConfiguration {
		t.Fatalf("expected configuration exit, got %d", code)
	}
	if !strings.Contains(stderr.String(), "SHIPCTL_TEST_UNSET_SESSION_SECRET") {
		t.Fatalf("missing variable not named: %s", stderr.String())
	}
}
