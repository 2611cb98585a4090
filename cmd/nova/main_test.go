package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("nova %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func setup(t *testing.T) (base, src string) {
	t.Helper()
	base = filepath.Join(t.TempDir(), "nova")
	src = t.TempDir()
	t.Setenv("NOVA_BASE", base)
	t.Setenv("NOVA_CONFIG", filepath.Join(base, "config.yaml"))
	t.Setenv("NOVA_LOG_LEVEL", "error")
	return base, src
}

func TestScanAndList(t *testing.T) {
	base, src := setup(t)
	if err := os.WriteFile(filepath.Join(src, "tool.sh"), []byte("echo hi\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := execute(t, "--base", base, "scan", src)
	if !strings.Contains(out, "1 registered") {
		t.Fatalf("unexpected scan output:\n%s", out)
	}
	out = execute(t, "--base", base, "list")
	if !strings.Contains(out, filepath.Join(src, "tool.sh")) {
		t.Fatalf("expected tool.sh in listing:\n%s", out)
	}
	out = execute(t, "--base", base, "list", "--long")
	if !strings.Contains(out, "approved") || !strings.Contains(out, "script") {
		t.Fatalf("unexpected long listing:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(base, "bin", "tool")); err != nil {
		t.Fatalf("expected wrapper: %v", err)
	}
}

func TestRunUnknownItem(t *testing.T) {
	base, _ := setup(t)
	out := execute(t, "--base", base, "run", "42")
	if !strings.Contains(out, "Item ID 42 not found in database") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	out = execute(t, "--base", base, "approve", "42")
	if !strings.Contains(out, "not found") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRunInvalidID(t *testing.T) {
	base, _ := setup(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--base", base, "run", "abc"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for non-numeric id")
	}
}

func TestRunItem(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("wrappers are bash scripts")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	base, src := setup(t)
	if err := os.WriteFile(filepath.Join(src, "greet.sh"), []byte("echo greet \"$1\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	execute(t, "--base", base, "scan", src)

	out := execute(t, "--base", base, "run", "1", "--", "there")
	if !strings.Contains(out, "completed (exit 0)") {
		t.Fatalf("unexpected run output:\n%s", out)
	}
	logsOut := execute(t, "--base", base, "logs", "list")
	if !strings.Contains(logsOut, "greet.") {
		t.Fatalf("expected wrapper log listed:\n%s", logsOut)
	}
}

func TestInfoAndVersion(t *testing.T) {
	base, _ := setup(t)
	out := execute(t, "--base", base, "info")
	if !strings.Contains(out, "Items: 0") || !strings.Contains(out, filepath.Join(base, "data", "nova_index.db")) {
		t.Fatalf("unexpected info:\n%s", out)
	}
	if out := execute(t, "version"); !strings.HasPrefix(out, "nova ") {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestScanRepoRejectsPlainDirectory(t *testing.T) {
	base, src := setup(t)
	out := execute(t, "--base", base, "scan-repo", src)
	if !strings.Contains(out, "is not a repository") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}
