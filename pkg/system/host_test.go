package system

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOSRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	content := "# generated\nNAME=\"Ubuntu\"\n  ID=ubuntu\nVERSION_ID='24.04'\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	distro, version := parseOSRelease(path)
	if distro != "ubuntu" || version != "24.04" {
		t.Fatalf("unexpected %q %q", distro, version)
	}
	if d, v := parseOSRelease(filepath.Join(t.TempDir(), "missing")); d != "" || v != "" {
		t.Fatalf("expected empty values for missing file")
	}
}

func TestHostPrograms(t *testing.T) {
	host := Detect("nova-definitely-not-installed")
	if host.Has("nova-definitely-not-installed") {
		t.Fatalf("expected program to be missing")
	}
	if !host.Has("never-looked-up") {
		t.Fatalf("programs not looked up are assumed present")
	}
	missing := host.Missing()
	if len(missing) != 1 || missing[0] != "nova-definitely-not-installed" {
		t.Fatalf("unexpected missing list %v", missing)
	}

	var nilHost *Host
	if !nilHost.Has("bash") || nilHost.Missing() != nil {
		t.Fatalf("nil host must report everything present")
	}
}

func TestCommand(t *testing.T) {
	if _, err := command("nova-definitely-not-installed", "-x"); err == nil {
		t.Fatalf("expected error for missing program")
	}
}
