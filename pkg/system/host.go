// Package system describes the machine nova runs items on.
package system

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
)

type Host struct {
	OS      string
	Distro  string
	Version string
	Kernel  string
	Arch    string
	Shell   string
	// Programs maps each looked-up program to its resolved path, or "" when
	// it is not on PATH.
	Programs map[string]string
}

// Detect profiles the current host and resolves programs on PATH.
func Detect(programs ...string) *Host {
	host := &Host{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Shell:    os.Getenv("SHELL"),
		Programs: make(map[string]string, len(programs)),
	}
	switch runtime.GOOS {
	case "linux":
		host.Distro, host.Version = parseOSRelease("/etc/os-release")
		host.Kernel, _ = command("uname", "-r")
	case "darwin":
		host.Distro = "macos"
		if version, err := command("sw_vers", "-productVersion"); err == nil {
			host.Version = version
		}
		host.Kernel, _ = command("uname", "-r")
	}
	if machine, err := command("uname", "-m"); err == nil {
		host.Arch = machine
	}
	for _, name := range programs {
		host.Programs[name], _ = exec.LookPath(name)
	}
	return host
}

// Has reports whether program was found on PATH. Programs never looked up
// are assumed present.
func (h *Host) Has(program string) bool {
	if h == nil || program == "" {
		return true
	}
	path, ok := h.Programs[program]
	return !ok || path != ""
}

// Missing returns the looked-up programs that are not on PATH, sorted.
func (h *Host) Missing() []string {
	if h == nil {
		return nil
	}
	var out []string
	for name, path := range h.Programs {
		if path == "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// parseOSRelease returns the ID and VERSION_ID fields of an os-release file.
func parseOSRelease(path string) (distro, version string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ID":
			distro = strings.Trim(value, `"'`)
		case "VERSION_ID":
			version = strings.Trim(value, `"'`)
		}
	}
	return distro, version
}

// command runs name and returns its trimmed stdout.
func command(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
