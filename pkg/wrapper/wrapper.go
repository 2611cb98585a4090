// Package wrapper generates the bash shims nova runs cataloged items through.
package wrapper

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/sameehj/nova/pkg/catalog"
	"github.com/sameehj/nova/pkg/fingerprint"
)

// Naming schemes for wrapper files.
const (
	// NamingStem names the wrapper after the item's file stem. Two items with
	// the same stem share, and overwrite, one wrapper.
	NamingStem = "stem"
	// NamingPathHash appends a short digest of the item path to the stem.
	NamingPathHash = "path-hash"
)

const DefaultCPULimit = 60

var scriptTemplate = template.Must(template.New("wrapper").Parse(`#!/bin/bash
# nova wrapper for {{.Item}}
PROJECT_ROOT={{.Root}}
LOG={{.LogPrefix}}".$(date +%s).log"
cd "$PROJECT_ROOT" || exit 1
ulimit -t {{.CPULimit}}
{{.Invoke}} "$@" >> "$LOG" 2>&1
echo "exit:$? run_at:$(date)" >> "$LOG"
`))

var interpreters = map[string]string{
	".sh": "bash",
	".py": "python3",
	".js": "node",
	".pl": "perl",
	".rb": "ruby",
}

// Generator writes wrappers into BinDir whose run logs go to LogDir.
type Generator struct {
	BinDir   string
	LogDir   string
	CPULimit int
	Naming   string
}

// Name derives the wrapper name for itemPath under the generator's scheme.
func (g *Generator) Name(itemPath string) string {
	base := filepath.Base(itemPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	if g.Naming == NamingPathHash {
		return stem + "-" + fingerprint.Bytes([]byte(itemPath))[:8]
	}
	return stem
}

// PathFor returns where the wrapper for itemPath is written.
func (g *Generator) PathFor(itemPath string) string {
	return filepath.Join(g.BinDir, g.Name(itemPath))
}

// Render returns the wrapper script body for itemPath.
func (g *Generator) Render(itemPath string, kind catalog.Kind) ([]byte, error) {
	cpu := g.CPULimit
	if cpu <= 0 {
		cpu = DefaultCPULimit
	}
	name := g.Name(itemPath)
	data := struct {
		Item      string
		Root      string
		LogPrefix string
		CPULimit  int
		Invoke    string
	}{
		Item:      strings.ReplaceAll(itemPath, "\n", " "),
		Root:      Quote(filepath.Dir(itemPath)),
		LogPrefix: Quote(filepath.Join(g.LogDir, name)),
		CPULimit:  cpu,
		Invoke:    invocation(itemPath, kind),
	}
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render wrapper: %w", err)
	}
	return buf.Bytes(), nil
}

// Generate writes the wrapper for itemPath, replacing any previous wrapper
// with the same name, and returns its path.
func (g *Generator) Generate(itemPath string, kind catalog.Kind) (string, error) {
	if g.BinDir == "" {
		return "", fmt.Errorf("wrapper bin directory not configured")
	}
	body, err := g.Render(itemPath, kind)
	if err != nil {
		return "", err
	}
	for _, dir := range []string{g.BinDir, g.LogDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	target := g.PathFor(itemPath)
	tmp, err := os.CreateTemp(g.BinDir, ".wrapper-*")
	if err != nil {
		return "", fmt.Errorf("create wrapper: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write wrapper: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write wrapper: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return "", fmt.Errorf("chmod wrapper: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("install wrapper: %w", err)
	}
	return target, nil
}

// Interpreter returns the program used to run itemPath, or "" when the item
// is executed directly.
func Interpreter(itemPath string, kind catalog.Kind) string {
	if kind == catalog.KindBinary {
		return ""
	}
	if interp, ok := interpreters[strings.ToLower(filepath.Ext(itemPath))]; ok {
		return interp
	}
	return "bash"
}

// Interpreters lists every program a generated wrapper may invoke.
func Interpreters() []string {
	seen := map[string]bool{"bash": true}
	out := []string{"bash"}
	for _, interp := range interpreters {
		if !seen[interp] {
			seen[interp] = true
			out = append(out, interp)
		}
	}
	sort.Strings(out[1:])
	return out
}

func invocation(itemPath string, kind catalog.Kind) string {
	interp := Interpreter(itemPath, kind)
	if interp == "" {
		return Quote(itemPath)
	}
	return interp + " " + Quote(itemPath)
}

// Quote single-quotes s for bash.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
