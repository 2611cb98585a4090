package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	BinDir      = "bin"
	LogDir      = "logs"
	DataDir     = "data"
	CatalogFile = "nova_index.db"
	ConfigFile  = "config.yaml"
)

// Layout is the on-disk structure rooted at a nova base directory.
type Layout struct {
	Base string
	Bin  string
	Logs string
	Data string
}

// Resolve returns the base directory: NOVA_BASE when set, ~/nova otherwise.
func Resolve() string {
	if base := os.Getenv("NOVA_BASE"); base != "" {
		return base
	}
	return HomeDir()
}

func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "nova")
}

func NewLayout(base string) Layout {
	return Layout{
		Base: base,
		Bin:  filepath.Join(base, BinDir),
		Logs: filepath.Join(base, LogDir),
		Data: filepath.Join(base, DataDir),
	}
}

func (l Layout) CatalogPath() string {
	return filepath.Join(l.Data, CatalogFile)
}

// Ensure creates any missing layout directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Base, l.Bin, l.Logs, l.Data} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
