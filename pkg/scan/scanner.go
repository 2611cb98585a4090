// Package scan discovers files under a directory tree and registers them in
// the catalog.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sameehj/nova/pkg/catalog"
)

// Summary reports what a scan did.
type Summary struct {
	Root       string
	Registered int
	Skipped    int
	Failed     int
	Project    *catalog.Project
}

// Scanner walks directory trees and feeds every regular file to a Registrar.
type Scanner struct {
	registrar *Registrar
	store     Catalog
	ignore    []string
	exclude   []string
	logger    *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithIgnore skips paths matching any of the doublestar patterns. Patterns
// are tried against the path relative to the scan root and the absolute path.
func WithIgnore(patterns ...string) Option {
	return func(s *Scanner) {
		s.ignore = append(s.ignore, patterns...)
	}
}

// WithExclude skips everything under the given directories.
func WithExclude(dirs ...string) Option {
	return func(s *Scanner) {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			if abs, err := filepath.Abs(dir); err == nil {
				dir = abs
			}
			s.exclude = append(s.exclude, filepath.Clean(dir))
		}
	}
}

func New(registrar *Registrar, store Catalog, opts ...Option) *Scanner {
	s := &Scanner{registrar: registrar, store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scanner) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Registrar returns the registrar used for individual files.
func (s *Scanner) Registrar() *Registrar {
	return s.registrar
}

// ScanDirectory registers every regular file under root. Unreadable entries
// are logged and skipped; the error is non-nil only when ctx is cancelled or
// the catalog fails.
func (s *Scanner) ScanDirectory(ctx context.Context, root string) (Summary, error) {
	root = absPath(root)
	s.logInfo("scan_started", "root", root)
	sum := Summary{Root: root}
	err := s.walk(ctx, root, "", &sum)
	s.logInfo("scan_finished", "root", root, "registered", sum.Registered, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, err
}

// ScanRepository records dir as a project and registers its files with the
// repository's remote URL. It does nothing if dir has no .git marker.
func (s *Scanner) ScanRepository(ctx context.Context, dir string) (Summary, error) {
	dir = absPath(dir)
	sum := Summary{Root: dir}
	if !IsRepository(dir) {
		s.logDebug("not_a_repository", "path", dir)
		return sum, nil
	}

	info := InspectRepository(dir)
	project := catalog.Project{
		Name:         filepath.Base(dir),
		Path:         dir,
		RepoURL:      info.RemoteURL,
		HeadRevision: info.HeadRevision,
		LastSeenAt:   time.Now(),
	}
	if err := s.store.UpsertProject(ctx, project); err != nil {
		return sum, fmt.Errorf("scan repository %s: %w", dir, err)
	}
	sum.Project = &project
	s.logInfo("project_detected", "path", dir, "remote", info.RemoteURL, "head", info.HeadRevision)

	s.logInfo("scan_started", "root", dir, "repository", true)
	err := s.walk(ctx, dir, info.RemoteURL, &sum)
	s.logInfo("scan_finished", "root", dir, "registered", sum.Registered, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, err
}

func (s *Scanner) walk(ctx context.Context, root, repoURL string, sum *Summary) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.logWarn("scan_entry_unreadable", "path", path, "error", err)
			sum.Skipped++
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}

		isDir := d.IsDir()
		if s.Skip(root, path, isDir) {
			sum.Skipped++
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}
		if isDir || !isRegular(path, d) {
			return nil
		}

		item, err := s.registrar.Register(ctx, path, repoURL)
		if err != nil {
			return err
		}
		if item == nil {
			sum.Failed++
			return nil
		}
		sum.Registered++
		return nil
	})
}

// Skip reports whether path is excluded or ignored for a scan rooted at root.
func (s *Scanner) Skip(root, path string, isDir bool) bool {
	clean := filepath.Clean(path)
	for _, dir := range s.exclude {
		if clean == dir || strings.HasPrefix(clean, dir+string(filepath.Separator)) {
			return true
		}
	}
	if len(s.ignore) == 0 {
		return false
	}
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == "." {
		rel = ""
	}
	for _, pattern := range s.ignore {
		if rel != "" {
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel)); ok {
				return true
			}
		}
		if ok, _ := doublestar.Match(pattern, filepath.ToSlash(clean)); ok {
			return true
		}
	}
	return false
}

// isRegular accepts regular files and symlinks that resolve to one.
func isRegular(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func (s *Scanner) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *Scanner) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scanner) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
