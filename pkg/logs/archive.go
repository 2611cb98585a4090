// Package logs compacts and reads the per-run logs under the nova logs
// directory.
package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	RunLogExt  = ".log"
	ArchiveExt = ".zst"
)

// Entry is one run log, plain or archived.
type Entry struct {
	Name     string
	Path     string
	Size     int64
	ModTime  time.Time
	Archived bool
}

// ArchiveSummary reports what Archive did.
type ArchiveSummary struct {
	Archived   int
	Failed     int
	BytesIn    int64
	BytesOut   int64
	Candidates int
}

// Archiver compresses run logs in Dir. Daily event logs are left alone.
type Archiver struct {
	Dir string

	logger *slog.Logger
	now    func() time.Time
}

func NewArchiver(dir string) *Archiver {
	return &Archiver{Dir: dir, now: time.Now}
}

func (a *Archiver) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

// Archive compresses every run log last modified before now-olderThan into
// <name>.zst and removes the original. Per-file failures are logged and
// counted; the error is non-nil only when the directory cannot be read or ctx
// is cancelled.
func (a *Archiver) Archive(ctx context.Context, olderThan time.Duration) (ArchiveSummary, error) {
	var sum ArchiveSummary
	entries, err := a.List()
	if err != nil {
		return sum, err
	}
	cutoff := a.clock().Add(-olderThan)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if entry.Archived || !entry.ModTime.Before(cutoff) {
			continue
		}
		sum.Candidates++
		out, err := a.compress(entry)
		if err != nil {
			sum.Failed++
			a.logError("log_archive_failed", "path", entry.Path, "error", err)
			continue
		}
		sum.Archived++
		sum.BytesIn += entry.Size
		sum.BytesOut += out
		a.logInfo("log_archived", "path", entry.Path, "bytes_in", entry.Size, "bytes_out", out)
	}
	return sum, nil
}

func (a *Archiver) compress(entry Entry) (int64, error) {
	src, err := os.Open(entry.Path)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(a.Dir, "."+entry.Name+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		tmp.Close()
		return 0, fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("closing encoder: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Chtimes(tmpName, entry.ModTime, entry.ModTime); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpName, entry.Path+ArchiveExt); err != nil {
		return 0, err
	}
	if err := os.Remove(entry.Path); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// List returns the run logs in Dir, newest first.
func (a *Archiver) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(a.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read logs dir: %w", err)
	}
	var out []Entry
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		name := de.Name()
		archived := strings.HasSuffix(name, RunLogExt+ArchiveExt)
		if !archived && !strings.HasSuffix(name, RunLogExt) {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:     name,
			Path:     filepath.Join(a.Dir, name),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Archived: archived,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Open returns the contents of a run log, decompressing archived ones.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ArchiveExt) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &archivedReader{dec: dec, file: f}, nil
}

type archivedReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *archivedReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *archivedReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

func (a *Archiver) clock() time.Time {
	if a.now == nil {
		return time.Now()
	}
	return a.now()
}

func (a *Archiver) logInfo(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Info(msg, args...)
	}
}

func (a *Archiver) logError(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Error(msg, args...)
	}
}
