package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLineHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo))
	logger.With("component", "scan").Info("Registered", "path", "/tmp/a b.sh", "kind", "script")
	logger.Debug("hidden")

	line := buf.String()
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", line)
	}
	if !strings.HasPrefix(line, "[") || !strings.Contains(line, "] INFO Registered") {
		t.Fatalf("unexpected line prefix: %q", line)
	}
	for _, want := range []string{"component=scan", `path="/tmp/a b.sh"`, "kind=script"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestDailyFileSwitchesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	d := NewDailyFile(dir)
	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	day2 := day1.Add(2 * time.Minute)

	d.now = func() time.Time { return day1 }
	if _, err := d.Write([]byte("first\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.now = func() time.Time { return day2 }
	if _, err := d.Write([]byte("second\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "log_20260301.txt"))
	if err != nil || string(first) != "first\n" {
		t.Fatalf("unexpected day1 log %q: %v", first, err)
	}
	second, err := os.ReadFile(d.PathFor(day2))
	if err != nil || string(second) != "second\n" {
		t.Fatalf("unexpected day2 log %q: %v", second, err)
	}
}

func TestDailyFileAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		d := NewDailyFile(dir)
		if _, err := d.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = d.Close()
	}
	data, err := os.ReadFile(DailyPath(dir, time.Now()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "line\nline\n" {
		t.Fatalf("expected appended lines, got %q", data)
	}
}

func TestNewDailyWritesEventLog(t *testing.T) {
	dir := t.TempDir()
	logger, closer := NewDaily(dir, "info", "text")
	logger.Warn("Item ID 7 not found in database", "id", 7)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(DailyPath(dir, time.Now()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "WARN Item ID 7 not found in database id=7") {
		t.Fatalf("unexpected event log %q", data)
	}
}
