package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"

	"github.com/sameehj/nova/pkg/catalog"
	"github.com/sameehj/nova/pkg/policy"
	"github.com/sameehj/nova/pkg/scan"
	"github.com/sameehj/nova/pkg/wrapper"
)

type harness struct {
	root    string
	store   *catalog.Catalog
	watcher *Watcher
	cancel  context.CancelFunc
	done    chan error
}

func startWatcher(t *testing.T, settle time.Duration) *harness {
	t.Helper()
	base := t.TempDir()
	root := t.TempDir()
	store := catalog.Open(filepath.Join(base, "data", "nova_index.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init catalog: %v", err)
	}
	gen := &wrapper.Generator{BinDir: filepath.Join(base, "bin"), LogDir: filepath.Join(base, "logs")}
	scanner := scan.New(scan.NewRegistrar(store, gen, policy.Default()), store, scan.WithIgnore(".git/**"))

	w := New(scanner, root)
	w.SetSettle(settle)
	if w.State() != StateIdle {
		t.Fatalf("expected idle before start, got %s", w.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{root: root, store: store, watcher: w, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- w.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})

	select {
	case <-w.Ready():
	case err := <-h.done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher never became ready")
	}
	if w.State() != StateWatching {
		t.Fatalf("expected watching, got %s", w.State())
	}
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) hasItem(path string) bool {
	_, err := h.store.ItemByPath(context.Background(), path)
	return err == nil
}

func TestWatcherRegistersCreatedFile(t *testing.T) {
	h := startWatcher(t, 50*time.Millisecond)
	path := filepath.Join(h.root, "new.sh")
	if err := os.WriteFile(path, []byte("echo new\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "item registration", func() bool { return h.hasItem(path) })

	item, err := h.store.ItemByPath(context.Background(), path)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if item.Kind != catalog.KindScript || item.WrapperPath == "" {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.Fingerprint == "" {
		t.Fatalf("expected fingerprint after settle window")
	}
}

func TestWatcherClassifiesLikeScanner(t *testing.T) {
	h := startWatcher(t, 0)
	path := filepath.Join(h.root, "readme.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "item registration", func() bool { return h.hasItem(path) })
	item, _ := h.store.ItemByPath(context.Background(), path)
	if item.Kind != catalog.KindData {
		t.Fatalf("expected data kind, got %s", item.Kind)
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	h := startWatcher(t, 0)
	sub := filepath.Join(h.root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	path := filepath.Join(sub, "nested.py")
	if err := os.WriteFile(path, []byte("print(1)\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "nested registration", func() bool { return h.hasItem(path) })
}

func TestWatcherDetectsRepository(t *testing.T) {
	h := startWatcher(t, 0)

	staging := filepath.Join(t.TempDir(), "proj")
	if err := os.MkdirAll(filepath.Join(staging, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "build.sh"), []byte("make\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	target := filepath.Join(h.root, "proj")
	if err := os.Rename(staging, target); err != nil {
		t.Skipf("cannot move repository into watched root: %v", err)
	}

	waitFor(t, "project detection", func() bool {
		projects, err := h.store.ListProjects(context.Background())
		return err == nil && len(projects) == 1
	})
	projects, _ := h.store.ListProjects(context.Background())
	if projects[0].Name != "proj" || projects[0].Path != target {
		t.Fatalf("unexpected project %+v", projects[0])
	}
	waitFor(t, "repository file registration", func() bool { return h.hasItem(filepath.Join(target, "build.sh")) })
}

func TestWatcherRegistersMovedInDirectory(t *testing.T) {
	h := startWatcher(t, 0)

	staging := filepath.Join(t.TempDir(), "tools")
	if err := os.MkdirAll(filepath.Join(staging, "ops"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"deploy.sh", filepath.Join("ops", "rotate.py")} {
		if err := os.WriteFile(filepath.Join(staging, name), []byte("echo\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	target := filepath.Join(h.root, "tools")
	if err := os.Rename(staging, target); err != nil {
		t.Skipf("cannot move directory into watched root: %v", err)
	}

	waitFor(t, "moved-in file", func() bool { return h.hasItem(filepath.Join(target, "deploy.sh")) })
	waitFor(t, "moved-in nested file", func() bool { return h.hasItem(filepath.Join(target, "ops", "rotate.py")) })
}

func TestWatcherRegistersFileInFreshNestedDirectory(t *testing.T) {
	h := startWatcher(t, 0)

	nested := filepath.Join(h.root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(nested, "run.sh")
	if err := os.WriteFile(path, []byte("echo run\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "file written right after mkdir", func() bool { return h.hasItem(path) })
}

func TestWatcherDetectsRepositoryCreatedInPlace(t *testing.T) {
	h := startWatcher(t, 0)

	dir := filepath.Join(h.root, "cloned")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	const remote = "https://example.com/team/cloned.git"
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remote}}); err != nil {
		t.Fatalf("create remote: %v", err)
	}

	waitFor(t, "project detection", func() bool {
		projects, err := h.store.ListProjects(context.Background())
		return err == nil && len(projects) == 1 && projects[0].Path == dir
	})

	path := filepath.Join(dir, "build.sh")
	if err := os.WriteFile(path, []byte("make\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "repository url on checked-out file", func() bool {
		item, err := h.store.ItemByPath(context.Background(), path)
		return err == nil && item.RepoURL == remote
	})
}

func TestWatcherSurvivesBadEvents(t *testing.T) {
	h := startWatcher(t, 0)
	ghost := filepath.Join(h.root, "ghost.sh")
	if err := os.WriteFile(ghost, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = os.Remove(ghost)

	good := filepath.Join(h.root, "good.sh")
	if err := os.WriteFile(good, []byte("echo ok\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "registration after bad event", func() bool { return h.hasItem(good) })
	if h.watcher.State() != StateWatching {
		t.Fatalf("expected watcher to keep running, got %s", h.watcher.State())
	}
}

func TestWatcherStop(t *testing.T) {
	h := startWatcher(t, time.Second)
	pending := filepath.Join(h.root, "late.sh")
	if err := os.WriteFile(pending, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.cancel()
	select {
	case err := <-h.done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher did not stop")
	}
	if h.watcher.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", h.watcher.State())
	}
	if h.hasItem(pending) {
		t.Fatalf("pending file registered after stop")
	}
	if err := h.watcher.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted on restart, got %v", err)
	}
}

func TestWatcherMissingRoot(t *testing.T) {
	base := t.TempDir()
	store := catalog.Open(filepath.Join(base, "nova_index.db"))
	gen := &wrapper.Generator{BinDir: filepath.Join(base, "bin"), LogDir: filepath.Join(base, "logs")}
	scanner := scan.New(scan.NewRegistrar(store, gen, nil), store)

	w := New(scanner, filepath.Join(base, "missing"))
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected error for missing root")
	}
	if w.State() != StateStopped {
		t.Fatalf("expected stopped after failed start, got %s", w.State())
	}
}
