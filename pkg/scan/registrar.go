package scan

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/sameehj/nova/pkg/catalog"
	"github.com/sameehj/nova/pkg/fingerprint"
	"github.com/sameehj/nova/pkg/policy"
	"github.com/sameehj/nova/pkg/system"
	"github.com/sameehj/nova/pkg/wrapper"
)

// Catalog is the subset of the catalog the scanner writes to.
type Catalog interface {
	UpsertItem(ctx context.Context, item catalog.Item) error
	UpsertProject(ctx context.Context, project catalog.Project) error
	ItemsByWrapper(ctx context.Context, wrapperPath string) ([]catalog.Item, error)
}

// Registrar turns one file into a cataloged item: fingerprint, wrapper,
// trust state, then upsert. Register calls are serialised so a foreground
// scan and a watcher sharing one registrar never interleave on a path.
type Registrar struct {
	mu       sync.Mutex
	store    Catalog
	wrappers *wrapper.Generator
	policy   *policy.Policy
	host     *system.Host
	logger   *slog.Logger
}

func NewRegistrar(store Catalog, wrappers *wrapper.Generator, trust *policy.Policy) *Registrar {
	return &Registrar{store: store, wrappers: wrappers, policy: trust}
}

func (r *Registrar) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

// SetHost enables a warning for items whose interpreter is not installed.
func (r *Registrar) SetHost(host *system.Host) {
	r.host = host
}

// Register catalogs the file at path. A nil item with a nil error means the
// file was skipped because its wrapper could not be written; the reason is
// logged. Only catalog failures are returned.
func (r *Registrar) Register(ctx context.Context, path, repoURL string) (*catalog.Item, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := Classify(path)
	fp := fingerprint.Of(path)

	wrapperPath, err := r.wrappers.Generate(path, kind)
	if err != nil {
		r.logError("wrapper_failed", "path", path, "error", err)
		return nil, nil
	}

	owners, err := r.store.ItemsByWrapper(ctx, wrapperPath)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", path, err)
	}
	for _, owner := range owners {
		if owner.Path != path {
			r.logWarn("wrapper_collision", "path", path, "previous", owner.Path, "previous_id", owner.ID, "wrapper", wrapperPath)
		}
	}

	item := catalog.Item{
		Path:        path,
		Kind:        kind,
		Fingerprint: fp.Digest,
		RepoURL:     repoURL,
		State:       r.policy.StateFor(path),
		WrapperPath: wrapperPath,
	}
	if fp.HasModTime {
		item.ModifiedAt = fp.ModTime
	}
	if !fp.HasDigest {
		r.logWarn("fingerprint_unavailable", "path", path)
	}
	if interp := wrapper.Interpreter(path, kind); !r.host.Has(interp) {
		r.logWarn("interpreter_missing", "path", path, "interpreter", interp)
	}

	if err := r.store.UpsertItem(ctx, item); err != nil {
		return nil, fmt.Errorf("register %s: %w", path, err)
	}
	r.logInfo("item_registered", "path", path, "kind", kind, "state", item.State, "wrapper", wrapperPath)
	return &item, nil
}

func (r *Registrar) logInfo(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Registrar) logWarn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

func (r *Registrar) logError(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Error(msg, args...)
	}
}
