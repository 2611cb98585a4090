// Package runtime wires the catalog, wrapper generator, execution engine,
// scanner and watcher together from one configuration.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sameehj/nova/pkg/catalog"
	"github.com/sameehj/nova/pkg/config"
	"github.com/sameehj/nova/pkg/exec"
	"github.com/sameehj/nova/pkg/policy"
	"github.com/sameehj/nova/pkg/runtime/logging"
	"github.com/sameehj/nova/pkg/runtime/watcher"
	"github.com/sameehj/nova/pkg/scan"
	"github.com/sameehj/nova/pkg/system"
	"github.com/sameehj/nova/pkg/workspace"
	"github.com/sameehj/nova/pkg/wrapper"
)

// Runtime is the entry point used by the CLI.
type Runtime struct {
	config   *config.Config
	layout   workspace.Layout
	catalog  *catalog.Catalog
	wrappers *wrapper.Generator
	engine   *exec.Engine
	policy   *policy.Policy
	scanner  *scan.Scanner
	host     *system.Host
	logger   *slog.Logger
	now      func() time.Time
}

// RunOptions adjust a single Run.
type RunOptions struct {
	Args []string
	// Timeout overrides the configured execution timeout when positive.
	Timeout time.Duration
}

// RunReport describes what Run did.
type RunReport struct {
	RunID   string
	ItemID  int64
	Found   bool
	Refused bool
	Wrapper string
	Result  exec.Result
}

// NewRuntime prepares the base directory layout and catalog. A nil logger
// discards output.
func NewRuntime(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	layout := cfg.Layout()
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare layout: %w", err)
	}

	store := catalog.Open(layout.CatalogPath())
	if err := store.Init(context.Background()); err != nil {
		return nil, fmt.Errorf("initialise catalog: %w", err)
	}

	wrappers := &wrapper.Generator{
		BinDir:   layout.Bin,
		LogDir:   layout.Logs,
		CPULimit: cfg.CPULimit(),
		Naming:   cfg.Wrapper.Naming,
	}
	engine := &exec.Engine{Timeout: cfg.ExecTimeout(), LogDir: layout.Logs}
	engine.SetLogger(logger)

	trust := &policy.Policy{AutoApprove: cfg.Trust.AutoApprove, Quarantine: cfg.Trust.Quarantine}
	host := system.Detect(wrapper.Interpreters()...)
	registrar := scan.NewRegistrar(store, wrappers, trust)
	registrar.SetLogger(logger)
	registrar.SetHost(host)
	scanner := scan.New(registrar, store,
		scan.WithIgnore(cfg.Scan.Ignore...),
		scan.WithExclude(layout.Base),
	)
	scanner.SetLogger(logger)

	return &Runtime{
		config:   cfg,
		layout:   layout,
		catalog:  store,
		wrappers: wrappers,
		engine:   engine,
		policy:   trust,
		scanner:  scanner,
		host:     host,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (rt *Runtime) Layout() workspace.Layout {
	return rt.layout
}

func (rt *Runtime) Catalog() *catalog.Catalog {
	return rt.catalog
}

// Host is the machine profile taken when the runtime was created.
func (rt *Runtime) Host() *system.Host {
	return rt.host
}

// ScanDirectories scans each root in turn, defaulting to the home directory.
func (rt *Runtime) ScanDirectories(ctx context.Context, roots ...string) ([]scan.Summary, error) {
	if len(roots) == 0 {
		roots = rt.config.WatchRoots()
	}
	summaries := make([]scan.Summary, 0, len(roots))
	for _, root := range roots {
		sum, err := rt.scanner.ScanDirectory(ctx, root)
		summaries = append(summaries, sum)
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

func (rt *Runtime) ScanRepository(ctx context.Context, dir string) (scan.Summary, error) {
	return rt.scanner.ScanRepository(ctx, dir)
}

// NewWatcher returns a watcher over roots (the configured roots when empty)
// that registers through this runtime's scanner.
func (rt *Runtime) NewWatcher(roots ...string) *watcher.Watcher {
	if len(roots) == 0 {
		roots = rt.config.WatchRoots()
	}
	w := watcher.New(rt.scanner, roots...)
	w.SetSettle(rt.config.WatchSettle())
	w.SetLogger(rt.logger)
	return w
}

// Watch blocks until ctx is done.
func (rt *Runtime) Watch(ctx context.Context, roots ...string) error {
	return rt.NewWatcher(roots...).Start(ctx)
}

func (rt *Runtime) ListItems(ctx context.Context) ([]catalog.ItemRef, error) {
	return rt.catalog.ListItems(ctx)
}

func (rt *Runtime) ListProjects(ctx context.Context) ([]catalog.Project, error) {
	return rt.catalog.ListProjects(ctx)
}

func (rt *Runtime) Item(ctx context.Context, id int64) (*catalog.Item, error) {
	return rt.catalog.GetItem(ctx, id)
}

// Run executes item id through its wrapper. An unknown id is logged as a
// warning and reported with Found=false; it is not an error. The returned
// error is non-nil only when the catalog itself fails.
func (rt *Runtime) Run(ctx context.Context, id int64, opts RunOptions) (RunReport, error) {
	report := RunReport{RunID: uuid.NewString(), ItemID: id}

	wrapperPath, err := rt.catalog.WrapperPath(ctx, id)
	if errors.Is(err, catalog.ErrItemNotFound) {
		rt.logger.Warn("item_not_found", "id", id)
		return report, nil
	}
	if err != nil {
		return report, err
	}
	report.Found = true
	report.Wrapper = wrapperPath

	item, err := rt.catalog.GetItem(ctx, id)
	if err != nil {
		return report, err
	}
	if !rt.policy.Runnable(item.State) {
		report.Refused = true
		rt.logger.Warn("item_quarantined", "id", id, "path", item.Path)
		return report, nil
	}

	rt.logger.Info("run_dispatched", "id", id, "wrapper", wrapperPath, "run_id", report.RunID)
	report.Result = rt.engine.Run(ctx, wrapperPath, exec.Options{
		WorkDir: filepath.Dir(item.Path),
		Timeout: opts.Timeout,
		Args:    opts.Args,
	})

	found, err := rt.catalog.MarkRun(ctx, id, rt.now())
	if err != nil {
		return report, err
	}
	if !found {
		rt.logger.Warn("item_vanished", "id", id)
	}
	rt.logger.Info("run_finished",
		"id", id,
		"run_id", report.RunID,
		"outcome", report.Result.Outcome,
		"exit", report.Result.ExitCode,
		"duration", report.Result.Duration,
		"log", report.Result.LogPath,
	)
	return report, nil
}

// Approve marks item id runnable. It reports false if the id is unknown.
func (rt *Runtime) Approve(ctx context.Context, id int64) (bool, error) {
	return rt.setState(ctx, id, catalog.StateApproved)
}

// Quarantine blocks item id from running. It reports false if the id is
// unknown.
func (rt *Runtime) Quarantine(ctx context.Context, id int64) (bool, error) {
	return rt.setState(ctx, id, catalog.StateQuarantine)
}

func (rt *Runtime) setState(ctx context.Context, id int64, state catalog.State) (bool, error) {
	found, err := rt.catalog.SetState(ctx, id, state)
	if err != nil {
		return false, err
	}
	if !found {
		rt.logger.Warn("item_not_found", "id", id)
		return false, nil
	}
	rt.logger.Info("item_state_changed", "id", id, "state", state)
	return true, nil
}
