package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sameehj/nova/pkg/catalog"
	"github.com/sameehj/nova/pkg/config"
	"github.com/sameehj/nova/pkg/logs"
	"github.com/sameehj/nova/pkg/runtime"
	"github.com/sameehj/nova/pkg/runtime/logging"
	"github.com/sameehj/nova/pkg/scan"
	"github.com/sameehj/nova/pkg/version"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	baseDir string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nova",
		Short:         "Catalog, wrap and run local scripts and tools",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/nova/config.yaml)")
	root.PersistentFlags().StringVar(&baseDir, "base", "", "nova base directory (default: $NOVA_BASE or ~/nova)")

	root.AddCommand(scanCmd())
	root.AddCommand(scanRepoCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(listCmd())
	root.AddCommand(projectsCmd())
	root.AddCommand(runCmd())
	root.AddCommand(stateCmd("approve", "Allow an item to run", (*runtime.Runtime).Approve))
	root.AddCommand(stateCmd("quarantine", "Block an item from running", (*runtime.Runtime).Quarantine))
	root.AddCommand(logsCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(versionCmd())
	return root
}

// session is one loaded configuration with its runtime and event log.
type session struct {
	cfg    *config.Config
	rt     *runtime.Runtime
	logger *slog.Logger
	closer io.Closer
}

func (s *session) Close() {
	_ = s.closer.Close()
}

func loadConfig() (*config.Config, error) {
	base := baseDir
	if base != "" {
		abs, err := filepath.Abs(base)
		if err != nil {
			return nil, err
		}
		base = abs
	}
	return config.Load(cfgFile, base)
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closer := logging.NewDaily(cfg.Layout().Logs, cfg.LogLevel, cfg.LogFormat)
	rt, err := runtime.NewRuntime(cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, rt: rt, logger: logger, closer: closer}, nil
}

func scanCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "scan [dir...]",
		Short: "Register every file under the given directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var done chan error
			if watch {
				done = make(chan error, 1)
				w := s.rt.NewWatcher(args...)
				go func() { done <- w.Start(ctx) }()
				select {
				case <-w.Ready():
				case err := <-done:
					return err
				}
			}

			summaries, err := s.rt.ScanDirectories(ctx, args...)
			for _, sum := range summaries {
				printSummary(cmd.OutOrStdout(), sum)
			}
			if err != nil {
				return err
			}
			if !watch {
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), "watching for new files, press Ctrl+C to stop")
			waitForSignal()
			cancel()
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep watching the directories after the scan")
	return cmd
}

func scanRepoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-repo DIR",
		Short: "Record a repository as a project and register its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if !scan.IsRepository(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is not a repository\n", args[0])
				return nil
			}
			sum, err := s.rt.ScanRepository(context.Background(), args[0])
			printSummary(cmd.OutOrStdout(), sum)
			return err
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Register files as they appear",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			w := s.rt.NewWatcher(args...)
			done := make(chan error, 1)
			go func() { done <- w.Start(ctx) }()
			select {
			case <-w.Ready():
			case err := <-done:
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "watching for new files, press Ctrl+C to stop")
			waitForSignal()
			cancel()
			if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cataloged items",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			refs, err := s.rt.ListItems(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			if !long {
				for _, ref := range refs {
					fmt.Fprintf(tw, "%d\t%s\n", ref.ID, ref.Path)
				}
				return nil
			}
			fmt.Fprintln(tw, "ID\tKIND\tSTATE\tLAST RUN\tPATH")
			for _, ref := range refs {
				item, err := s.rt.Item(ctx, ref.ID)
				if errors.Is(err, catalog.ErrItemNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", item.ID, item.Kind, item.State, formatTime(item.LastRunAt), item.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show kind, trust state and last run")
	return cmd
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List detected repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			projects, err := s.rt.ListProjects(context.Background())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "ID\tNAME\tREMOTE\tHEAD\tPATH")
			for _, p := range projects {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, dash(p.RepoURL), dash(shortRev(p.HeadRevision)), p.Path)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run ID [-- ARGS...]",
		Short: "Run an item through its wrapper",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			report, err := s.rt.Run(ctx, id, runtime.RunOptions{Args: args[1:], Timeout: timeout})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !report.Found:
				fmt.Fprintf(out, "Item ID %d not found in database\n", id)
			case report.Refused:
				fmt.Fprintf(out, "Item ID %d is quarantined; run `nova approve %d` first\n", id, id)
			default:
				r := report.Result
				fmt.Fprintf(out, "run %s: %s (exit %d) in %s\n", report.RunID, r.Outcome, r.ExitCode, r.Duration.Round(time.Millisecond))
				fmt.Fprintf(out, "log: %s\n", r.LogPath)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "override the configured execution timeout")
	return cmd
}

func stateCmd(use, short string, apply func(*runtime.Runtime, context.Context, int64) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ok, err := apply(s.rt, context.Background(), id)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Item ID %d not found in database\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "item %d: %s\n", id, use)
			return nil
		},
	}
}

func logsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "logs", Short: "Run log management"}
	cmd.AddCommand(logsListCmd())
	cmd.AddCommand(logsShowCmd())
	cmd.AddCommand(logsArchiveCmd())
	return cmd
}

func newArchiver() (*logs.Archiver, *session, error) {
	s, err := openSession()
	if err != nil {
		return nil, nil, err
	}
	a := logs.NewArchiver(s.rt.Layout().Logs)
	a.SetLogger(s.logger)
	return a, s, nil
}

func logsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List run logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, s, err := newArchiver()
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := a.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Name, e.Size, e.ModTime.Format(time.DateTime))
			}
			return nil
		},
	}
}

func logsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a run log, archived or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, s, err := newArchiver()
			if err != nil {
				return err
			}
			defer s.Close()

			path := args[0]
			if !filepath.IsAbs(path) {
				path = filepath.Join(a.Dir, path)
			}
			rc, err := logs.Open(path)
			if errors.Is(err, os.ErrNotExist) {
				rc, err = logs.Open(path + logs.ArchiveExt)
			}
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}

func logsArchiveCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Compress old run logs with zstd",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, s, err := newArchiver()
			if err != nil {
				return err
			}
			defer s.Close()

			sum, err := a.Archive(context.Background(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d logs (%d failed), %d -> %d bytes\n",
				sum.Archived, sum.Failed, sum.BytesIn, sum.BytesOut)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "archive logs last written before this long ago")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show layout, configuration, catalog size and host details",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := context.Background()
			items, err := s.rt.ListItems(ctx)
			if err != nil {
				return err
			}
			projects, err := s.rt.ListProjects(ctx)
			if err != nil {
				return err
			}
			l := s.rt.Layout()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version: %s\nBase: %s\nConfig: %s\nCatalog: %s\nWrappers: %s\nLogs: %s\nTimeout: %s\nItems: %d\nProjects: %d\n",
				version.String(), l.Base, s.cfg.Path, l.CatalogPath(), l.Bin, l.Logs, s.cfg.ExecTimeout(), len(items), len(projects))

			host := s.rt.Host()
			fmt.Fprintf(out, "OS: %s\nDistro: %s %s\nKernel: %s\nArch: %s\nShell: %s\n",
				host.OS, dash(host.Distro), host.Version, dash(host.Kernel), host.Arch, dash(host.Shell))
			if missing := host.Missing(); len(missing) > 0 {
				fmt.Fprintf(out, "Missing interpreters: %s\n", strings.Join(missing, ", "))
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

func printSummary(w io.Writer, sum scan.Summary) {
	if sum.Project != nil {
		fmt.Fprintf(w, "project %s (%s)\n", sum.Project.Name, dash(sum.Project.RepoURL))
	}
	fmt.Fprintf(w, "%s: %d registered, %d skipped, %d failed\n", sum.Root, sum.Registered, sum.Skipped, sum.Failed)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid item id %q", s)
	}
	return id, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
