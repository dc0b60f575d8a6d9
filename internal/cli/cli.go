// ============================================================================
// bootbaker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree around the controller
//
// Command Structure:
//   bootbaker                      # Root command
//   ├── run [arch-fs-iface-enc]    # Build and boot-test targets
//   │   ├── --config, -c          # Recipe file (instead of the shorthand)
//   │   ├── --arch/--filesystem/--interface/--encryption
//   │   ├── --build-only | --test-only
//   │   ├── --src, --root         # Override settings paths
//   │   └── --strict              # Exit 2 when anything failed
//   ├── list [arch-fs-iface-enc]   # Dry run: print the expanded targets
//   ├── setup                      # Create the persisted layout
//   ├── status                     # Show the latest run report
//   ├── --settings                 # Settings file (default configs/bootbaker.yaml)
//   └── --verbose, -v              # DEBUG | INFO | WARN | ERROR
//
// run Command:
//   1. Load settings, install the slog handler
//   2. Expand recipes into target descriptors (ports assigned here)
//   3. Start tracing, metrics and health side channels if configured
//   4. Hand the targets to the controller, print the summary
//   5. SIGINT/SIGTERM cancel the run; running tests are killed, pending
//      ones are recorded as failed
//
//   Examples:
//     ./bootbaker run amd64:amd64-zfs-gpt-none
//     ./bootbaker run --arch arm64:aarch64 --test-only
//     ./bootbaker run -c configs/recipes.yaml --strict
//
// Exit codes:
//   0  the run completed (failed targets are reported, not fatal)
//   1  configuration or scheduler-setup error
//   2  --strict and at least one build or test did not pass
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
	"github.com/ChuLiYu/bootbaker/internal/controller"
	"github.com/ChuLiYu/bootbaker/internal/metrics"
	"github.com/ChuLiYu/bootbaker/internal/pipeline"
	"github.com/ChuLiYu/bootbaker/internal/recipe"
	"github.com/ChuLiYu/bootbaker/internal/report"
	"github.com/ChuLiYu/bootbaker/internal/runner"
	"github.com/ChuLiYu/bootbaker/internal/server"
	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/internal/tracing"
	"github.com/ChuLiYu/bootbaker/internal/worker"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// Version is reported by --version and on every span.
var Version = "0.1.0"

// ExitError carries a specific process exit code back to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

type rootOptions struct {
	settingsPath string
	verbose      string
}

// settings loads the settings file and installs the logger.
func (o *rootOptions) settings(cmd *cobra.Command) (*Settings, *slog.Logger, error) {
	level, err := parseLevel(o.verbose)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	explicit := cmd.Flags().Changed("settings")
	cfg, err := loadConfig(o.settingsPath, explicit)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "bootbaker",
		Short: "bootbaker: build and boot-test FreeBSD disk images",
		Long: `bootbaker builds bootable FreeBSD disk images across
architecture x filesystem x partition interface x encryption and
boot-tests each one under an emulator:
- recipe files or arch-fs-iface-enc shorthand with wildcards
- cached base images, per-target artifact pipeline
- bounded parallel boot tests sized to the host`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.settingsPath, "settings", DefaultSettingsPath, "settings file path")
	rootCmd.PersistentFlags().StringVarP(&opts.verbose, "verbose", "v", "INFO", "log level: DEBUG, INFO, WARN, ERROR")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildListCommand(opts))
	rootCmd.AddCommand(buildSetupCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// Target selection (shared by run and list)
// ============================================================================

type selection struct {
	recipeFile string
	arch       string
	filesystem string
	iface      string
	encryption string
}

func (s *selection) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.recipeFile, "config", "c", "", "recipe file (YAML)")
	cmd.Flags().StringVar(&s.arch, "arch", "*", "architecture pair, e.g. amd64:amd64")
	cmd.Flags().StringVar(&s.filesystem, "filesystem", "*", "filesystem: zfs, ufs")
	cmd.Flags().StringVar(&s.iface, "interface", "*", "partition interface: gpt, mbr")
	cmd.Flags().StringVar(&s.encryption, "encryption", "*", "encryption: geli, none")
}

func (s *selection) recipes(args []string) ([]recipe.Recipe, error) {
	if s.recipeFile != "" {
		if len(args) > 0 {
			return nil, errors.New("use either --config or a shorthand target, not both")
		}
		return recipe.Load(s.recipeFile)
	}
	expr := fmt.Sprintf("%s-%s-%s-%s", s.arch, s.filesystem, s.iface, s.encryption)
	if len(args) == 1 {
		expr = args[0]
	}
	r, err := recipe.FromShorthand(expr)
	if err != nil {
		return nil, err
	}
	return []recipe.Recipe{r}, nil
}

func (s *selection) targets(cfg *Settings, layout target.Layout, args []string) ([]*target.Descriptor, error) {
	recipes, err := s.recipes(args)
	if err != nil {
		return nil, err
	}
	cat := catalog.Default()
	factory := target.NewFactory(cat, layout, cfg.Build.URLBase)
	return factory.Generate(recipes, recipe.NewExpander(cat), cfg.Test.BasePort)
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	selection
	buildOnly bool
	testOnly  bool
	srcTop    string
	root      string
	strict    bool
}

func (o *runOptions) mode() types.RunMode {
	switch {
	case o.buildOnly:
		return types.ModeBuildOnly
	case o.testOnly:
		return types.ModeTestOnly
	}
	return types.ModeAll
}

func buildRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [arch-fs-iface-enc]",
		Short: "Build and boot-test targets",
		Long:  "Expand a recipe file or shorthand into targets, build their images and boot-test them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTargets(cmd, root, opts, args)
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.buildOnly, "build-only", false, "build images without testing")
	cmd.Flags().BoolVar(&opts.testOnly, "test-only", false, "test previously built images")
	cmd.Flags().StringVar(&opts.srcTop, "src", "", "OS source tree (overrides paths.srctop)")
	cmd.Flags().StringVar(&opts.root, "root", "", "work root (overrides paths.root)")
	cmd.Flags().BoolVar(&opts.strict, "strict", false, "exit with code 2 if any target failed")
	cmd.MarkFlagsMutuallyExclusive("build-only", "test-only")

	return cmd
}

func runTargets(cmd *cobra.Command, root *rootOptions, opts *runOptions, args []string) error {
	cfg, logger, err := root.settings(cmd)
	if err != nil {
		return err
	}
	if opts.root != "" {
		cfg.Paths.Root = opts.root
	}
	if opts.srcTop != "" {
		cfg.Paths.SrcTop = opts.srcTop
	}

	layout := target.NewLayout(cfg.Paths.Root)
	targets, err := opts.targets(cfg, layout, args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No targets matched.")
		return nil
	}
	if err := layout.Ensure(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Setup(ctx, cfg.Tracing.Endpoint, Version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctrlCfg := controller.Config{
		Mode:         opts.mode(),
		BuildWorkers: cfg.Build.Workers,
		Scheduler: worker.Config{
			MaxWorkers: cfg.Test.MaxWorkers,
			QueueWait:  cfg.Test.QueueWait,
			Observer:   collector,
			Logger:     logger,
		},
		Reports: report.NewStore(layout.Reports, cfg.Reports.Retention),
		Builds:  collector,
		Logger:  logger,
	}
	if cfg.Test.Progress {
		ctrlCfg.Scheduler.Progress = cmd.ErrOrStderr()
	}
	if cfg.Health.Enabled {
		health := server.New(logger)
		go func() {
			if err := health.ListenAndServe(ctx, cfg.Health.Addr); err != nil {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer health.Stop()
		ctrlCfg.Health = health
	}

	var builder controller.Builder
	if ctrlCfg.Mode.Builds() {
		cache := pipeline.NewCache(pipeline.CacheConfig{
			Dir:             layout.Cache,
			Timeout:         cfg.Fetch.Timeout,
			BreakerFailures: cfg.Fetch.BreakerFailures,
			BreakerCooldown: cfg.Fetch.BreakerCooldown,
			Logger:          logger,
		})
		collector.WatchCache(cache.Stats)

		p, err := pipeline.New(pipeline.Config{
			Layout:         layout,
			SrcTop:         cfg.Paths.SrcTop,
			FirmwareDir:    cfg.Paths.FirmwareDir,
			EmulatorDir:    cfg.Paths.EmulatorDir,
			ShareDir:       cfg.Paths.ShareDir,
			Memory:         cfg.Test.Memory,
			MakeArgs:       cfg.Build.MakeArgs,
			KernelOverride: cfg.Build.KernelOverride,
		}, cache, nil, logger)
		if err != nil {
			return err
		}
		builder = p
	}

	var tester worker.TestRunner
	if ctrlCfg.Mode.Tests() {
		tester = runner.New(
			runner.WithTimeout(cfg.Test.Timeout),
			runner.WithShell(cfg.Test.Shell),
			runner.WithLogger(logger),
		)
	}

	ctrl, err := controller.New(builder, tester, ctrlCfg)
	if err != nil {
		return err
	}
	rep, err := ctrl.Run(ctx, targets)
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), rep)

	if opts.strict && rep.Failed() {
		return &ExitError{
			Code: 2,
			Message: fmt.Sprintf("%d build failures, %d failed and %d timed-out tests",
				len(rep.BuildFailures), rep.Counters.Failed, rep.Counters.TimedOut),
		}
	}
	return nil
}

// ============================================================================
// list / setup / status
// ============================================================================

func buildListCommand(root *rootOptions) *cobra.Command {
	sel := &selection{}
	var rootDir string

	cmd := &cobra.Command{
		Use:   "list [arch-fs-iface-enc]",
		Short: "Print the targets a run would build and test",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.settings(cmd)
			if err != nil {
				return err
			}
			if rootDir != "" {
				cfg.Paths.Root = rootDir
			}
			targets, err := sel.targets(cfg, target.NewLayout(cfg.Paths.Root), args)
			if err != nil {
				return err
			}
			printTargets(cmd.OutOrStdout(), targets)
			return nil
		},
	}
	sel.bind(cmd)
	cmd.Flags().StringVar(&rootDir, "root", "", "work root (overrides paths.root)")
	return cmd
}

func buildSetupCommand(root *rootOptions) *cobra.Command {
	var rootDir string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create the work root directory layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.settings(cmd)
			if err != nil {
				return err
			}
			if rootDir != "" {
				cfg.Paths.Root = rootDir
			}
			layout := target.NewLayout(cfg.Paths.Root)
			if err := layout.Ensure(); err != nil {
				return err
			}
			for _, d := range layout.Dirs() {
				logger.Debug("directory ready", "path", d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Layout ready under %s\n", layout.Root)
			return nil
		},
	}
	cmd.Flags().StringVar(&rootDir, "root", "", "work root (overrides paths.root)")
	return cmd
}

func buildStatusCommand(root *rootOptions) *cobra.Command {
	var rootDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest run report status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.settings(cmd)
			if err != nil {
				return err
			}
			if rootDir != "" {
				cfg.Paths.Root = rootDir
			}
			layout := target.NewLayout(cfg.Paths.Root)
			rep, err := report.NewStore(layout.Reports, 0).Latest()
			if errors.Is(err, report.ErrReportNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded under %s\n", layout.Reports)
				return nil
			}
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&rootDir, "root", "", "work root (overrides paths.root)")
	return cmd
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	err := BuildCLI().Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
