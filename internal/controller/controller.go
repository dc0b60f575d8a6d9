// ============================================================================
// bootbaker Controller - batch driver
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: run one batch of targets through the build and test phases
//
// Phases:
//   1. Build  - every target goes through the artifact pipeline, bounded by
//               build workers. A failing target becomes a BuildFailure and
//               is dropped from the test input; siblings keep going.
//   2. Test   - the surviving targets (all targets in test-only mode) are
//               handed to the worker.Scheduler.
//   3. Report - the aggregate is persisted through report.Store.
//
// Only scheduler-setup errors (host introspection, sizing) and report
// persistence errors abort a run. Everything per target is a record.
//
// Side channels:
//   - Health:  bootbaker.build / bootbaker.test are SERVING while running
//   - Metrics: one RecordBuild per target, test metrics via the Observer
//   - Tracing: one "run" span parenting the build and test spans
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bootbaker/internal/pipeline"
	"github.com/ChuLiYu/bootbaker/internal/report"
	"github.com/ChuLiYu/bootbaker/internal/server"
	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/internal/worker"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// ============================================================================
// Collaborators
// ============================================================================

// Builder produces the artifacts for one target.
type Builder interface {
	Build(ctx context.Context, d *target.Descriptor) (target.Artifacts, error)
}

// Health reflects phase status to an external prober.
type Health interface {
	SetServing(service string, serving bool)
}

// BuildRecorder observes finished builds.
type BuildRecorder interface {
	RecordBuild(err error, elapsed time.Duration)
}

// Config configures a Controller.
type Config struct {
	Mode         types.RunMode
	BuildWorkers int           // parallel builds, <= 0 means 1
	Scheduler    worker.Config // test phase settings
	Reports      *report.Store // nil disables persistence
	Health       Health
	Builds       BuildRecorder
	Logger       *slog.Logger
}

// Controller drives one batch run.
type Controller struct {
	cfg     Config
	builder Builder
	tester  worker.TestRunner
	tracer  trace.Tracer
	log     *slog.Logger
}

// ============================================================================
// Construction
// ============================================================================

// New returns a controller. builder may be nil in test-only mode and
// tester may be nil in build-only mode.
func New(builder Builder, tester worker.TestRunner, cfg Config) (*Controller, error) {
	if cfg.Mode == "" {
		cfg.Mode = types.ModeAll
	}
	if cfg.Mode.Builds() && builder == nil {
		return nil, fmt.Errorf("mode %s requires a builder", cfg.Mode)
	}
	if cfg.Mode.Tests() && tester == nil {
		return nil, fmt.Errorf("mode %s requires a test runner", cfg.Mode)
	}
	if cfg.BuildWorkers <= 0 {
		cfg.BuildWorkers = 1
	}
	if cfg.Health == nil {
		cfg.Health = nopHealth{}
	}
	if cfg.Builds == nil {
		cfg.Builds = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Scheduler.Logger == nil {
		cfg.Scheduler.Logger = cfg.Logger
	}
	return &Controller{
		cfg:     cfg,
		builder: builder,
		tester:  tester,
		tracer:  otel.Tracer("github.com/ChuLiYu/bootbaker/internal/controller"),
		log:     cfg.Logger,
	}, nil
}

// ============================================================================
// Run
// ============================================================================

// Run executes the configured phases over targets and returns the report.
// The report is also persisted when a store is configured.
func (c *Controller) Run(ctx context.Context, targets []*target.Descriptor) (report.Report, error) {
	rep := report.Report{
		RunID:     report.NewRunID(),
		Mode:      c.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Targets:   len(targets),
	}
	ctx, span := c.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run_id", rep.RunID),
		attribute.String("mode", string(rep.Mode)),
		attribute.Int("targets", len(targets)),
	))
	defer span.End()

	log := c.log.With("run_id", rep.RunID)
	log.Info("run started", "mode", rep.Mode, "targets", len(targets))

	testInput := targets
	if c.cfg.Mode.Builds() {
		built, failures := c.buildAll(ctx, targets)
		rep.Built = len(built)
		rep.BuildFailures = failures
		testInput = built
	}

	if c.cfg.Mode.Tests() {
		sum, err := c.testAll(ctx, testInput)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return rep, fmt.Errorf("test phase failed: %w", err)
		}
		rep.Workers = sum.Workers
		rep.Counters = sum.Counters
		rep.Outcomes = sum.Outcomes
	}

	rep.FinishedAt = time.Now().UTC()
	log.Info("run finished",
		"built", rep.Built,
		"build_failures", len(rep.BuildFailures),
		"passed", rep.Counters.Passed,
		"failed", rep.Counters.Failed,
		"timed_out", rep.Counters.TimedOut,
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))

	if c.cfg.Reports != nil {
		path, err := c.cfg.Reports.Write(rep)
		if err != nil {
			return rep, fmt.Errorf("failed to save report: %w", err)
		}
		log.Debug("report saved", "path", path)
	}
	return rep, nil
}

// buildAll builds every target and returns the ones that succeeded, in
// input order, plus one failure record per target that did not.
func (c *Controller) buildAll(ctx context.Context, targets []*target.Descriptor) ([]*target.Descriptor, []types.BuildFailure) {
	c.cfg.Health.SetServing(server.ServiceBuild, true)
	defer c.cfg.Health.SetServing(server.ServiceBuild, false)

	c.log.Info("starting build phase", "targets", len(targets), "workers", c.cfg.BuildWorkers)

	errs := make([]error, len(targets))
	elapsed := make([]time.Duration, len(targets))

	var g errgroup.Group
	g.SetLimit(c.cfg.BuildWorkers)
	for i, d := range targets {
		i, d := i, d
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			start := time.Now()
			_, err := c.builder.Build(ctx, d)
			elapsed[i] = time.Since(start)
			errs[i] = err
			c.cfg.Builds.RecordBuild(err, elapsed[i])

			log := c.log.With("target", d.Identifier, "elapsed", elapsed[i].Round(time.Millisecond))
			if err != nil {
				log.Error("build failed", "error", err)
			} else {
				log.Info("build complete")
			}
			return nil
		})
	}
	_ = g.Wait()

	var built []*target.Descriptor
	var failures []types.BuildFailure
	for i, d := range targets {
		if errs[i] == nil {
			built = append(built, d)
			continue
		}
		failures = append(failures, types.BuildFailure{
			Identifier: d.Identifier,
			Stage:      failedStage(errs[i]),
			Error:      errs[i].Error(),
			Elapsed:    elapsed[i],
		})
	}
	return built, failures
}

func (c *Controller) testAll(ctx context.Context, targets []*target.Descriptor) (worker.Summary, error) {
	c.cfg.Health.SetServing(server.ServiceTest, true)
	defer c.cfg.Health.SetServing(server.ServiceTest, false)

	return worker.NewScheduler(c.tester, c.cfg.Scheduler).Run(ctx, targets)
}

func failedStage(err error) string {
	var serr *pipeline.StageError
	if errors.As(err, &serr) {
		return serr.Stage
	}
	return ""
}

type nopHealth struct{}

func (nopHealth) SetServing(string, bool) {}

type nopRecorder struct{}

func (nopRecorder) RecordBuild(error, time.Duration) {}
