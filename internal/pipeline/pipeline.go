// Package pipeline builds the artifacts for one target: a cached base
// image, a minimal root tree, a cross-built boot loader tree, an EFI
// system partition, a composed disk image and an emulator launch script.
package pipeline

// ============================================================================
// Stages run strictly in order and every external tool is strict: a non-zero
// exit aborts the target with a *StageError naming the stage. Callers catch
// that per target and move on to the next one.
//
// Per-target directories live under tree/<combo>/<identifier>/ so that two
// targets of the same machine combo can build concurrently. The cross build
// itself shares the source tree's object directory and is serialized per
// machine combo.
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/shlex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/bootbaker/internal/target"
)

// Stage names, in execution order.
const (
	StageFetch    = "fetch"
	StageRootTree = "root-tree"
	StageTestTree = "test-tree"
	StageESP      = "esp"
	StageCompose  = "compose"
	StageScript   = "script"
)

// StageError wraps the failure of one pipeline stage for one target.
type StageError struct {
	Stage  string
	Target string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: stage %s: %v", e.Target, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config holds the host paths and knobs the pipeline needs.
type Config struct {
	Layout         target.Layout
	SrcTop         string // OS source tree root
	FirmwareDir    string // EDK2 firmware images
	EmulatorDir    string // emulator binaries
	ShareDir       string // OpenSBI and U-Boot payloads
	Memory         string // emulator memory size, e.g. "512M"
	MakeArgs       string // extra arguments for the cross build, e.g. "-j 100"
	KernelOverride string // directory holding kernel files to use instead of the base image's
}

// Files extracted from the base image into the minimal root tree.
var essentialFiles = []string{
	"sbin/reboot", "sbin/halt", "sbin/init", "bin/sh", "sbin/sysctl",
	"lib/libncursesw.so.9", "lib/libc.so.7", "lib/libgcc_s.so.1", "lib/libedit.so.8",
	"libexec/ld-elf.so.1",
}

// Kernel and modules overlaid onto the minimal root tree.
var kernelFiles = []string{
	"boot/kernel/kernel", "boot/kernel/acl_nfs4.ko", "boot/kernel/cryptodev.ko",
	"boot/kernel/zfs.ko", "boot/kernel/geom_eli.ko", "boot/device.hints",
}

var rootSkeleton = []string{
	"boot/kernel", "boot/defaults", "boot/lua", "boot/loader.conf.d",
	"sbin", "bin", "lib", "libexec", "etc", "dev",
}

// Pipeline builds targets. It is safe for concurrent use by multiple
// goroutines building different targets.
type Pipeline struct {
	cfg      Config
	makeArgs []string
	cache    *Cache
	runner   CommandRunner
	log      *slog.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	comboLocks map[string]*sync.Mutex
}

// New returns a pipeline. A nil runner selects ExecRunner.
func New(cfg Config, cache *Cache, runner CommandRunner, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{Logger: logger}
	}
	if cfg.Memory == "" {
		cfg.Memory = "512M"
	}
	if cfg.ShareDir == "" {
		cfg.ShareDir = "/usr/local/share"
	}
	args, err := shlex.Split(cfg.MakeArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse make arguments %q: %w", cfg.MakeArgs, err)
	}
	return &Pipeline{
		cfg:        cfg,
		makeArgs:   args,
		cache:      cache,
		runner:     runner,
		log:        logger,
		tracer:     otel.Tracer("github.com/ChuLiYu/bootbaker/internal/pipeline"),
		comboLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Plan returns the artifact paths Build will produce for d without touching
// the filesystem.
func (p *Pipeline) Plan(d *target.Descriptor) target.Artifacts {
	l := p.cfg.Layout
	tree := filepath.Join(l.Tree, d.Combo, d.Identifier)
	images := filepath.Join(l.Image, d.Combo)
	a := target.Artifacts{
		BaseImage:    p.cache.Path(d.ImgFile),
		RootTree:     filepath.Join(tree, "freebsd"),
		TestTree:     filepath.Join(tree, "test-stand"),
		ESPTree:      filepath.Join(tree, "freebsd-esp"),
		ESPImage:     filepath.Join(images, "freebsd-"+d.Identifier+".esp"),
		FSImage:      filepath.Join(images, "freebsd-"+d.Identifier+"."+d.Key.Filesystem),
		DiskImage:    filepath.Join(images, "freebsd-"+d.Identifier+".img"),
		LaunchScript: d.ScriptPath,
	}
	if _, ok := firmwareFor(d); ok {
		a.FirmwareCode = filepath.Join(l.BIOS, "edk2-"+d.Combo+"-code.fd")
		a.FirmwareVars = filepath.Join(l.BIOS, d.Combo, d.Identifier+"-vars.fd")
	}
	return a
}

type stage struct {
	name string
	run  func(context.Context, *target.Descriptor) error
}

// Build runs every stage for d and records the produced paths in
// d.Artifacts. The returned error is a *StageError.
func (p *Pipeline) Build(ctx context.Context, d *target.Descriptor) (target.Artifacts, error) {
	ctx, span := p.tracer.Start(ctx, "build", trace.WithAttributes(
		attribute.String("target", d.Identifier),
		attribute.String("combo", d.Combo),
	))
	defer span.End()

	d.Artifacts = p.Plan(d)
	stages := []stage{
		{StageFetch, p.fetch},
		{StageRootTree, p.buildRootTree},
		{StageTestTree, p.buildTestTree},
		{StageESP, p.buildESPTree},
		{StageCompose, p.compose},
		{StageScript, p.writeLaunchScript},
	}

	log := p.log.With("target", d.Identifier)
	for _, s := range stages {
		start := time.Now()
		sctx, sspan := p.tracer.Start(ctx, s.name)
		err := s.run(sctx, d)
		if err != nil {
			sspan.RecordError(err)
			sspan.SetStatus(codes.Error, err.Error())
		}
		sspan.End()
		if err != nil {
			serr := &StageError{Stage: s.name, Target: d.Identifier, Err: err}
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
			return d.Artifacts, serr
		}
		log.Debug("stage complete", "stage", s.name, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return d.Artifacts, nil
}

// Cache returns the base-image cache the pipeline uses.
func (p *Pipeline) Cache() *Cache { return p.cache }

func (p *Pipeline) comboLock(combo string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.comboLocks[combo]
	if !ok {
		l = &sync.Mutex{}
		p.comboLocks[combo] = l
	}
	return l
}

func (p *Pipeline) run(ctx context.Context, cmd Command) error {
	_, err := p.runner.Run(ctx, cmd)
	return err
}

func writeFile(path, content string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
