package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
	"github.com/ChuLiYu/bootbaker/internal/recipe"
	"github.com/ChuLiYu/bootbaker/internal/target"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

var destdirRe = regexp.MustCompile(`DESTDIR='([^']+)'`)

// fakeRunner records commands and imitates the side effects later stages
// depend on.
type fakeRunner struct {
	mu     sync.Mutex
	cmds   []Command
	failOn string
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) ([]byte, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()

	if f.failOn != "" && cmd.Name == f.failOn {
		return []byte("boom"), &ToolError{Command: cmd.String(), ExitCode: 1, Output: "boom"}
	}
	for _, e := range cmd.Env {
		if m := destdirRe.FindStringSubmatch(e); m != nil {
			for _, name := range []string{"boot/loader.efi", "boot/loader", "bin/sh", "usr/lib/x"} {
				p := filepath.Join(m[1], name)
				if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, nil
}

func (f *fakeRunner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.cmds {
		out = append(out, c.Name)
	}
	return out
}

func (f *fakeRunner) find(name, contains string) *Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cmds {
		if f.cmds[i].Name == name && strings.Contains(f.cmds[i].String(), contains) {
			return &f.cmds[i]
		}
	}
	return nil
}

type fixture struct {
	layout   target.Layout
	factory  *target.Factory
	pipeline *Pipeline
	runner   *fakeRunner
	fwDir    string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := target.NewLayout(filepath.Join(root, "stand"))
	require.NoError(t, layout.Ensure())

	fwDir := filepath.Join(root, "qemu")
	require.NoError(t, os.MkdirAll(fwDir, 0o755))
	for _, f := range []string{"edk2-x86_64-code.fd", "edk2-i386-vars.fd", "edk2-aarch64-code.fd", "edk2-arm-vars.fd"} {
		require.NoError(t, os.WriteFile(filepath.Join(fwDir, f), []byte(f), 0o644))
	}

	cfg := Config{
		Layout:      layout,
		SrcTop:      filepath.Join(root, "src"),
		FirmwareDir: fwDir,
		EmulatorDir: "/usr/local/bin",
		Memory:      "512M",
		MakeArgs:    "-j 100",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	runner := &fakeRunner{}
	p, err := New(cfg, NewCache(CacheConfig{Dir: layout.Cache}), runner, nil)
	require.NoError(t, err)

	return &fixture{
		layout:   layout,
		factory:  target.NewFactory(catalog.Default(), layout, ""),
		pipeline: p,
		runner:   runner,
		fwDir:    fwDir,
	}
}

func (f *fixture) descriptor(t *testing.T, key types.CombinationKey) *target.Descriptor {
	t.Helper()
	d, err := f.factory.Build(key, recipe.Overrides{}, 4007)
	require.NoError(t, err)
	// seed the cache so no network is needed
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.Cache, d.ImgFile), []byte("iso"), 0o644))
	return d
}

func TestBuildProducesArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	d := f.descriptor(t, types.CombinationKey{Arch: "amd64:amd64", Filesystem: "zfs", Interface: "gpt", Encryption: "none"})

	a, err := f.pipeline.Build(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, a, d.Artifacts)

	assert.Equal(t, []string{"tar", "tar", "mtree", "make", "make", "makefs", "makefs", "mkimg"}, f.runner.names())

	rc, err := os.ReadFile(filepath.Join(a.RootTree, "etc", "rc"))
	require.NoError(t, err)
	assert.Contains(t, string(rc), target.SuccessMarker)
	assert.FileExists(t, filepath.Join(a.RootTree, "boot", "loader.conf"))
	assert.DirExists(t, filepath.Join(a.RootTree, "libexec"))

	entries, err := os.ReadDir(a.TestTree)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// etc/fstab is written after pruning
	assert.ElementsMatch(t, []string{"boot", "etc"}, names)
	fstab, err := os.ReadFile(filepath.Join(a.TestTree, "etc", "fstab"))
	require.NoError(t, err)
	assert.Equal(t, d.Fstab, string(fstab))

	assert.FileExists(t, filepath.Join(a.ESPTree, "efi", "boot", "bootx64.efi"))

	build := f.runner.find("make", "-j 100")
	require.NotNil(t, build)
	assert.Equal(t, []string{"buildenv", "TARGET=amd64", "TARGET_ARCH=amd64"}, build.Args)
	assert.Equal(t, []string{"SHELL=make -j 100 all"}, build.Env)
	assert.True(t, strings.HasSuffix(build.Dir, "stand"))

	zfs := f.runner.find("makefs", "zfs")
	require.NotNil(t, zfs)
	assert.Contains(t, zfs.String(), "-o poolname=tank -o bootfs=tank -o rootpath=/ "+a.FSImage+" "+a.RootTree+" "+a.TestTree)

	mkimg := f.runner.find("mkimg", "")
	require.NotNil(t, mkimg)
	assert.Equal(t, []string{"-s", "gpt", "-p", "efi:=" + a.ESPImage, "-p", "freebsd-zfs:=" + a.FSImage, "-o", a.DiskImage}, mkimg.Args)

	script, err := os.ReadFile(d.ScriptPath)
	require.NoError(t, err)
	s := string(script)
	assert.True(t, strings.HasPrefix(s, "#!/bin/sh\n"))
	assert.Contains(t, s, "/usr/local/bin/qemu-system-x86_64 -nographic -m 512M")
	assert.Contains(t, s, "file="+a.DiskImage+",")
	assert.Contains(t, s, "file="+a.FirmwareCode+",format=raw,if=pflash")
	assert.Contains(t, s, "-monitor telnet::4007,server,nowait")
	assert.Contains(t, s, `-serial stdio "$@"`)

	info, err := os.Stat(d.ScriptPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100, "script must be executable")

	assert.FileExists(t, a.FirmwareCode)
	assert.FileExists(t, a.FirmwareVars)
}

func TestBuildUFSOnMBR(t *testing.T) {
	f := newFixture(t, nil)
	d := f.descriptor(t, types.CombinationKey{Arch: "arm64:aarch64", Filesystem: "ufs", Interface: "mbr", Encryption: "geli"})

	a, err := f.pipeline.Build(context.Background(), d)
	require.NoError(t, err)

	ffs := f.runner.find("makefs", "ffs")
	require.NotNil(t, ffs)
	assert.Contains(t, ffs.String(), "-B little -s 200m -o label=root")

	mkimg := f.runner.find("mkimg", "")
	require.NotNil(t, mkimg)
	assert.Contains(t, mkimg.Args, "freebsd:="+a.FSImage)
	assert.Contains(t, mkimg.Args, "mbr")

	assert.FileExists(t, filepath.Join(a.ESPTree, "efi", "boot", "bootaa64.efi"))

	script, err := os.ReadFile(d.ScriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), "-drive file="+a.FirmwareVars+",format=raw,if=pflash")
	assert.Contains(t, string(script), "-M virt,gic-version=3")
}

func TestBuildStopsAtFailingTool(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.failOn = "mkimg"
	d := f.descriptor(t, types.CombinationKey{Arch: "amd64:amd64", Filesystem: "ufs", Interface: "gpt", Encryption: "none"})

	_, err := f.pipeline.Build(context.Background(), d)
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageCompose, se.Stage)
	assert.Equal(t, d.Identifier, se.Target)

	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.ExitCode)
	assert.NoFileExists(t, d.ScriptPath)
}

func TestBuildFailsWhenLoaderMissing(t *testing.T) {
	f := newFixture(t, nil)
	d := f.descriptor(t, types.CombinationKey{Arch: "amd64:amd64", Filesystem: "ufs", Interface: "gpt", Encryption: "none"})
	// a runner that never installs anything
	f.pipeline.runner = runnerFunc(func(context.Context, Command) ([]byte, error) { return nil, nil })

	_, err := f.pipeline.Build(context.Background(), d)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageTestTree, se.Stage)
}

type runnerFunc func(context.Context, Command) ([]byte, error)

func (fn runnerFunc) Run(ctx context.Context, cmd Command) ([]byte, error) { return fn(ctx, cmd) }

func TestBuildRejectsUnsupportedArchBeforeWork(t *testing.T) {
	f := newFixture(t, nil)
	d := f.descriptor(t, types.CombinationKey{Arch: "amd64:amd64", Filesystem: "ufs", Interface: "gpt", Encryption: "none"})
	d.MachineArch = "sparc64"

	_, err := f.pipeline.Build(context.Background(), d)
	assert.ErrorIs(t, err, ErrUnsupportedArch)
	assert.Empty(t, f.runner.names())
}

func TestBuildKernelOverride(t *testing.T) {
	override := t.TempDir()
	for _, k := range kernelFiles {
		p := filepath.Join(override, k)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("custom"), 0o644))
	}
	f := newFixture(t, func(c *Config) { c.KernelOverride = override })
	d := f.descriptor(t, types.CombinationKey{Arch: "amd64:amd64", Filesystem: "zfs", Interface: "gpt", Encryption: "none"})

	a, err := f.pipeline.Build(context.Background(), d)
	require.NoError(t, err)

	tars := 0
	for _, n := range f.runner.names() {
		if n == "tar" {
			tars++
		}
	}
	assert.Equal(t, 1, tars)
	got, err := os.ReadFile(filepath.Join(a.RootTree, "boot", "kernel", "kernel"))
	require.NoError(t, err)
	assert.Equal(t, "custom", string(got))
}

func TestNewRejectsBadMakeArgs(t *testing.T) {
	_, err := New(Config{MakeArgs: `-j "100`}, NewCache(CacheConfig{Dir: t.TempDir()}), nil, nil)
	assert.Error(t, err)
}

func TestRenderLaunchScriptPerArch(t *testing.T) {
	f := newFixture(t, nil)
	for _, arch := range catalog.Default().Values(catalog.AxisArch) {
		d, err := f.factory.Build(types.CombinationKey{Arch: arch, Filesystem: "ufs", Interface: "gpt", Encryption: "none"}, recipe.Overrides{}, 4100)
		require.NoError(t, err)
		d.Artifacts = f.pipeline.Plan(d)

		script, err := f.pipeline.renderLaunchScript(d)
		require.NoError(t, err, arch)
		assert.Contains(t, string(script), "telnet::4100", arch)
		assert.Contains(t, string(script), d.Artifacts.DiskImage, arch)
		assert.NotContains(t, string(script), "<no value>", arch)
	}
}
