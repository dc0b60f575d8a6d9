package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
	"github.com/ChuLiYu/bootbaker/internal/target"
)

const (
	espSize = "100m"
	fsSize  = "200m"
)

func firmwareFor(d *target.Descriptor) (catalog.Firmware, bool) {
	return catalog.EDK2Firmware(d.MachineArch)
}

// preflight rejects targets the later stages cannot finish, before any
// download or build work is spent on them.
func (p *Pipeline) preflight(d *target.Descriptor) error {
	if _, ok := catalog.BootEFIName(d.MachineArch); !ok {
		return fmt.Errorf("%w: no EFI boot name for %s", ErrUnsupportedArch, d.MachineArch)
	}
	if !SupportsLaunch(d.MachineArch) {
		return fmt.Errorf("%w: no launch recipe for %s", ErrUnsupportedArch, d.MachineArch)
	}
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, d *target.Descriptor) error {
	if err := p.preflight(d); err != nil {
		return err
	}
	_, err := p.cache.Ensure(ctx, d.ImgFile, d.ImgURL)
	return err
}

func (p *Pipeline) extract(ctx context.Context, archive, dir string, members []string) error {
	args := append([]string{"-C", dir, "-xf", archive}, members...)
	return p.run(ctx, Command{Name: "tar", Args: args})
}

func (p *Pipeline) buildRootTree(ctx context.Context, d *target.Descriptor) error {
	tree := d.Artifacts.RootTree
	if err := recreate(tree); err != nil {
		return err
	}
	for _, dir := range rootSkeleton {
		if err := os.MkdirAll(filepath.Join(tree, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create skeleton: %w", err)
		}
	}

	if err := p.extract(ctx, d.Artifacts.BaseImage, tree, essentialFiles); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(tree, "etc", "rc"), d.RCScript, 0o755); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(tree, "boot", "loader.conf"), d.LoaderConf, 0o644); err != nil {
		return err
	}

	if p.cfg.KernelOverride == "" {
		return p.extract(ctx, d.Artifacts.BaseImage, tree, kernelFiles)
	}
	p.log.Info("using kernel override", "target", d.Identifier, "dir", p.cfg.KernelOverride)
	for _, f := range kernelFiles {
		if err := copyFile(filepath.Join(p.cfg.KernelOverride, f), filepath.Join(tree, f), 0o644); err != nil {
			return fmt.Errorf("kernel override: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) buildTestTree(ctx context.Context, d *target.Descriptor) error {
	test := d.Artifacts.TestTree
	if err := recreate(test); err != nil {
		return err
	}

	err := p.run(ctx, Command{
		Name: "mtree",
		Args: []string{"-deUW", "-f", filepath.Join(p.cfg.SrcTop, "etc", "mtree", "BSD.root.dist"), "-p", test},
	})
	if err != nil {
		return err
	}

	lock := p.comboLock(d.Combo)
	lock.Lock()
	err = p.crossBuild(ctx, d, test)
	lock.Unlock()
	if err != nil {
		return err
	}

	return pruneTestTree(test)
}

func (p *Pipeline) crossBuild(ctx context.Context, d *target.Descriptor, destdir string) error {
	stand := filepath.Join(p.cfg.SrcTop, "stand")
	args := []string{"buildenv", "TARGET=" + d.Machine, "TARGET_ARCH=" + d.MachineArch}

	build := append(append([]string{"make"}, p.makeArgs...), "all")
	if err := p.run(ctx, Command{
		Name: "make", Args: args, Dir: stand,
		Env: []string{"SHELL=" + strings.Join(build, " ")},
	}); err != nil {
		return err
	}

	install := fmt.Sprintf("make install DESTDIR='%s' MK_MAN=no MK_INSTALL_AS_USER=yes WITHOUT_DEBUG_FILES=yes", destdir)
	return p.run(ctx, Command{
		Name: "make", Args: args, Dir: stand,
		Env: []string{"SHELL=" + install},
	})
}

// pruneTestTree drops everything the install put outside boot/ and checks
// that the EFI loader survived.
func pruneTestTree(test string) error {
	entries, err := os.ReadDir(test)
	if err != nil {
		return fmt.Errorf("failed to read test tree: %w", err)
	}
	for _, e := range entries {
		if e.Name() == "boot" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(test, e.Name())); err != nil {
			return fmt.Errorf("failed to prune %s: %w", e.Name(), err)
		}
	}
	if !exists(filepath.Join(test, "boot", "loader.efi")) {
		return fmt.Errorf("cross build did not install boot/loader.efi into %s", test)
	}
	return nil
}

func (p *Pipeline) buildESPTree(_ context.Context, d *target.Descriptor) error {
	name, ok := catalog.BootEFIName(d.MachineArch)
	if !ok {
		return fmt.Errorf("%w: no EFI boot name for %s", ErrUnsupportedArch, d.MachineArch)
	}
	esp := d.Artifacts.ESPTree
	if err := recreate(esp); err != nil {
		return err
	}
	src := filepath.Join(d.Artifacts.TestTree, "boot", "loader.efi")
	return copyFile(src, filepath.Join(esp, "efi", "boot", name), 0o644)
}

func (p *Pipeline) compose(ctx context.Context, d *target.Descriptor) error {
	a := d.Artifacts
	if err := os.MkdirAll(filepath.Dir(a.DiskImage), 0o755); err != nil {
		return fmt.Errorf("failed to create image dir: %w", err)
	}
	if err := writeFile(filepath.Join(a.TestTree, "etc", "fstab"), d.Fstab, 0o644); err != nil {
		return err
	}

	var fsArgs []string
	if d.Key.Filesystem == "zfs" {
		fsArgs = []string{"-t", "zfs", "-s", fsSize,
			"-o", "poolname=" + target.ZFSPool, "-o", "bootfs=" + target.ZFSPool, "-o", "rootpath=/"}
	} else {
		fsArgs = []string{"-t", "ffs", "-B", "little", "-s", fsSize, "-o", "label=" + target.UFSLabel}
	}
	fsArgs = append(fsArgs, a.FSImage, a.RootTree, a.TestTree)
	if err := p.run(ctx, Command{Name: "makefs", Args: fsArgs}); err != nil {
		return err
	}

	if err := p.run(ctx, Command{Name: "makefs", Args: []string{
		"-t", "msdos", "-o", "fat_type=32", "-o", "sectors_per_cluster=1",
		"-o", "volume_label=EFISYS", "-s", espSize, a.ESPImage, a.ESPTree,
	}}); err != nil {
		return err
	}

	dataPart := "freebsd-" + d.Key.Filesystem
	if d.Key.Interface == "mbr" {
		dataPart = "freebsd"
	}
	return p.run(ctx, Command{Name: "mkimg", Args: []string{
		"-s", d.Key.Interface,
		"-p", "efi:=" + a.ESPImage,
		"-p", dataPart + ":=" + a.FSImage,
		"-o", a.DiskImage,
	}})
}

func (p *Pipeline) writeLaunchScript(_ context.Context, d *target.Descriptor) error {
	if fw, ok := firmwareFor(d); ok {
		code := d.Artifacts.FirmwareCode
		if !exists(code) {
			if err := copyFile(filepath.Join(p.cfg.FirmwareDir, fw.Code), code, 0o644); err != nil {
				return fmt.Errorf("failed to install firmware: %w", err)
			}
		}
		// vars are writable pflash, one copy per target
		if err := copyFile(filepath.Join(p.cfg.FirmwareDir, fw.Vars), d.Artifacts.FirmwareVars, 0o644); err != nil {
			return fmt.Errorf("failed to install firmware vars: %w", err)
		}
	}

	script, err := p.renderLaunchScript(d)
	if err != nil {
		return err
	}
	return writeAtomic(d.ScriptPath, bytes.NewReader(script), 0o755)
}
