package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"text/template"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
	"github.com/ChuLiYu/bootbaker/internal/target"
)

// ErrUnsupportedArch is returned for an architecture without an EFI boot
// name, emulator binary or launch recipe.
var ErrUnsupportedArch = errors.New("unsupported architecture")

// scriptData feeds the launch-script templates.
type scriptData struct {
	Emulator     string
	Image        string
	FirmwareCode string
	FirmwareVars string
	ShareDir     string
	Memory       string
	Port         int
}

const scriptHeader = "#!/bin/sh\n"

// Every recipe ends with the monitor on a TCP port, the console on stdio
// and the script's own arguments.
const scriptTrailer = `-monitor telnet::{{.Port}},server,nowait \
-serial stdio "$@"
`

var launchRecipes = map[string]string{
	"amd64": `{{.Emulator}} -nographic -m {{.Memory}} \
-drive file={{.Image}},if=none,id=drive0,cache=writeback,format=raw \
-device virtio-blk,drive=drive0,bootindex=0 \
-drive file={{.FirmwareCode}},format=raw,if=pflash \
`,
	"i386": `{{.Emulator}} -nographic -m {{.Memory}} \
-drive file={{.Image}},if=none,id=drive0,cache=writeback,format=raw \
-device virtio-blk,drive=drive0,bootindex=0 \
-drive file={{.FirmwareCode}},format=raw,if=pflash \
`,
	"aarch64": `{{.Emulator}} -m {{.Memory}} -cpu cortex-a57 -M virt,gic-version=3 -nographic \
-drive file={{.Image}},if=none,id=drive0 \
-drive file={{.FirmwareCode}},format=raw,if=pflash,readonly=on \
-drive file={{.FirmwareVars}},format=raw,if=pflash \
-device virtio-blk-device,drive=drive0 \
`,
	"riscv64": `{{.Emulator}} -m {{.Memory}} -smp 2 -nographic -machine virt \
-bios {{.ShareDir}}/opensbi/lp64/generic/firmware/fw_jump.elf \
-kernel {{.ShareDir}}/u-boot/u-boot-qemu-riscv64/u-boot.bin \
-drive file={{.Image}},format=raw,id=hd0 \
-device virtio-blk-device,drive=hd0,bootindex=0 \
`,
	"armv7": `{{.Emulator}} -machine virt -m {{.Memory}} -smp 2 -nographic \
-bios {{.ShareDir}}/u-boot/u-boot-qemu-arm/u-boot.bin \
-drive if=none,file={{.Image}},id=hd0 \
-device virtio-blk-device,drive=hd0 \
`,
	"powerpc64": `{{.Emulator}} -machine pseries,accel=kvm,cap-cfpc=broken,cap-sbbc=broken,cap-ibs=broken \
-m {{.Memory}} -smp 2 -nographic -enable-kvm \
-drive if=none,file={{.Image}},id=hd0 \
-device virtio-blk-device,drive=hd0 \
`,
	"powerpc64le": `{{.Emulator}} -machine pseries,accel=kvm,cap-cfpc=broken,cap-sbbc=broken,cap-ibs=broken \
-m {{.Memory}} -smp 2 -nographic -enable-kvm \
-drive if=none,file={{.Image}},id=hd0 \
-device virtio-blk-device,drive=hd0 \
`,
}

var launchTemplates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(launchRecipes))
	for arch, body := range launchRecipes {
		out[arch] = template.Must(template.New(arch).Parse(scriptHeader + body + scriptTrailer))
	}
	return out
}()

// SupportsLaunch reports whether a launch recipe exists for machineArch.
func SupportsLaunch(machineArch string) bool {
	_, ok := launchTemplates[machineArch]
	return ok
}

// renderLaunchScript produces the emulator invocation for d.
func (p *Pipeline) renderLaunchScript(d *target.Descriptor) ([]byte, error) {
	tmpl, ok := launchTemplates[d.MachineArch]
	if !ok {
		return nil, fmt.Errorf("%w: no launch recipe for %s", ErrUnsupportedArch, d.MachineArch)
	}
	bin, ok := catalog.EmulatorBinary(d.MachineArch)
	if !ok {
		return nil, fmt.Errorf("%w: no emulator for %s", ErrUnsupportedArch, d.MachineArch)
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, scriptData{
		Emulator:     filepath.Join(p.cfg.EmulatorDir, bin),
		Image:        d.Artifacts.DiskImage,
		FirmwareCode: d.Artifacts.FirmwareCode,
		FirmwareVars: d.Artifacts.FirmwareVars,
		ShareDir:     p.cfg.ShareDir,
		Memory:       p.cfg.Memory,
		Port:         d.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render launch script: %w", err)
	}
	return buf.Bytes(), nil
}
