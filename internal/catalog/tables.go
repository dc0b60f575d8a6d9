package catalog

import "strings"

// Image flavors published on the release mirror.
const (
	FlavorBootOnlyISO = "bootonly.iso"
	FlavorGenericIMG  = "GENERIC.img"
)

// Cores without an installer ISO ship only a full-disk image.
var fullDiskOnly = map[string]bool{
	"arm:armv7": true,
	"arm:armv6": true,
	"arm:arm":   true,
}

// Default-boot file name the firmware looks for in \EFI\BOOT.
var bootEFINames = map[string]string{
	"amd64":       "bootx64.efi",
	"i386":        "bootia32.efi",
	"armv7":       "bootarm.efi",
	"aarch64":     "bootaa64.efi",
	"powerpc":     "bootppc64.efi",
	"powerpc64":   "bootppc64.efi",
	"powerpc64le": "bootppc64le.efi",
	"riscv64":     "bootriscv64.efi",
}

var emulatorBinaries = map[string]string{
	"amd64":       "qemu-system-x86_64",
	"i386":        "qemu-system-i386",
	"armv7":       "qemu-system-arm",
	"aarch64":     "qemu-system-aarch64",
	"powerpc":     "qemu-system-ppc",
	"powerpc64":   "qemu-system-ppc64",
	"powerpc64le": "qemu-system-ppc64le",
	"riscv64":     "qemu-system-riscv64",
}

// Firmware names the EDK2 images an architecture needs, relative to the
// emulator's firmware directory.
type Firmware struct {
	Code string
	Vars string
}

var edk2Firmware = map[string]Firmware{
	"amd64":   {Code: "edk2-x86_64-code.fd", Vars: "edk2-i386-vars.fd"},
	"i386":    {Code: "edk2-i386-code.fd", Vars: "edk2-i386-vars.fd"},
	"aarch64": {Code: "edk2-aarch64-code.fd", Vars: "edk2-arm-vars.fd"},
}

// SplitArch splits an architecture pair such as "arm64:aarch64" into its
// machine and machine-arch halves. A value without ':' is used for both.
func SplitArch(arch string) (machine, machineArch string) {
	m, ma, ok := strings.Cut(arch, ":")
	if !ok {
		return arch, arch
	}
	return m, ma
}

// MachineCombo collapses machine and machine arch into one token: "amd64"
// when both halves agree, otherwise "arm64-aarch64".
func MachineCombo(machine, machineArch string) string {
	if machine == machineArch {
		return machineArch
	}
	return machine + "-" + machineArch
}

// DefaultFlavor picks the image flavor for an architecture pair.
func DefaultFlavor(arch string) string {
	if fullDiskOnly[arch] {
		return FlavorGenericIMG
	}
	return FlavorBootOnlyISO
}

// BootEFIName returns the default-boot EFI file name for machineArch.
func BootEFIName(machineArch string) (string, bool) {
	name, ok := bootEFINames[machineArch]
	return name, ok
}

// EmulatorBinary returns the emulator executable name for machineArch.
func EmulatorBinary(machineArch string) (string, bool) {
	bin, ok := emulatorBinaries[machineArch]
	return bin, ok
}

// EDK2Firmware returns the firmware pair for machineArch, if it boots EDK2.
func EDK2Firmware(machineArch string) (Firmware, bool) {
	fw, ok := edk2Firmware[machineArch]
	return fw, ok
}
