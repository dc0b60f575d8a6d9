// Package target turns concrete combinations into fully resolved build
// and test units.
//
// A Descriptor carries everything the pipeline and the test runner need:
// the stable identifier, the generated configuration text, the emulator
// monitor port and the script and log paths. The identifier is reused
// verbatim as the script and log base name, so its format is part of the
// on-disk contract.
package target

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
	"github.com/ChuLiYu/bootbaker/internal/recipe"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

const (
	// DefaultVersion is the OS release used when a recipe names none.
	DefaultVersion = "13.2"
	// DefaultURLBase is the release mirror root.
	DefaultURLBase = "https://download.freebsd.org/ftp/releases"
	// DefaultBasePort is the first emulator monitor port handed out.
	DefaultBasePort = 4000

	// SuccessMarker is printed by the generated init script once the
	// system has booted far enough to run it.
	SuccessMarker = "RC COMMAND RUNNING -- SUCCESS!!!"

	// ZFSPool is the pool name baked into zfs images and their fstab.
	ZFSPool = "tank"
	// UFSLabel is the root label given to flat filesystem images.
	UFSLabel = "root"
)

// ErrConflictingOverrides is wrapped when two recipes request the same
// target with different base image settings.
var ErrConflictingOverrides = errors.New("recipes resolve the same target differently")

// ConfigError reports a combination or recipe that cannot produce a target.
type ConfigError struct {
	Key types.CombinationKey
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err carries a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Descriptor is one fully resolved combination. Only Artifacts is written
// after construction, by the pipeline that builds it.
type Descriptor struct {
	Key         types.CombinationKey
	Machine     string
	MachineArch string
	Combo       string

	Version string
	Flavor  string
	ImgFile string
	ImgURL  string

	Identifier string

	RCScript   string
	LoaderConf string
	Fstab      string

	Port       int
	ScriptPath string
	LogPath    string

	Artifacts Artifacts
}

// Artifacts are the paths the pipeline produced for a descriptor.
type Artifacts struct {
	BaseImage    string
	RootTree     string
	TestTree     string
	ESPTree      string
	ESPImage     string
	FSImage      string
	DiskImage    string
	FirmwareCode string
	FirmwareVars string
	LaunchScript string
}

// Factory creates descriptors for one layout and catalog.
type Factory struct {
	catalog *catalog.Catalog
	layout  Layout
	urlBase string
}

// NewFactory returns a factory. An empty urlBase selects DefaultURLBase.
func NewFactory(c *catalog.Catalog, layout Layout, urlBase string) *Factory {
	if urlBase == "" {
		urlBase = DefaultURLBase
	}
	return &Factory{catalog: c, layout: layout, urlBase: urlBase}
}

// Build resolves key with the given overrides and monitor port. Every field
// of key must be in the catalog.
func (f *Factory) Build(key types.CombinationKey, o recipe.Overrides, port int) (*Descriptor, error) {
	if err := f.catalog.Validate(key); err != nil {
		return nil, &ConfigError{Key: key, Err: err}
	}

	m, ma := catalog.SplitArch(key.Arch)
	d := &Descriptor{
		Key:         key,
		Machine:     m,
		MachineArch: ma,
		Combo:       catalog.MachineCombo(m, ma),
		Version:     o.Version,
		Flavor:      o.Flavor,
		ImgFile:     o.ImgFile,
		ImgURL:      o.ImgURL,
		Port:        port,
	}
	if d.Version == "" {
		d.Version = DefaultVersion
	}
	if d.Flavor == "" {
		d.Flavor = catalog.DefaultFlavor(key.Arch)
	}
	if d.ImgFile == "" {
		d.ImgFile = ImageFile(d.Version, d.Combo, d.Flavor)
	}
	if d.ImgURL == "" {
		d.ImgURL = fmt.Sprintf("%s/%s/%s/ISO-IMAGES/%s/%s.xz", f.urlBase, m, ma, d.Version, d.ImgFile)
	}

	d.Identifier = Identifier(d.Version, d.Combo, key.Filesystem, key.Interface, key.Encryption)
	d.RCScript = RCScript()
	d.LoaderConf = LoaderConf(key.Filesystem)
	d.Fstab = Fstab(key.Filesystem)
	d.ScriptPath = filepath.Join(f.layout.Script, d.Combo, d.Identifier+".sh")
	d.LogPath = filepath.Join(f.layout.Logs, d.Combo, d.Identifier+".txt")
	return d, nil
}

// Generate expands every recipe in order and creates one descriptor per
// combination. Ports are assigned from basePort upward across the whole
// call so they stay unique for concurrent tests. A combination requested
// by more than one recipe keeps its first descriptor; if the later recipe
// resolves it to a different base image that is a configuration error.
func (f *Factory) Generate(recipes []recipe.Recipe, exp *recipe.Expander, basePort int) ([]*Descriptor, error) {
	type first struct {
		recipe string
		d      *Descriptor
	}
	var (
		out  []*Descriptor
		seen = make(map[string]first)
		port = basePort
	)
	for _, r := range recipes {
		keys, err := exp.Expand(r)
		if err != nil {
			return nil, err
		}
		for _, key := range keys.Sorted() {
			d, err := f.Build(key, r.Overrides, port)
			if err != nil {
				return nil, fmt.Errorf("recipe %q: %w", r.Name, err)
			}
			if prev, ok := seen[d.Identifier]; ok {
				if !sameBaseImage(prev.d, d) {
					return nil, &ConfigError{Key: key, Err: fmt.Errorf("%w: recipes %q and %q",
						ErrConflictingOverrides, prev.recipe, r.Name)}
				}
				continue
			}
			seen[d.Identifier] = first{recipe: r.Name, d: d}
			out = append(out, d)
			port++
		}
	}
	return out, nil
}

func sameBaseImage(a, b *Descriptor) bool {
	return a.Flavor == b.Flavor && a.ImgFile == b.ImgFile && a.ImgURL == b.ImgURL
}

// Identifier is the stable target name: OS-version-combo-fs-iface-enc.
func Identifier(version, combo, fs, iface, enc string) string {
	return fmt.Sprintf("FreeBSD-%s-%s-%s-%s-%s", version, combo, fs, iface, enc)
}

// ImageFile is the release mirror's base image name, without .xz.
func ImageFile(version, combo, flavor string) string {
	return fmt.Sprintf("FreeBSD-%s-RELEASE-%s-%s", version, combo, flavor)
}

// RCScript is the init script installed as /etc/rc. It prints the success
// marker and powers the machine off.
func RCScript() string {
	return "#!/bin/sh\n" +
		"sysctl machdep.bootmethod\n" +
		"echo \"" + SuccessMarker + "\"\n" +
		"halt -p\n"
}

// LoaderConf is /boot/loader.conf for fs.
func LoaderConf(fs string) string {
	conf := "comconsole_speed=115200\n" +
		"autoboot_delay=2\n"
	if fs == "zfs" {
		conf += "zfs_load=\"YES\"\n"
	}
	return conf +
		"boot_verbose=yes\n" +
		"kern.cfg.order=\"acpi,fdt\"\n"
}

// Fstab is /etc/fstab for fs. A pool-based root mounts by pool name, a
// flat root mounts by label.
func Fstab(fs string) string {
	if fs == "zfs" {
		return ZFSPool + " / zfs rw 1 1\n"
	}
	return "/dev/ufs/" + UFSLabel + " / ufs rw 1 1\n"
}
