// Package catalog enumerates the legal values of every build-matrix axis and
// the combinations that are known not to boot.
//
// A Catalog is immutable once constructed; Default returns the matrix the
// release tooling currently supports. Set arithmetic over CombinationKey
// values (universe minus blacklist) lives here so that every consumer
// agrees on what a valid combination is.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// Wildcard matches every catalog value of an axis.
const Wildcard = "*"

var (
	// ErrInvalidAxis is returned when a value is not in its axis enumeration.
	ErrInvalidAxis = errors.New("invalid axis value")
	// ErrMalformedPattern is returned for patterns without four fields.
	ErrMalformedPattern = errors.New("malformed combination pattern")
)

// Axis names one dimension of the build matrix.
type Axis string

const (
	AxisArch       Axis = "arch"
	AxisFilesystem Axis = "filesystem"
	AxisInterface  Axis = "interface"
	AxisEncryption Axis = "encryption"
)

// Catalog holds the per-axis enumerations and the blacklist patterns.
type Catalog struct {
	arches      []string
	filesystems []string
	interfaces  []string
	encryptions []string
	blacklist   []Pattern
}

// Set is a set of combinations.
type Set map[types.CombinationKey]struct{}

// Default returns the supported build matrix.
func Default() *Catalog {
	c, err := New(
		[]string{"amd64:amd64", "i386:i386", "arm:armv7", "arm64:aarch64", "riscv:riscv64", "powerpc:powerpc64", "powerpc:powerpc64le"},
		[]string{"zfs", "ufs"},
		[]string{"gpt", "mbr"},
		[]string{"geli", "none"},
		[]string{"riscv:riscv64-*-mbr-*"},
	)
	if err != nil {
		panic(fmt.Sprintf("catalog: default matrix is invalid: %v", err))
	}
	return c
}

// New builds a catalog from explicit enumerations. Blacklist entries are
// four-field patterns (`arch-fs-iface-enc`, any field may be `*`).
func New(arches, filesystems, interfaces, encryptions, blacklist []string) (*Catalog, error) {
	c := &Catalog{
		arches:      slices.Clone(arches),
		filesystems: slices.Clone(filesystems),
		interfaces:  slices.Clone(interfaces),
		encryptions: slices.Clone(encryptions),
	}
	for _, raw := range blacklist {
		p, err := ParsePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("blacklist entry %q: %w", raw, err)
		}
		c.blacklist = append(c.blacklist, p)
	}
	return c, nil
}

// Values returns a copy of the enumeration for axis.
func (c *Catalog) Values(axis Axis) []string {
	switch axis {
	case AxisArch:
		return slices.Clone(c.arches)
	case AxisFilesystem:
		return slices.Clone(c.filesystems)
	case AxisInterface:
		return slices.Clone(c.interfaces)
	case AxisEncryption:
		return slices.Clone(c.encryptions)
	}
	return nil
}

// Contains reports whether value is legal for axis.
func (c *Catalog) Contains(axis Axis, value string) bool {
	return slices.Contains(c.Values(axis), value)
}

// Validate checks every field of key against the enumerations.
func (c *Catalog) Validate(key types.CombinationKey) error {
	checks := []struct {
		axis  Axis
		value string
	}{
		{AxisArch, key.Arch},
		{AxisFilesystem, key.Filesystem},
		{AxisInterface, key.Interface},
		{AxisEncryption, key.Encryption},
	}
	for _, ch := range checks {
		if !c.Contains(ch.axis, ch.value) {
			return fmt.Errorf("%w: %s %q (valid: %s)", ErrInvalidAxis, ch.axis, ch.value, strings.Join(c.Values(ch.axis), ", "))
		}
	}
	return nil
}

// Expand substitutes the full enumeration for each wildcard field of p and
// returns the Cartesian product. Literal fields are taken as-is, even when
// they are outside the catalog; validation happens at descriptor creation.
func (c *Catalog) Expand(p Pattern) Set {
	out := make(Set)
	for _, a := range c.field(p.Arch, c.arches) {
		for _, fs := range c.field(p.Filesystem, c.filesystems) {
			for _, i := range c.field(p.Interface, c.interfaces) {
				for _, e := range c.field(p.Encryption, c.encryptions) {
					out[types.CombinationKey{Arch: a, Filesystem: fs, Interface: i, Encryption: e}] = struct{}{}
				}
			}
		}
	}
	return out
}

func (c *Catalog) field(v string, all []string) []string {
	if v == Wildcard {
		return all
	}
	return []string{v}
}

// Universe is the full Cartesian product over all axes.
func (c *Catalog) Universe() Set {
	return c.Expand(Pattern{Wildcard, Wildcard, Wildcard, Wildcard})
}

// Blacklisted is the union of every blacklist pattern's expansion.
func (c *Catalog) Blacklisted() Set {
	out := make(Set)
	for _, p := range c.blacklist {
		for k := range c.Expand(p) {
			out[k] = struct{}{}
		}
	}
	return out
}

// Valid returns universe minus blacklist.
func (c *Catalog) Valid() Set {
	return c.Universe().Minus(c.Blacklisted())
}

// Minus returns the elements of s that are not in other.
func (s Set) Minus(other Set) Set {
	out := make(Set, len(s))
	for k := range s {
		if _, ok := other[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Intersect returns the elements present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for k := range s {
		if _, ok := other[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

// Union adds every element of other to s and returns s.
func (s Set) Union(other Set) Set {
	for k := range other {
		s[k] = struct{}{}
	}
	return s
}

// Sorted returns the keys in a stable order (by their string form).
func (s Set) Sorted() []types.CombinationKey {
	keys := make([]types.CombinationKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b types.CombinationKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}
