package catalog

import (
	"fmt"
	"strings"
)

// Pattern is a four-field combination expression where any field may be
// the wildcard.
type Pattern struct {
	Arch       string
	Filesystem string
	Interface  string
	Encryption string
}

// ParsePattern parses `arch-fs-iface-enc`. Architecture pairs use ':' and
// never contain '-', so a plain split is unambiguous.
func ParsePattern(s string) (Pattern, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 4 {
		return Pattern{}, fmt.Errorf("%w: %q: want arch-fs-interface-encryption", ErrMalformedPattern, s)
	}
	for _, p := range parts {
		if p == "" {
			return Pattern{}, fmt.Errorf("%w: %q: empty field", ErrMalformedPattern, s)
		}
	}
	return Pattern{Arch: parts[0], Filesystem: parts[1], Interface: parts[2], Encryption: parts[3]}, nil
}

// ParseSubPattern parses the three-field `fs-iface-enc` form used inside a
// recipe, where the architecture comes from the recipe itself.
func ParseSubPattern(arch, s string) (Pattern, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 3 {
		return Pattern{}, fmt.Errorf("%w: %q: want fs-interface-encryption", ErrMalformedPattern, s)
	}
	for _, p := range parts {
		if p == "" {
			return Pattern{}, fmt.Errorf("%w: %q: empty field", ErrMalformedPattern, s)
		}
	}
	return Pattern{Arch: arch, Filesystem: parts[0], Interface: parts[1], Encryption: parts[2]}, nil
}

func (p Pattern) String() string {
	return p.Arch + "-" + p.Filesystem + "-" + p.Interface + "-" + p.Encryption
}
