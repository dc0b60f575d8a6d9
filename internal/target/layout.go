package target

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout is the persisted directory tree every component shares. It is
// built once from settings and passed to each component at construction.
type Layout struct {
	Root    string
	BIOS    string // per-combo emulator firmware
	Cache   string // base OS images keyed by file name
	Image   string // per-combo partition and disk images
	Script  string // per-combo launch scripts
	Tree    string // per-target root, test and ESP trees
	Logs    string // per-combo console logs
	Reports string // run reports
}

// NewLayout derives the standard subdirectories of root.
func NewLayout(root string) Layout {
	return Layout{
		Root:    root,
		BIOS:    filepath.Join(root, "bios"),
		Cache:   filepath.Join(root, "cache"),
		Image:   filepath.Join(root, "image"),
		Script:  filepath.Join(root, "script"),
		Tree:    filepath.Join(root, "tree"),
		Logs:    filepath.Join(root, "logs"),
		Reports: filepath.Join(root, "reports"),
	}
}

// Dirs lists every managed directory, root first.
func (l Layout) Dirs() []string {
	return []string{l.Root, l.BIOS, l.Cache, l.Image, l.Script, l.Tree, l.Logs, l.Reports}
}

// Ensure creates every managed directory.
func (l Layout) Ensure() error {
	for _, d := range l.Dirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}
