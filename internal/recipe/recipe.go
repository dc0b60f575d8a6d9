// Package recipe loads build recipes and expands their wildcard
// combination expressions into concrete, blacklist-filtered targets.
package recipe

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
)

var (
	// ErrRecipeNotFound is returned when the recipe file does not exist.
	ErrRecipeNotFound = errors.New("recipe file not found")
	// ErrMalformedRecipe is returned when a recipe lacks a required field or
	// the file cannot be parsed.
	ErrMalformedRecipe = errors.New("malformed recipe")
	// ErrMalformedExpression is returned for a combination expression that
	// does not have the expected number of fields.
	ErrMalformedExpression = errors.New("malformed combination expression")
)

// ShorthandName is the recipe name given to a command-line shorthand.
const ShorthandName = "shorthand"

// Overrides are the optional recipe-level values that replace the
// template-derived defaults of a target.
type Overrides struct {
	Version string `yaml:"version"`
	Flavor  string `yaml:"flavor"`
	ImgFile string `yaml:"img_file"`
	ImgURL  string `yaml:"img_url"`
}

// Recipe is one named, possibly wildcarded specification.
type Recipe struct {
	Name         string     `yaml:"-"`
	Arch         string     `yaml:"arch"`
	Combinations StringList `yaml:"regex_combination"`
	Overrides    `yaml:",inline"`
}

// StringList accepts either a single YAML scalar or a sequence of scalars.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

// Load reads a recipe file. Recipes are returned sorted by name so that
// port assignment downstream is reproducible.
func Load(path string) ([]Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, path)
		}
		return nil, fmt.Errorf("reading recipe file: %w", err)
	}
	recipes, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recipes, nil
}

// Parse decodes recipe YAML: a mapping from recipe name to recipe body.
func Parse(data []byte) ([]Recipe, error) {
	var raw map[string]Recipe
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecipe, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no recipes defined", ErrMalformedRecipe)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	recipes := make([]Recipe, 0, len(names))
	for _, name := range names {
		r := raw[name]
		r.Name = name
		if err := r.validate(); err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	return recipes, nil
}

func (r Recipe) validate() error {
	if strings.TrimSpace(r.Arch) == "" {
		return fmt.Errorf("%w: recipe %q: arch is required", ErrMalformedRecipe, r.Name)
	}
	if len(r.Combinations) == 0 {
		return fmt.Errorf("%w: recipe %q: regex_combination is required", ErrMalformedRecipe, r.Name)
	}
	return nil
}

// FromShorthand turns an `arch-fs-iface-enc` string into a single-expression
// recipe. Any field may be the wildcard.
func FromShorthand(s string) (Recipe, error) {
	p, err := catalog.ParsePattern(s)
	if err != nil {
		return Recipe{}, fmt.Errorf("%w: %w", ErrMalformedExpression, err)
	}
	return Recipe{
		Name:         ShorthandName,
		Arch:         p.Arch,
		Combinations: StringList{p.Filesystem + "-" + p.Interface + "-" + p.Encryption},
	}, nil
}
