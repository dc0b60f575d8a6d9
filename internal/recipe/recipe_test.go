package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

func smallCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		[]string{"amd64:amd64", "riscv:riscv64"},
		[]string{"zfs", "ufs"},
		[]string{"gpt", "mbr"},
		[]string{"geli", "none"},
		[]string{"riscv:riscv64-*-mbr-*"},
	)
	require.NoError(t, err)
	return c
}

func TestParseRecipes(t *testing.T) {
	data := []byte(`
zeta:
  arch: arm64:aarch64
  regex_combination: "zfs-gpt-none"
alpha:
  arch: amd64:amd64
  regex_combination:
    - "*-*-*"
    - "ufs-gpt-geli"
  version: "14.0"
  img_url: https://mirror.example/amd64.iso.xz
`)
	recipes, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, recipes, 2)

	assert.Equal(t, "alpha", recipes[0].Name)
	assert.Equal(t, StringList{"*-*-*", "ufs-gpt-geli"}, recipes[0].Combinations)
	assert.Equal(t, "14.0", recipes[0].Version)
	assert.Equal(t, "https://mirror.example/amd64.iso.xz", recipes[0].ImgURL)

	assert.Equal(t, "zeta", recipes[1].Name)
	assert.Equal(t, StringList{"zfs-gpt-none"}, recipes[1].Combinations)
	assert.Empty(t, recipes[1].Version)
}

func TestParseRejectsMissingFields(t *testing.T) {
	_, err := Parse([]byte("broken:\n  arch: amd64:amd64\n"))
	assert.ErrorIs(t, err, ErrMalformedRecipe)

	_, err = Parse([]byte("broken:\n  regex_combination: '*-*-*'\n"))
	assert.ErrorIs(t, err, ErrMalformedRecipe)

	_, err = Parse([]byte("{}"))
	assert.ErrorIs(t, err, ErrMalformedRecipe)

	_, err = Parse([]byte("a: [unterminated"))
	assert.ErrorIs(t, err, ErrMalformedRecipe)
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrRecipeNotFound)

	path := filepath.Join(t.TempDir(), "recipes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("r:\n  arch: amd64:amd64\n  regex_combination: ['*-gpt-none']\n"), 0o644))
	recipes, err := Load(path)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	assert.Equal(t, "r", recipes[0].Name)
}

func TestExpandFullWildcard(t *testing.T) {
	e := NewExpander(smallCatalog(t))
	got, err := e.Expand(Recipe{Name: "all", Arch: "amd64:amd64", Combinations: StringList{"*-*-*"}})
	require.NoError(t, err)
	assert.Len(t, got, 8)
}

func TestExpandUnionDeduplicates(t *testing.T) {
	e := NewExpander(smallCatalog(t))
	got, err := e.Expand(Recipe{
		Name:         "dup",
		Arch:         "amd64:amd64",
		Combinations: StringList{"zfs-*-none", "zfs-gpt-none", "zfs-gpt-*"},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.CombinationKey{
		{Arch: "amd64:amd64", Filesystem: "zfs", Interface: "gpt", Encryption: "geli"},
		{Arch: "amd64:amd64", Filesystem: "zfs", Interface: "gpt", Encryption: "none"},
		{Arch: "amd64:amd64", Filesystem: "zfs", Interface: "mbr", Encryption: "none"},
	}, got.Sorted())
}

func TestExpandHonoursBlacklist(t *testing.T) {
	c := smallCatalog(t)
	e := NewExpander(c)

	got, err := e.Expand(Recipe{Name: "rv", Arch: "riscv:riscv64", Combinations: StringList{"*-mbr-none"}})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.Expand(Recipe{Name: "rv", Arch: "*", Combinations: StringList{"*-*-*"}})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), len(c.Universe()))
	black := c.Blacklisted()
	for k := range got {
		_, bad := black[k]
		assert.False(t, bad, "%s is blacklisted", k)
	}
	assert.Len(t, got, 12)
}

func TestExpandPassesThroughUnknownLiteral(t *testing.T) {
	c := smallCatalog(t)
	e := NewExpander(c)

	got, err := e.Expand(Recipe{Name: "typo", Arch: "amd64:amd64", Combinations: StringList{"btrfs-gpt-none"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	for k := range got {
		assert.ErrorIs(t, c.Validate(k), catalog.ErrInvalidAxis)
	}
}

func TestExpandMalformedExpression(t *testing.T) {
	e := NewExpander(smallCatalog(t))
	_, err := e.Expand(Recipe{Name: "bad", Arch: "amd64:amd64", Combinations: StringList{"zfs-gpt"}})
	assert.ErrorIs(t, err, ErrMalformedExpression)
	assert.ErrorIs(t, err, catalog.ErrMalformedPattern)
}

func TestFromShorthand(t *testing.T) {
	r, err := FromShorthand("amd64:amd64-zfs-*-none")
	require.NoError(t, err)
	assert.Equal(t, ShorthandName, r.Name)
	assert.Equal(t, "amd64:amd64", r.Arch)
	assert.Equal(t, StringList{"zfs-*-none"}, r.Combinations)

	_, err = FromShorthand("amd64:amd64-zfs")
	assert.ErrorIs(t, err, ErrMalformedExpression)
}
