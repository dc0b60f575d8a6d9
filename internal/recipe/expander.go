package recipe

import (
	"fmt"

	"github.com/ChuLiYu/bootbaker/internal/catalog"
)

// Expander turns recipes into concrete combination sets.
type Expander struct {
	catalog *catalog.Catalog
	valid   catalog.Set
}

// NewExpander precomputes universe minus blacklist for c.
func NewExpander(c *catalog.Catalog) *Expander {
	return &Expander{catalog: c, valid: c.Valid()}
}

// Expand returns requested ∩ (universe − blacklist) for r. A literal field
// outside the catalog is not an error here: the combination is passed
// through so that descriptor creation rejects it loudly instead of it
// vanishing in the intersection.
func (e *Expander) Expand(r Recipe) (catalog.Set, error) {
	requested := make(catalog.Set)
	for _, expr := range r.Combinations {
		p, err := catalog.ParseSubPattern(r.Arch, expr)
		if err != nil {
			return nil, fmt.Errorf("%w: recipe %q: %w", ErrMalformedExpression, r.Name, err)
		}
		requested.Union(e.catalog.Expand(p))
	}

	out := requested.Intersect(e.valid)
	for k := range requested {
		if e.catalog.Validate(k) != nil {
			out[k] = struct{}{}
		}
	}
	return out, nil
}
