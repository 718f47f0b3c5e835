package catalog

import (
	"log/slog"
	"sort"

	"storefront-inventory/internal/models"
)

// ValueSet is a set of dimension values
type ValueSet map[string]struct{}

// Has reports whether value is in the set
func (s ValueSet) Has(value string) bool {
	_, ok := s[value]
	return ok
}

// Len returns the number of values in the set
func (s ValueSet) Len() int {
	return len(s)
}

// Sorted returns the values in lexical order
func (s ValueSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s ValueSet) add(value string) {
	s[value] = struct{}{}
}

// Index maps canonical attribute keys to variants and holds per-dimension domains.
// An Index is immutable once built and safe for concurrent readers.
type Index struct {
	dimensions []models.Dimension
	variants   []models.Variant
	attrs      []models.Selection
	byKey      map[string]int
	byID       map[string]int
	// bare holds variants without attributes in input order
	bare []int
}

// Build indexes the variants of a product. Explicit dimensions fix the domain order;
// values and dimensions that only appear on variants are appended after the declared ones.
// Build fails without returning a partial index when two variants share a canonical key,
// a variant id repeats, or a variant names the same dimension twice.
func Build(variants []models.Variant, dimensions []models.Dimension) (*Index, error) {
	idx := &Index{
		variants: make([]models.Variant, len(variants)),
		attrs:    make([]models.Selection, len(variants)),
		byKey:    make(map[string]int, len(variants)),
		byID:     make(map[string]int, len(variants)),
	}

	domains := newDomainBuilder(dimensions)

	for i, v := range variants {
		idx.variants[i] = cloneVariant(v)

		if prev, exists := idx.byID[v.ID]; exists {
			return nil, &DataIntegrityError{
				Reason:     "duplicate variant id",
				VariantIDs: []string{variants[prev].ID, v.ID},
			}
		}
		idx.byID[v.ID] = i

		if len(v.Attributes) == 0 {
			idx.bare = append(idx.bare, i)
			idx.attrs[i] = models.Selection{}
			continue
		}

		sel := make(models.Selection, len(v.Attributes))
		for _, attr := range v.Attributes {
			if _, dup := sel[attr.Name]; dup {
				return nil, &DataIntegrityError{
					Reason:     "dimension " + attr.Name + " assigned twice",
					VariantIDs: []string{v.ID},
				}
			}
			sel[attr.Name] = attr.Value
			domains.observe(attr.Name, attr.Value)
		}
		idx.attrs[i] = sel

		key := CanonicalKey(v.Attributes)
		if prev, exists := idx.byKey[key]; exists {
			return nil, &DataIntegrityError{
				Reason:     "duplicate attribute combination",
				Key:        key,
				VariantIDs: []string{variants[prev].ID, v.ID},
			}
		}
		idx.byKey[key] = i
	}

	idx.dimensions = domains.build()

	slog.Debug("Attribute index built",
		"variants", len(variants),
		"dimensions", len(idx.dimensions),
		"attribute_less_variants", len(idx.bare))

	return idx, nil
}

// Dimensions returns the product dimensions with their domains in display order
func (idx *Index) Dimensions() []models.Dimension {
	out := make([]models.Dimension, len(idx.dimensions))
	for i, d := range idx.dimensions {
		out[i] = models.Dimension{Name: d.Name, Values: append([]string(nil), d.Values...)}
	}
	return out
}

// DimensionNames returns the dimension names in display order
func (idx *Index) DimensionNames() []string {
	names := make([]string, len(idx.dimensions))
	for i, d := range idx.dimensions {
		names[i] = d.Name
	}
	return names
}

// HasDimension reports whether name is a known dimension
func (idx *Index) HasDimension(name string) bool {
	for _, d := range idx.dimensions {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Variants returns every indexed variant in input order
func (idx *Index) Variants() []models.Variant {
	out := make([]models.Variant, len(idx.variants))
	for i, v := range idx.variants {
		out[i] = cloneVariant(v)
	}
	return out
}

// Variant returns the variant with the given id
func (idx *Index) Variant(id string) (models.Variant, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return models.Variant{}, false
	}
	return cloneVariant(idx.variants[i]), true
}

// IsComplete reports whether the selection assigns every dimension
func (idx *Index) IsComplete(sel models.Selection) bool {
	for _, d := range idx.dimensions {
		if _, ok := sel[d.Name]; !ok {
			return false
		}
	}
	return true
}

// Lookup returns the variant for a complete selection. Partial selections never match.
// For a product without dimensions the empty selection resolves to its first
// attribute-less variant.
func (idx *Index) Lookup(sel models.Selection) (models.Variant, bool) {
	if !idx.IsComplete(sel) {
		return models.Variant{}, false
	}

	if len(idx.dimensions) == 0 {
		if len(idx.bare) == 0 {
			return models.Variant{}, false
		}
		return cloneVariant(idx.variants[idx.bare[0]]), true
	}

	// Keys for dimensions the product does not declare are ignored.
	scoped := make(models.Selection, len(idx.dimensions))
	for _, d := range idx.dimensions {
		scoped[d.Name] = sel[d.Name]
	}

	i, ok := idx.byKey[SelectionKey(scoped)]
	if !ok {
		return models.Variant{}, false
	}
	return cloneVariant(idx.variants[i]), true
}

// ValuesCompatibleWith returns the values of dimension carried by some variant that
// agrees with every assignment in sel
func (idx *Index) ValuesCompatibleWith(sel models.Selection, dimension string) ValueSet {
	out := make(ValueSet)
	idx.EachCompatible(sel, func(v models.Variant, attrs models.Selection) {
		if value, ok := attrs[dimension]; ok {
			out.add(value)
		}
	})
	return out
}

// EachCompatible calls fn, in input order, for each variant whose attributes agree
// with every assignment in sel. fn must not retain attrs.
func (idx *Index) EachCompatible(sel models.Selection, fn func(v models.Variant, attrs models.Selection)) {
	for i, attrs := range idx.attrs {
		if len(attrs) == 0 {
			continue
		}
		if agrees(attrs, sel) {
			fn(idx.variants[i], attrs)
		}
	}
}

func agrees(attrs, sel models.Selection) bool {
	for name, value := range sel {
		if got, ok := attrs[name]; !ok || got != value {
			return false
		}
	}
	return true
}

func cloneVariant(v models.Variant) models.Variant {
	out := v
	out.Attributes = append([]models.Attribute(nil), v.Attributes...)
	out.Images = append([]string(nil), v.Images...)
	return out
}

// domainBuilder accumulates dimension domains in first-seen order
type domainBuilder struct {
	order  []string
	values map[string][]string
	seen   map[string]map[string]bool
}

func newDomainBuilder(declared []models.Dimension) *domainBuilder {
	b := &domainBuilder{
		values: make(map[string][]string),
		seen:   make(map[string]map[string]bool),
	}
	for _, d := range declared {
		for _, v := range d.Values {
			b.observe(d.Name, v)
		}
		if _, ok := b.seen[d.Name]; !ok {
			b.addDimension(d.Name)
		}
	}
	return b
}

func (b *domainBuilder) addDimension(name string) {
	b.order = append(b.order, name)
	b.seen[name] = make(map[string]bool)
}

func (b *domainBuilder) observe(name, value string) {
	if _, ok := b.seen[name]; !ok {
		b.addDimension(name)
	}
	if b.seen[name][value] {
		return
	}
	b.seen[name][value] = true
	b.values[name] = append(b.values[name], value)
}

func (b *domainBuilder) build() []models.Dimension {
	dims := make([]models.Dimension, 0, len(b.order))
	for _, name := range b.order {
		dims = append(dims, models.Dimension{Name: name, Values: b.values[name]})
	}
	return dims
}
