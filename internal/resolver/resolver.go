package resolver

import (
	"storefront-inventory/internal/catalog"
	"storefront-inventory/internal/models"
)

// StockView supplies live stock levels keyed by variant id.
// Variants the view does not know fall back to their catalog stock.
type StockView interface {
	Available(variantID string) (int, bool)
}

// Availability summarizes what the current selection means for a shopper
type Availability string

const (
	// AvailabilityIncomplete means at least one dimension is still unassigned.
	AvailabilityIncomplete Availability = "incomplete"
	AvailabilityAvailable  Availability = "available"
	AvailabilityOutOfStock Availability = "out_of_stock"
	// AvailabilityCombinationUnavailable means a complete selection has no backing variant.
	AvailabilityCombinationUnavailable Availability = "combination_unavailable"
)

// Option is one value of a dimension as presented to a shopper. Disabled values stay listed.
type Option struct {
	Value      string `json:"value"`
	Selected   bool   `json:"selected"`
	Disabled   bool   `json:"disabled"`
	OutOfStock bool   `json:"outOfStock"`
}

// DimensionState holds the derived value sets for one dimension
type DimensionState struct {
	Name       string           `json:"name"`
	Selectable catalog.ValueSet `json:"-"`
	InStock    catalog.ValueSet `json:"-"`
	Options    []Option         `json:"options"`
}

// ResolvedState is the full derived view of a selection
type ResolvedState struct {
	Selection    models.Selection          `json:"selection"`
	PerDimension map[string]DimensionState `json:"perDimension"`
	// Dimensions lists dimension names in display order.
	Dimensions   []string        `json:"dimensions"`
	Variant      *models.Variant `json:"variant,omitempty"`
	IsComplete   bool            `json:"isComplete"`
	Availability Availability    `json:"availability"`
}

// Resolve computes the resolved state using catalog stock
func Resolve(idx *catalog.Index, sel models.Selection) ResolvedState {
	return ResolveWithStock(idx, sel, nil)
}

// ResolveWithStock computes the resolved state with live stock overriding catalog stock.
// Each dimension is evaluated against the selection without its own assignment, so a
// shopper can always switch away from a pick that conflicts with the others.
func ResolveWithStock(idx *catalog.Index, sel models.Selection, stock StockView) ResolvedState {
	sel = sel.Clone()
	dims := idx.Dimensions()

	state := ResolvedState{
		Selection:    sel,
		PerDimension: make(map[string]DimensionState, len(dims)),
		Dimensions:   make([]string, 0, len(dims)),
		IsComplete:   idx.IsComplete(sel),
	}

	for _, dim := range dims {
		selectable := make(catalog.ValueSet)
		inStock := make(catalog.ValueSet)

		idx.EachCompatible(sel.Without(dim.Name), func(v models.Variant, attrs models.Selection) {
			value, ok := attrs[dim.Name]
			if !ok {
				return
			}
			selectable[value] = struct{}{}
			if stockOf(v, stock) > 0 {
				inStock[value] = struct{}{}
			}
		})

		current, hasCurrent := sel[dim.Name]
		options := make([]Option, 0, len(dim.Values))
		for _, value := range dim.Values {
			options = append(options, Option{
				Value:      value,
				Selected:   hasCurrent && current == value,
				Disabled:   !selectable.Has(value),
				OutOfStock: selectable.Has(value) && !inStock.Has(value),
			})
		}

		state.Dimensions = append(state.Dimensions, dim.Name)
		state.PerDimension[dim.Name] = DimensionState{
			Name:       dim.Name,
			Selectable: selectable,
			InStock:    inStock,
			Options:    options,
		}
	}

	if !state.IsComplete {
		state.Availability = AvailabilityIncomplete
		return state
	}

	variant, ok := idx.Lookup(sel)
	if !ok {
		state.Availability = AvailabilityCombinationUnavailable
		return state
	}

	variant.Stock = stockOf(variant, stock)
	state.Variant = &variant
	if variant.Stock > 0 {
		state.Availability = AvailabilityAvailable
	} else {
		state.Availability = AvailabilityOutOfStock
	}
	return state
}

// AutoSelect picks the attributes of the first variant, in input order, that has stock.
// It reports false when nothing is in stock.
func AutoSelect(idx *catalog.Index, stock StockView) (models.Selection, bool) {
	hasDimensions := len(idx.DimensionNames()) > 0
	for _, v := range idx.Variants() {
		if hasDimensions && len(v.Attributes) == 0 {
			continue
		}
		if stockOf(v, stock) > 0 {
			return models.SelectionFromAttributes(v.Attributes), true
		}
	}
	return models.Selection{}, false
}

// Select assigns value to dim. Values that are not selectable given the other
// assignments are rejected and the original selection is returned unchanged.
func Select(idx *catalog.Index, sel models.Selection, dim, value string) (models.Selection, bool) {
	if !idx.HasDimension(dim) {
		return sel, false
	}
	if !idx.ValuesCompatibleWith(sel.Without(dim), dim).Has(value) {
		return sel, false
	}
	return sel.With(dim, value), true
}

// Clear unassigns dim
func Clear(sel models.Selection, dim string) models.Selection {
	return sel.Without(dim)
}

func stockOf(v models.Variant, stock StockView) int {
	if stock != nil {
		if available, ok := stock.Available(v.ID); ok {
			return available
		}
	}
	return v.Stock
}
