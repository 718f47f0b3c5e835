package catalog

import (
	"sort"
	"strconv"
	"strings"

	"storefront-inventory/internal/models"
)

// CanonicalKey derives the lookup key for a set of attribute pairs.
// Pairs are quoted before joining so values containing separators cannot collide.
func CanonicalKey(attrs []models.Attribute) string {
	pairs := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		pairs = append(pairs, strconv.Quote(attr.Name)+"="+strconv.Quote(attr.Value))
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// SelectionKey derives the canonical key for a selection
func SelectionKey(sel models.Selection) string {
	return CanonicalKey(sel.Attributes())
}
