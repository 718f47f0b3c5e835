package main

import (
	"fmt"
	"strings"
)

type selection struct {
	dimension string
	value     string
}

// parseSelections reads Dim=Value flags in order
func parseSelections(raw []string) ([]selection, error) {
	out := make([]selection, 0, len(raw))
	for _, item := range raw {
		dim, value, ok := strings.Cut(item, "=")
		dim, value = strings.TrimSpace(dim), strings.TrimSpace(value)
		if !ok || dim == "" || value == "" {
			return nil, fmt.Errorf("invalid selection %q, want Dim=Value", item)
		}
		out = append(out, selection{dimension: dim, value: value})
	}
	return out, nil
}
