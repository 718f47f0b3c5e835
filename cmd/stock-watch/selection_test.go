package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-inventory/internal/models"
)

func TestParseSelections(t *testing.T) {
	got, err := parseSelections([]string{"Size=M", " Color = Red "})
	require.NoError(t, err)
	assert.Equal(t, []selection{{"Size", "M"}, {"Color", "Red"}}, got)

	for _, bad := range []string{"Size", "=M", "Size=", "="} {
		_, err := parseSelections([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestFormatSelection(t *testing.T) {
	assert.Equal(t, "", formatSelection(models.Selection{}))
	assert.Contains(t, formatSelection(models.Selection{"Size": "M", "Color": "Red"}), "Size=M")
}
