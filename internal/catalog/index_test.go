package catalog

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-inventory/internal/models"
)

func attrs(pairs ...string) []models.Attribute {
	out := make([]models.Attribute, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.Attribute{Name: pairs[i], Value: pairs[i+1]})
	}
	return out
}

func teeVariants() []models.Variant {
	return []models.Variant{
		{ID: "v1", Attributes: attrs("Size", "S", "Color", "Black"), Stock: 10},
		{ID: "v2", Attributes: attrs("Size", "S", "Color", "White"), Stock: 0},
		{ID: "v3", Attributes: attrs("Size", "M", "Color", "Black"), Stock: 0},
		{ID: "v4", Attributes: attrs("Size", "L", "Color", "Black"), Stock: 2},
	}
}

func teeDimensions() []models.Dimension {
	return []models.Dimension{
		{Name: "Size", Values: []string{"S", "M", "L"}},
		{Name: "Color", Values: []string{"Black", "White"}},
	}
}

func TestCanonicalKey_OrderIndependent(t *testing.T) {
	tests := []struct {
		name string
		a    []models.Attribute
		b    []models.Attribute
	}{
		{"two dimensions", attrs("Size", "S", "Color", "Black"), attrs("Color", "Black", "Size", "S")},
		{"three dimensions", attrs("A", "1", "B", "2", "C", "3"), attrs("C", "3", "A", "1", "B", "2")},
		{"single", attrs("Size", "XL"), attrs("Size", "XL")},
		{"empty", nil, []models.Attribute{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, CanonicalKey(tt.a), CanonicalKey(tt.b))
		})
	}
}

func TestCanonicalKey_NoCollisions(t *testing.T) {
	tests := []struct {
		name string
		a    []models.Attribute
		b    []models.Attribute
	}{
		{"different values", attrs("Size", "S"), attrs("Size", "M")},
		{"separator in value", attrs("A", "x,\"B\"=\"y"), attrs("A", "x", "B", "y")},
		{"equals in name", attrs("A=B", "c"), attrs("A", "B=c")},
		{"swapped name and value", attrs("Size", "Color"), attrs("Color", "Size")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, CanonicalKey(tt.a), CanonicalKey(tt.b))
		})
	}
}

func TestSelectionKey_MatchesCanonicalKey(t *testing.T) {
	sel := models.Selection{"Color": "Black", "Size": "S"}
	assert.Equal(t, CanonicalKey(attrs("Size", "S", "Color", "Black")), SelectionKey(sel))
}

func TestBuild_DuplicateCombinationFails(t *testing.T) {
	variants := append(teeVariants(), models.Variant{
		ID:         "v5",
		Attributes: attrs("Color", "Black", "Size", "L"),
	})

	idx, err := Build(variants, nil)
	require.Error(t, err)
	assert.Nil(t, idx)
	assert.True(t, errors.Is(err, ErrDataIntegrity))

	var integrityErr *DataIntegrityError
	require.True(t, errors.As(err, &integrityErr))
	assert.Equal(t, []string{"v4", "v5"}, integrityErr.VariantIDs)
	assert.Equal(t, CanonicalKey(attrs("Size", "L", "Color", "Black")), integrityErr.Key)
}

func TestBuild_OtherIntegrityFailures(t *testing.T) {
	tests := []struct {
		name     string
		variants []models.Variant
	}{
		{
			name: "duplicate variant id",
			variants: []models.Variant{
				{ID: "v1", Attributes: attrs("Size", "S")},
				{ID: "v1", Attributes: attrs("Size", "M")},
			},
		},
		{
			name: "dimension assigned twice",
			variants: []models.Variant{
				{ID: "v1", Attributes: attrs("Size", "S", "Size", "M")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, err := Build(tt.variants, nil)
			assert.Nil(t, idx)
			assert.ErrorIs(t, err, ErrDataIntegrity)
		})
	}
}

func TestBuild_DerivesDomainsInFirstSeenOrder(t *testing.T) {
	idx, err := Build(teeVariants(), nil)
	require.NoError(t, err)

	assert.Equal(t, []models.Dimension{
		{Name: "Size", Values: []string{"S", "M", "L"}},
		{Name: "Color", Values: []string{"Black", "White"}},
	}, idx.Dimensions())
}

func TestBuild_DeclaredDomainsKeepOrderAndGainUnseenValues(t *testing.T) {
	dims := []models.Dimension{
		{Name: "Color", Values: []string{"White", "Black", "Red"}},
		{Name: "Size", Values: []string{"L", "M"}},
	}

	idx, err := Build(teeVariants(), dims)
	require.NoError(t, err)

	assert.Equal(t, []string{"Color", "Size"}, idx.DimensionNames())
	assert.Equal(t, []models.Dimension{
		{Name: "Color", Values: []string{"White", "Black", "Red"}},
		{Name: "Size", Values: []string{"L", "M", "S"}},
	}, idx.Dimensions())
}

func TestLookup(t *testing.T) {
	idx, err := Build(teeVariants(), teeDimensions())
	require.NoError(t, err)

	tests := []struct {
		name    string
		sel     models.Selection
		wantID  string
		wantHit bool
	}{
		{"exact", models.Selection{"Size": "S", "Color": "Black"}, "v1", true},
		{"exact other", models.Selection{"Color": "Black", "Size": "L"}, "v4", true},
		{"partial", models.Selection{"Size": "S"}, "", false},
		{"empty", models.Selection{}, "", false},
		{"hole in matrix", models.Selection{"Size": "M", "Color": "White"}, "", false},
		{"unknown value", models.Selection{"Size": "XL", "Color": "Black"}, "", false},
		{"extra dimension ignored", models.Selection{"Size": "S", "Color": "Black", "Fit": "Slim"}, "v1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := idx.Lookup(tt.sel)
			assert.Equal(t, tt.wantHit, ok)
			assert.Equal(t, tt.wantID, v.ID)
		})
	}
}

func TestLookup_ProductWithoutDimensions(t *testing.T) {
	idx, err := Build([]models.Variant{{ID: "only", Stock: 3}}, nil)
	require.NoError(t, err)

	v, ok := idx.Lookup(models.Selection{})
	require.True(t, ok)
	assert.Equal(t, "only", v.ID)
	assert.Empty(t, idx.Dimensions())
}

func TestValuesCompatibleWith(t *testing.T) {
	idx, err := Build(teeVariants(), teeDimensions())
	require.NoError(t, err)

	tests := []struct {
		name string
		sel  models.Selection
		dim  string
		want []string
	}{
		{"no constraints size", models.Selection{}, "Size", []string{"L", "M", "S"}},
		{"no constraints color", models.Selection{}, "Color", []string{"Black", "White"}},
		{"size M limits color", models.Selection{"Size": "M"}, "Color", []string{"Black"}},
		{"size S allows both", models.Selection{"Size": "S"}, "Color", []string{"Black", "White"}},
		{"white limits size", models.Selection{"Color": "White"}, "Size", []string{"S"}},
		{"impossible selection", models.Selection{"Size": "M", "Color": "White"}, "Size", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.ValuesCompatibleWith(tt.sel, tt.dim)
			assert.Equal(t, tt.want, got.Sorted())
		})
	}
}

func TestIndex_ReturnsCopies(t *testing.T) {
	variants := teeVariants()
	idx, err := Build(variants, nil)
	require.NoError(t, err)

	variants[0].Stock = 99
	v, ok := idx.Variant("v1")
	require.True(t, ok)
	assert.Equal(t, 10, v.Stock)

	v.Attributes[0].Value = "XXL"
	again, _ := idx.Variant("v1")
	assert.Equal(t, "S", again.Attributes[0].Value)
}

func TestIndex_ConcurrentReaders(t *testing.T) {
	idx, err := Build(teeVariants(), teeDimensions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = idx.Lookup(models.Selection{"Size": "S", "Color": "Black"})
				_ = idx.ValuesCompatibleWith(models.Selection{"Size": "S"}, "Color")
			}
		}()
	}
	wg.Wait()
}
