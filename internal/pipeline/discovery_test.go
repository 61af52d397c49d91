package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

type fakeCandidateSource struct {
	byRange map[string][]storage.CatalogRow
	filters []storage.DiscoveryFilters
}

func (f *fakeCandidateSource) Discover(ctx context.Context, filters storage.DiscoveryFilters, limit int) ([]storage.CatalogRow, string, time.Duration) {
	f.filters = append(f.filters, filters)
	rows := f.byRange[filters.RangeLabel]
	strategy := "range_label"
	if len(rows) == 0 {
		strategy = storage.StrategyFallback
	}
	return rows, strategy, time.Millisecond
}

func TestDiscoverMergesAndDeduplicates(t *testing.T) {
	source := &fakeCandidateSource{byRange: map[string][]storage.CatalogRow{
		"Galaxy 3000": {
			{ProductIdentifier: "GAL3K-10", RangeLabel: "Galaxy 3000"},
			{ProductIdentifier: "GAL3K-20", RangeLabel: "Galaxy 3000"},
		},
		"Galaxy": {
			{ProductIdentifier: "GAL3K-10", RangeLabel: "Galaxy 3000"},
			{ProductIdentifier: "GAL5K-10", RangeLabel: "Galaxy 5000"},
		},
	}}

	discoverer := NewDiscoverer(source, 100, observability.Nop())
	outcome := discoverer.Discover(context.Background(), []storage.LetterProduct{
		{RangeLabel: "Galaxy 3000", ProductLine: ProductLineSPIBS, ProductDescription: "UPS"},
		{RangeLabel: "Galaxy", ProductLine: ProductLineSPIBS, ProductDescription: "UPS"},
	})

	require.Len(t, outcome.Candidates, 3)
	assert.Equal(t, "GAL3K-10", outcome.Candidates[0].ProductIdentifier)
	assert.Equal(t, []string{"range_label", "range_label"}, outcome.Strategies)

	require.Len(t, source.filters, 2)
	assert.Equal(t, ProductLineSPIBS, source.filters[0].ProductLine)
	assert.Equal(t, "UPS", source.filters[0].Description)
}

func TestDiscoverSkipsEmptyRanges(t *testing.T) {
	source := &fakeCandidateSource{}

	discoverer := NewDiscoverer(source, 100, observability.Nop())
	outcome := discoverer.Discover(context.Background(), []storage.LetterProduct{
		{RangeLabel: "  ", ProductDescription: ""},
		{RangeLabel: "", ProductDescription: "switchgear cubicle"},
	})

	assert.Empty(t, outcome.Candidates)
	// Only the product with a usable description reaches the catalog.
	require.Len(t, source.filters, 1)
	assert.Equal(t, "switchgear cubicle", source.filters[0].Description)
}

func TestDiscoverNoProducts(t *testing.T) {
	source := &fakeCandidateSource{}
	discoverer := NewDiscoverer(source, 0, observability.Nop())

	outcome := discoverer.Discover(context.Background(), nil)
	assert.Empty(t, outcome.Candidates)
	assert.Empty(t, outcome.Strategies)
	assert.Empty(t, source.filters)
}

func TestProjectCandidates(t *testing.T) {
	refs := ProjectCandidates([]storage.CatalogRow{
		{
			ProductIdentifier:  "GAL3K-10",
			ProductDescription: "Galaxy 3000 10kVA",
			RangeLabel:         "Galaxy 3000",
			DeviceTypeLabel:    "UPS",
			PLServices:         "SPIBS (Secure Power)",
			CommercialStatus:   "commercialised",
			BrandLabel:         "APC",
		},
	})

	require.Len(t, refs, 1)
	assert.Equal(t, "GAL3K-10", refs[0].ProductIdentifier)
	assert.Equal(t, "SPIBS (Secure Power)", refs[0].PLServices)
	assert.Equal(t, "APC", refs[0].BrandLabel)
}
