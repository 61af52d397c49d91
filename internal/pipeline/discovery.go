package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

// CandidateSource is the slice of the catalog store the discovery stage
// uses. Satisfied by storage.CatalogStore.
type CandidateSource interface {
	Discover(ctx context.Context, filters storage.DiscoveryFilters, limit int) ([]storage.CatalogRow, string, time.Duration)
}

// CandidateRef is the projection of a catalog row handed to the reranker.
// Trimmed to the columns that matter for validation so the prompt stays
// small.
type CandidateRef struct {
	ProductIdentifier  string `json:"product_identifier"`
	ProductDescription string `json:"product_description,omitempty"`
	RangeLabel         string `json:"range_label,omitempty"`
	SubrangeLabel      string `json:"subrange_label,omitempty"`
	BrandLabel         string `json:"brand_label,omitempty"`
	DeviceTypeLabel    string `json:"device_type_label,omitempty"`
	PLServices         string `json:"pl_services,omitempty"`
	CommercialStatus   string `json:"commercial_status,omitempty"`
}

// DiscoveryOutcome is the combined result of discovery across all extracted
// ranges.
type DiscoveryOutcome struct {
	Candidates []storage.CatalogRow
	Strategies []string
	Duration   time.Duration
}

// Discoverer runs the candidate discovery stage over the catalog.
type Discoverer struct {
	catalog CandidateSource
	limit   int
	logger  *observability.Logger
}

// NewDiscoverer creates a discoverer. limit caps candidates per range query.
func NewDiscoverer(catalog CandidateSource, limit int, logger *observability.Logger) *Discoverer {
	if limit <= 0 {
		limit = storage.DefaultCandidateLimit
	}
	return &Discoverer{catalog: catalog, limit: limit, logger: logger}
}

// Discover queries the catalog once per extracted range and merges the
// results, deduplicated on product identifier. Ranges with no usable text
// are skipped. Like the underlying store, this never fails the pipeline.
func (d *Discoverer) Discover(ctx context.Context, products []storage.LetterProduct) DiscoveryOutcome {
	start := time.Now()

	seen := make(map[string]bool)
	outcome := DiscoveryOutcome{}

	for _, product := range products {
		if strings.TrimSpace(product.RangeLabel) == "" && strings.TrimSpace(product.ProductDescription) == "" {
			continue
		}

		filters := storage.DiscoveryFilters{
			RangeLabel:  product.RangeLabel,
			ProductLine: product.ProductLine,
			Description: product.ProductDescription,
		}

		rows, strategy, elapsed := d.catalog.Discover(ctx, filters, d.limit)
		d.logger.Debug().
			Str("range", product.RangeLabel).
			Str("strategy", strategy).
			Int("rows", len(rows)).
			Dur("elapsed", elapsed).
			Msg("Discovery query")

		if strategy != "" {
			outcome.Strategies = append(outcome.Strategies, strategy)
		}

		for _, row := range rows {
			if seen[row.ProductIdentifier] {
				continue
			}
			seen[row.ProductIdentifier] = true
			outcome.Candidates = append(outcome.Candidates, row)
		}
	}

	outcome.Duration = time.Since(start)
	return outcome
}

// ProjectCandidates converts catalog rows to the reranker projection.
func ProjectCandidates(rows []storage.CatalogRow) []CandidateRef {
	refs := make([]CandidateRef, len(rows))
	for i, row := range rows {
		refs[i] = CandidateRef{
			ProductIdentifier:  row.ProductIdentifier,
			ProductDescription: row.ProductDescription,
			RangeLabel:         row.RangeLabel,
			SubrangeLabel:      row.SubrangeLabel,
			BrandLabel:         row.BrandLabel,
			DeviceTypeLabel:    row.DeviceTypeLabel,
			PLServices:         row.PLServices,
			CommercialStatus:   row.CommercialStatus,
		}
	}
	return refs
}
