package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gridline-ai/obsomatch/internal/cache"
	"github.com/gridline-ai/obsomatch/internal/identity"
	"github.com/gridline-ai/obsomatch/internal/observability"
)

// DefaultCandidateLimit bounds a discovery query when the caller passes no
// explicit limit.
const DefaultCandidateLimit = 1000

// StrategyFallback tags a discovery that ran on the device-type predicate
// alone.
const StrategyFallback = "fallback"

// DiscoveryFilters narrows a catalog discovery query. All fields optional.
type DiscoveryFilters struct {
	ProductIdentifier string `json:"product_identifier,omitempty"`
	RangeLabel        string `json:"range_label,omitempty"`
	ProductLine       string `json:"product_line,omitempty"`
	Description       string `json:"description,omitempty"`
}

// CatalogStats summarizes the product master table.
type CatalogStats struct {
	TotalRows       int              `json:"total_rows"`
	TopProductLines []CatalogBucket  `json:"top_product_lines"`
	TopBrands       []CatalogBucket  `json:"top_brands"`
}

// CatalogBucket is one aggregation bucket.
type CatalogBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// deviceTypeKeywords maps description keywords to device-type predicates.
// When one fires it is ANDed into the query to prune irrelevant rows.
var deviceTypeKeywords = []struct {
	keywords []string
	label    string
}{
	{[]string{"switchgear"}, "switchgear"},
	{[]string{"transformer"}, "transformer"},
	{[]string{"drive", "vsd"}, "drive"},
	{[]string{"contactor"}, "contactor"},
	{[]string{"relay"}, "relay"},
}

// CatalogStore provides read-only lexical queries against the product master
// table. It never writes, and all predicates are parameterized or built from
// the whitelisted filter set; extracted LLM text is only ever bound as a
// query argument.
type CatalogStore struct {
	db     *sql.DB
	cache  cache.Client
	ttl    time.Duration
	logger *observability.Logger
}

// NewCatalogStore creates a catalog store. The cache is optional; pass nil
// to query the database on every call.
func NewCatalogStore(db *sql.DB, c cache.Client, ttl time.Duration, logger *observability.Logger) *CatalogStore {
	return &CatalogStore{db: db, cache: c, ttl: ttl, logger: logger}
}

// Healthcheck verifies the catalog connection is alive.
func (s *CatalogStore) Healthcheck(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

type cachedDiscovery struct {
	Rows     []CatalogRow `json:"rows"`
	Strategy string       `json:"strategy"`
}

// Discover runs one lexical query for candidate catalog rows. It is
// fail-soft: database errors are logged and produce an empty candidate set,
// never an error into the orchestrator. The strategy tag names the filters
// that fired, joined by "+", or "fallback" when only the device-type
// predicate ran.
func (s *CatalogStore) Discover(ctx context.Context, filters DiscoveryFilters, limit int) ([]CatalogRow, string, time.Duration) {
	start := time.Now()

	if limit <= 0 {
		limit = DefaultCandidateLimit
	}

	cacheKey := discoveryCacheKey(filters, limit)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, cacheKey); err == nil {
			var hit cachedDiscovery
			if err := json.Unmarshal(raw, &hit); err == nil {
				return hit.Rows, hit.Strategy, time.Since(start)
			}
		}
	}

	query, args, strategy := buildDiscoveryQuery(filters, limit)
	if query == "" {
		return nil, StrategyFallback, time.Since(start)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error().Err(err).Str("strategy", strategy).Msg("Catalog discovery query failed")
		return nil, strategy, time.Since(start)
	}
	defer rows.Close()

	var candidates []CatalogRow
	for rows.Next() {
		var r CatalogRow
		if err := rows.Scan(
			&r.ProductIdentifier, &r.ProductType, &r.ProductDescription,
			&r.BrandCode, &r.BrandLabel, &r.RangeCode, &r.RangeLabel,
			&r.SubrangeCode, &r.SubrangeLabel, &r.DeviceTypeLabel,
			&r.PLServices, &r.CommercialStatus,
		); err != nil {
			s.logger.Error().Err(err).Msg("Catalog discovery scan failed")
			return nil, strategy, time.Since(start)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error().Err(err).Msg("Catalog discovery iteration failed")
		return nil, strategy, time.Since(start)
	}

	if s.cache != nil {
		if raw, err := json.Marshal(cachedDiscovery{Rows: candidates, Strategy: strategy}); err == nil {
			if err := s.cache.Set(ctx, cacheKey, raw, s.ttl); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to cache discovery result")
			}
		}
	}

	return candidates, strategy, time.Since(start)
}

// buildDiscoveryQuery assembles the discovery SQL from the whitelisted
// filter set. Returns an empty query when no predicate can be built.
func buildDiscoveryQuery(filters DiscoveryFilters, limit int) (string, []interface{}, string) {
	var (
		primary   []string
		secondary []string
		fired     []string
		args      []interface{}
	)

	arg := func(v string) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.ProductIdentifier != "" {
		primary = append(primary,
			"UPPER(PRODUCT_IDENTIFIER) LIKE UPPER("+arg("%"+filters.ProductIdentifier+"%")+")")
		fired = append(fired, "product_identifier")
	}

	if filters.RangeLabel != "" {
		primary = append(primary,
			"UPPER(RANGE_LABEL) LIKE UPPER("+arg("%"+filters.RangeLabel+"%")+")")
		fired = append(fired, "range_label")
	}

	if filters.ProductLine != "" {
		prefix := strings.TrimSpace(strings.SplitN(filters.ProductLine, "(", 2)[0])
		if prefix != "" {
			secondary = append(secondary,
				"UPPER(PL_SERVICES) LIKE UPPER("+arg("%"+prefix+"%")+")")
			fired = append(fired, "product_line")
		}
	}

	deviceType := detectDeviceType(filters.Description)
	var devicePred string
	if deviceType != "" {
		devicePred = "UPPER(DEVICETYPE_LABEL) LIKE UPPER(" + arg("%"+deviceType+"%") + ")"
		fired = append(fired, "device_type")
	}

	lexical := append(append([]string{}, primary...), secondary...)

	var where string
	strategy := strings.Join(fired, "+")
	switch {
	case len(lexical) > 0 && devicePred != "":
		where = "(" + strings.Join(lexical, " OR ") + ") AND " + devicePred
	case len(lexical) > 0:
		where = "(" + strings.Join(lexical, " OR ") + ")"
	case devicePred != "":
		where = devicePred
		strategy = StrategyFallback
	default:
		return "", nil, ""
	}

	query := fmt.Sprintf(`
		SELECT PRODUCT_IDENTIFIER, PRODUCT_TYPE, PRODUCT_DESCRIPTION,
			BRAND_CODE, BRAND_LABEL, RANGE_CODE, RANGE_LABEL,
			SUBRANGE_CODE, SUBRANGE_LABEL, DEVICETYPE_LABEL,
			PL_SERVICES, COMMERCIAL_STATUS
		FROM products
		WHERE %s
		ORDER BY PRODUCT_IDENTIFIER
		LIMIT %d
	`, where, limit)

	return query, args, strategy
}

// detectDeviceType derives a device-type predicate from description keywords.
func detectDeviceType(description string) string {
	if description == "" {
		return ""
	}
	lower := strings.ToLower(description)
	for _, entry := range deviceTypeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.label
			}
		}
	}
	return ""
}

func discoveryCacheKey(filters DiscoveryFilters, limit int) string {
	raw, _ := json.Marshal(struct {
		DiscoveryFilters
		Limit int `json:"limit"`
	}{filters, limit})
	return "discover:" + identity.TextHash(string(raw))
}

// Stats returns row count and top-10 aggregations over the catalog.
func (s *CatalogStore) Stats(ctx context.Context) (*CatalogStats, error) {
	stats := &CatalogStats{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&stats.TotalRows); err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	var err error
	stats.TopProductLines, err = s.topBuckets(ctx, "PL_SERVICES")
	if err != nil {
		return nil, fmt.Errorf("aggregate product lines: %w", err)
	}

	stats.TopBrands, err = s.topBuckets(ctx, "BRAND_LABEL")
	if err != nil {
		return nil, fmt.Errorf("aggregate brands: %w", err)
	}

	return stats, nil
}

// topBuckets aggregates one whitelisted column, capped at 10 buckets.
func (s *CatalogStore) topBuckets(ctx context.Context, column string) ([]CatalogBucket, error) {
	switch column {
	case "PL_SERVICES", "BRAND_LABEL":
	default:
		return nil, fmt.Errorf("column %s not allowed", column)
	}

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) AS n
		FROM products
		WHERE %s <> ''
		GROUP BY %s
		ORDER BY n DESC, %s
		LIMIT 10
	`, column, column, column, column)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []CatalogBucket
	for rows.Next() {
		var b CatalogBucket
		if err := rows.Scan(&b.Label, &b.Count); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
