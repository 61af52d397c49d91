package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-ai/obsomatch/internal/cache"
	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/observability"
)

const catalogDDL = `
	CREATE TABLE products (
		PRODUCT_IDENTIFIER TEXT NOT NULL,
		PRODUCT_TYPE TEXT NOT NULL DEFAULT '',
		PRODUCT_DESCRIPTION TEXT NOT NULL DEFAULT '',
		BRAND_CODE TEXT NOT NULL DEFAULT '',
		BRAND_LABEL TEXT NOT NULL DEFAULT '',
		RANGE_CODE TEXT NOT NULL DEFAULT '',
		RANGE_LABEL TEXT NOT NULL DEFAULT '',
		SUBRANGE_CODE TEXT NOT NULL DEFAULT '',
		SUBRANGE_LABEL TEXT NOT NULL DEFAULT '',
		DEVICETYPE_LABEL TEXT NOT NULL DEFAULT '',
		PL_SERVICES TEXT NOT NULL DEFAULT '',
		COMMERCIAL_STATUS TEXT NOT NULL DEFAULT ''
	)`

type catalogSeed struct {
	identifier  string
	rangeLabel  string
	deviceType  string
	plServices  string
	description string
}

var defaultSeed = []catalogSeed{
	{"GAL3K-10", "Galaxy 3000", "UPS", "SPIBS (Secure Power)", "Galaxy 3000 10kVA UPS"},
	{"GAL3K-20", "Galaxy 3000", "UPS", "SPIBS (Secure Power)", "Galaxy 3000 20kVA UPS"},
	{"NT08H1", "Masterpact NT", "Circuit breaker", "PPIBS (Power Products)", "Masterpact NT 800A"},
	{"SM6-24", "SM6", "Switchgear", "PSIBS (Power Systems)", "SM6 24kV switchgear cubicle"},
	{"TRIHAL-100", "Trihal", "Transformer", "PSIBS (Power Systems)", "Trihal cast resin transformer"},
}

func newTestCatalogStore(t *testing.T, c cache.Client) (*CatalogStore, *sql.DB) {
	t.Helper()

	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "catalog.db"), MaxOpenConns: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	_, err = db.ExecContext(ctx, catalogDDL)
	require.NoError(t, err)

	for _, row := range defaultSeed {
		_, err := db.ExecContext(ctx, `
			INSERT INTO products (PRODUCT_IDENTIFIER, RANGE_LABEL, DEVICETYPE_LABEL, PL_SERVICES, PRODUCT_DESCRIPTION, BRAND_LABEL)
			VALUES ($1, $2, $3, $4, $5, 'Schneider Electric')
		`, row.identifier, row.rangeLabel, row.deviceType, row.plServices, row.description)
		require.NoError(t, err)
	}

	return NewCatalogStore(db, c, time.Minute, observability.Nop()), db
}

func TestDiscoverByRangeLabel(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	rows, strategy, _ := store.Discover(context.Background(), DiscoveryFilters{RangeLabel: "galaxy"}, 0)

	require.Len(t, rows, 2)
	assert.Equal(t, "GAL3K-10", rows[0].ProductIdentifier)
	assert.Equal(t, "GAL3K-20", rows[1].ProductIdentifier)
	assert.Equal(t, "range_label", strategy)
}

func TestDiscoverByIdentifier(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	rows, strategy, _ := store.Discover(context.Background(), DiscoveryFilters{ProductIdentifier: "NT08"}, 0)

	require.Len(t, rows, 1)
	assert.Equal(t, "NT08H1", rows[0].ProductIdentifier)
	assert.Equal(t, "product_identifier", strategy)
}

func TestDiscoverProductLinePrefix(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	// Only the prefix before the parenthesis participates in the match.
	rows, strategy, _ := store.Discover(context.Background(), DiscoveryFilters{ProductLine: "PSIBS (whatever)"}, 0)

	require.Len(t, rows, 2)
	assert.Equal(t, "product_line", strategy)
}

func TestDiscoverDeviceTypeNarrowing(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	// The PSIBS predicate alone matches two rows; the switchgear keyword in
	// the description narrows it to one.
	rows, strategy, _ := store.Discover(context.Background(), DiscoveryFilters{
		ProductLine: "PSIBS (Power Systems)",
		Description: "medium voltage switchgear installation",
	}, 0)

	require.Len(t, rows, 1)
	assert.Equal(t, "SM6-24", rows[0].ProductIdentifier)
	assert.Equal(t, "product_line+device_type", strategy)
}

func TestDiscoverFallbackStrategy(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	rows, strategy, _ := store.Discover(context.Background(), DiscoveryFilters{
		Description: "replacement transformer options",
	}, 0)

	require.Len(t, rows, 1)
	assert.Equal(t, "TRIHAL-100", rows[0].ProductIdentifier)
	assert.Equal(t, StrategyFallback, strategy)
}

func TestDiscoverNoFilters(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	rows, strategy, _ := store.Discover(context.Background(), DiscoveryFilters{}, 0)
	assert.Empty(t, rows)
	assert.Equal(t, StrategyFallback, strategy)
}

func TestDiscoverRespectsLimit(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	rows, _, _ := store.Discover(context.Background(), DiscoveryFilters{RangeLabel: "galaxy"}, 1)
	assert.Len(t, rows, 1)
}

func TestDiscoverFailSoft(t *testing.T) {
	store, db := newTestCatalogStore(t, nil)
	require.NoError(t, db.Close())

	rows, _, _ := store.Discover(context.Background(), DiscoveryFilters{RangeLabel: "galaxy"}, 0)
	assert.Empty(t, rows)
}

func TestDiscoverUsesCache(t *testing.T) {
	memory := cache.NewMemoryClient(100)
	store, db := newTestCatalogStore(t, memory)
	ctx := context.Background()

	first, _, _ := store.Discover(ctx, DiscoveryFilters{RangeLabel: "galaxy"}, 0)
	require.Len(t, first, 2)

	// With the database gone the cached result still serves.
	require.NoError(t, db.Close())
	second, strategy, _ := store.Discover(ctx, DiscoveryFilters{RangeLabel: "galaxy"}, 0)
	assert.Len(t, second, 2)
	assert.Equal(t, "range_label", strategy)

	// A different limit is a different cache key.
	third, _, _ := store.Discover(ctx, DiscoveryFilters{RangeLabel: "galaxy"}, 1)
	assert.Empty(t, third)
}

func TestCatalogStats(t *testing.T) {
	store, _ := newTestCatalogStore(t, nil)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalRows)
	require.NotEmpty(t, stats.TopProductLines)
	assert.Equal(t, 2, stats.TopProductLines[0].Count)
	require.Len(t, stats.TopBrands, 1)
	assert.Equal(t, 5, stats.TopBrands[0].Count)
}

func TestBuildDiscoveryQueryShape(t *testing.T) {
	query, args, strategy := buildDiscoveryQuery(DiscoveryFilters{
		ProductIdentifier: "NT08",
		RangeLabel:        "Masterpact",
		ProductLine:       "PPIBS (Power Products)",
		Description:       "air circuit breaker relay panel",
	}, 50)

	assert.Equal(t, "product_identifier+range_label+product_line+device_type", strategy)
	assert.Len(t, args, 4)
	assert.Contains(t, query, "LIMIT 50")
	assert.Contains(t, query, "ORDER BY PRODUCT_IDENTIFIER")

	// Lexical predicates are OR-joined, the device predicate is ANDed.
	upper := strings.ToUpper(query)
	assert.Contains(t, upper, ") AND UPPER(DEVICETYPE_LABEL)")
}
