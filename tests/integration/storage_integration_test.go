// Package integration exercises the stores against real PostgreSQL and
// Redis instances via testcontainers.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"

	"github.com/gridline-ai/obsomatch/internal/cache"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("obsomatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/obsomatch_test?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	return db
}

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestLetterStorePostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := startPostgres(t)
	ctx := context.Background()

	store := storage.NewLetterStore(db, "postgres", observability.Nop())
	require.NoError(t, store.Migrate(ctx))

	idx := 0
	id, err := store.PersistLetter(ctx, &storage.LetterDraft{
		Letter: storage.Letter{
			DocumentName:         "galaxy-eol.pdf",
			SourceFilePath:       "/docs/galaxy-eol.pdf",
			ContentHash:          "hash-pg",
			ExtractionConfidence: 0.9,
			Status:               storage.LetterStatusCompleted,
		},
		Products: []storage.LetterProduct{
			{RangeLabel: "Galaxy 3000", ProductLine: "SPIBS", Confidence: 0.9},
		},
		Matches: []storage.MatchDraft{
			{
				Match: storage.LetterProductMatch{
					ProductIdentifier: "GAL3K-10",
					Confidence:        0.92,
					MatchType:         storage.MatchTypeFinalLLMValidated,
					RangeBased:        true,
				},
				ProductIndex: &idx,
			},
		},
	})
	require.NoError(t, err)

	letter, err := store.GetLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hash-pg", letter.ContentHash)

	matches, err := store.GetLetterMatches(ctx, id)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotNil(t, matches[0].LetterProductID)

	// Cascade delete works on Postgres as well.
	require.NoError(t, store.DeleteLetter(ctx, id))
	products, err := store.GetLetterProducts(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, products)

	// Raw content upsert on the signature natural key.
	now := time.Now().UTC()
	rec := &storage.RawContentRecord{
		ContentHash:   "hash-pg",
		Signature:     "sig-pg",
		PromptVersion: "v2.3",
		Status:        "completed",
		Processed:     true,
		ProcessedAt:   &now,
		Attempts:      1,
	}
	require.NoError(t, store.StoreRawContent(ctx, rec))
	require.NoError(t, store.StoreRawContent(ctx, rec))

	found, err := store.HasBeenProcessed(ctx, "sig-pg", "v2.3")
	require.NoError(t, err)
	assert.Equal(t, 2, found.Attempts)
}

func TestCatalogStorePostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := startPostgres(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
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
		)`)
	require.NoError(t, err)

	for _, row := range [][3]string{
		{"GAL3K-10", "Galaxy 3000", "UPS"},
		{"GAL3K-20", "Galaxy 3000", "UPS"},
		{"NT08H1", "Masterpact NT", "Circuit breaker"},
	} {
		_, err := db.ExecContext(ctx, `
			INSERT INTO products (PRODUCT_IDENTIFIER, RANGE_LABEL, DEVICETYPE_LABEL)
			VALUES ($1, $2, $3)
		`, row[0], row[1], row[2])
		require.NoError(t, err)
	}

	store := storage.NewCatalogStore(db, nil, 0, observability.Nop())

	rows, strategy, _ := store.Discover(ctx, storage.DiscoveryFilters{RangeLabel: "galaxy"}, 0)
	require.Len(t, rows, 2)
	assert.Equal(t, "range_label", strategy)
	assert.Equal(t, "GAL3K-10", rows[0].ProductIdentifier)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalRows)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	addr := startRedis(t)
	ctx := context.Background()

	client, err := cache.NewRedisClient(cache.RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	require.NoError(t, client.Set(ctx, "discover:test", []byte(`{"rows":[]}`), time.Minute))
	val, err := client.Get(ctx, "discover:test")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"rows":[]}`), val)

	require.NoError(t, client.Delete(ctx, "discover:test"))
	_, err = client.Get(ctx, "discover:test")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}
