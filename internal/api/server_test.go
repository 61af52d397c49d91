package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/observability"
	"github.com/gridline-ai/obsomatch/internal/storage"
)

const testCatalogDDL = `
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

func newTestServer(t *testing.T) (*Server, *storage.LetterStore) {
	t.Helper()
	dir := t.TempDir()
	logger := observability.Nop()

	lettersDB, err := storage.Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "letters.db"), MaxOpenConns: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { lettersDB.Close() })

	letters := storage.NewLetterStore(lettersDB, "sqlite", logger)
	require.NoError(t, letters.Migrate(context.Background()))

	catalogDB, err := storage.Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "catalog.db"), MaxOpenConns: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { catalogDB.Close() })
	seedCatalog(t, catalogDB)

	catalog := storage.NewCatalogStore(catalogDB, nil, 0, logger)
	server := NewServer(letters, catalog, config.DefaultConfig().Server, logger)
	return server, letters
}

func seedCatalog(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	_, err := db.ExecContext(ctx, testCatalogDDL)
	require.NoError(t, err)
	for _, row := range [][2]string{
		{"GAL3K-10", "SPIBS (Secure Power)"},
		{"GAL3K-20", "SPIBS (Secure Power)"},
		{"NT08H1", "PPIBS (Power Products)"},
	} {
		_, err := db.ExecContext(ctx,
			`INSERT INTO products (PRODUCT_IDENTIFIER, PL_SERVICES, BRAND_LABEL) VALUES ($1, $2, 'Schneider Electric')`,
			row[0], row[1])
		require.NoError(t, err)
	}
}

func doRequest(t *testing.T, server *Server, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec, body := doRequest(t, server, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestReadyEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec, body := doRequest(t, server, http.MethodGet, "/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["letters_db"])
	assert.Equal(t, "ok", body["catalog_db"])
}

func TestCatalogStatsEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	rec, body := doRequest(t, server, http.MethodGet, "/catalog/stats")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["total_rows"])
}

func TestDailyUsageEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec, body := doRequest(t, server, http.MethodGet, "/usage/daily")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), body["days"])

	rec, _ = doRequest(t, server, http.MethodGet, "/usage/daily?days=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doRequest(t, server, http.MethodGet, "/usage/daily?days=30")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(30), body["days"])
}

func TestGetLetterEndpoint(t *testing.T) {
	server, letters := newTestServer(t)

	rec, _ := doRequest(t, server, http.MethodGet, "/letters/999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doRequest(t, server, http.MethodGet, "/letters/not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id, err := letters.PersistLetter(context.Background(), &storage.LetterDraft{
		Letter: storage.Letter{
			DocumentName:   "galaxy.pdf",
			SourceFilePath: "/docs/galaxy.pdf",
			ContentHash:    "abc123",
			Status:         storage.LetterStatusCompleted,
		},
		Products: []storage.LetterProduct{{RangeLabel: "Galaxy 3000", ProductLine: "SPIBS"}},
	})
	require.NoError(t, err)

	rec, body := doRequest(t, server, http.MethodGet, "/letters/1")
	assert.Equal(t, http.StatusOK, rec.Code)

	letter := body["letter"].(map[string]interface{})
	assert.Equal(t, float64(id), letter["id"])
	assert.Equal(t, "galaxy.pdf", letter["document_name"])
	assert.NotContains(t, letter, "raw_grok_json")

	products := body["products"].([]interface{})
	assert.Len(t, products, 1)
}
