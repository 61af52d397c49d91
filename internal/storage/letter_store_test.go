package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridline-ai/obsomatch/internal/config"
	"github.com/gridline-ai/obsomatch/internal/observability"
)

func newTestLetterStore(t *testing.T) *LetterStore {
	t.Helper()

	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "letters.db"), MaxOpenConns: 1},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewLetterStore(db, "sqlite", observability.Nop())
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func sampleDraft() *LetterDraft {
	idx := 0
	return &LetterDraft{
		Letter: Letter{
			DocumentName:         "galaxy-eol.pdf",
			SourceFilePath:       "/docs/galaxy-eol.pdf",
			FileSize:             2048,
			ContentHash:          "hash-galaxy",
			ProcessingMethod:     "pipeline-v2.3",
			ProcessingDurationMS: 1200,
			ExtractionConfidence: 0.9,
			RawGrokJSON:          `{"ranges":["Galaxy 3000"]}`,
			ProcessingSteps:      `[]`,
			ValidationDetails:    `{}`,
			Status:               LetterStatusCompleted,
		},
		Products: []LetterProduct{
			{RangeLabel: "Galaxy 3000", ProductLine: "SPIBS", ProductDescription: "UPS system", ObsolescenceStatus: "announced", Confidence: 0.9},
		},
		Matches: []MatchDraft{
			{
				Match: LetterProductMatch{
					ProductIdentifier: "GAL3K-10",
					Confidence:        0.92,
					MatchReason:       "exact range match",
					MatchType:         MatchTypeFinalLLMValidated,
					RangeBased:        true,
				},
				ProductIndex: &idx,
			},
		},
	}
}

func TestPersistAndLoadLetter(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	id, err := store.PersistLetter(ctx, sampleDraft())
	require.NoError(t, err)
	require.NotZero(t, id)

	letter, err := store.GetLetter(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "galaxy-eol.pdf", letter.DocumentName)
	assert.Equal(t, LetterStatusCompleted, letter.Status)
	assert.False(t, letter.CreatedAt.IsZero())

	products, err := store.GetLetterProducts(ctx, id)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Galaxy 3000", products[0].RangeLabel)

	matches, err := store.GetLetterMatches(ctx, id)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotNil(t, matches[0].LetterProductID)
	assert.Equal(t, products[0].ID, *matches[0].LetterProductID)
}

func TestPersistRollsBackOnInvalidChild(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	draft := sampleDraft()
	draft.Matches[0].Match.Confidence = 2.0 // violates the range check

	_, err := store.PersistLetter(ctx, draft)
	require.Error(t, err)

	// The whole letter must be gone, not just the bad match.
	count, err := store.CountLettersByHash(ctx, "hash-galaxy")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFindByIdentity(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	_, err := store.FindByIdentity(ctx, "nope", "/nowhere.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := store.PersistLetter(ctx, sampleDraft())
	require.NoError(t, err)

	byHash, err := store.FindByIdentity(ctx, "hash-galaxy", "/other.pdf")
	require.NoError(t, err)
	assert.Equal(t, id, byHash.ID)

	byPath, err := store.FindByIdentity(ctx, "other-hash", "/docs/galaxy-eol.pdf")
	require.NoError(t, err)
	assert.Equal(t, id, byPath.ID)

	// Re-persisting the same hash returns the newest row.
	id2, err := store.PersistLetter(ctx, sampleDraft())
	require.NoError(t, err)
	latest, err := store.FindByIdentity(ctx, "hash-galaxy", "")
	require.NoError(t, err)
	assert.Equal(t, id2, latest.ID)
}

func TestDeleteLetterCascades(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	id, err := store.PersistLetter(ctx, sampleDraft())
	require.NoError(t, err)

	require.NoError(t, store.DeleteLetter(ctx, id))

	_, err = store.GetLetter(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	products, err := store.GetLetterProducts(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, products)

	matches, err := store.GetLetterMatches(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, matches)

	assert.ErrorIs(t, store.DeleteLetter(ctx, id), ErrNotFound)
}

func TestRawContentSignatureLifecycle(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	_, err := store.HasBeenProcessed(ctx, "sig-1", "v2.3")
	assert.ErrorIs(t, err, ErrNotFound)

	letterID := int64(42)
	now := time.Now().UTC()
	rec := &RawContentRecord{
		ContentHash:       "hash-galaxy",
		LetterID:          &letterID,
		Signature:         "sig-1",
		PromptVersion:     "v2.3",
		PromptConfigHash:  "pch-1",
		Status:            "completed",
		Processed:         true,
		ProcessedAt:       &now,
		Attempts:          1,
		ProductsExtracted: 2,
	}
	require.NoError(t, store.StoreRawContent(ctx, rec))

	found, err := store.HasBeenProcessed(ctx, "sig-1", "v2.3")
	require.NoError(t, err)
	require.NotNil(t, found.LetterID)
	assert.Equal(t, letterID, *found.LetterID)
	assert.Equal(t, 2, found.ProductsExtracted)

	// A different prompt version misses: same bytes, new prompts.
	_, err = store.HasBeenProcessed(ctx, "sig-1", "v3.0")
	assert.ErrorIs(t, err, ErrNotFound)

	// Upserting the same signature bumps the attempts counter.
	require.NoError(t, store.StoreRawContent(ctx, rec))
	found, err = store.HasBeenProcessed(ctx, "sig-1", "v2.3")
	require.NoError(t, err)
	assert.Equal(t, 2, found.Attempts)
}

func TestRecordAndListLLMCalls(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	tokens := 100
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordLLMCall(ctx, &LLMCall{
			CallID:       uuid.New().String(),
			Operation:    "extract",
			Model:        "test-model",
			RequestedAt:  base.Add(time.Duration(i) * time.Second),
			RespondedAt:  base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
			Success:      i == 2,
			RetryOrdinal: i,
			DocumentName: "galaxy-eol.pdf",
			TotalTokens:  &tokens,
		}))
	}

	calls, err := store.ListLLMCalls(ctx, "galaxy-eol.pdf")
	require.NoError(t, err)
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.Equal(t, i, call.RetryOrdinal)
	}
	assert.False(t, calls[0].Success)
	assert.True(t, calls[2].Success)

	none, err := store.ListLLMCalls(ctx, "unknown.pdf")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTokenUsageByDay(t *testing.T) {
	store := newTestLetterStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	prompt, completion, total := 100, 50, 150
	for _, op := range []string{"extract", "extract", "rerank"} {
		require.NoError(t, store.RecordLLMCall(ctx, &LLMCall{
			CallID:           uuid.New().String(),
			Operation:        op,
			RequestedAt:      now,
			RespondedAt:      now,
			Success:          true,
			PromptTokens:     &prompt,
			CompletionTokens: &completion,
			TotalTokens:      &total,
			EstimatedCost:    0.001,
		}))
	}

	usage, err := store.TokenUsageByDay(ctx, 7)
	require.NoError(t, err)
	require.Len(t, usage, 2)

	byOp := map[string]*DailyTokenUsage{}
	for _, u := range usage {
		byOp[u.Operation] = u
	}
	require.Contains(t, byOp, "extract")
	assert.Equal(t, 2, byOp["extract"].Calls)
	assert.Equal(t, int64(300), byOp["extract"].TotalTokens)
	assert.Equal(t, 1, byOp["rerank"].Calls)
}
