// Package storetest is a conformance suite shared by Store implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/store"
)

// Run exercises every Store method against a fresh store from open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("UpdateCreatesAndReads", func(t *testing.T) { testUpdateCreates(t, open(t)) })
	t.Run("MutateNilLeavesRecord", func(t *testing.T) { testMutateNil(t, open(t)) })
	t.Run("MutateErrorAborts", func(t *testing.T) { testMutateError(t, open(t)) })
	t.Run("ConcurrentUpdatesSerialize", func(t *testing.T) { testConcurrent(t, open(t)) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, open(t)) })
	t.Run("RunResults", func(t *testing.T) { testRunResults(t, open(t)) })
	t.Run("ReplaceRunResults", func(t *testing.T) { testReplaceRunResults(t, open(t)) })
}

func newDoc(id, path, hash string) *models.Document {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &models.Document{
		ID:          id,
		FilePath:    path,
		FileType:    "application/pdf",
		ContentHash: hash,
		DateCreated: now,
		DateUpdated: now,
		RunStatus:   models.RunStatusCompleted,
	}
}

func put(t *testing.T, s store.Store, d *models.Document) {
	t.Helper()
	_, err := s.UpdateDocumentByPath(context.Background(), d.FilePath, func(*models.Document) (*models.Document, error) {
		return d, nil
	})
	require.NoError(t, err)
}

func testUpdateCreates(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.GetDocumentByPath(ctx, "/a.pdf")
	assert.ErrorIs(t, err, store.ErrNotFound)

	var seen *models.Document
	got, err := s.UpdateDocumentByPath(ctx, "/a.pdf", func(cur *models.Document) (*models.Document, error) {
		seen = cur
		return newDoc("doc-a", "/a.pdf", "h1"), nil
	})
	require.NoError(t, err)
	assert.Nil(t, seen)
	assert.Equal(t, "doc-a", got.ID)

	byPath, err := s.GetDocumentByPath(ctx, "/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "h1", byPath.ContentHash)
	assert.Equal(t, "application/pdf", byPath.FileType)
	assert.True(t, byPath.DateCreated.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	byID, err := s.GetDocumentByID(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, "/a.pdf", byID.FilePath)

	byHash, err := s.GetDocumentByHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", byHash.ID)

	_, err = s.GetDocumentByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, err := s.UpdateDocumentByPath(ctx, "/a.pdf", func(cur *models.Document) (*models.Document, error) {
		require.NotNil(t, cur)
		cur.RunID++
		cur.ContentHash = "h2"
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RunID)
	assert.Equal(t, "doc-a", updated.ID)
}

func testMutateNil(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()
	put(t, s, newDoc("doc-a", "/a.pdf", "h1"))

	got, err := s.UpdateDocumentByPath(ctx, "/a.pdf", func(cur *models.Document) (*models.Document, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)

	got, err = s.UpdateDocumentByPath(ctx, "/none.pdf", func(cur *models.Document) (*models.Document, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testMutateError(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()
	put(t, s, newDoc("doc-a", "/a.pdf", "h1"))

	boom := errors.New("boom")
	_, err := s.UpdateDocumentByPath(ctx, "/a.pdf", func(cur *models.Document) (*models.Document, error) {
		cur.ContentHash = "changed"
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetDocumentByPath(ctx, "/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)
}

func testConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()
	put(t, s, newDoc("doc-a", "/a.pdf", "h"))

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateDocumentByPath(ctx, "/a.pdf", func(cur *models.Document) (*models.Document, error) {
				cur.RunID++
				return cur, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetDocumentByPath(ctx, "/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, n, got.RunID)
}

func testQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	a := newDoc("doc-a", "/a.pdf", "ha")
	a.Tags = []string{"kinase", "tb"}
	a.RegistryMoleculeIDs = []string{"m-1"}
	b := newDoc("doc-b", "/b.pdf", "hb")
	b.Tags = []string{"tb"}
	b.RegistryMoleculeIDs = []string{"m-2"}
	c := newDoc("doc-c", "/c.pdf", "hc")
	for _, d := range []*models.Document{a, b, c} {
		put(t, s, d)
	}

	docs, err := s.DocumentsByTags(ctx, []string{"tb"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-a", "doc-b"}, ids(docs))

	docs, err = s.DocumentsByTags(ctx, []string{"kinase", "other"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-a"}, ids(docs))

	docs, err = s.DocumentsByRegistryIDs(ctx, []string{"m-2", "m-9"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-b"}, ids(docs))

	docs, err = s.DocumentsByTags(ctx, []string{"none"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testRunResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	mk := func(run, seq int, value string) *models.PredictionResult {
		r := &models.PredictionResult{
			ID:             value,
			DocumentID:     "doc-a",
			RunID:          run,
			Seq:            seq,
			FilePath:       "/a.pdf",
			Page:           1,
			SegmentedImage: []byte{0x89, 'P', 'N', 'G'},
			RunDate:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		}
		r.AddHistoryAt(models.StepSegmentation, models.StatusSuccess, "", r.RunDate)
		r.SetPrediction(value, 0.77)
		return r
	}
	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 0, []*models.PredictionResult{mk(0, 0, "r0")}))
	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 1, []*models.PredictionResult{mk(1, 1, "r1b"), mk(1, 0, "r1a")}))

	got, err := s.RunResults(ctx, "doc-a", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1a", *got[0].PredictedValue)
	assert.Equal(t, "r1b", *got[1].PredictedValue)
	assert.Equal(t, 0.77, *got[0].Confidence)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, got[0].SegmentedImage)
	require.Len(t, got[0].History, 1)
	assert.Equal(t, models.StepSegmentation, got[0].History[0].Step)

	got, err = s.RunResults(ctx, "doc-a", 7)
	require.NoError(t, err)
	assert.Empty(t, got)

	err = s.ReplaceRunResults(ctx, "doc-a", 2, []*models.PredictionResult{mk(1, 0, "misfiled")})
	assert.ErrorIs(t, err, store.ErrForeignResult)
}

func testReplaceRunResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	mk := func(run, seq int, value string) *models.PredictionResult {
		r := &models.PredictionResult{
			ID:         models.ResultID("doc-a", run, seq),
			DocumentID: "doc-a",
			RunID:      run,
			Seq:        seq,
			FilePath:   "/a.pdf",
			Page:       1,
		}
		r.SetPrediction(value, 0.9)
		return r
	}
	values := func(run int) []string {
		got, err := s.RunResults(ctx, "doc-a", run)
		require.NoError(t, err)
		out := make([]string, 0, len(got))
		for _, r := range got {
			out = append(out, *r.PredictedValue)
		}
		return out
	}

	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 0, []*models.PredictionResult{mk(0, 0, "keep")}))
	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 1, []*models.PredictionResult{mk(1, 0, "a"), mk(1, 1, "b"), mk(1, 2, "c")}))

	// Same run again: overwritten, not duplicated.
	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 1, []*models.PredictionResult{mk(1, 0, "a2"), mk(1, 1, "b2"), mk(1, 2, "c2")}))
	assert.Equal(t, []string{"a2", "b2", "c2"}, values(1))

	// Fewer results drop the stale tail.
	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 1, []*models.PredictionResult{mk(1, 0, "a3")}))
	assert.Equal(t, []string{"a3"}, values(1))

	require.NoError(t, s.ReplaceRunResults(ctx, "doc-a", 1, nil))
	assert.Empty(t, values(1))

	assert.Equal(t, []string{"keep"}, values(0))
}

func ids(docs []*models.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}
