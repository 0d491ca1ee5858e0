// Package firestore implements store.Store on Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/store"
)

const (
	// Firestore caps a write batch at 500 operations.
	maxBatchWrites = 500
	// array-contains-any accepts at most 30 comparison values.
	maxInValues = 30
)

// Store keeps documents in one collection, keyed by a digest of the file
// path so the path itself is the uniqueness constraint, and results in a
// second collection.
type Store struct {
	client    *firestore.Client
	documents string
	results   string
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client.
func New(client *firestore.Client, documentsCollection, resultsCollection string) *Store {
	return &Store{client: client, documents: documentsCollection, results: resultsCollection}
}

// PathKey is the Firestore document ID used for a file path.
func PathKey(filePath string) string {
	sum := sha256.Sum256([]byte(filePath))
	return hex.EncodeToString(sum[:])
}

func (s *Store) UpdateDocumentByPath(ctx context.Context, filePath string, mutate store.MutateFunc) (*models.Document, error) {
	ref := s.client.Collection(s.documents).Doc(PathKey(filePath))

	var stored *models.Document
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stored = nil
		var current *models.Document
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return fmt.Errorf("read %s: %w", filePath, err)
		default:
			current = &models.Document{}
			if err := snap.DataTo(current); err != nil {
				return fmt.Errorf("decode %s: %w", filePath, err)
			}
		}

		next, err := mutate(current.Clone())
		if err != nil {
			return err
		}
		if next == nil {
			stored = current
			return nil
		}
		next = next.Clone()
		next.FilePath = filePath
		stored = next
		return tx.Set(ref, next)
	})
	if err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

func (s *Store) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	return s.first(ctx, s.client.Collection(s.documents).Where("id", "==", id).Limit(1))
}

func (s *Store) GetDocumentByHash(ctx context.Context, contentHash string) (*models.Document, error) {
	return s.first(ctx, s.client.Collection(s.documents).Where("content_hash", "==", contentHash).Limit(1))
}

func (s *Store) GetDocumentByPath(ctx context.Context, filePath string) (*models.Document, error) {
	snap, err := s.client.Collection(s.documents).Doc(PathKey(filePath)).Get(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var d models.Document
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	return &d, nil
}

func (s *Store) DocumentsByTags(ctx context.Context, tags []string) ([]*models.Document, error) {
	return s.anyOf(ctx, "tags", tags)
}

func (s *Store) DocumentsByRegistryIDs(ctx context.Context, ids []string) ([]*models.Document, error) {
	return s.anyOf(ctx, "registry_molecule_ids", ids)
}

func (s *Store) anyOf(ctx context.Context, field string, values []string) ([]*models.Document, error) {
	seen := make(map[string]bool)
	var out []*models.Document
	for start := 0; start < len(values); start += maxInValues {
		end := min(start+maxInValues, len(values))
		q := s.client.Collection(s.documents).Where(field, "array-contains-any", values[start:end])
		docs, err := s.all(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if !seen[d.FilePath] {
				seen[d.FilePath] = true
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

// ReplaceRunResults overwrites the run's results by ID, then deletes any
// left over from an earlier attempt. Batches are not atomic with each other,
// so an interrupted call can leave stale extras; result IDs are derived from
// (document, run, seq), which makes the next replace converge.
func (s *Store) ReplaceRunResults(ctx context.Context, documentID string, runID int, results []*models.PredictionResult) error {
	if err := store.CheckRun(documentID, runID, results); err != nil {
		return err
	}
	col := s.client.Collection(s.results)

	existing, err := col.Where("document_id", "==", documentID).Where("run_id", "==", runID).
		Select().Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("list results of %s/%d: %w", documentID, runID, classify(err))
	}
	keep := make(map[string]bool, len(results))
	for _, r := range results {
		keep[r.ID] = true
	}

	var ops []func(*firestore.WriteBatch)
	for _, r := range results {
		ops = append(ops, func(b *firestore.WriteBatch) { b.Set(col.Doc(r.ID), r) })
	}
	for _, snap := range existing {
		if !keep[snap.Ref.ID] {
			ref := snap.Ref
			ops = append(ops, func(b *firestore.WriteBatch) { b.Delete(ref) })
		}
	}

	for start := 0; start < len(ops); start += maxBatchWrites {
		end := min(start+maxBatchWrites, len(ops))
		batch := s.client.Batch()
		for _, op := range ops[start:end] {
			op(batch)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("commit results %d-%d: %w", start, end, classify(err))
		}
	}
	return nil
}

func (s *Store) RunResults(ctx context.Context, documentID string, runID int) ([]*models.PredictionResult, error) {
	iter := s.client.Collection(s.results).
		Where("document_id", "==", documentID).
		Where("run_id", "==", runID).
		Documents(ctx)
	defer iter.Stop()

	var out []*models.PredictionResult
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("query results: %w", classify(err))
		}
		var r models.PredictionResult
		if err := snap.DataTo(&r); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) first(ctx context.Context, q firestore.Query) (*models.Document, error) {
	docs, err := s.all(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) all(ctx context.Context, q firestore.Query) ([]*models.Document, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*models.Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query documents: %w", classify(err))
		}
		var d models.Document
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &d)
	}
}

// classify maps gRPC status codes onto the store sentinels. Errors that
// carry no status (for example a MutateFunc error) pass through untouched.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %w", store.ErrNotFound, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted, codes.Internal, codes.Unknown, codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%w: %w", store.ErrStoreUnavailable, err)
	}
	return err
}
