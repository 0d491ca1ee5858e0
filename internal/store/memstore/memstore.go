// Package memstore is an in-process Store used by tests and dry runs.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/store"
)

// Store keeps documents and results in memory. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	byPath  map[string]*models.Document
	results []*models.PredictionResult

	docWrites    int
	resultWrites int

	// ResultsErr, when set, is returned by ReplaceRunResults instead of writing.
	ResultsErr error
	// UpdateErr, when set, is returned by UpdateDocumentByPath.
	UpdateErr error
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{byPath: make(map[string]*models.Document)}
}

func (s *Store) UpdateDocumentByPath(_ context.Context, filePath string, mutate store.MutateFunc) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return nil, s.UpdateErr
	}

	current := s.byPath[filePath]
	next, err := mutate(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current.Clone(), nil
	}
	next = next.Clone()
	next.FilePath = filePath
	s.byPath[filePath] = next
	s.docWrites++
	return next.Clone(), nil
}

func (s *Store) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	return s.find(func(d *models.Document) bool { return d.ID == id })
}

func (s *Store) GetDocumentByHash(_ context.Context, contentHash string) (*models.Document, error) {
	return s.find(func(d *models.Document) bool { return d.ContentHash == contentHash })
}

func (s *Store) GetDocumentByPath(_ context.Context, filePath string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byPath[filePath]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *Store) DocumentsByTags(_ context.Context, tags []string) ([]*models.Document, error) {
	return s.filter(func(d *models.Document) bool { return overlaps(d.Tags, tags) }), nil
}

func (s *Store) DocumentsByRegistryIDs(_ context.Context, ids []string) ([]*models.Document, error) {
	return s.filter(func(d *models.Document) bool { return overlaps(d.RegistryMoleculeIDs, ids) }), nil
}

func (s *Store) ReplaceRunResults(_ context.Context, documentID string, runID int, results []*models.PredictionResult) error {
	if err := store.CheckRun(documentID, runID, results); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResultsErr != nil {
		return s.ResultsErr
	}
	kept := s.results[:0]
	for _, r := range s.results {
		if r.DocumentID != documentID || r.RunID != runID {
			kept = append(kept, r)
		}
	}
	s.results = kept
	for _, r := range results {
		s.results = append(s.results, r.Clone())
	}
	s.resultWrites++
	return nil
}

func (s *Store) RunResults(_ context.Context, documentID string, runID int) ([]*models.PredictionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PredictionResult
	for _, r := range s.results {
		if r.DocumentID == documentID && r.RunID == runID {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) Close() error { return nil }

// Writes reports how many document and result-batch writes have happened.
func (s *Store) Writes() (docs, resultBatches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docWrites, s.resultWrites
}

func (s *Store) find(match func(*models.Document) bool) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.byPath {
		if match(d) {
			return d.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) filter(match func(*models.Document) bool) []*models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Document
	for _, d := range s.byPath {
		if match(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

func overlaps(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
