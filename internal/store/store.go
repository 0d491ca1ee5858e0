// Package store defines the persistence contract for documents and
// prediction results.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/structureflow/internal/models"
)

// Sentinel errors returned by every Store implementation.
var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrForeignResult    = errors.New("result belongs to another run")
)

// CheckRun returns ErrForeignResult when any result is not keyed to
// documentID and runID.
func CheckRun(documentID string, runID int, results []*models.PredictionResult) error {
	for _, r := range results {
		if r.DocumentID != documentID || r.RunID != runID {
			return fmt.Errorf("result %s is %s/%d, want %s/%d: %w", r.ID, r.DocumentID, r.RunID, documentID, runID, ErrForeignResult)
		}
	}
	return nil
}

// MutateFunc receives the current document for a path (nil when none exists)
// and returns the document to write, or nil to leave the record untouched.
type MutateFunc func(current *models.Document) (*models.Document, error)

// Store persists documents keyed by file path and their per-run results.
type Store interface {
	// UpdateDocumentByPath runs mutate and writes its result atomically with
	// respect to other callers using the same file path. It returns the
	// document as stored after the call.
	UpdateDocumentByPath(ctx context.Context, filePath string, mutate MutateFunc) (*models.Document, error)

	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*models.Document, error)
	GetDocumentByPath(ctx context.Context, filePath string) (*models.Document, error)

	// DocumentsByTags returns documents carrying any of tags.
	DocumentsByTags(ctx context.Context, tags []string) ([]*models.Document, error)
	// DocumentsByRegistryIDs returns documents linked to any of ids.
	DocumentsByRegistryIDs(ctx context.Context, ids []string) ([]*models.Document, error)

	// ReplaceRunResults makes results the complete result set of one run of a
	// document, dropping whatever an earlier attempt at the same run stored.
	// Every result must carry documentID and runID.
	ReplaceRunResults(ctx context.Context, documentID string, runID int, results []*models.PredictionResult) error
	// RunResults returns the results recorded for one run of a document,
	// ordered by Seq. An empty slice means the run has no results.
	RunResults(ctx context.Context, documentID string, runID int) ([]*models.PredictionResult, error)

	Close() error
}
