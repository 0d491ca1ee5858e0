// Package versioning resolves a document's identity and run number against
// what the store already knows about its file path.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
	"github.com/Lllllllleong/structureflow/internal/store"
)

// DefaultLeaseTTL bounds how long a run may hold a document before another
// worker may take it over.
const DefaultLeaseTTL = 15 * time.Minute

// Outcome is the resolver's decision for a candidate document.
type Outcome int

const (
	// New: first time this path is seen. Run 0.
	New Outcome = iota
	// Reprocess: the content changed. Same id, run incremented.
	Reprocess
	// Unchanged: same content, last run finished. Cached results returned.
	Unchanged
	// InProgress: same content, another worker holds a live lease.
	InProgress
	// Takeover: same content, the previous run's lease expired. Same run.
	Takeover
	// Retry: same content, the previous run failed. Same run.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Reprocess:
		return "reprocess"
	case Unchanged:
		return "unchanged"
	case InProgress:
		return "in_progress"
	case Takeover:
		return "takeover"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Proceeds reports whether the pipeline should run its stages.
func (o Outcome) Proceeds() bool {
	return o == New || o == Reprocess || o == Takeover || o == Retry
}

// Resolution is the result of Resolve.
type Resolution struct {
	Outcome  Outcome
	Document *models.Document
	// Results holds the cached result set when Outcome is Unchanged.
	Results []*models.PredictionResult
}

// Resolver decides, atomically per file path, whether a candidate is new,
// changed, unchanged or already being processed.
type Resolver struct {
	store    store.Store
	leaseTTL time.Duration
	now      func() time.Time
	newID    func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLeaseTTL overrides DefaultLeaseTTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.leaseTTL = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(f func() string) Option {
	return func(r *Resolver) { r.newID = f }
}

func NewResolver(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:    s,
		leaseTTL: DefaultLeaseTTL,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve claims candidate.FilePath for a run, or reports why no run is
// needed. candidate must carry FilePath and ContentHash.
func (r *Resolver) Resolve(ctx context.Context, candidate *models.Document) (*Resolution, error) {
	logCtx := slog.With("filePath", candidate.FilePath, "contentHash", candidate.ContentHash)
	now := r.now()
	res := &Resolution{}

	stored, err := r.store.UpdateDocumentByPath(ctx, candidate.FilePath, func(cur *models.Document) (*models.Document, error) {
		switch {
		case cur == nil:
			res.Outcome = New
			doc := candidate.Clone()
			doc.ID = r.newID()
			doc.RunID = 0
			doc.DateCreated = now
			r.claim(doc, now)
			return doc, nil

		case cur.ContentHash != candidate.ContentHash:
			res.Outcome = Reprocess
			cur.RunID++
			cur.ContentHash = candidate.ContentHash
			cur.FileType = candidate.FileType
			mergeMetadata(cur, candidate)
			r.claim(cur, now)
			return cur, nil

		case cur.LeaseLive(now):
			res.Outcome = InProgress
			return nil, nil

		case cur.RunStatus == models.RunStatusProcessing:
			res.Outcome = Takeover
			r.claim(cur, now)
			return cur, nil

		case cur.RunStatus == models.RunStatusFailed:
			res.Outcome = Retry
			r.claim(cur, now)
			return cur, nil
		}
		res.Outcome = Unchanged
		return nil, nil
	})
	if err != nil {
		logCtx.Error("Failed to resolve document version.", "error", err)
		return nil, pipelineerr.Wrap(pipelineerr.ErrPersistence, "resolve "+candidate.FilePath, err)
	}
	res.Document = stored
	logCtx.Info("Resolved document version.", "outcome", res.Outcome.String(), "documentId", stored.ID, "runId", stored.RunID)

	if res.Outcome != Unchanged {
		return res, nil
	}
	results, err := r.store.RunResults(ctx, stored.ID, stored.RunID)
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.ErrPersistence, "load cached results for "+stored.ID, err)
	}
	if len(results) == 0 {
		logCtx.Warn("Unchanged document has no stored results for its latest run.", "documentId", stored.ID, "runId", stored.RunID)
	}
	res.Results = results
	return res, nil
}

func (r *Resolver) claim(doc *models.Document, now time.Time) {
	doc.DateUpdated = now
	doc.RunStatus = models.RunStatusProcessing
	doc.RunError = ""
	doc.LeaseExpiresAt = now.Add(r.leaseTTL)
}

func mergeMetadata(dst, src *models.Document) {
	if src.ExtPath != "" {
		dst.ExtPath = src.ExtPath
	}
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Author != "" {
		dst.Author = src.Author
	}
	if src.CreatedBy != "" {
		dst.CreatedBy = src.CreatedBy
	}
}

// Commit records doc as the completed state of its run. It is a no-op when a
// newer run already owns the path; the stored document is returned either way.
func (r *Resolver) Commit(ctx context.Context, doc *models.Document) (*models.Document, error) {
	return r.finish(ctx, doc, models.RunStatusCompleted, "")
}

// Fail records that doc's run ended without results.
func (r *Resolver) Fail(ctx context.Context, doc *models.Document, reason string) (*models.Document, error) {
	return r.finish(ctx, doc, models.RunStatusFailed, reason)
}

func (r *Resolver) finish(ctx context.Context, doc *models.Document, runStatus, reason string) (*models.Document, error) {
	now := r.now()
	superseded := false
	stored, err := r.store.UpdateDocumentByPath(ctx, doc.FilePath, func(cur *models.Document) (*models.Document, error) {
		if cur != nil && (cur.ID != doc.ID || cur.RunID > doc.RunID) {
			superseded = true
			return nil, nil
		}
		next := doc.Clone()
		next.DateUpdated = now
		next.RunStatus = runStatus
		next.RunError = reason
		next.LeaseExpiresAt = time.Time{}
		return next, nil
	})
	if err != nil {
		return nil, pipelineerr.Wrap(pipelineerr.ErrPersistence, "record run "+runStatus+" for "+doc.ID, err)
	}
	if superseded {
		slog.Warn("Run superseded before it finished, document left unchanged.",
			"documentId", doc.ID, "runId", doc.RunID, "storedRunId", stored.RunID)
	}
	return stored, nil
}
