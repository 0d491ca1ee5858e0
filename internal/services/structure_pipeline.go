package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/structureflow/internal/confidence"
	"github.com/Lllllllleong/structureflow/internal/hooks"
	"github.com/Lllllllleong/structureflow/internal/loader"
	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
	"github.com/Lllllllleong/structureflow/internal/recognition"
	"github.com/Lllllllleong/structureflow/internal/store"
	"github.com/Lllllllleong/structureflow/internal/versioning"
)

// Persistence failure policies.
const (
	// PersistBestEffort runs post-persist hooks even when persistence failed.
	PersistBestEffort = "best-effort"
	// PersistFailFast skips post-persist hooks when persistence failed.
	PersistFailFast = "fail-fast"
)

// StructurePipelineConfig holds all configuration for the structure pipeline.
type StructurePipelineConfig struct {
	SupportedTypes         []string
	LowConfidenceThreshold float64
	PredictConcurrency     int
	ConfidenceStrategy     string
	PersistFailurePolicy   string
	SearchPoint            string
	PostPoint              string
	LeaseTTL               time.Duration
}

// DefaultStructurePipelineConfig returns the production defaults.
func DefaultStructurePipelineConfig() StructurePipelineConfig {
	return StructurePipelineConfig{
		SupportedTypes:         []string{loader.MIMEPDF},
		LowConfidenceThreshold: 0.5,
		PredictConcurrency:     4,
		ConfidenceStrategy:     confidence.Geometric,
		PersistFailurePolicy:   PersistBestEffort,
		SearchPoint:            hooks.PointStructureSearch,
		PostPoint:              hooks.PointStructurePost,
		LeaseTTL:               versioning.DefaultLeaseTTL,
	}
}

// SourceFetcher copies a remote file location into dir.
type SourceFetcher interface {
	Fetch(ctx context.Context, location, dir string) (string, error)
}

// BlobWriter stores crop images and returns their URI.
type BlobWriter interface {
	Put(ctx context.Context, object, contentType string, data []byte) (string, error)
}

// StructurePipelineDeps are the collaborators of the pipeline. Fetcher and
// Crops are optional.
type StructurePipelineDeps struct {
	Store     store.Store
	Loader    loader.Loader
	Segmenter recognition.Segmenter
	Predictor recognition.Predictor
	Hooks     *hooks.Registry
	Fetcher   SourceFetcher
	Crops     BlobWriter
	Clock     func() time.Time
}

// StructurePipeline drives one document through load, segment, predict,
// enrich and persist.
type StructurePipeline struct {
	store      store.Store
	resolver   *versioning.Resolver
	loader     loader.Loader
	segmenter  recognition.Segmenter
	predictor  recognition.Predictor
	hooks      *hooks.Registry
	fetcher    SourceFetcher
	crops      BlobWriter
	aggregator *confidence.Aggregator
	now        func() time.Time
	config     StructurePipelineConfig
}

// NewStructurePipeline wires a pipeline from explicit dependencies.
func NewStructurePipeline(config StructurePipelineConfig, deps StructurePipelineDeps) (*StructurePipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, pipelineerr.Wrap(pipelineerr.ErrConfiguration, "store is required", nil)
	case deps.Loader == nil:
		return nil, pipelineerr.Wrap(pipelineerr.ErrConfiguration, "loader is required", nil)
	case deps.Segmenter == nil:
		return nil, pipelineerr.Wrap(pipelineerr.ErrConfiguration, "segmenter is required", nil)
	case deps.Predictor == nil:
		return nil, pipelineerr.Wrap(pipelineerr.ErrConfiguration, "predictor is required", nil)
	}
	switch config.PersistFailurePolicy {
	case "":
		config.PersistFailurePolicy = PersistBestEffort
	case PersistBestEffort, PersistFailFast:
	default:
		return nil, pipelineerr.Wrap(pipelineerr.ErrConfiguration, fmt.Sprintf("unknown persist failure policy %q", config.PersistFailurePolicy), nil)
	}
	if config.PredictConcurrency < 1 {
		config.PredictConcurrency = 1
	}
	if len(config.SupportedTypes) == 0 {
		config.SupportedTypes = []string{loader.MIMEPDF}
	}
	strategy, err := confidence.Lookup(config.ConfidenceStrategy)
	if err != nil {
		return nil, err
	}

	registry := deps.Hooks
	if registry == nil {
		registry = hooks.Empty()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := config.LeaseTTL
	if ttl <= 0 {
		ttl = versioning.DefaultLeaseTTL
	}

	return &StructurePipeline{
		store:      deps.Store,
		resolver:   versioning.NewResolver(deps.Store, versioning.WithLeaseTTL(ttl), versioning.WithClock(now)),
		loader:     deps.Loader,
		segmenter:  deps.Segmenter,
		predictor:  deps.Predictor,
		hooks:      registry,
		fetcher:    deps.Fetcher,
		crops:      deps.Crops,
		aggregator: confidence.NewAggregator(strategy),
		now:        now,
		config:     config,
	}, nil
}

// Process runs the pipeline for one task. Stage failures are reported in the
// response status; the returned error is reserved for failures the task
// system should retry, which is a store outage while resolving the document.
func (p *StructurePipeline) Process(ctx context.Context, req *models.StructurePredictionRequest) (*models.StructurePredictionResponse, error) {
	logCtx := slog.With("fileLocation", req.FileLocation, "taskId", req.TaskID)
	logCtx.Info("Starting structure prediction.")

	tempDir, err := os.MkdirTemp("", "structure-pipeline-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localPath, fileType, hash, err := p.prepare(ctx, req.FileLocation, tempDir)
	if err != nil {
		logCtx.Error("Input rejected before processing.", "error", err)
		return aborted(nil, err), nil
	}
	logCtx = logCtx.With("contentHash", hash)

	res, err := p.resolver.Resolve(ctx, &models.Document{
		FilePath:    req.FileLocation,
		FileType:    fileType,
		ContentHash: hash,
		ExtPath:     req.ExtPath,
		Title:       req.Title,
		Author:      req.Author,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		logCtx.Error("Failed to resolve document.", "error", err)
		return nil, err
	}
	doc := res.Document
	logCtx = logCtx.With("documentId", doc.ID, "runId", doc.RunID)

	switch res.Outcome {
	case versioning.Unchanged:
		logCtx.Info("Content unchanged, returning stored results.", "resultCount", len(res.Results))
		return respond(models.OutcomeShortCircuited, doc, res.Results), nil
	case versioning.InProgress:
		logCtx.Info("Another worker holds this document, skipping.")
		return respond(models.OutcomeInProgress, doc, nil), nil
	}
	logCtx.Info("Document claimed for processing.", "outcome", res.Outcome.String())

	pages, err := p.loader.Load(ctx, localPath)
	if err != nil {
		return p.handleError(ctx, logCtx, doc, "failed to load pages", pipelineerr.Wrap(pipelineerr.ErrExtraction, "load", err)), nil
	}
	logCtx.Info("Pages loaded.", "pageCount", len(pages))

	results, crops, err := p.segment(ctx, logCtx, doc, pages)
	if err != nil {
		return p.handleError(ctx, logCtx, doc, "failed to segment document", err), nil
	}
	logCtx.Info("Segmentation complete.", "segmentCount", len(results))

	p.predict(ctx, logCtx, results, crops)

	batch, report := p.hooks.Execute(ctx, p.config.SearchPoint, hooks.Batch{Document: doc, Results: results})
	logCtx.Info("Pre-persist hooks finished.", "hookCount", len(report.Outcomes), "failed", report.Failed())

	status := models.OutcomeCompleted
	committed, persistErr := p.persist(ctx, logCtx, batch)
	if persistErr != nil {
		status = models.OutcomePersistFailed
		logCtx.Error("Persistence failed.", "error", persistErr, "policy", p.config.PersistFailurePolicy)
	}

	if persistErr == nil || p.config.PersistFailurePolicy == PersistBestEffort {
		before := batch.Document.Clone()
		batch, report = p.hooks.Execute(ctx, p.config.PostPoint, batch)
		logCtx.Info("Post-persist hooks finished.", "hookCount", len(report.Outcomes), "failed", report.Failed())
		if committed && documentChanged(before, batch.Document) {
			if _, err := p.resolver.Commit(ctx, batch.Document); err != nil {
				logCtx.Error("Failed to save post-persist document changes.", "error", err)
			}
		}
	}

	logCtx.Info("Structure prediction complete.", "status", status, "resultCount", len(batch.Results))
	return respond(status, batch.Document, batch.Results), nil
}

// prepare localizes the input, checks its type and fingerprints it.
func (p *StructurePipeline) prepare(ctx context.Context, location, tempDir string) (path, fileType, hash string, err error) {
	path = location
	if strings.HasPrefix(location, "gs://") {
		if p.fetcher == nil {
			return "", "", "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, "no fetcher configured for "+location, nil)
		}
		path, err = p.fetcher.Fetch(ctx, location, tempDir)
		if err != nil {
			return "", "", "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, "fetch "+location, err)
		}
	}

	fileType, err = loader.CheckSupported(path, p.config.SupportedTypes)
	if err != nil {
		return "", "", "", err
	}
	hash, err = calculateFileHash(path)
	if err != nil {
		return "", "", "", pipelineerr.Wrap(pipelineerr.ErrFileAccess, "hash "+path, err)
	}
	return path, fileType, hash, nil
}

// segment turns every page into result shells. A page whose segmentation
// fails contributes nothing; the run fails only when every page failed.
func (p *StructurePipeline) segment(ctx context.Context, logCtx *slog.Logger, doc *models.Document, pages []loader.Page) ([]*models.PredictionResult, []image.Image, error) {
	var (
		results []*models.PredictionResult
		crops   []image.Image
		failed  int
		lastErr error
	)
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, nil, pipelineerr.Wrap(pipelineerr.ErrSegmentation, "cancelled", err)
		}
		found, err := p.segmenter.Segment(ctx, page.Image)
		if err != nil {
			failed++
			lastErr = pipelineerr.Wrap(pipelineerr.ErrSegmentation, fmt.Sprintf("page %d", page.Number), err)
			logCtx.Warn("Segmentation failed for page.", "page", page.Number, "error", lastErr)
			continue
		}
		for _, crop := range found {
			r, err := models.NewSegmentResult(doc, page.Number, crop, p.now())
			if err != nil {
				logCtx.Warn("Dropping crop that could not be encoded.", "page", page.Number, "error", err)
				continue
			}
			r.Seq = len(results)
			r.ID = models.ResultID(doc.ID, doc.RunID, r.Seq)
			results = append(results, r)
			crops = append(crops, crop)
		}
	}
	if len(pages) > 0 && failed == len(pages) {
		return nil, nil, fmt.Errorf("all %d pages failed: %w", failed, lastErr)
	}
	return results, crops, nil
}

// predict fills in every shell. Each result is written by exactly one
// goroutine, so its history stays in completion order.
func (p *StructurePipeline) predict(ctx context.Context, logCtx *slog.Logger, results []*models.PredictionResult, crops []image.Image) {
	var eg errgroup.Group
	eg.SetLimit(p.config.PredictConcurrency)
	for i := range results {
		r, crop := results[i], crops[i]
		eg.Go(func() error {
			p.predictOne(ctx, logCtx, r, crop)
			return nil
		})
	}
	_ = eg.Wait()
}

func (p *StructurePipeline) predictOne(ctx context.Context, logCtx *slog.Logger, r *models.PredictionResult, crop image.Image) {
	pred, err := p.predictor.Predict(ctx, crop)
	switch {
	case err != nil:
		err = pipelineerr.Wrap(pipelineerr.ErrPrediction, fmt.Sprintf("page %d segment %d", r.Page, r.Seq), err)
		logCtx.Warn("Prediction failed.", "page", r.Page, "seq", r.Seq, "error", err)
		r.AddHistoryAt(models.StepPrediction, models.StatusFailed, err.Error(), p.now())
		return
	case pred == nil:
		r.AddHistoryAt(models.StepPrediction, models.StatusFailed, "Predictor returned no output", p.now())
		return
	}

	score := p.aggregator.Aggregate(pred.Value, pred.Tokens)
	r.SetPrediction(pred.Value, score)
	status := models.StatusSuccess
	if score < p.config.LowConfidenceThreshold {
		status = models.StatusLowConfidence
	}
	r.AddHistoryAt(models.StepPrediction, status, fmt.Sprintf("Predicted %s with confidence %.2f", pred.Value, *r.Confidence), p.now())
}

// persist stores crops, the result batch and the document. It reports
// whether the document was committed.
func (p *StructurePipeline) persist(ctx context.Context, logCtx *slog.Logger, batch hooks.Batch) (bool, error) {
	doc := batch.Document
	if p.crops != nil {
		for _, r := range batch.Results {
			object := fmt.Sprintf("crops/%s/%d/%04d.png", doc.ID, doc.RunID, r.Seq)
			uri, err := p.crops.Put(ctx, object, "image/png", r.SegmentedImage)
			if err != nil {
				logCtx.Warn("Failed to upload crop, keeping it inline only.", "gcsObject", object, "error", err)
				continue
			}
			r.ImageURI = uri
		}
	}

	if err := p.store.ReplaceRunResults(ctx, doc.ID, doc.RunID, batch.Results); err != nil {
		err = pipelineerr.Wrap(pipelineerr.ErrPersistence, "save results", err)
		if _, ferr := p.resolver.Fail(ctx, doc, err.Error()); ferr != nil {
			logCtx.Error("CRITICAL: Failed to record failed run after a persistence error.", "updateError", ferr)
		}
		return false, err
	}
	if _, err := p.resolver.Commit(ctx, doc); err != nil {
		logCtx.Error("Failed to commit run after saving its results.", "error", err)
		if _, ferr := p.resolver.Fail(ctx, doc, err.Error()); ferr != nil {
			logCtx.Error("CRITICAL: Failed to record failed run after a commit error.", "updateError", ferr)
		}
		return false, err
	}
	logCtx.Info("Run persisted.", "resultCount", len(batch.Results))
	return true, nil
}

func (p *StructurePipeline) handleError(ctx context.Context, logCtx *slog.Logger, doc *models.Document, message string, originalErr error) *models.StructurePredictionResponse {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if _, err := p.resolver.Fail(ctx, doc, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to record failed run after a processing error.", "updateError", err)
	}
	return aborted(doc, errors.New(fullError))
}

func aborted(doc *models.Document, err error) *models.StructurePredictionResponse {
	resp := respond(models.OutcomeAborted, doc, nil)
	resp.Reason = err.Error()
	return resp
}

func respond(status string, doc *models.Document, results []*models.PredictionResult) *models.StructurePredictionResponse {
	resp := &models.StructurePredictionResponse{
		Status:  status,
		Results: models.SerializeResults(results),
	}
	if doc != nil {
		resp.DocumentID = doc.ID
		resp.RunID = doc.RunID
	}
	return resp
}

func documentChanged(before, after *models.Document) bool {
	return !slices.Equal(before.Tags, after.Tags) ||
		!slices.Equal(before.MoleculeTags, after.MoleculeTags) ||
		!slices.Equal(before.RegistryMoleculeIDs, after.RegistryMoleculeIDs) ||
		before.Title != after.Title ||
		before.Author != after.Author
}

func calculateFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
