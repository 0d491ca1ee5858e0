package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/structureflow/internal/gcp"
	"github.com/Lllllllleong/structureflow/internal/hooks"
	"github.com/Lllllllleong/structureflow/internal/hooks/enrichment"
	"github.com/Lllllllleong/structureflow/internal/loader"
	"github.com/Lllllllleong/structureflow/internal/pipelineerr"
	"github.com/Lllllllleong/structureflow/internal/recognition"
	"github.com/Lllllllleong/structureflow/internal/refregistry"
	"github.com/Lllllllleong/structureflow/internal/store"
	storefs "github.com/Lllllllleong/structureflow/internal/store/firestore"
	"github.com/Lllllllleong/structureflow/internal/store/sqlite"
)

// Backend selectors.
const (
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"

	PredictorHTTP   = "http"
	PredictorVertex = "vertex"
)

// EnvConfig is everything NewStructurePipelineFromEnv reads from the
// environment.
type EnvConfig struct {
	ProjectID          string
	FirestoreDatabase  string
	DocumentCollection string
	ResultCollection   string
	StoreBackend       string
	SQLitePath         string
	SegmenterURL       string
	PredictorBackend   string
	PredictorURL       string
	VertexRegion       string
	VertexModel        string
	RegistryURL        string
	CropBucket         string
	HookManifest       string
	Pipeline           StructurePipelineConfig
}

// LoadEnvConfig reads and validates the environment.
func LoadEnvConfig() (EnvConfig, error) {
	cfg := EnvConfig{
		ProjectID:          gcp.GetEnv("PROJECT_ID", ""),
		FirestoreDatabase:  gcp.GetEnv("FIRESTORE_DATABASE", ""),
		DocumentCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "documents"),
		ResultCollection:   gcp.GetEnv("RESULTS_COLLECTION", "prediction_results"),
		StoreBackend:       gcp.GetEnv("STORE_BACKEND", StoreFirestore),
		SQLitePath:         gcp.GetEnv("SQLITE_PATH", "structureflow.db"),
		SegmenterURL:       gcp.GetEnv("SEGMENTER_URL", ""),
		PredictorBackend:   gcp.GetEnv("PREDICTOR_BACKEND", PredictorHTTP),
		PredictorURL:       gcp.GetEnv("PREDICTOR_URL", ""),
		VertexRegion:       gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		VertexModel:        gcp.GetEnv("VERTEX_MODEL", ""),
		RegistryURL:        gcp.GetEnv("REGISTRY_URL", ""),
		CropBucket:         gcp.GetEnv("CROP_BUCKET", ""),
		HookManifest:       gcp.GetEnv("HOOK_MANIFEST", ""),
		Pipeline:           DefaultStructurePipelineConfig(),
	}

	var errs []error
	p := &cfg.Pipeline
	var err error
	if p.LowConfidenceThreshold, err = gcp.GetEnvFloat("LOW_CONFIDENCE_THRESHOLD", p.LowConfidenceThreshold); err != nil {
		errs = append(errs, err)
	}
	if p.PredictConcurrency, err = gcp.GetEnvInt("PREDICT_CONCURRENCY", p.PredictConcurrency); err != nil {
		errs = append(errs, err)
	}
	if p.LeaseTTL, err = gcp.GetEnvDuration("RUN_LEASE_TTL", p.LeaseTTL); err != nil {
		errs = append(errs, err)
	}
	p.ConfidenceStrategy = gcp.GetEnv("CONFIDENCE_STRATEGY", p.ConfidenceStrategy)
	p.PersistFailurePolicy = gcp.GetEnv("PERSIST_FAILURE_POLICY", p.PersistFailurePolicy)
	if types := gcp.GetEnv("SUPPORTED_TYPES", ""); types != "" {
		p.SupportedTypes = strings.Split(types, ",")
	}

	switch cfg.StoreBackend {
	case StoreFirestore:
		if cfg.ProjectID == "" {
			errs = append(errs, errors.New("PROJECT_ID must be set for the firestore store"))
		}
	case StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND=%q is not one of firestore, sqlite", cfg.StoreBackend))
	}
	if cfg.SegmenterURL == "" {
		errs = append(errs, errors.New("SEGMENTER_URL must be set"))
	}
	switch cfg.PredictorBackend {
	case PredictorHTTP:
		if cfg.PredictorURL == "" {
			errs = append(errs, errors.New("PREDICTOR_URL must be set for the http predictor"))
		}
	case PredictorVertex:
		if cfg.ProjectID == "" {
			errs = append(errs, errors.New("PROJECT_ID must be set for the vertex predictor"))
		}
	default:
		errs = append(errs, fmt.Errorf("PREDICTOR_BACKEND=%q is not one of http, vertex", cfg.PredictorBackend))
	}

	if err := errors.Join(errs...); err != nil {
		return EnvConfig{}, pipelineerr.Wrap(pipelineerr.ErrConfiguration, "invalid environment", err)
	}
	return cfg, nil
}

// NewStructurePipelineFromEnv builds the production pipeline. The returned
// close function releases every client it opened.
func NewStructurePipelineFromEnv(ctx context.Context) (*StructurePipeline, func(), error) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		return nil, nil, err
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*StructurePipeline, func(), error) {
		closeAll()
		return nil, nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() { _ = st.Close() })

	var predictor recognition.Predictor
	switch cfg.PredictorBackend {
	case PredictorVertex:
		vc, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexRegion, cfg.VertexModel)
		if err != nil {
			return fail(fmt.Errorf("failed to create Vertex AI client: %w", err))
		}
		closers = append(closers, func() { _ = vc.Close() })
		predictor = recognition.NewVertexPredictor(vc)
	default:
		predictor = recognition.NewHTTPPredictor(cfg.PredictorURL)
	}

	registry, err := buildHooks(cfg)
	if err != nil {
		return fail(err)
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to create Storage client: %w", err))
	}
	closers = append(closers, func() { _ = storageClient.Close() })

	deps := StructurePipelineDeps{
		Store:     st,
		Loader:    loader.NewPDFLoader(),
		Segmenter: recognition.NewHTTPSegmenter(cfg.SegmenterURL),
		Predictor: predictor,
		Hooks:     registry,
		Fetcher:   gcp.NewObjectFetcher(storageClient),
	}
	if cfg.CropBucket != "" {
		deps.Crops = gcp.NewBucketWriter(storageClient, cfg.CropBucket)
	}

	p, err := NewStructurePipeline(cfg.Pipeline, deps)
	if err != nil {
		return fail(err)
	}
	slog.Info("Structure pipeline initialized.",
		"store", cfg.StoreBackend,
		"predictor", cfg.PredictorBackend,
		"searchHooks", registry.Bound(cfg.Pipeline.SearchPoint),
		"postHooks", registry.Bound(cfg.Pipeline.PostPoint))
	return p, closeAll, nil
}

func openStore(ctx context.Context, cfg EnvConfig) (store.Store, error) {
	if cfg.StoreBackend == StoreSQLite {
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
	client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.FirestoreDatabase)
	if err != nil {
		return nil, err
	}
	return storefs.New(client, cfg.DocumentCollection, cfg.ResultCollection), nil
}

// buildHooks loads the manifest. Without a registry URL the built-in hooks
// have nothing to call, so only a custom manifest is honoured.
func buildHooks(cfg EnvConfig) (*hooks.Registry, error) {
	if cfg.RegistryURL == "" && cfg.HookManifest == "" {
		slog.Warn("REGISTRY_URL not set, running without enrichment hooks.")
		return hooks.Empty(), nil
	}
	manifest, err := hooks.LoadManifest(cfg.HookManifest)
	if err != nil {
		return nil, err
	}
	catalog := hooks.Catalog{}
	if cfg.RegistryURL != "" {
		catalog = enrichment.Catalog(refregistry.NewClient(cfg.RegistryURL))
	}
	return manifest.Build(catalog)
}
