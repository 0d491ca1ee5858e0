// Command structure-cli runs the structure pipeline on a local file against a
// SQLite store and prints the response as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/Lllllllleong/structureflow/internal/hooks"
	"github.com/Lllllllleong/structureflow/internal/hooks/enrichment"
	"github.com/Lllllllleong/structureflow/internal/loader"
	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/recognition"
	"github.com/Lllllllleong/structureflow/internal/refregistry"
	"github.com/Lllllllleong/structureflow/internal/services"
	"github.com/Lllllllleong/structureflow/internal/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "structure-cli:", err)
		os.Exit(1)
	}
}

func run() error {
	defaults := services.DefaultStructurePipelineConfig()
	var (
		dbPath       = flag.String("db", "structureflow.db", "SQLite database path")
		segmenterURL = flag.String("segmenter", "http://localhost:8081", "segmentation service base URL")
		predictorURL = flag.String("predictor", "http://localhost:8082", "prediction service base URL")
		registryURL  = flag.String("registry", "", "reference registry base URL; empty disables enrichment")
		manifest     = flag.String("hooks", "", "hook manifest YAML; empty uses the built-in manifest")
		strategy     = flag.String("strategy", defaults.ConfidenceStrategy, "confidence strategy")
		threshold    = flag.Float64("threshold", defaults.LowConfidenceThreshold, "low-confidence threshold")
		concurrency  = flag.Int("concurrency", defaults.PredictConcurrency, "concurrent predictions")
		policy       = flag.String("persist-policy", defaults.PersistFailurePolicy, "best-effort or fail-fast")
		title        = flag.String("title", "", "document title")
		author       = flag.String("author", "", "document author")
		verbose      = flag.Bool("v", false, "debug logging")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: structure-cli [flags] <file.pdf>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("expected one input file")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := sqlite.Open(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := hooks.Empty()
	if *registryURL != "" || *manifest != "" {
		m, err := hooks.LoadManifest(*manifest)
		if err != nil {
			return err
		}
		catalog := hooks.Catalog{}
		if *registryURL != "" {
			catalog = enrichment.Catalog(refregistry.NewClient(*registryURL))
		}
		if registry, err = m.Build(catalog); err != nil {
			return err
		}
	}

	cfg := defaults
	cfg.ConfidenceStrategy = *strategy
	cfg.LowConfidenceThreshold = *threshold
	cfg.PredictConcurrency = *concurrency
	cfg.PersistFailurePolicy = *policy

	p, err := services.NewStructurePipeline(cfg, services.StructurePipelineDeps{
		Store:     st,
		Loader:    loader.NewPDFLoader(),
		Segmenter: recognition.NewHTTPSegmenter(*segmenterURL),
		Predictor: recognition.NewHTTPPredictor(*predictorURL),
		Hooks:     registry,
	})
	if err != nil {
		return err
	}

	res, err := p.Process(ctx, &models.StructurePredictionRequest{
		FileLocation: flag.Arg(0),
		Title:        *title,
		Author:       *author,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
