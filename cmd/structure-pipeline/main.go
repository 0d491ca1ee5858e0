package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/services"
)

var (
	pipelineInstance *services.StructurePipeline
	once             sync.Once
	initErr          error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandlePredictStructures", handlePredictStructures)
}

func main() {}

// handlePredictStructures runs one pipeline task posted by the workflow.
func handlePredictStructures(w http.ResponseWriter, r *http.Request) {
	// Clients live for the lifetime of the instance.
	once.Do(func() {
		pipelineInstance, _, initErr = services.NewStructurePipelineFromEnv(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Structure pipeline initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.StructurePredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.FileLocation == "" {
		http.Error(w, "Bad Request: fileLocation is required", http.StatusBadRequest)
		return
	}

	res, err := pipelineInstance.Process(r.Context(), &req)
	if err != nil {
		// The workflow retries on 5xx.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "documentId", res.DocumentID)
	}
}
