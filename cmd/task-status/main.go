package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/structureflow/internal/services"
)

var (
	statusInstance *services.TaskStatusFunction
	once           sync.Once
	initErr        error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleTaskStatus", handleTaskStatus)
}

func main() {}

// handleTaskStatus answers GET ?taskId=<execution name>.
func handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		statusInstance, initErr = services.NewTaskStatus(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Task status initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		http.Error(w, "Bad Request: taskId is required", http.StatusBadRequest)
		return
	}

	res, err := statusInstance.Process(r.Context(), taskID)
	if err != nil {
		http.Error(w, "Not Found: unknown task", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "taskId", taskID)
	}
}
