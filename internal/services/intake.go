package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	executions "cloud.google.com/go/workflows/executions/apiv1"

	"github.com/Lllllllleong/structureflow/internal/gcp"
	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/taskqueue"
)

// IntakeConfig holds all configuration for the intake function.
type IntakeConfig struct {
	ProjectID        string
	WorkflowID       string
	WorkflowLocation string
	// Extensions lists the object suffixes that are submitted. Matching is
	// case-insensitive.
	Extensions []string
}

// TaskSubmitter starts a pipeline task.
type TaskSubmitter interface {
	Submit(ctx context.Context, req models.StructurePredictionRequest) (string, error)
}

// IntakeFunction turns storage upload events into pipeline tasks.
type IntakeFunction struct {
	queue  TaskSubmitter
	config IntakeConfig
}

// GCSEvent is the payload of a storage object finalize event.
type GCSEvent struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata"`
}

// NewIntake creates the production intake function from the environment.
func NewIntake(ctx context.Context) (*IntakeFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}

	config := IntakeConfig{
		ProjectID:        projectID,
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", "structure-pipeline"),
		Extensions:       strings.Split(gcp.GetEnv("INTAKE_EXTENSIONS", ".pdf"), ","),
	}

	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	queue := taskqueue.NewWorkflowQueue(executionsClient, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
	slog.Info("Intake logic initialized.", "workflowId", config.WorkflowID)
	return NewIntakeWithQueue(queue, config), nil
}

// NewIntakeWithQueue wires an intake function to an existing submitter.
func NewIntakeWithQueue(queue TaskSubmitter, config IntakeConfig) *IntakeFunction {
	if len(config.Extensions) == 0 {
		config.Extensions = []string{".pdf"}
	}
	return &IntakeFunction{queue: queue, config: config}
}

// Process submits one task for an uploaded document. Objects that are not
// documents are ignored. The returned task ID is empty when nothing was
// submitted.
func (f *IntakeFunction) Process(ctx context.Context, e GCSEvent) (string, error) {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	logCtx.Info("Processing new GCS object.")

	if e.Bucket == "" || e.Name == "" || strings.HasSuffix(e.Name, "/") {
		logCtx.Info("Event does not name an object, skipping.")
		return "", nil
	}
	if !f.accepts(e) {
		logCtx.Info("Object is not a supported document, skipping.", "contentType", e.ContentType)
		return "", nil
	}

	req := models.StructurePredictionRequest{
		FileLocation: fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name),
		ExtPath:      e.Metadata["ext_path"],
		Title:        e.Metadata["title"],
		Author:       e.Metadata["author"],
		CreatedBy:    e.Metadata["created_by"],
	}
	if req.Title == "" {
		req.Title = strings.TrimSuffix(path.Base(e.Name), path.Ext(e.Name))
	}

	taskID, err := f.queue.Submit(ctx, req)
	if err != nil {
		logCtx.Error("Failed to submit structure pipeline task.", "error", err)
		return "", err
	}
	logCtx.Info("Hand-off to workflow complete.", "taskId", taskID)
	return taskID, nil
}

func (f *IntakeFunction) accepts(e GCSEvent) bool {
	ext := strings.ToLower(path.Ext(e.Name))
	for _, want := range f.config.Extensions {
		if strings.EqualFold(strings.TrimSpace(want), ext) {
			return true
		}
	}
	return e.ContentType == "application/pdf"
}

// TaskStatusFunction reports the state of submitted tasks.
type TaskStatusFunction struct {
	queue *taskqueue.WorkflowQueue
}

// NewTaskStatus creates the production task-status function from the
// environment.
func NewTaskStatus(ctx context.Context) (*TaskStatusFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return NewTaskStatusWithQueue(taskqueue.NewWorkflowQueue(executionsClient, projectID,
		gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		gcp.GetEnv("WORKFLOW_ID", "structure-pipeline"))), nil
}

func NewTaskStatusWithQueue(queue *taskqueue.WorkflowQueue) *TaskStatusFunction {
	return &TaskStatusFunction{queue: queue}
}

// Process looks up taskID.
func (f *TaskStatusFunction) Process(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task ID must be provided")
	}
	status, err := f.queue.Status(ctx, taskID)
	if err != nil {
		slog.Error("Failed to look up task.", "taskId", taskID, "error", err)
		return nil, err
	}
	return status, nil
}
