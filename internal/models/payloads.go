package models

// These structs define the JSON payloads exchanged between the intake
// function, the Cloud Workflow and the structure-pipeline worker.

// Run outcomes reported on a StructurePredictionResponse.
const (
	OutcomeCompleted      = "completed"
	OutcomeShortCircuited = "short_circuited"
	OutcomeInProgress     = "in_progress"
	OutcomeAborted        = "aborted"
	OutcomePersistFailed  = "persist_failed"
)

// StructurePredictionRequest is the input for the structure-pipeline worker.
type StructurePredictionRequest struct {
	// FileLocation is a local path or a gs://bucket/object URI.
	FileLocation string `json:"fileLocation"`
	ExtPath      string `json:"extPath,omitempty"`
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
	CreatedBy    string `json:"createdBy,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

// StructurePredictionResponse is the output of the structure-pipeline worker.
type StructurePredictionResponse struct {
	Status     string             `json:"status"`
	Reason     string             `json:"reason,omitempty"`
	DocumentID string             `json:"documentId,omitempty"`
	RunID      int                `json:"runId"`
	Results    []SerializedResult `json:"results"`
}

// TaskStatusResponse is the output of the task-status function.
type TaskStatusResponse struct {
	TaskID string                       `json:"taskId"`
	State  string                       `json:"state"`
	Result *StructurePredictionResponse `json:"result,omitempty"`
	Error  string                       `json:"error,omitempty"`
}
