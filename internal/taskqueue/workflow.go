// Package taskqueue submits pipeline tasks as Cloud Workflows executions and
// reports their state.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"

	"github.com/Lllllllleong/structureflow/internal/models"
)

// Task states reported by Status.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// ErrUnknownTask is returned by Status for names outside this queue's workflow.
var ErrUnknownTask = errors.New("unknown task")

// ExecutionsAPI is the subset of the Workflows executions client in use.
type ExecutionsAPI interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
	GetExecution(ctx context.Context, req *executionspb.GetExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowQueue starts one workflow execution per document. The execution
// name is the task identifier.
type WorkflowQueue struct {
	client ExecutionsAPI
	parent string
}

// NewWorkflowQueue targets projects/{project}/locations/{location}/workflows/{workflow}.
func NewWorkflowQueue(client ExecutionsAPI, projectID, location, workflowID string) *WorkflowQueue {
	return &WorkflowQueue{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}
}

// Submit starts an execution for req and returns its name without waiting.
func (q *WorkflowQueue) Submit(ctx context.Context, req models.StructurePredictionRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	exec, err := q.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    q.parent,
		Execution: &executionspb.Execution{Argument: string(payload)},
	})
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}

// Status looks up the execution named taskID, which must be one of this
// queue's workflow executions.
func (q *WorkflowQueue) Status(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	if !q.owns(taskID) {
		return nil, fmt.Errorf("%q is not an execution of %s: %w", taskID, q.parent, ErrUnknownTask)
	}
	exec, err := q.client.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: taskID})
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow execution %s: %w", taskID, err)
	}
	return statusFromExecution(exec), nil
}

func (q *WorkflowQueue) owns(taskID string) bool {
	id, ok := strings.CutPrefix(taskID, q.parent+"/executions/")
	return ok && id != "" && !strings.Contains(id, "/")
}

func statusFromExecution(exec *executionspb.Execution) *models.TaskStatusResponse {
	out := &models.TaskStatusResponse{TaskID: exec.GetName()}
	switch exec.GetState() {
	case executionspb.Execution_QUEUED, executionspb.Execution_STATE_UNSPECIFIED:
		out.State = StatePending
	case executionspb.Execution_ACTIVE, executionspb.Execution_UNAVAILABLE:
		out.State = StateRunning
	case executionspb.Execution_SUCCEEDED:
		out.State = StateSucceeded
		var res models.StructurePredictionResponse
		if err := json.Unmarshal([]byte(exec.GetResult()), &res); err != nil {
			out.State = StateFailed
			out.Error = fmt.Sprintf("workflow result is not a pipeline response: %v", err)
			return out
		}
		out.Result = &res
	case executionspb.Execution_FAILED:
		out.State = StateFailed
		out.Error = exec.GetError().GetPayload()
		if out.Error == "" {
			out.Error = "workflow execution failed"
		}
	case executionspb.Execution_CANCELLED:
		out.State = StateFailed
		out.Error = "workflow execution cancelled"
	default:
		out.State = StatePending
	}
	return out
}
