package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Lllllllleong/structureflow/internal/models"
)

type fakeExecutions struct {
	created *executionspb.CreateExecutionRequest
	exec    *executionspb.Execution
	err     error
}

func (f *fakeExecutions) CreateExecution(_ context.Context, req *executionspb.CreateExecutionRequest, _ ...gax.CallOption) (*executionspb.Execution, error) {
	f.created = req
	if f.err != nil {
		return nil, f.err
	}
	return &executionspb.Execution{Name: req.Parent + "/executions/abc123"}, nil
}

func (f *fakeExecutions) GetExecution(_ context.Context, req *executionspb.GetExecutionRequest, _ ...gax.CallOption) (*executionspb.Execution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.exec, nil
}

func TestSubmit(t *testing.T) {
	fake := &fakeExecutions{}
	q := NewWorkflowQueue(fake, "proj", "us-central1", "structure-pipeline")

	id, err := q.Submit(context.Background(), models.StructurePredictionRequest{FileLocation: "gs://uploads/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "projects/proj/locations/us-central1/workflows/structure-pipeline/executions/abc123", id)

	var arg models.StructurePredictionRequest
	require.NoError(t, json.Unmarshal([]byte(fake.created.Execution.Argument), &arg))
	assert.Equal(t, "gs://uploads/a.pdf", arg.FileLocation)

	fake.err = errors.New("quota")
	_, err = q.Submit(context.Background(), models.StructurePredictionRequest{})
	assert.Error(t, err)
}

func TestStatusFromExecution(t *testing.T) {
	result, err := json.Marshal(models.StructurePredictionResponse{Status: models.OutcomeCompleted, DocumentID: "doc-1", RunID: 2})
	require.NoError(t, err)

	cases := []struct {
		name  string
		exec  *executionspb.Execution
		state string
		err   string
	}{
		{"queued", &executionspb.Execution{State: executionspb.Execution_QUEUED}, StatePending, ""},
		{"active", &executionspb.Execution{State: executionspb.Execution_ACTIVE}, StateRunning, ""},
		{"failed", &executionspb.Execution{State: executionspb.Execution_FAILED, Error: &executionspb.Execution_Error{Payload: "HTTP 500"}}, StateFailed, "HTTP 500"},
		{"failed without payload", &executionspb.Execution{State: executionspb.Execution_FAILED}, StateFailed, "workflow execution failed"},
		{"cancelled", &executionspb.Execution{State: executionspb.Execution_CANCELLED}, StateFailed, "workflow execution cancelled"},
		{"bad result", &executionspb.Execution{State: executionspb.Execution_SUCCEEDED, Result: "not json"}, StateFailed, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := statusFromExecution(tc.exec)
			assert.Equal(t, tc.state, got.State)
			if tc.err != "" {
				assert.Equal(t, tc.err, got.Error)
			}
		})
	}

	ok := statusFromExecution(&executionspb.Execution{Name: "e1", State: executionspb.Execution_SUCCEEDED, Result: string(result)})
	assert.Equal(t, StateSucceeded, ok.State)
	require.NotNil(t, ok.Result)
	assert.Equal(t, "doc-1", ok.Result.DocumentID)
	assert.Equal(t, 2, ok.Result.RunID)
}

func TestStatus_LookupError(t *testing.T) {
	q := NewWorkflowQueue(&fakeExecutions{err: errors.New("not found")}, "p", "l", "w")
	_, err := q.Status(context.Background(), "projects/p/locations/l/workflows/w/executions/missing")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownTask)
}

func TestStatus_RejectsForeignExecutions(t *testing.T) {
	fake := &fakeExecutions{exec: &executionspb.Execution{State: executionspb.Execution_ACTIVE}}
	q := NewWorkflowQueue(fake, "p", "l", "w")

	got, err := q.Status(context.Background(), "projects/p/locations/l/workflows/w/executions/e1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)

	for _, name := range []string{
		"missing",
		"executions/e1",
		"projects/p/locations/l/workflows/other/executions/e1",
		"projects/p/locations/l/workflows/w/executions/",
		"projects/p/locations/l/workflows/w/executions/e1/steps",
		"projects/p/locations/l/workflows/w2/executions/e1",
	} {
		_, err := q.Status(context.Background(), name)
		assert.ErrorIs(t, err, ErrUnknownTask, name)
	}
}

// The deployed workflow forwards its own execution name to the worker as
// taskId, in the form Status accepts.
func TestWorkflowDefinition_ForwardsTaskID(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "workflows", "structure-pipeline.yaml"))
	require.NoError(t, err)

	var def struct {
		Main struct {
			Steps []map[string]struct {
				Assign []map[string]string `yaml:"assign"`
				Try    struct {
					Args struct {
						Body string `yaml:"body"`
					} `yaml:"args"`
				} `yaml:"try"`
			} `yaml:"steps"`
		} `yaml:"main"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &def))

	assigned := map[string]string{}
	var body string
	for _, step := range def.Main.Steps {
		for _, s := range step {
			for _, a := range s.Assign {
				for k, v := range a {
					assigned[k] = v
				}
			}
			if s.Try.Args.Body != "" {
				body = s.Try.Args.Body
			}
		}
	}

	taskID := assigned["task_id"]
	assert.Contains(t, taskID, `"/workflows/"`)
	assert.Contains(t, taskID, `"/executions/" + sys.get_env("GOOGLE_CLOUD_WORKFLOW_EXECUTION_ID")`)
	assert.Contains(t, assigned["request"], `"taskId": task_id`)
	assert.Equal(t, "${request}", body)
}
