package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Structure Recognition Model Prompts ---
const StructureSystemPrompt = "You are a chemical structure recognition tool. You read a single image of a hand-drawn or printed chemical structure diagram and transcribe it as a SMILES string. You must output your response as a valid JSON object."
const StructureUserPrompt = `You will be provided with one cropped image containing a chemical structure diagram.

Follow these rules precisely:
1.  Transcribe the structure as a canonical SMILES string.
2.  Split the SMILES string into tokens (atoms, bonds, ring closures, branches) and give your confidence for each token as a number between 0 and 1.
3.  If the image does not contain a recognizable chemical structure, return an empty "value" and an empty "tokens" array.
4.  The final output MUST be a single JSON object with exactly two keys. Do not include any text before or after it.

Example output format:
{
  "value": "CCO",
  "tokens": [
    {"token": "C", "confidence": 0.98},
    {"token": "C", "confidence": 0.97},
    {"token": "O", "confidence": 0.91}
  ]
}`

// VertexClient holds the pre-configured generative models for our app.
type VertexClient struct {
	StructureModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-1.5-pro"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	structureModel := baseClient.GenerativeModel(modelName)
	structureModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(StructureSystemPrompt)},
	}
	structureModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		StructureModel: structureModel,
		baseClient:     baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
