package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/structureflow/internal/gcp"
)

// VertexPredictor asks a Gemini model to transcribe a crop.
type VertexPredictor struct {
	model *genai.GenerativeModel
}

func NewVertexPredictor(vc *gcp.VertexClient) *VertexPredictor {
	return &VertexPredictor{model: vc.StructureModel}
}

func (p *VertexPredictor) Predict(ctx context.Context, crop image.Image) (*Prediction, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}

	resp, err := p.model.GenerateContent(ctx, genai.ImageData("png", buf.Bytes()), genai.Text(gcp.StructureUserPrompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return parsePrediction(responseText(resp))
}

// responseText concatenates the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return sb.String()
}

// parsePrediction decodes the model's JSON answer, tolerating a fenced code
// block around it. An empty value means no prediction.
func parsePrediction(raw string) (*Prediction, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var out Prediction
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to decode gemini response: %w", err)
	}
	if strings.TrimSpace(out.Value) == "" {
		return nil, nil
	}
	return &out, nil
}
