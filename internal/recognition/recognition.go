// Package recognition holds clients for the external segmentation and
// structure-recognition services.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Lllllllleong/structureflow/internal/confidence"
)

// Segmenter finds diagram-like sub-images on a page raster.
type Segmenter interface {
	Segment(ctx context.Context, page image.Image) ([]image.Image, error)
}

// Prediction is a predictor's output for one crop.
type Prediction struct {
	Value  string                       `json:"value"`
	Tokens []confidence.TokenConfidence `json:"tokens"`
}

// Predictor recognizes the structure drawn in a crop. A nil Prediction with a
// nil error means the model produced no output.
type Predictor interface {
	Predict(ctx context.Context, crop image.Image) (*Prediction, error)
}

// HTTPSegmenter calls a segmentation sidecar that accepts a PNG page and
// returns base64 PNG crops.
type HTTPSegmenter struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSegmenter creates a new HTTPSegmenter.
func NewHTTPSegmenter(url string) *HTTPSegmenter {
	return &HTTPSegmenter{url: strings.TrimRight(url, "/"), httpClient: &http.Client{Timeout: 2 * time.Minute}}
}

type segmentResponse struct {
	Crops [][]byte `json:"crops"`
}

// Segment returns the crops found on page, possibly none.
func (c *HTTPSegmenter) Segment(ctx context.Context, page image.Image) ([]image.Image, error) {
	var out segmentResponse
	if err := postPNG(ctx, c.httpClient, c.url+"/segment", page, &out); err != nil {
		return nil, err
	}
	crops := make([]image.Image, 0, len(out.Crops))
	for i, raw := range out.Crops {
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode crop %d: %w", i, err)
		}
		crops = append(crops, img)
	}
	return crops, nil
}

// HTTPPredictor calls a recognition sidecar that accepts a PNG crop and
// returns the predicted string with per-token confidences.
type HTTPPredictor struct {
	url        string
	httpClient *http.Client
}

// NewHTTPPredictor creates a new HTTPPredictor.
func NewHTTPPredictor(url string) *HTTPPredictor {
	return &HTTPPredictor{url: strings.TrimRight(url, "/"), httpClient: &http.Client{Timeout: time.Minute}}
}

// Predict returns nil when the model has no answer for crop.
func (c *HTTPPredictor) Predict(ctx context.Context, crop image.Image) (*Prediction, error) {
	var out Prediction
	if err := postPNG(ctx, c.httpClient, c.url+"/predict", crop, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Value) == "" {
		return nil, nil
	}
	return &out, nil
}

func postPNG(ctx context.Context, hc *http.Client, url string, img image.Image, dst any) error {
	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status code %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
