package models

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"math"
	"slices"
	"time"
)

// History entry statuses.
const (
	StatusSuccess       = "Success"
	StatusFailed        = "Failed"
	StatusLowConfidence = "Low confidence"
)

// Pipeline steps recorded in a result's history.
const (
	StepSegmentation   = "Segmentation"
	StepPrediction     = "Prediction"
	StepRegistrySearch = "Registry Search"
)

// PipelineHistoryEntry is one immutable audit record on a PredictionResult.
type PipelineHistoryEntry struct {
	Step      string    `firestore:"step" json:"step"`
	Timestamp time.Time `firestore:"timestamp" json:"timestamp"`
	Status    string    `firestore:"status" json:"status"`
	Details   *string   `firestore:"details" json:"details"`
}

// PredictionResult is the outcome for one segmented sub-image within one run.
type PredictionResult struct {
	ID         string `firestore:"id" json:"id"`
	DocumentID string `firestore:"document_id" json:"document_id"`
	RunID      int    `firestore:"run_id" json:"run_id"`
	Seq        int    `firestore:"seq" json:"seq"`
	FilePath   string `firestore:"file_path" json:"file_path"`
	Page       int    `firestore:"page" json:"page"`

	// SegmentedImage holds the crop as PNG bytes.
	SegmentedImage []byte `firestore:"segmented_image" json:"-"`
	ImageURI       string `firestore:"image_uri,omitempty" json:"image_uri,omitempty"`

	PredictedValue       *string  `firestore:"predicted_value" json:"predicted_value"`
	Confidence           *float64 `firestore:"confidence" json:"confidence"`
	RegistryMoleculeID   *string  `firestore:"registry_molecule_id" json:"registry_molecule_id"`
	RegistryMoleculeName *string  `firestore:"registry_molecule_name" json:"registry_molecule_name"`

	History []PipelineHistoryEntry `firestore:"history" json:"history"`
	RunDate time.Time              `firestore:"run_date" json:"run_date"`
}

// NewSegmentResult builds the shell for one crop and records the
// Segmentation entry.
// ResultID names the result at seq within one run of a document. A retried
// run reuses the same IDs, so storing it again overwrites instead of adding.
func ResultID(documentID string, runID, seq int) string {
	return fmt.Sprintf("%s-r%d-%04d", documentID, runID, seq)
}

func NewSegmentResult(doc *Document, page int, crop image.Image, now time.Time) (*PredictionResult, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return nil, fmt.Errorf("encode crop for page %d: %w", page, err)
	}
	r := &PredictionResult{
		DocumentID:     doc.ID,
		RunID:          doc.RunID,
		FilePath:       doc.FilePath,
		Page:           page,
		SegmentedImage: buf.Bytes(),
		RunDate:        now,
	}
	r.AddHistoryAt(StepSegmentation, StatusSuccess, "Segmented image extracted", now)
	return r, nil
}

// AddHistory appends an entry stamped with the current UTC time.
func (r *PredictionResult) AddHistory(step, status, details string) {
	r.AddHistoryAt(step, status, details, time.Now())
}

// AddHistoryAt appends an entry stamped with at. The stored timestamp never
// precedes the previous entry, so the log stays ordered even if the clock
// steps backwards.
func (r *PredictionResult) AddHistoryAt(step, status, details string, at time.Time) {
	at = at.UTC()
	if n := len(r.History); n > 0 && at.Before(r.History[n-1].Timestamp) {
		at = r.History[n-1].Timestamp
	}
	e := PipelineHistoryEntry{Step: step, Timestamp: at, Status: status}
	if details != "" {
		e.Details = &details
	}
	r.History = append(r.History, e)
}

// SetPrediction stores the predicted value and a confidence rounded to two
// decimal places.
func (r *PredictionResult) SetPrediction(value string, confidence float64) {
	c := math.Round(confidence*100) / 100
	r.PredictedValue = &value
	r.Confidence = &c
}

// SetRegistryMatch links the result to a reference registry entry.
func (r *PredictionResult) SetRegistryMatch(id, name string) {
	r.RegistryMoleculeID = &id
	r.RegistryMoleculeName = &name
}

// Clone returns a deep copy of r. History entries are values and are copied
// with the slice.
func (r *PredictionResult) Clone() *PredictionResult {
	if r == nil {
		return nil
	}
	c := *r
	c.SegmentedImage = slices.Clone(r.SegmentedImage)
	c.PredictedValue = clonePtr(r.PredictedValue)
	c.Confidence = clonePtr(r.Confidence)
	c.RegistryMoleculeID = clonePtr(r.RegistryMoleculeID)
	c.RegistryMoleculeName = clonePtr(r.RegistryMoleculeName)
	c.History = slices.Clone(r.History)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SerializedHistoryEntry is the portable form of a history entry.
type SerializedHistoryEntry struct {
	Step      string  `json:"step"`
	Timestamp string  `json:"timestamp"`
	Status    string  `json:"status"`
	Details   *string `json:"details"`
}

// SerializedResult is the portable form of a PredictionResult returned to
// task callers.
type SerializedResult struct {
	ID                   string                   `json:"id"`
	DocumentID           string                   `json:"document_id"`
	RunID                int                      `json:"run_id"`
	Seq                  int                      `json:"seq"`
	FilePath             string                   `json:"file_path"`
	Page                 int                      `json:"page"`
	SegmentedImage       string                   `json:"segmented_image"`
	ImageURI             string                   `json:"image_uri,omitempty"`
	PredictedValue       *string                  `json:"predicted_value"`
	Confidence           *float64                 `json:"confidence"`
	RegistryMoleculeID   *string                  `json:"registry_molecule_id"`
	RegistryMoleculeName *string                  `json:"registry_molecule_name"`
	History              []SerializedHistoryEntry `json:"history"`
	RunDate              string                   `json:"run_date"`
}

// Serialize re-encodes the crop as base64 and formats timestamps as RFC 3339
// in UTC.
func (r *PredictionResult) Serialize() SerializedResult {
	out := SerializedResult{
		ID:                   r.ID,
		DocumentID:           r.DocumentID,
		RunID:                r.RunID,
		Seq:                  r.Seq,
		FilePath:             r.FilePath,
		Page:                 r.Page,
		SegmentedImage:       base64.StdEncoding.EncodeToString(r.SegmentedImage),
		ImageURI:             r.ImageURI,
		PredictedValue:       r.PredictedValue,
		Confidence:           r.Confidence,
		RegistryMoleculeID:   r.RegistryMoleculeID,
		RegistryMoleculeName: r.RegistryMoleculeName,
		History:              make([]SerializedHistoryEntry, 0, len(r.History)),
		RunDate:              r.RunDate.UTC().Format(time.RFC3339Nano),
	}
	for _, h := range r.History {
		out.History = append(out.History, SerializedHistoryEntry{
			Step:      h.Step,
			Timestamp: h.Timestamp.UTC().Format(time.RFC3339Nano),
			Status:    h.Status,
			Details:   h.Details,
		})
	}
	return out
}

// SerializeResults serializes results in order.
func SerializeResults(results []*PredictionResult) []SerializedResult {
	out := make([]SerializedResult, 0, len(results))
	for _, r := range results {
		out = append(out, r.Serialize())
	}
	return out
}
