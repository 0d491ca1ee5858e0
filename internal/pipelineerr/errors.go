// Package pipelineerr defines the error taxonomy shared by the pipeline stages.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure class. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrFileAccess        = errors.New("file access")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrExtraction        = errors.New("extraction failed")
	ErrSegmentation      = errors.New("segmentation failed")
	ErrPrediction        = errors.New("prediction failed")
	ErrHook              = errors.New("hook failed")
	ErrPersistence       = errors.New("persistence failed")
	ErrConfiguration     = errors.New("invalid configuration")
)

// Wrap annotates err with msg and the class sentinel. A nil err yields a
// bare class error.
func Wrap(class error, msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", msg, class)
	}
	return fmt.Errorf("%s: %w: %w", msg, class, err)
}

// Aborts reports whether err ends a run before any result is produced.
func Aborts(err error) bool {
	return errors.Is(err, ErrFileAccess) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrExtraction)
}
