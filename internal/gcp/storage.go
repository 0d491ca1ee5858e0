package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvInt reads an integer environment variable.
func GetEnvInt(key string, fallback int) (int, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", key, raw, err)
	}
	return v, nil
}

// GetEnvFloat reads a float environment variable.
func GetEnvFloat(key string, fallback float64) (float64, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a number: %w", key, raw, err)
	}
	return v, nil
}

// GetEnvDuration reads a time.Duration environment variable such as "15m".
func GetEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a duration: %w", key, raw, err)
	}
	return v, nil
}

// ParseGCSURI splits gs://bucket/object. ok is false for anything else.
func ParseGCSURI(uri string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(uri, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

// StreamGCSObject copies gs://bucket/object to destPath.
func StreamGCSObject(ctx context.Context, client *storage.Client, bucket, object, destPath string) error {
	gcsReader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer gcsReader.Close()
	localFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, gcsReader); err != nil {
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// An existing object is not a failure in an idempotent workflow.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, content []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// BucketWriter stores blobs in one bucket with SaveToGCSAtomically.
type BucketWriter struct {
	bucket *storage.BucketHandle
	name   string
}

func NewBucketWriter(client *storage.Client, bucket string) *BucketWriter {
	return &BucketWriter{bucket: client.Bucket(bucket), name: bucket}
}

// Put writes data to object unless it already exists and returns its gs:// URI.
func (w *BucketWriter) Put(ctx context.Context, object, contentType string, data []byte) (string, error) {
	if err := SaveToGCSAtomically(ctx, w.bucket, object, contentType, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", w.name, object), nil
}

// ObjectFetcher downloads gs:// objects to local files.
type ObjectFetcher struct {
	client *storage.Client
}

func NewObjectFetcher(client *storage.Client) *ObjectFetcher {
	return &ObjectFetcher{client: client}
}

// Fetch streams uri into dir and returns the local path.
func (f *ObjectFetcher) Fetch(ctx context.Context, uri, dir string) (string, error) {
	bucket, object, ok := ParseGCSURI(uri)
	if !ok {
		return "", fmt.Errorf("%q is not a gs:// object URI", uri)
	}
	dest := filepath.Join(dir, filepath.Base(object))
	if err := StreamGCSObject(ctx, f.client, bucket, object, dest); err != nil {
		return "", err
	}
	return dest, nil
}
