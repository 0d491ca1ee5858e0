// Package sqlite is a single-file Store for local runs and the CLI.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/Lllllllleong/structureflow/internal/models"
	"github.com/Lllllllleong/structureflow/internal/store"
)

// Store implements store.Store on SQLite. Documents and results are kept as
// JSON bodies next to the columns they are queried by.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path with WAL mode enabled.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serializes read-modify-write transactions per process.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates tables if they don't exist
func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	file_path TEXT UNIQUE NOT NULL,
	content_hash TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);

CREATE TABLE IF NOT EXISTS prediction_results (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	run_id INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	segmented_image BLOB,
	body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_run ON prediction_results(document_id, run_id, seq);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) UpdateDocumentByPath(ctx context.Context, filePath string, mutate store.MutateFunc) (*models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w: %w", store.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	current, err := scanDocument(tx.QueryRowContext(ctx, `SELECT body FROM documents WHERE file_path = ?`, filePath))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	next, err := mutate(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	next = next.Clone()
	next.FilePath = filePath

	body, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (id, file_path, content_hash, body) VALUES (?, ?, ?, ?)
ON CONFLICT(file_path) DO UPDATE SET id = excluded.id, content_hash = excluded.content_hash, body = excluded.body`,
		next.ID, filePath, next.ContentHash, string(body))
	if err != nil {
		return nil, fmt.Errorf("upsert document %s: %w: %w", filePath, store.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w: %w", store.ErrStoreUnavailable, err)
	}
	return next, nil
}

func (s *Store) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE id = ?`, id))
}

func (s *Store) GetDocumentByHash(ctx context.Context, contentHash string) (*models.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE content_hash = ? LIMIT 1`, contentHash))
}

func (s *Store) GetDocumentByPath(ctx context.Context, filePath string) (*models.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE file_path = ?`, filePath))
}

func (s *Store) DocumentsByTags(ctx context.Context, tags []string) ([]*models.Document, error) {
	return s.documentsByArray(ctx, "$.tags", tags)
}

func (s *Store) DocumentsByRegistryIDs(ctx context.Context, ids []string) ([]*models.Document, error) {
	return s.documentsByArray(ctx, "$.registry_molecule_ids", ids)
}

func (s *Store) documentsByArray(ctx context.Context, jsonPath string, values []string) ([]*models.Document, error) {
	if len(values) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	query := fmt.Sprintf(`
SELECT d.body FROM documents d
WHERE EXISTS (SELECT 1 FROM json_each(d.body, '%s') j WHERE j.value IN (%s))
ORDER BY d.file_path`, jsonPath, placeholders)

	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents by %s: %w: %w", jsonPath, store.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceRunResults(ctx context.Context, documentID string, runID int, results []*models.PredictionResult) error {
	if err := store.CheckRun(documentID, runID, results); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w: %w", store.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM prediction_results WHERE document_id = ? AND run_id = ?`, documentID, runID); err != nil {
		return fmt.Errorf("clear run %s/%d: %w: %w", documentID, runID, store.ErrStoreUnavailable, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO prediction_results (id, document_id, run_id, seq, segmented_image, body) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w: %w", store.ErrStoreUnavailable, err)
	}
	defer stmt.Close()

	for _, r := range results {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal result %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.DocumentID, r.RunID, r.Seq, r.SegmentedImage, string(body)); err != nil {
			return fmt.Errorf("insert result %s: %w: %w", r.ID, store.ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit results: %w: %w", store.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) RunResults(ctx context.Context, documentID string, runID int) ([]*models.PredictionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT segmented_image, body FROM prediction_results
WHERE document_id = ? AND run_id = ?
ORDER BY seq`, documentID, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w: %w", store.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []*models.PredictionResult
	for rows.Next() {
		var (
			img  []byte
			body string
		)
		if err := rows.Scan(&img, &body); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var r models.PredictionResult
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		r.SegmentedImage = img
		out = append(out, &r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*models.Document, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan document: %w: %w", store.ErrStoreUnavailable, err)
	}
	var d models.Document
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &d, nil
}
