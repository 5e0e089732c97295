// ABOUTME: Document entity and store methods for the indexing lane
// ABOUTME: Documents move pending -> indexing -> indexed|failed

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDocumentNotPending is returned when a document was already claimed.
var ErrDocumentNotPending = errors.New("document is not pending")

// ErrDocumentNotIndexing is returned when finishing a document that is not being indexed.
var ErrDocumentNotIndexing = errors.New("document is not indexing")

// DocumentStatus is the indexing state of a document.
type DocumentStatus string

// Document statuses.
const (
	DocumentStatusPending  DocumentStatus = "pending"
	DocumentStatusIndexing DocumentStatus = "indexing"
	DocumentStatusIndexed  DocumentStatus = "indexed"
	DocumentStatusFailed   DocumentStatus = "failed"
)

// Document is uploaded content waiting to be chunked and indexed.
type Document struct {
	ID          string
	Filename    string
	ContentType string
	Content     string
	Status      DocumentStatus
	ChunkCount  int
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DocumentResult is the terminal outcome written by FinishDocument.
type DocumentResult struct {
	Status     DocumentStatus // indexed or failed
	ChunkCount int
	Error      *string
	At         time.Time
}

// CreateDocument inserts a pending document.
func (s *SQLiteStore) CreateDocument(ctx context.Context, d *Document) error {
	d.Status = DocumentStatusPending
	if d.ContentType == "" {
		d.ContentType = "text/plain"
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (document_id, filename, content_type, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Filename, d.ContentType, d.Content, string(d.Status), formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by ID.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	var status, createdAt, updatedAt string
	var docErr sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, filename, content_type, content, status, chunk_count, error, created_at, updated_at
		FROM documents
		WHERE document_id = ?
	`, id).Scan(&d.ID, &d.Filename, &d.ContentType, &d.Content, &status, &d.ChunkCount, &docErr, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}

	d.Status = DocumentStatus(status)
	d.Error = stringPtr(docErr)
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// ListPendingDocumentIDs returns up to limit pending document IDs, oldest first.
func (s *SQLiteStore) ListPendingDocumentIDs(ctx context.Context, limit int) ([]string, error) {
	return s.listIDs(ctx, `
		SELECT document_id FROM documents
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?
	`, limit)
}

// ClaimDocument moves a pending document to indexing.
func (s *SQLiteStore) ClaimDocument(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = 'indexing', updated_at = ?
		WHERE document_id = ? AND status = 'pending'
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("claiming document: %w", err)
	}
	if err := requireOneRow(result, ErrDocumentNotPending); err != nil {
		if !s.rowExists(ctx, `SELECT 1 FROM documents WHERE document_id = ?`, id) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// FinishDocument records the outcome of an indexing run.
func (s *SQLiteStore) FinishDocument(ctx context.Context, id string, r DocumentResult) error {
	if r.Status != DocumentStatusIndexed && r.Status != DocumentStatusFailed {
		return fmt.Errorf("finishing document with status %q: %w", r.Status, ErrDocumentNotIndexing)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, chunk_count = ?, error = ?, updated_at = ?
		WHERE document_id = ? AND status = 'indexing'
	`, string(r.Status), r.ChunkCount, nullString(r.Error), formatTime(r.At), id)
	if err != nil {
		return fmt.Errorf("finishing document: %w", err)
	}
	return requireOneRow(result, ErrDocumentNotIndexing)
}
