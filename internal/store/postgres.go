package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"auditsync/api/internal/document"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveDocument writes the authoritative copy for the document id. The write
// is a whole-document replacement; there is no field-level merge.
func (s *PostgresStore) SaveDocument(ctx context.Context, doc document.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_documents (id, name, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, payload=EXCLUDED.payload, updated_at=NOW()
	`, doc.ID, doc.Name, payload)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadDocument(ctx context.Context, documentID string) (document.Document, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM audit_documents WHERE id=$1`, documentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, ErrNotFound
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("load document: %w", err)
	}
	var doc document.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return document.Document{}, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes the document; its history rows cascade.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audit_documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendHistory inserts a snapshot and, in the same transaction, evicts the
// oldest rows beyond limit. The store is the single authority for eviction.
func (s *PostgresStore) AppendHistory(ctx context.Context, snapshot Snapshot, limit int) error {
	payload, err := json.Marshal(snapshot.Document)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_document_history (id, document_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, snapshot.ID, snapshot.DocumentID, payload, snapshot.CreatedAt); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if limit > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM audit_document_history
			WHERE document_id = $1
			  AND id NOT IN (
				SELECT id FROM audit_document_history
				WHERE document_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			  )
		`, snapshot.DocumentID, limit); err != nil {
			return fmt.Errorf("evict old snapshots: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// ListHistory returns the retained snapshots for a document, newest first.
func (s *PostgresStore) ListHistory(ctx context.Context, documentID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, payload, created_at
		FROM audit_document_history
		WHERE document_id = $1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var (
			item    Snapshot
			payload []byte
			created time.Time
		)
		if err := rows.Scan(&item.ID, &item.DocumentID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		item.CreatedAt = created
		if err := json.Unmarshal(payload, &item.Document); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}
