// Package history keeps the bounded, append-only snapshot log of a
// document over time. Only the newest N snapshots per document are
// retained; the store evicts the oldest beyond that inside Append's write.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"auditsync/api/internal/document"
	"auditsync/api/internal/store"
	"auditsync/api/internal/util"
)

// ErrIndexOutOfRange is returned by Restore for an index with no snapshot.
var ErrIndexOutOfRange = errors.New("history index out of range")

const DefaultLimit = 20

type snapshotStore interface {
	AppendHistory(ctx context.Context, snapshot store.Snapshot, limit int) error
	ListHistory(ctx context.Context, documentID string) ([]store.Snapshot, error)
}

type Manager struct {
	store snapshotStore
	limit int
}

func New(snapshots snapshotStore, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{store: snapshots, limit: limit}
}

func (m *Manager) Limit() int { return m.limit }

// Append records an immutable deep copy of the document. Called once per
// successful persist, not per keystroke.
func (m *Manager) Append(ctx context.Context, doc document.Document) (store.Snapshot, error) {
	snapshot := store.Snapshot{
		ID:         util.NewID("snap"),
		DocumentID: doc.ID,
		CreatedAt:  time.Now().UTC(),
		Document:   doc.Clone(),
	}
	if err := m.store.AppendHistory(ctx, snapshot, m.limit); err != nil {
		return store.Snapshot{}, fmt.Errorf("append history: %w", err)
	}
	return snapshot, nil
}

// List returns the retained snapshots, newest first.
func (m *Manager) List(ctx context.Context, documentID string) ([]store.Snapshot, error) {
	return m.store.ListHistory(ctx, documentID)
}

// Restore produces a copy of the snapshot at index (0 = newest) to be used
// as the new current document. Later snapshots are not removed: restoring
// loads an old state as current, it does not delete the future.
func (m *Manager) Restore(ctx context.Context, documentID string, index int) (document.Document, error) {
	snapshots, err := m.store.ListHistory(ctx, documentID)
	if err != nil {
		return document.Document{}, fmt.Errorf("load history: %w", err)
	}
	if index < 0 || index >= len(snapshots) {
		return document.Document{}, fmt.Errorf("restore %s at %d of %d: %w", documentID, index, len(snapshots), ErrIndexOutOfRange)
	}
	return snapshots[index].Document.Clone(), nil
}
