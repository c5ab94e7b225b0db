package store

import (
	"errors"
	"time"

	"auditsync/api/internal/document"
)

// ErrNotFound is returned when no document exists for the requested id.
var ErrNotFound = errors.New("document not found")

// Snapshot is one immutable history entry: a deep copy of the document as
// it was at save time.
type Snapshot struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	CreatedAt  time.Time         `json:"createdAt"`
	Document   document.Document `json:"document"`
}
