package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"auditsync/api/internal/autosave"
	"auditsync/api/internal/command"
	"auditsync/api/internal/document"
	"auditsync/api/internal/synchub"
)

// CommandInput is one mutation request from a client. Type selects the
// mutation; the remaining fields are read per type.
type CommandInput struct {
	Type        string                 `json:"type"`
	LocationID  string                 `json:"locationId,omitempty"`
	CategoryID  string                 `json:"categoryId,omitempty"`
	Probability int                    `json:"probability,omitempty"`
	Severity    string                 `json:"severity,omitempty"`
	RowID       string                 `json:"rowId,omitempty"`
	Meta        *document.RowMetaPatch `json:"meta,omitempty"`
	CellKeys    []string               `json:"cellKeys,omitempty"`
	Name        string                 `json:"name,omitempty"`
}

// SessionSnapshot is the read-only view handed to the rendering layer.
type SessionSnapshot struct {
	Document   document.Document  `json:"document"`
	Aggregate  document.Aggregate `json:"aggregate"`
	CanUndo    bool               `json:"canUndo"`
	CanRedo    bool               `json:"canRedo"`
	SaveStatus autosave.Status    `json:"saveStatus"`
}

// Session is one client's editing session: its provisional local copy of
// the document, its undo/redo stack, and its autosave scheduler. The local
// copy is provisional until the next broadcast replaces it.
type Session struct {
	documentID string
	clientID   string
	conn       synchub.Sender
	scheduler  *autosave.Scheduler

	mu    sync.Mutex
	doc   document.Document
	stack *command.Stack
}

// NewSession builds a session over the given starting document. The
// session's scheduler persists through the service's store, broadcasts
// through the hub, and reports save status frames back on conn.
func (s *Service) NewSession(doc document.Document, clientID string, conn synchub.Sender) *Session {
	session := &Session{
		documentID: doc.ID,
		clientID:   clientID,
		conn:       conn,
		doc:        doc.Clone(),
		stack:      command.NewStack(),
	}
	session.scheduler = autosave.New(s.store, s.hub, s.history, autosave.Options{
		Debounce: s.cfg.AutosaveDebounce,
		OnStatus: session.sendSaveStatus,
	})
	return session
}

func (s *Session) ClientID() string   { return s.clientID }
func (s *Session) DocumentID() string { return s.documentID }

// Dispatch validates and applies one mutation. Invalid input is rejected
// here, before anything reaches the command stack or the scheduler.
func (s *Session) Dispatch(input CommandInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		after   document.Document
		cmdType command.Type
		err     error
	)
	switch command.Type(input.Type) {
	case command.TypeCellEdit:
		cmdType = command.TypeCellEdit
		after, err = s.doc.SetCell(input.LocationID, input.CategoryID, input.Probability, input.Severity)
	case command.TypeRowMetaEdit:
		cmdType = command.TypeRowMetaEdit
		if input.Meta == nil {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "meta is required", nil)
		}
		after, err = s.doc.SetRowMeta(input.RowID, *input.Meta)
	case command.TypeRowArchive:
		cmdType = command.TypeRowArchive
		after, err = s.doc.ArchiveRow(input.RowID)
	case command.TypeRowDup:
		cmdType = command.TypeRowDup
		after, _, err = s.doc.DuplicateRow(input.RowID)
	case command.TypeBulkDelete:
		cmdType = command.TypeBulkDelete
		after, err = s.doc.ClearCells(input.CellKeys)
	case command.TypeRename:
		cmdType = command.TypeRename
		if input.Name == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
		}
		after = s.doc.Rename(input.Name)
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown command type", map[string]any{"type": input.Type})
	}
	if err != nil {
		return validationError(err)
	}

	s.stack.Push(command.Command{Type: cmdType, Before: s.doc, After: after})
	s.doc = after
	s.scheduler.NotifyMutation(after)
	return nil
}

// Undo steps the local document back one command. It routes the resulting
// state through the scheduler like any other mutation; the undo itself
// persists nothing.
func (s *Session) Undo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.stack.Undo()
	if !ok {
		return false
	}
	s.doc = prev
	s.scheduler.NotifyMutation(prev)
	return true
}

func (s *Session) Redo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.stack.Redo()
	if !ok {
		return false
	}
	s.doc = next
	s.scheduler.NotifyMutation(next)
	return true
}

// RetrySave re-attempts a failed persist on explicit user request.
func (s *Session) RetrySave() {
	s.scheduler.Retry()
}

// ApplyRemote replaces the local copy wholesale with a broadcast document
// state. Applying the same state twice is a no-op by construction, so a
// session tolerates the echo of its own just-saved document.
func (s *Session) ApplyRemote(doc document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc.Clone()
}

// Snapshot returns the read-only view for rendering.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		Document:   s.doc.Clone(),
		Aggregate:  s.doc.Aggregate(),
		CanUndo:    s.stack.CanUndo(),
		CanRedo:    s.stack.CanRedo(),
		SaveStatus: s.scheduler.Status(),
	}
}

// Close flushes any pending save and stops the scheduler.
func (s *Session) Close() {
	s.scheduler.Flush()
	s.scheduler.Stop()
}

func (s *Session) sendSaveStatus(documentID string, status autosave.Status) {
	payload, err := json.Marshal(synchub.SaveStatusMessage{
		Type:       synchub.TypeSaveStatus,
		DocumentID: documentID,
		Status:     string(status),
	})
	if err != nil {
		log.Printf("session %s: marshal save status: %v", s.clientID, err)
		return
	}
	if err := s.conn.Send(payload); err != nil {
		log.Printf("session %s: send save status: %v", s.clientID, err)
	}
}

func validationError(err error) error {
	switch {
	case errors.Is(err, document.ErrInvalidProbability),
		errors.Is(err, document.ErrInvalidSeverity),
		errors.Is(err, document.ErrUnknownRow),
		errors.Is(err, document.ErrUnknownCell):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return err
}
