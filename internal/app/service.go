package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"auditsync/api/internal/config"
	"auditsync/api/internal/document"
	"auditsync/api/internal/history"
	"auditsync/api/internal/store"
	"auditsync/api/internal/synchub"
	"auditsync/api/internal/util"
)

type dataStore interface {
	SaveDocument(ctx context.Context, doc document.Document) error
	LoadDocument(ctx context.Context, documentID string) (document.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

type historyManager interface {
	Append(ctx context.Context, doc document.Document) (store.Snapshot, error)
	List(ctx context.Context, documentID string) ([]store.Snapshot, error)
	Restore(ctx context.Context, documentID string, index int) (document.Document, error)
}

type hub interface {
	Join(ctx context.Context, documentID, clientID string, conn synchub.Sender) error
	Leave(ctx context.Context, documentID, clientID string)
	BroadcastDocument(ctx context.Context, doc document.Document)
	Presence(documentID string) []synchub.ClientPresence
}

type channelPinger interface {
	Ping(ctx context.Context) error
}

type CreateDocumentInput struct {
	Name       string   `json:"name"`
	Locations  []string `json:"locations"`
	Categories []string `json:"categories"`
}

type Service struct {
	cfg     config.Config
	store   dataStore
	history historyManager
	hub     hub
	channel channelPinger
}

func New(cfg config.Config, dataStore *store.PostgresStore, hub *synchub.Hub, channel channelPinger) *Service {
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		history: history.New(dataStore, cfg.HistoryLimit),
		hub:     hub,
		channel: channel,
	}
}

func (s *Service) PingStore(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingChannel(ctx context.Context) error {
	if s.channel == nil {
		return nil
	}
	return s.channel.Ping(ctx)
}

// CreateDocument starts a new audit: empty matrix, default row metadata,
// key space fixed by the given location and category lists.
func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (document.Document, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return document.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if len(input.Locations) == 0 || len(input.Categories) == 0 {
		return document.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "locations and categories are required", nil)
	}
	// Cell keys join the two ids with ':', so the ids themselves must not
	// contain it or the key becomes ambiguous.
	for _, id := range append(append([]string(nil), input.Locations...), input.Categories...) {
		if strings.TrimSpace(id) == "" {
			return document.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "location and category ids must be non-empty", nil)
		}
		if strings.Contains(id, ":") {
			return document.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "location and category ids must not contain ':'", map[string]any{"id": id})
		}
	}

	doc := document.New(util.NewID("aud"), name, input.Locations, input.Categories)
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return document.Document{}, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (document.Document, error) {
	doc, err := s.store.LoadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return document.Document{}, domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes the document from storage; history snapshots
// cascade with it.
func (s *Service) DeleteDocument(ctx context.Context, documentID string) error {
	err := s.store.DeleteDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *Service) History(ctx context.Context, documentID string) ([]store.Snapshot, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.history.List(ctx, documentID)
}

// Restore loads the snapshot at index as the new current document: it is
// persisted, broadcast to every subscriber, and appended to history like
// any other successful save. Later snapshots are not removed.
func (s *Service) Restore(ctx context.Context, documentID string, index int) (document.Document, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return document.Document{}, err
	}
	doc, err := s.history.Restore(ctx, documentID, index)
	if errors.Is(err, history.ErrIndexOutOfRange) {
		return document.Document{}, domainError(http.StatusUnprocessableEntity, "RESTORE_ERROR", "History index out of range", map[string]any{"index": index})
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("restore: %w", err)
	}

	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return document.Document{}, domainError(http.StatusBadGateway, "SAVE_ERROR", "Failed to persist restored document", nil)
	}
	s.hub.BroadcastDocument(ctx, doc)
	if _, err := s.history.Append(ctx, doc); err != nil {
		return document.Document{}, fmt.Errorf("append restored snapshot: %w", err)
	}
	return doc, nil
}

func (s *Service) Presence(documentID string) []synchub.ClientPresence {
	return s.hub.Presence(documentID)
}

// Join subscribes a connection to a document's broadcast stream.
func (s *Service) Join(ctx context.Context, documentID, clientID string, conn synchub.Sender) error {
	return s.hub.Join(ctx, documentID, clientID, conn)
}

// Leave drops a connection from the document's subscriber set.
func (s *Service) Leave(ctx context.Context, documentID, clientID string) {
	s.hub.Leave(ctx, documentID, clientID)
}
