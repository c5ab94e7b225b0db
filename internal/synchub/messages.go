package synchub

import (
	"time"

	"auditsync/api/internal/document"
)

// Wire message types. The protocol carries whole documents only; no
// partial or delta message types exist.
const (
	TypeDocumentReplace = "document-replace"
	TypePresence        = "presence"
	TypeSaveStatus      = "save-status"
	TypeCommand         = "command"
)

// DocumentReplace is the broadcast payload: a full-state replacement that
// overwrites the receiver's copy. Receivers must tolerate replacement by
// their own just-saved state.
type DocumentReplace struct {
	Type       string            `json:"type"`
	DocumentID string            `json:"documentId"`
	Document   document.Document `json:"document"`
	SentAt     time.Time         `json:"sentAt"`
}

// PresenceMessage announces the current subscriber set of a document.
type PresenceMessage struct {
	Type       string           `json:"type"`
	DocumentID string           `json:"documentId"`
	Clients    []ClientPresence `json:"clients"`
}

// SaveStatusMessage reports the autosave state of one session to its own
// client ("Saving...", "All changes saved", "Save error").
type SaveStatusMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
}

// ClientPresence is ephemeral: never persisted, rebuilt from scratch on
// every (re)connect.
type ClientPresence struct {
	ClientID    string    `json:"clientId"`
	DocumentID  string    `json:"documentId"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Status      string    `json:"status"`
}

const (
	PresenceOnline       = "online"
	PresenceDisconnected = "disconnected"
)
