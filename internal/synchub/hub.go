// Package synchub maintains the per-document subscriber sets and fans
// whole-document broadcasts out to every subscriber. Delivery runs through
// the message channel even for local subscribers, so every hub instance
// sharing the channel observes the same stream.
package synchub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"auditsync/api/internal/channel"
	"auditsync/api/internal/document"
)

// Sender is one subscriber connection. Send must be safe for concurrent
// use; an error marks the connection closed.
type Sender interface {
	Send(payload []byte) error
}

type messageChannel interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
	Subscribe(ctx context.Context, documentID string, onMessage channel.Handler) (*channel.Subscription, error)
	Unsubscribe(sub *channel.Subscription) error
}

type subscriber struct {
	clientID    string
	conn        Sender
	connectedAt time.Time
	lastSeenAt  time.Time
}

type docRoom struct {
	sub         *channel.Subscription
	subscribing bool
	clients     map[string]*subscriber
}

type Hub struct {
	channel messageChannel

	mu    sync.Mutex
	rooms map[string]*docRoom
}

func New(messages messageChannel) *Hub {
	return &Hub{channel: messages, rooms: make(map[string]*docRoom)}
}

// Join adds a connection to the document's subscriber set. The first
// subscriber of a document opens the channel subscription; every join emits
// fresh presence to all subscribers.
func (h *Hub) Join(ctx context.Context, documentID, clientID string, conn Sender) error {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = &docRoom{clients: make(map[string]*subscriber)}
		h.rooms[documentID] = room
	}
	now := time.Now().UTC()
	room.clients[clientID] = &subscriber{clientID: clientID, conn: conn, connectedAt: now, lastSeenAt: now}
	// Exactly one joiner opens the channel subscription; concurrent joins
	// of a fresh room see subscribing and leave it to the first.
	needsSub := room.sub == nil && !room.subscribing
	if needsSub {
		room.subscribing = true
	}
	h.mu.Unlock()

	if needsSub {
		sub, err := h.channel.Subscribe(ctx, documentID, func(payload []byte) {
			h.fanOut(documentID, payload)
		})
		h.mu.Lock()
		room.subscribing = false
		if err != nil {
			delete(room.clients, clientID)
			if len(room.clients) == 0 {
				delete(h.rooms, documentID)
			}
			h.mu.Unlock()
			return fmt.Errorf("join %s: %w", documentID, err)
		}
		if h.rooms[documentID] != room {
			// The room emptied while the subscription was opening.
			h.mu.Unlock()
			if err := h.channel.Unsubscribe(sub); err != nil {
				log.Printf("synchub: unsubscribe %s: %v", documentID, err)
			}
			return nil
		}
		room.sub = sub
		h.mu.Unlock()
	}

	return h.publishPresence(ctx, documentID)
}

// Leave removes the connection, emits updated presence, and tears down the
// channel subscription when the room empties. Reconnects re-subscribe from
// scratch; there is no resumable session.
func (h *Hub) Leave(ctx context.Context, documentID, clientID string) {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(room.clients, clientID)
	var sub *channel.Subscription
	if len(room.clients) == 0 {
		sub = room.sub
		delete(h.rooms, documentID)
	}
	h.mu.Unlock()

	if sub != nil {
		if err := h.channel.Unsubscribe(sub); err != nil {
			log.Printf("synchub: unsubscribe %s: %v", documentID, err)
		}
		return
	}
	if err := h.publishPresence(ctx, documentID); err != nil {
		log.Printf("synchub: presence after leave %s: %v", documentID, err)
	}
}

// BroadcastDocument publishes a full-document replacement to every
// subscriber of the document id, the originator included.
func (h *Hub) BroadcastDocument(ctx context.Context, doc document.Document) {
	payload, err := json.Marshal(DocumentReplace{
		Type:       TypeDocumentReplace,
		DocumentID: doc.ID,
		Document:   doc,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("synchub: marshal broadcast %s: %v", doc.ID, err)
		return
	}
	if err := h.channel.Publish(ctx, doc.ID, payload); err != nil {
		log.Printf("synchub: broadcast %s: %v", doc.ID, err)
	}
}

// Presence returns the current subscriber set, ordered by client id.
func (h *Hub) Presence(documentID string) []ClientPresence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceLocked(documentID)
}

func (h *Hub) presenceLocked(documentID string) []ClientPresence {
	room, ok := h.rooms[documentID]
	if !ok {
		return []ClientPresence{}
	}
	clients := make([]ClientPresence, 0, len(room.clients))
	for _, sub := range room.clients {
		clients = append(clients, ClientPresence{
			ClientID:    sub.clientID,
			DocumentID:  documentID,
			ConnectedAt: sub.connectedAt,
			LastSeenAt:  sub.lastSeenAt,
			Status:      PresenceOnline,
		})
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients
}

func (h *Hub) publishPresence(ctx context.Context, documentID string) error {
	h.mu.Lock()
	clients := h.presenceLocked(documentID)
	h.mu.Unlock()

	payload, err := json.Marshal(PresenceMessage{
		Type:       TypePresence,
		DocumentID: documentID,
		Clients:    clients,
	})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := h.channel.Publish(ctx, documentID, payload); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// fanOut delivers a channel payload to every local subscriber. A send that
// errors marks that connection closed and drops it; delivery to the
// remaining subscribers continues.
func (h *Hub) fanOut(documentID string, payload []byte) {
	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(room.clients))
	for _, sub := range room.clients {
		sub.lastSeenAt = time.Now().UTC()
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, target := range targets {
		if err := target.conn.Send(payload); err != nil {
			log.Printf("synchub: send to %s on %s failed, closing: %v", target.clientID, documentID, err)
			// Leave may tear down the channel subscription, which waits
			// for this delivery goroutine; detach to avoid waiting on
			// ourselves.
			go h.Leave(context.Background(), documentID, target.clientID)
		}
	}
}
