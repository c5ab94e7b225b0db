package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"auditsync/api/internal/document"
	"auditsync/api/internal/synchub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the deployment's CORS configuration.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// wsConn adapts a websocket connection to the hub's Sender. Writes go
// through a buffered channel drained by a single write pump; a full buffer
// or closed connection surfaces as a send error, which the hub treats as a
// half-open connection.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = &websocket.CloseError{Code: websocket.CloseTryAgainLater, Text: "send buffer full"}

func (c *wsConn) writePump() {
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// sessionSender sits between the hub and the websocket: inbound broadcasts
// replace the session's provisional copy before being forwarded to the
// client.
type sessionSender struct {
	session *Session
	conn    *wsConn
}

func (s *sessionSender) Send(payload []byte) error {
	var frame struct {
		Type     string            `json:"type"`
		Document document.Document `json:"document"`
	}
	if err := json.Unmarshal(payload, &frame); err == nil && frame.Type == synchub.TypeDocumentReplace {
		s.session.ApplyRemote(frame.Document)
	}
	return s.conn.Send(payload)
}

// inboundFrame is one message read from the client.
type inboundFrame struct {
	Type    string       `json:"type"`
	Command CommandInput `json:"command"`
}

func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request, documentID string) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	doc, err := s.service.GetDocument(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade %s: %v", documentID, err)
		return
	}

	wc := newWSConn(conn)
	go wc.writePump()

	session := s.service.NewSession(doc, clientID, wc)
	sender := &sessionSender{session: session, conn: wc}

	// The subscription outlives the request context's handler scope only as
	// long as the read loop below runs.
	ctx := context.Background()
	if err := s.service.Join(ctx, documentID, clientID, sender); err != nil {
		log.Printf("ws: join %s as %s: %v", documentID, clientID, err)
		wc.close()
		return
	}
	defer func() {
		s.service.Leave(ctx, documentID, clientID)
		session.Close()
		wc.close()
	}()

	// Seed the fresh client with the current state.
	s.sendSnapshot(wc, session)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: read from %s on %s: %v", clientID, documentID, err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendWSError(wc, "INVALID_BODY", "invalid JSON frame")
			continue
		}
		if frame.Type != synchub.TypeCommand {
			s.sendWSError(wc, "VALIDATION_ERROR", "unknown frame type")
			continue
		}

		switch frame.Command.Type {
		case "undo":
			session.Undo()
		case "redo":
			session.Redo()
		case "retry-save":
			session.RetrySave()
		default:
			if err := session.Dispatch(frame.Command); err != nil {
				_, code, message, _ := mapError(err)
				s.sendWSError(wc, code, message)
			}
		}
	}
}

func (s *HTTPServer) sendSnapshot(wc *wsConn, session *Session) {
	snapshot := session.Snapshot()
	payload, err := json.Marshal(synchub.DocumentReplace{
		Type:       synchub.TypeDocumentReplace,
		DocumentID: snapshot.Document.ID,
		Document:   snapshot.Document,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("ws: marshal snapshot: %v", err)
		return
	}
	if err := wc.Send(payload); err != nil {
		log.Printf("ws: seed snapshot: %v", err)
	}
}

func (s *HTTPServer) sendWSError(wc *wsConn, code, message string) {
	payload, err := json.Marshal(map[string]any{
		"type":  "error",
		"code":  code,
		"error": message,
	})
	if err != nil {
		return
	}
	if err := wc.Send(payload); err != nil {
		log.Printf("ws: send error frame: %v", err)
	}
}
