package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hyperdraft/api/internal/blocks"
	"hyperdraft/api/internal/draft"
)

const (
	editorWriteWait  = 10 * time.Second
	editorPongWait   = 60 * time.Second
	editorPingPeriod = 54 * time.Second
	// A full tree per message; large documents need room.
	editorReadLimit = 4 << 20
)

type editorMessage struct {
	Children []blocks.BlockNode `json:"children"`
}

type editorReply struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"sessionId,omitempty"`
	Children   []blocks.BlockNode `json:"children,omitempty"`
	Operations int                `json:"operations,omitempty"`
	Changed    int                `json:"changed,omitempty"`
	Deleted    int                `json:"deleted,omitempty"`
	Moved      int                `json:"moved,omitempty"`
	Code       string             `json:"code,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// editorClient is one websocket attached to a draft session.
type editorClient struct {
	id      string
	conn    *websocket.Conn
	session *draft.Session
	send    chan []byte
}

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.corsOrigin == "*" || origin == s.corsOrigin
		},
	}
}

// handleEditor runs the live editor channel for the session user's draft.
// Every text message carries the full current tree; the draft session turns
// it into debounced commits and replies with saved or error events.
func (s *HTTPServer) handleEditor(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	editorSession, tree, err := s.service.OpenEditor(r.Context(), documentID, session.UserName)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("editor: websocket upgrade %s: %v", documentID, err)
		s.closeEditor(editorSession)
		return
	}

	client := &editorClient{
		id:      uuid.New().String(),
		conn:    conn,
		session: editorSession,
		send:    make(chan []byte, 64),
	}
	unsubscribe := s.service.subscribeCommits(editorSession.Key(), client.id, func(result draft.CommitResult) {
		reply := editorReply{Type: "saved", Operations: result.Operations}
		if result.Err != nil {
			_, code, message, _ := mapError(result.Err)
			reply = editorReply{Type: "error", Code: code, Error: message}
		}
		client.enqueue(reply)
	})

	client.enqueue(editorReply{Type: "init", SessionID: client.id, Children: tree})
	log.Printf("editor: %s opened %s", client.id, editorSession.Key())

	go client.writePump()
	client.readPump()

	s.closeEditor(editorSession)
	unsubscribe()
	close(client.send)
	log.Printf("editor: %s closed %s", client.id, editorSession.Key())
}

func (s *HTTPServer) closeEditor(session *draft.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.service.CloseEditor(ctx, session); err != nil {
		log.Printf("editor: close %s: %v", session.Key(), err)
	}
}

func (c *editorClient) enqueue(reply editorReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("editor: encode reply for %s: %v", c.id, err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("editor: dropping %s reply for slow client %s", reply.Type, c.id)
	}
}

func (c *editorClient) readPump() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("editor: panic in readPump for %s: %v\n%s", c.id, r, debug.Stack())
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(editorReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(editorPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(editorPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("editor: unexpected close for %s: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(editorPongWait))

		var msg editorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.enqueue(editorReply{Type: "error", Code: "INVALID_MESSAGE", Error: "invalid JSON message"})
			continue
		}
		obs, err := c.session.Observe(msg.Children)
		if err != nil {
			_, code, message, _ := mapError(err)
			if code == "SERVER_ERROR" {
				message = err.Error()
			}
			c.enqueue(editorReply{Type: "error", Code: code, Error: message})
			if errors.Is(err, draft.ErrSessionClosed) {
				return
			}
			continue
		}
		if !obs.Empty() {
			c.enqueue(editorReply{
				Type:    "pending",
				Changed: len(obs.Changed),
				Deleted: len(obs.Deleted),
				Moved:   len(obs.Moves),
			})
		}
	}
}

func (c *editorClient) writePump() {
	ticker := time.NewTicker(editorPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(editorWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("editor: write to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(editorWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribeCommits registers fn for commit results of key until the returned
// func is called.
func (s *Service) subscribeCommits(key draft.DraftKey, id string, fn func(draft.CommitResult)) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listeners[key] == nil {
		s.listeners[key] = make(map[string]func(draft.CommitResult))
	}
	s.listeners[key][id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners[key], id)
		if len(s.listeners[key]) == 0 {
			delete(s.listeners, key)
		}
	}
}

func (s *Service) notifyCommit(result draft.CommitResult) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for _, fn := range s.listeners[result.Key] {
		fn(result)
	}
}
