package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"marginalia/api/internal/anchor"
	"marginalia/api/internal/annotations"
	"marginalia/api/internal/capture"
	"marginalia/api/internal/workspace"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks the live workspaces open on each document so that changes made
// through the HTTP API reach them.
type Hub struct {
	mu   sync.Mutex
	docs map[string]map[*liveClient]struct{}
}

func NewHub() *Hub {
	return &Hub{docs: map[string]map[*liveClient]struct{}{}}
}

func (h *Hub) add(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.docs[c.documentID]
	if clients == nil {
		clients = map[*liveClient]struct{}{}
		h.docs[c.documentID] = clients
	}
	clients[c] = struct{}{}
}

func (h *Hub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.docs[c.documentID]
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.docs, c.documentID)
	}
}

func (h *Hub) clients(documentID string) []*liveClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*liveClient, 0, len(h.docs[documentID]))
	for c := range h.docs[documentID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live workspaces open on a document.
func (h *Hub) Count(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs[documentID])
}

// AnnotationsChanged makes every live workspace of the document refetch its
// list.
func (h *Hub) AnnotationsChanged(documentID string) {
	for _, c := range h.clients(documentID) {
		c.ws.ListChanged()
	}
}

// ReplaceContent pushes new document markup to every live workspace.
func (h *Hub) ReplaceContent(documentID, markup string) {
	for _, c := range h.clients(documentID) {
		c.ws.ReplaceContent(markup)
	}
}

// Live message types.
const (
	msgMode        = "mode"
	msgSelection   = "selection"
	msgPointerUp   = "pointerup"
	msgClick       = "click"
	msgKey         = "key"
	msgForm        = "form"
	msgSubmit      = "submit"
	msgPanel       = "panel"
	msgHighlights  = "highlights"
	msgSelect      = "select"
	msgNext        = "next"
	msgPrev        = "prev"
	msgStatus      = "status"
	msgDelete      = "delete"
	msgReply       = "reply"
	msgDeleteReply = "deleteReply"
	msgReload      = "reload"

	msgState = "state"
	msgError = "error"
)

type liveMessage struct {
	Type string `json:"type"`

	Mode      string           `json:"mode,omitempty"`
	Anchor    anchor.PathPoint `json:"anchor"`
	Focus     anchor.PathPoint `json:"focus"`
	Rect      *capture.Rect    `json:"rect,omitempty"`
	Container capture.Rect     `json:"container"`

	Path         []int  `json:"path,omitempty"`
	OnAffordance bool   `json:"onAffordance,omitempty"`
	Key          string `json:"key,omitempty"`
	Ctrl         bool   `json:"ctrl,omitempty"`
	Shift        bool   `json:"shift,omitempty"`
	Meta         bool   `json:"meta,omitempty"`
	Alt          bool   `json:"alt,omitempty"`
	Action       string `json:"action,omitempty"`

	ID           string `json:"id,omitempty"`
	AnnotationID string `json:"annotationId,omitempty"`
	Content      string `json:"content,omitempty"`
	Status       string `json:"status,omitempty"`
}

func (m liveMessage) selection() workspace.HostSelection {
	return workspace.HostSelection{Anchor: m.Anchor, Focus: m.Focus, Bounds: m.Rect, Container: m.Container}
}

type serverMessage struct {
	Type     string           `json:"type"`
	Snapshot *workspace.State `json:"snapshot,omitempty"`
	Message  string           `json:"message,omitempty"`
}

func (m serverMessage) encode() []byte {
	data, _ := json.Marshal(m)
	return data
}

// liveClient is one websocket connection driving its own workspace.
type liveClient struct {
	documentID string
	userID     string
	hub        *Hub
	conn       *websocket.Conn
	ws         *workspace.Workspace
	limiter    *rate.Limiter
	send       chan []byte
}

func newLiveClient(hub *Hub, conn *websocket.Conn, ws *workspace.Workspace, documentID, userID string, perSecond int) *liveClient {
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = perSecond
	}
	return &liveClient{
		documentID: documentID,
		userID:     userID,
		hub:        hub,
		conn:       conn,
		ws:         ws,
		limiter:    rate.NewLimiter(limit, burst),
		send:       make(chan []byte, 256),
	}
}

// serve runs the workspace and both pumps until the connection closes.
func (c *liveClient) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := c.ws.Subscribe(func(state workspace.State) {
		c.sendMsg(serverMessage{Type: msgState, Snapshot: &state})
	})
	defer unsubscribe()

	c.hub.add(c)
	defer c.hub.remove(c)

	go c.ws.Run(ctx)
	go c.writePump(ctx)
	c.readPump()
}

func (c *liveClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("live: document %s user %s read error: %v", c.documentID, c.userID, err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError("too many events")
			continue
		}

		var msg liveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *liveClient) dispatch(msg liveMessage) {
	switch msg.Type {
	case msgMode:
		mode, ok := workspace.ParseMode(msg.Mode)
		if !ok {
			c.sendError("unknown mode: " + msg.Mode)
			return
		}
		c.ws.SetMode(mode)
	case msgSelection:
		c.ws.SelectionChanged(msg.selection())
	case msgPointerUp:
		c.ws.PointerUp(msg.selection())
	case msgClick:
		c.ws.Click(msg.Path, msg.OnAffordance)
	case msgKey:
		c.ws.Key(capture.KeyEvent{Key: msg.Key, Ctrl: msg.Ctrl, Shift: msg.Shift, Meta: msg.Meta, Alt: msg.Alt})
	case msgForm:
		switch msg.Action {
		case "open":
			c.ws.OpenCreateForm()
		case "cancel":
			c.ws.CancelForm()
		default:
			c.sendError("unknown form action: " + msg.Action)
		}
	case msgSubmit:
		c.ws.Submit(msg.Content)
	case msgPanel:
		c.ws.TogglePanel()
	case msgHighlights:
		c.ws.ToggleHighlights()
	case msgSelect:
		c.ws.Select(msg.ID)
	case msgNext:
		c.ws.Next()
	case msgPrev:
		c.ws.Prev()
	case msgStatus:
		if msg.Status == "" {
			c.ws.ToggleStatus(msg.ID)
			return
		}
		status, ok := annotations.ParseStatus(msg.Status)
		if !ok {
			c.sendError("unknown status: " + msg.Status)
			return
		}
		c.ws.SetStatus(msg.ID, status)
	case msgDelete:
		c.ws.Delete(msg.ID)
	case msgReply:
		c.ws.Reply(msg.ID, msg.Content)
	case msgDeleteReply:
		c.ws.DeleteReply(msg.AnnotationID, msg.ID)
	case msgReload:
		c.ws.Reload()
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *liveClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveClient) sendMsg(msg serverMessage) {
	select {
	case c.send <- msg.encode():
	default:
		// Client too slow, drop message.
	}
}

func (c *liveClient) sendError(message string) {
	c.sendMsg(serverMessage{Type: msgError, Message: message})
}

// handleLive upgrades the request and serves a live workspace on it. Browsers
// cannot set headers on websocket requests, so the token may also come from
// the token query parameter.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request, documentID string) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	ws, err := s.service.OpenWorkspace(r.Context(), session, documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: websocket upgrade error: %v", err)
		return
	}
	client := newLiveClient(s.service.Hub(), conn, ws, documentID, session.UserID, s.service.cfg.LiveEventsPerSec)
	client.serve(context.Background())
}
