package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sumlink/logging"
)

// Event type constants.
const (
	eventValueChange   = "value-change"
	eventHealth        = "health"
	eventWriteResponse = "write-response"
)

// event is one message for the stream clients.
type event struct {
	Type     string      `json:"type"`
	Variable string      `json:"-"` // set for variable events, used for filtering
	Data     interface{} `json:"data"`
}

// valueUpdate is the payload of value-change events.
type valueUpdate struct {
	Device    string      `json:"device"`
	Variable  string      `json:"variable"`
	Type      string      `json:"type,omitempty"`
	Value     interface{} `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// streamClient is a connected SSE or WebSocket client.
type streamClient struct {
	id     string
	events chan event
	types  map[string]bool
	vars   map[string]bool
}

func (c *streamClient) wants(e event) bool {
	if c.types != nil && !c.types[e.Type] {
		return false
	}
	if c.vars != nil && e.Variable != "" && !c.vars[e.Variable] {
		return false
	}
	return true
}

var clientSeq atomic.Uint64

// newStreamClient reads the types= and vars= filters from the query.
func newStreamClient(kind string, r *http.Request) *streamClient {
	return &streamClient{
		id:     fmt.Sprintf("%s-%d", kind, clientSeq.Add(1)),
		events: make(chan event, 64),
		types:  splitFilter(r.URL.Query().Get("types")),
		vars:   splitFilter(r.URL.Query().Get("vars")),
	}
}

func splitFilter(s string) map[string]bool {
	if s == "" {
		return nil
	}
	m := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			m[part] = true
		}
	}
	return m
}

// eventHub manages stream clients and broadcasts events.
type eventHub struct {
	clients    map[string]*streamClient
	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan event
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*streamClient),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan event, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case e := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				if !client.wants(e) {
					continue
				}
				select {
				case client.events <- e:
				default:
					logging.DebugLog("API", "client %s buffer full, dropping %s event", client.id, e.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// join registers c. It returns false once the hub has stopped.
func (h *eventHub) join(c *streamClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *eventHub) leave(c *streamClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *eventHub) Broadcast(e event) {
	select {
	case h.broadcast <- e:
	default:
		logging.DebugLog("API", "broadcast channel full, dropping %s event", e.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *eventHub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// handleSSE serves the /api/events stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	hub := s.currentHub()
	client := newStreamClient("sse", r)
	if !hub.join(client) {
		writeError(w, http.StatusServiceUnavailable, "server stopping")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			hub.leave(client)
			return

		case e, ok := <-client.events:
			if !ok {
				return
			}
			data, err := json.Marshal(e.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsWrite is a write request sent over the WebSocket.
type wsWrite struct {
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
}

// handleWebSocket serves /api/ws. The socket receives the same events as
// the SSE stream. Clients that upgraded with admin credentials may also send
// {"variable": ..., "value": ...} write requests and get write-response
// events back.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	writable := s.canWrite(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.DebugLog("API", "websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	hub := s.currentHub()
	client := newStreamClient("ws", r)
	if !hub.join(client) {
		return
	}

	// Reader: write requests in, replies handed to the writer loop below.
	replies := make(chan WriteResponse, 8)
	quit := make(chan struct{})
	defer close(quit)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			var req wsWrite
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := WriteResponse{
				Device:    s.device.Snapshot().Name,
				Variable:  req.Variable,
				Value:     req.Value,
				Error:     "admin login required",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			if writable {
				resp = s.write(req.Variable, req.Value)
			}
			select {
			case replies <- resp:
			case <-quit:
				return
			}
		}
	}()

	if err := conn.WriteJSON(event{Type: "connected", Data: map[string]string{"id": client.id}}); err != nil {
		hub.leave(client)
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			hub.leave(client)
			return

		case resp := <-replies:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(event{Type: eventWriteResponse, Data: resp}); err != nil {
				hub.leave(client)
				return
			}

		case e, ok := <-client.events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				hub.leave(client)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				hub.leave(client)
				return
			}
		}
	}
}
