package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/openfluke/neuralstyle/nn"
	"github.com/openfluke/neuralstyle/style"
)

// Message is one JSON frame sent to live clients
type Message struct {
	Type  string          `json:"type"` // "step", "layer" or "done"
	Step  *style.Progress `json:"step,omitempty"`
	Layer *nn.LayerEvent  `json:"layer,omitempty"`
	Error string          `json:"error,omitempty"`
}

type client struct {
	send chan []byte
}

// Hub fans progress out to WebSocket clients. Publishing never blocks: a
// client whose buffer is full misses messages.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
	closed  bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Handler returns the WebSocket endpoint
func (h *Hub) Handler() http.Handler {
	return websocket.Handler(h.serve)
}

// Mux returns a mux with the socket on /ws and the latest message on /status
func (h *Hub) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		last := h.last
		h.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if last == nil {
			last = []byte(`{"type":"idle"}`)
		}
		w.Write(last)
	})
	return mux
}

func (h *Hub) serve(ws *websocket.Conn) {
	defer ws.Close()

	c := &client{send: make(chan []byte, 64)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()

	// Reader detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var ignored string
		for {
			if err := websocket.Message.Receive(ws, &ignored); err != nil {
				return
			}
		}
	}()

	defer h.remove(c)
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := websocket.Message.Send(ws, string(msg)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish sends a message to every connected client
func (h *Hub) Publish(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("monitor: failed to encode %s message: %v", m.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if m.Type != "layer" {
		h.last = data
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Report implements style.Reporter
func (h *Hub) Report(p style.Progress) {
	h.Publish(Message{Type: "step", Step: &p})
}

// Done announces the end of a run
func (h *Hub) Done(runErr error) {
	m := Message{Type: "done"}
	if runErr != nil {
		m.Error = runErr.Error()
	}
	h.Publish(m)
}

// ForwardLayers publishes layer events from obs until its channel closes
func (h *Hub) ForwardLayers(obs *nn.ChannelObserver) {
	go func() {
		for ev := range obs.Events {
			ev := ev
			h.Publish(Message{Type: "layer", Layer: &ev})
		}
	}()
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
