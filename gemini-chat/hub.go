package main

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// hub tracks the connected chat windows.
type hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
}

func newHub() *hub {
	return &hub{clients: map[*Client]struct{}{}}
}

func (h *hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) snapshot() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(ev ServerEvent) {
	for _, c := range h.snapshot() {
		c.push(ev)
	}
}

// closeAll disconnects every window, e.g. on logout or shutdown.
func (h *hub) closeAll() {
	for _, c := range h.snapshot() {
		c.close()
	}
}

// wait blocks until all websocket handler goroutines have finished.
func (h *hub) wait() {
	h.wg.Wait()
}

// writeJSON writes v as one text frame. Unlike gorilla's WriteJSON it does
// not HTML-escape <, > and &, which message text may legitimately contain.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}
