package main

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/gemini-chat/assistant"
	"github.com/gosuda/portal-chat/gemini-chat/chat"
	"github.com/gosuda/portal-chat/gemini-chat/history"
	"github.com/gosuda/portal-chat/gemini-chat/toast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameBytes  = 8 << 20
)

// Client is one chat window connected over websocket. It owns its own
// simulated responder and history pager; the chatroom list is shared.
type Client struct {
	srv       *server
	conn      *websocket.Conn
	sender    string
	responder *assistant.Responder
	pager     *history.Pager

	mu      sync.Mutex
	send    chan ServerEvent
	closed  bool
	shown   string
	started bool
}

func newClient(srv *server, conn *websocket.Conn, sender string) *Client {
	c := &Client{
		srv:    srv,
		conn:   conn,
		sender: sender,
		send:   make(chan ServerEvent, sendBufferSize),
	}
	c.responder = assistant.New(srv.rooms,
		assistant.WithClock(srv.clock),
		assistant.WithDelay(srv.cfg.ReplyDelay),
		assistant.WithHooks(assistant.Hooks{
			Typing: func(typing bool) {
				c.push(ServerEvent{Type: eventTyping, Typing: boolPtr(typing)})
			},
		}),
	)
	c.pager = history.New(
		history.WithClock(srv.clock),
		history.WithDelays(srv.cfg.InitialDelay, srv.cfg.OlderDelay),
		history.OnReady(c.pushWindow),
		history.OnLoaded(func([]chat.Message) {
			c.push(ServerEvent{Type: eventLoading, Loading: boolPtr(false)})
			c.pushWindow()
		}),
	)
	return c
}

func (c *Client) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("user", c.sender).Msg("[chat] read message")
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.pushError("malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
				return
			}
			if err := writeJSON(c.conn, ev); err != nil {
				log.Debug().Err(err).Str("user", c.sender).Msg("[chat] write json")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(msg ClientMessage) {
	switch msg.Type {
	case msgSend:
		text := sanitizeMessage(msg.Text)
		if text == "" {
			c.pushError("message is empty")
			return
		}
		_, err := c.responder.SendText(c.shownRoom(), c.sender, text)
		if c.reportSendError(err) {
			return
		}
		c.srv.toasts.Show("Message sent!", toast.Success)
	case msgImage:
		if err := validateImageDataURL(msg.Image); err != nil {
			c.pushError(err.Error())
			return
		}
		_, err := c.responder.SendImage(c.shownRoom(), c.sender, msg.Image)
		if c.reportSendError(err) {
			return
		}
		c.srv.toasts.Show("Image sent!", toast.Success)
	case msgScroll:
		room := c.shownRoom()
		live := func() []chat.Message {
			r, _ := c.srv.rooms.Chatroom(room)
			return r.Messages
		}
		if c.pager.Scroll(msg.Offset, live) {
			c.push(ServerEvent{Type: eventLoading, Loading: boolPtr(true)})
		}
	default:
		c.pushError("unknown message type")
	}
}

// reportSendError pushes a readable error for a failed send and reports
// whether there was one.
func (c *Client) reportSendError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, assistant.ErrPending):
		c.pushError("wait for the reply before sending again")
	case errors.Is(err, chat.ErrNotFound):
		c.pushError("no chatroom selected")
	case errors.Is(err, assistant.ErrEmptyMessage):
		c.pushError("message is empty")
	case errors.Is(err, assistant.ErrStopped):
		c.pushError("chat window is closed")
	default:
		log.Warn().Err(err).Str("user", c.sender).Msg("[chat] send failed")
		c.pushError("message could not be saved")
	}
	return true
}

// sync follows the active chatroom. A change of room restarts the pager
// (skeleton, page 1, no older messages); otherwise the window is re-sent.
func (c *Client) sync() {
	current := c.srv.rooms.CurrentID()
	c.mu.Lock()
	changed := !c.started || c.shown != current
	c.shown = current
	c.started = true
	c.mu.Unlock()
	if changed {
		c.pager.Reset()
	}
	c.pushWindow()
}

func (c *Client) shownRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown
}

func (c *Client) pushWindow() {
	room, ok := c.srv.rooms.Chatroom(c.shownRoom())
	if !ok {
		c.push(ServerEvent{Type: eventWindow})
		return
	}
	view := &roomView{
		ID:       room.ID,
		Name:     room.Name,
		Ready:    c.pager.Ready(),
		Page:     c.pager.Page(),
		Messages: []chat.Message{},
	}
	if view.Ready {
		view.Messages = c.pager.Visible(room.Messages)
	}
	c.push(ServerEvent{Type: eventWindow, Room: view})
}

func (c *Client) pushError(body string) {
	c.push(ServerEvent{Type: eventError, Body: body})
}

func (c *Client) push(ev ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		// drop oldest to avoid blocking
		select {
		case <-c.send:
		default:
		}
		c.send <- ev
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.responder.Stop()
	c.pager.Stop()
	c.srv.hub.remove(c)
}
