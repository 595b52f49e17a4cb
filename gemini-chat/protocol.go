package main

import (
	"github.com/gosuda/portal-chat/gemini-chat/chat"
	"github.com/gosuda/portal-chat/gemini-chat/session"
	"github.com/gosuda/portal-chat/gemini-chat/toast"
)

// Client message types.
const (
	msgSend   = "send"
	msgImage  = "image"
	msgScroll = "scroll"
)

// Server event types.
const (
	eventRooms   = "rooms"
	eventWindow  = "window"
	eventTyping  = "typing"
	eventLoading = "loading"
	eventToasts  = "toasts"
	eventSession = "session"
	eventError   = "error"
)

// ClientMessage is the envelope received from a chat window.
type ClientMessage struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// ServerEvent is pushed to chat windows. Only the fields relevant to Type
// are set.
type ServerEvent struct {
	Type    string         `json:"type"`
	Body    string         `json:"body,omitempty"`
	Rooms   []roomSummary  `json:"rooms,omitempty"`
	Current string         `json:"current,omitempty"`
	Room    *roomView      `json:"room,omitempty"`
	Typing  *bool          `json:"typing,omitempty"`
	Loading *bool          `json:"loading,omitempty"`
	Toasts  []toast.Toast  `json:"toasts,omitempty"`
	Session *session.State `json:"session,omitempty"`
}

// roomSummary is a chatroom list entry.
type roomSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Messages int    `json:"messages"`
}

// roomView is the visible part of the active room in one window.
type roomView struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Ready    bool           `json:"ready"`
	Page     int            `json:"page"`
	Messages []chat.Message `json:"messages"`
}

func summarize(rooms []chat.Chatroom) []roomSummary {
	out := make([]roomSummary, len(rooms))
	for i, r := range rooms {
		out[i] = roomSummary{ID: r.ID, Name: r.Name, Messages: len(r.Messages)}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
