// Package assistant simulates the AI side of a chat window: every user send
// is answered by a canned reply after a fixed delay.
package assistant

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/gemini-chat/chat"
)

const (
	// Sender is the display name of simulated replies.
	Sender = "Gemini AI"

	TextReply  = "This is a simulated AI response."
	ImageReply = "Nice image! (simulated AI response)"

	DefaultDelay = 1500 * time.Millisecond
)

var (
	ErrPending      = errors.New("a reply is still pending")
	ErrEmptyMessage = errors.New("message is empty")
	ErrStopped      = errors.New("responder stopped")
)

// Hooks are optional callbacks invoked by a Responder. They run outside
// the responder lock; Reply runs on the timer goroutine.
type Hooks struct {
	// Typing is called with true when a reply is scheduled and false when it
	// has been delivered or dropped.
	Typing func(typing bool)
	// Reply is called after the reply was appended to roomID.
	Reply func(roomID string, m chat.Message)
}

// Responder serves a single chat window. At most one reply is pending at a
// time; sends made while pending are rejected.
type Responder struct {
	store *chat.Store
	clock clock.Clock
	delay time.Duration
	hooks Hooks

	mu       sync.Mutex
	pending  bool
	stopped  bool
	timer    *clock.Timer
	inflight sync.WaitGroup
}

// Option configures a Responder.
type Option func(*Responder)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Responder) { r.clock = c }
}

// WithDelay overrides DefaultDelay.
func WithDelay(d time.Duration) Option {
	return func(r *Responder) { r.delay = d }
}

// WithHooks installs callbacks.
func WithHooks(h Hooks) Option {
	return func(r *Responder) { r.hooks = h }
}

func New(store *chat.Store, opts ...Option) *Responder {
	r := &Responder{
		store: store,
		clock: clock.New(),
		delay: DefaultDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending reports whether a reply is in flight.
func (r *Responder) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// SendText appends a text message from sender to roomID and schedules the
// simulated reply.
func (r *Responder) SendText(roomID, sender, text string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	m := chat.Message{Sender: sender, Text: text, Type: chat.RoleUser}
	return r.send(roomID, m, TextReply)
}

// SendImage appends an image message (a data URL) from sender to roomID and
// schedules the simulated reply.
func (r *Responder) SendImage(roomID, sender, image string) (chat.Message, error) {
	if image == "" {
		return chat.Message{}, ErrEmptyMessage
	}
	m := chat.Message{Sender: sender, Image: image, Type: chat.RoleUser}
	return r.send(roomID, m, ImageReply)
}

func (r *Responder) send(roomID string, m chat.Message, reply string) (chat.Message, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return chat.Message{}, ErrStopped
	}
	if r.pending {
		r.mu.Unlock()
		return chat.Message{}, ErrPending
	}
	m.Time = r.clock.Now().Format(chat.TimeLayout)
	if err := r.store.AddMessage(roomID, m); err != nil {
		r.mu.Unlock()
		return chat.Message{}, err
	}
	r.pending = true
	r.mu.Unlock()

	if r.hooks.Typing != nil {
		r.hooks.Typing(true)
	}
	t := r.clock.AfterFunc(r.delay, func() { r.fire(roomID, reply) })
	r.mu.Lock()
	r.timer = t
	r.mu.Unlock()
	return m, nil
}

// Stop cancels a pending reply and waits for one that is being delivered.
// Once Stop returns the responder no longer writes to the store; later
// sends return ErrStopped.
func (r *Responder) Stop() {
	r.mu.Lock()
	r.stopped = true
	t := r.timer
	r.timer = nil
	r.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	r.inflight.Wait()
}

func (r *Responder) fire(roomID, reply string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.inflight.Add(1)
	r.mu.Unlock()
	defer r.inflight.Done()
	r.deliver(roomID, reply)
}

// deliver runs once per send. The room id was captured at send time; a room
// deleted in the meantime drops the reply.
func (r *Responder) deliver(roomID, text string) {
	m := chat.Message{
		Sender: Sender,
		Text:   text,
		Time:   r.clock.Now().Format(chat.TimeLayout),
		Type:   chat.RoleAI,
	}
	err := r.store.AddMessage(roomID, m)
	if err != nil {
		log.Debug().Err(err).Str("room", roomID).Msg("[chat] simulated reply dropped")
	}

	r.mu.Lock()
	r.pending = false
	r.mu.Unlock()

	if r.hooks.Typing != nil {
		r.hooks.Typing(false)
	}
	if err == nil && r.hooks.Reply != nil {
		r.hooks.Reply(roomID, m)
	}
}
