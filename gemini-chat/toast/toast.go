// Package toast keeps short-lived notifications. Each toast removes itself
// after a fixed delay using its own timer.
package toast

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Toast kinds used by the chat server.
const (
	Info    = "info"
	Success = "success"
	Error   = "error"
)

const DefaultTTL = 2500 * time.Millisecond

// Toast is one notification. IDs are derived from the creation time plus a
// random suffix; uniqueness is best effort.
type Toast struct {
	ID      int64  `json:"id"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Center holds the visible toasts.
type Center struct {
	clock    clock.Clock
	ttl      time.Duration
	onChange func([]Toast)

	mu     sync.Mutex
	toasts []Toast
	timers map[int64]*clock.Timer
}

type Option func(*Center)

func WithClock(c clock.Clock) Option {
	return func(tc *Center) { tc.clock = c }
}

func WithTTL(d time.Duration) Option {
	return func(tc *Center) { tc.ttl = d }
}

// OnChange is called with the current toasts whenever one is added or
// removed. It runs outside the center lock.
func OnChange(fn func([]Toast)) Option {
	return func(tc *Center) { tc.onChange = fn }
}

func NewCenter(opts ...Option) *Center {
	c := &Center{
		clock:  clock.New(),
		ttl:    DefaultTTL,
		timers: make(map[int64]*clock.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Show adds a toast and schedules its removal. An empty kind means Info.
func (c *Center) Show(message, kind string) Toast {
	if kind == "" {
		kind = Info
	}
	c.mu.Lock()
	t := Toast{ID: c.clock.Now().UnixMilli()*1000 + rand.Int64N(1000), Message: message, Type: kind}
	c.toasts = append(c.toasts, t)
	id := t.ID
	c.timers[id] = c.clock.AfterFunc(c.ttl, func() { c.expire(id) })
	snapshot := slices.Clone(c.toasts)
	c.mu.Unlock()

	c.changed(snapshot)
	return t
}

// Remove dismisses a toast early. Unknown ids are ignored.
func (c *Center) Remove(id int64) {
	c.mu.Lock()
	if tm, ok := c.timers[id]; ok {
		tm.Stop()
		delete(c.timers, id)
	}
	snapshot, removed := c.removeLocked(id)
	c.mu.Unlock()
	if removed {
		c.changed(snapshot)
	}
}

func (c *Center) expire(id int64) {
	c.mu.Lock()
	delete(c.timers, id)
	snapshot, removed := c.removeLocked(id)
	c.mu.Unlock()
	if removed {
		c.changed(snapshot)
	}
}

func (c *Center) removeLocked(id int64) ([]Toast, bool) {
	idx := slices.IndexFunc(c.toasts, func(t Toast) bool { return t.ID == id })
	if idx < 0 {
		return nil, false
	}
	c.toasts = slices.Delete(c.toasts, idx, idx+1)
	return slices.Clone(c.toasts), true
}

// List returns the visible toasts, oldest first.
func (c *Center) List() []Toast {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.toasts)
}

// Close stops every pending removal timer.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, tm := range c.timers {
		tm.Stop()
		delete(c.timers, id)
	}
}

func (c *Center) changed(snapshot []Toast) {
	if c.onChange != nil {
		c.onChange(snapshot)
	}
}
