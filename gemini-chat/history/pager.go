// Package history fakes a backend that serves older messages on demand.
// A Pager grows the visible window of a chat window by one page each time
// the viewport nears the top, prepending synthesized history.
package history

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gosuda/portal-chat/gemini-chat/chat"
)

const (
	// TopThreshold is the scroll offset (pixels from the top) under which
	// older messages are requested.
	TopThreshold = 10

	DefaultInitialDelay = 700 * time.Millisecond
	DefaultFetchDelay   = 800 * time.Millisecond
)

// Pager tracks the older-message buffer and the page counter of one chat
// window. It is safe for concurrent use.
type Pager struct {
	clock        clock.Clock
	rng          *rand.Rand
	initialDelay time.Duration
	fetchDelay   time.Duration
	onReady      func()
	onLoaded     func(batch []chat.Message)

	mu         sync.Mutex
	page       int
	older      []chat.Message
	loading    bool
	ready      bool
	generation uint64
	readyTimer *clock.Timer
}

type Option func(*Pager)

func WithClock(c clock.Clock) Option {
	return func(p *Pager) { p.clock = c }
}

func WithRand(r *rand.Rand) Option {
	return func(p *Pager) { p.rng = r }
}

// WithDelays overrides the initial-load and fetch delays.
func WithDelays(initial, fetch time.Duration) Option {
	return func(p *Pager) {
		p.initialDelay = initial
		p.fetchDelay = fetch
	}
}

// OnReady is called once the initial load of a room has finished.
func OnReady(fn func()) Option {
	return func(p *Pager) { p.onReady = fn }
}

// OnLoaded is called with every batch of older messages after it was
// prepended.
func OnLoaded(fn func(batch []chat.Message)) Option {
	return func(p *Pager) { p.onLoaded = fn }
}

// New returns a Pager in its reset state. Call Reset to start the initial
// load of a room.
func New(opts ...Option) *Pager {
	p := &Pager{
		clock:        clock.New(),
		initialDelay: DefaultInitialDelay,
		fetchDelay:   DefaultFetchDelay,
		page:         1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(uint64(p.clock.Now().UnixNano()), 0))
	}
	return p
}

// Reset starts over for a newly shown room: page 1, no older messages and
// not ready until the initial load delay elapses. Fetches still in flight
// for the previous room are discarded when they complete.
func (p *Pager) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.page = 1
	p.older = nil
	p.loading = false
	p.ready = false
	if p.readyTimer != nil {
		p.readyTimer.Stop()
	}
	gen := p.generation
	p.readyTimer = p.clock.AfterFunc(p.initialDelay, func() { p.markReady(gen) })
}

// Stop cancels the pending initial-load timer.
func (p *Pager) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	if p.readyTimer != nil {
		p.readyTimer.Stop()
		p.readyTimer = nil
	}
}

func (p *Pager) markReady(gen uint64) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.ready = true
	p.readyTimer = nil
	p.mu.Unlock()
	if p.onReady != nil {
		p.onReady()
	}
}

// Ready reports whether the initial load has completed.
func (p *Pager) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Loading reports whether a fetch of older messages is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Page returns the number of pages in the visible window.
func (p *Pager) Page() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.page
}

// Older returns a copy of the synthesized messages, oldest first.
func (p *Pager) Older() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.older...)
}

// Scroll reports a viewport offset. When the offset is within TopThreshold
// of the top, the room is ready and nothing is loading, a fetch is started
// and Scroll returns true. live is read when the fetch completes and yields
// the room's current messages.
func (p *Pager) Scroll(offset int, live func() []chat.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset >= TopThreshold || p.loading || !p.ready {
		return false
	}
	p.loading = true
	gen := p.generation
	p.clock.AfterFunc(p.fetchDelay, func() { p.load(gen, live) })
	return true
}

func (p *Pager) load(gen uint64, live func() []chat.Message) {
	var liveMsgs []chat.Message
	if live != nil {
		liveMsgs = live()
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	ref := p.clock.Now()
	var first *chat.Message
	switch {
	case len(p.older) > 0:
		first = &p.older[0]
	case len(liveMsgs) > 0:
		first = &liveMsgs[0]
	}
	if first != nil && first.Time != "" {
		if t, ok := referenceTime(first.Time); ok {
			ref = t
		}
	}
	batch := Synthesize(ref, PageSize, p.rng)
	older := make([]chat.Message, 0, len(batch)+len(p.older))
	older = append(older, batch...)
	p.older = append(older, p.older...)
	p.page++
	p.loading = false
	p.mu.Unlock()

	if p.onLoaded != nil {
		p.onLoaded(append([]chat.Message(nil), batch...))
	}
}

// Visible returns the last page*PageSize messages of the older buffer
// followed by live.
func (p *Pager) Visible(live []chat.Message) []chat.Message {
	p.mu.Lock()
	all := make([]chat.Message, 0, len(p.older)+len(live))
	all = append(all, p.older...)
	limit := p.page * PageSize
	p.mu.Unlock()

	all = append(all, live...)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}
