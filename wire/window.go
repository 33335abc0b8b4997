// Package wire models the low-level cross-document messaging primitive the
// relay is built on: windows that post data to one another with an explicit
// target origin, and receive events carrying the sender's window reference
// and origin. Delivery is serial per window, mirroring the host event loop.
package wire

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gaspardpetit/framerelay/internal/logx"
)

var (
	// ErrWindowClosed is returned when posting through a closed window.
	ErrWindowClosed = errors.New("wire: window closed")
)

// Event is one message delivered to a window's listeners.
type Event struct {
	// Data is the posted payload. Only string payloads are valid relay
	// envelopes; anything else is rejected upstream as malformed.
	Data any
	// Origin is the sender's origin.
	Origin string
	// Source is the sender's window reference.
	Source *Window
}

// Listener receives events delivered to a window.
type Listener func(Event)

// WindowConfig describes a window at creation time. Origin is required;
// Parent marks the window as embedded content, Opener as popup content.
type WindowConfig struct {
	Origin   string
	Referrer string
	Parent   *Window
	Opener   *Window
}

// Window is one frame's messaging endpoint. Events post into an inbox and a
// single delivery goroutine hands them to listeners in order, so listener
// invocations never interleave.
type Window struct {
	id       string
	origin   string
	referrer string
	parent   *Window
	opener   *Window

	mu         sync.Mutex
	closed     bool
	nextHandle int
	listeners  map[int]Listener

	// forward, when set, replaces local delivery: the window is a proxy
	// for a remote one and posts are shipped across a bridge instead.
	forward func(data any, targetOrigin string) error

	inbox chan Event
	done  chan struct{}
}

// NewWindow creates a window and starts its delivery loop.
func NewWindow(cfg WindowConfig) *Window {
	w := &Window{
		id:        uuid.NewString(),
		origin:    cfg.Origin,
		referrer:  cfg.Referrer,
		parent:    cfg.Parent,
		opener:    cfg.Opener,
		listeners: map[int]Listener{},
		inbox:     make(chan Event, 256),
		done:      make(chan struct{}),
	}
	go w.deliverLoop()
	return w
}

// NewProxyWindow creates a window standing in for a remote one: it carries
// the remote origin, and posts are handed to fn instead of being delivered
// locally.
func NewProxyWindow(origin string, fn func(data any, targetOrigin string) error) *Window {
	w := NewWindow(WindowConfig{Origin: origin})
	w.forward = fn
	return w
}

// ID returns the window's unique identity.
func (w *Window) ID() string { return w.id }

// Origin returns the window's own origin.
func (w *Window) Origin() string { return w.origin }

// Referrer returns the document referrer the window was created with.
func (w *Window) Referrer() string { return w.referrer }

// Parent returns the embedding window, or nil for a top-level window.
func (w *Window) Parent() *Window { return w.parent }

// Opener returns the window that opened this one, or nil.
func (w *Window) Opener() *Window { return w.opener }

// Closed reports whether the window has been closed.
func (w *Window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// AddListener registers a listener and returns a handle for removal.
func (w *Window) AddListener(fn Listener) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextHandle++
	w.listeners[w.nextHandle] = fn
	return w.nextHandle
}

// RemoveListener unregisters the listener behind handle. Unknown handles are
// ignored.
func (w *Window) RemoveListener(handle int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, handle)
}

// Post delivers data to this window as coming from source. The host drops
// the message when the window is closed or when targetOrigin names neither
// the wildcard nor this window's own origin.
func (w *Window) Post(data any, targetOrigin string, source *Window) error {
	if targetOrigin != "*" && targetOrigin != w.origin {
		logx.Log.Debug().Str("target_origin", targetOrigin).Str("window_origin", w.origin).Msg("post dropped: target origin mismatch")
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWindowClosed
	}
	forward := w.forward
	w.mu.Unlock()
	if forward != nil {
		return forward(data, targetOrigin)
	}
	ev := Event{Data: data, Origin: originOf(source), Source: source}
	select {
	case w.inbox <- ev:
		return nil
	case <-w.done:
		return ErrWindowClosed
	}
}

// Close marks the window closed and stops delivery. Closing twice is a
// no-op.
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.listeners = map[int]Listener{}
	close(w.done)
	w.mu.Unlock()
}

func (w *Window) deliverLoop() {
	for {
		select {
		case ev := <-w.inbox:
			w.mu.Lock()
			handles := make([]int, 0, len(w.listeners))
			for h := range w.listeners {
				handles = append(handles, h)
			}
			sort.Ints(handles)
			fns := make([]Listener, 0, len(handles))
			for _, h := range handles {
				fns = append(fns, w.listeners[h])
			}
			w.mu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		case <-w.done:
			return
		}
	}
}

func originOf(w *Window) string {
	if w == nil {
		return ""
	}
	return w.origin
}
