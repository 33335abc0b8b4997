// Package hub wraps a channel with an explicit established guard so that
// establishment and teardown are idempotent and sends before establishment
// fail fast.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gaspardpetit/framerelay/channel"
	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/protocol"
)

// ErrNotEstablished is returned by Send and Request before Establish has
// completed. This is a programmer-error guard, not a recoverable condition.
var ErrNotEstablished = errors.New("hub: communication not established")

// Hub is the lifecycle wrapper around one channel. At most one hub should be
// active per frame; the embedding application owns the instance and passes
// it where needed.
type Hub struct {
	mu          sync.Mutex
	ch          *channel.Channel
	established bool
}

// New wraps ch. The hub does not open the channel until Establish.
func New(ch *channel.Channel) *Hub {
	return &Hub{ch: ch}
}

// Establish performs the handshake once. Calling it again while established
// returns immediately without re-running the handshake.
func (h *Hub) Establish(ctx context.Context, mh handler.MessageHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.established {
		logx.Log.Debug().Msg("communication already established")
		return nil
	}
	res, err := h.ch.Open(mh)
	if err != nil {
		return err
	}
	select {
	case r := <-res:
		if r.Err != nil {
			return r.Err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	h.established = true
	return nil
}

// Terminate tears the channel down. Calling it while not established is a
// no-op.
func (h *Hub) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.established {
		return
	}
	h.ch.Close()
	h.established = false
}

// Established reports whether the handshake has completed.
func (h *Hub) Established() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.established
}

// Send dispatches a fire-and-forget message.
func (h *Hub) Send(category protocol.Category, method string, payload any) error {
	if !h.Established() {
		return ErrNotEstablished
	}
	return h.ch.Send(category, method, payload)
}

// Request sends a correlated request and waits for its reply.
func (h *Hub) Request(ctx context.Context, category protocol.Category, method string, payload any) (json.RawMessage, error) {
	if !h.Established() {
		return nil, ErrNotEstablished
	}
	return h.ch.Request(ctx, category, method, payload)
}

// RequestAsync sends a correlated request and returns its result channel.
func (h *Hub) RequestAsync(category protocol.Category, method string, payload any) (<-chan channel.AsyncResult, error) {
	if !h.Established() {
		return nil, ErrNotEstablished
	}
	return h.ch.RequestAsync(category, method, payload), nil
}
