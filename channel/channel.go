// Package channel implements the child side of the frame relay: counterpart
// discovery, the initialize-connection handshake, origin-gated receive
// handling, request/response correlation and queueing of outgoing messages
// until a counterpart is confirmed.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/internal/metrics"
	"github.com/gaspardpetit/framerelay/origin"
	"github.com/gaspardpetit/framerelay/protocol"
	"github.com/gaspardpetit/framerelay/wire"
)

// DefaultRequestTimeout bounds how long an async request waits for a reply.
const DefaultRequestTimeout = 10 * time.Second

const metricsSide = "child"

var (
	// ErrNoWindow is returned when no window reference is available, i.e.
	// the relay is running outside an interactive frame context.
	ErrNoWindow = errors.New("channel: window unavailable in this context")
	// ErrNoCounterpart is returned when the frame has neither a parent nor
	// an opener window to talk to.
	ErrNoCounterpart = errors.New("channel: no parent or opener window")
	// ErrRequestTimeout marks an async request that expired with no reply.
	ErrRequestTimeout = errors.New("channel: request timed out")
)

// AsyncResult is the outcome of an async request: the reply payload or an
// error.
type AsyncResult struct {
	Payload json.RawMessage
	Err     error
}

// Config carries the channel's environment: the frame's own window, the
// trusted origin patterns for inbound validation, and the per-request
// timeout (DefaultRequestTimeout when zero).
type Config struct {
	Self           *wire.Window
	TrustedOrigins []string
	RequestTimeout time.Duration
}

type pendingEntry struct {
	id    string
	fn    func(AsyncResult)
	timer *time.Timer
	done  bool
}

// Channel owns the child-side relay state. It is created once per frame
// lifetime; Close returns it to the initial state.
type Channel struct {
	cfg Config

	mu                sync.Mutex
	counterpart       *wire.Window
	counterpartOrigin string
	queue             []protocol.Envelope
	pending           map[string]*pendingEntry
	listener          int
	handler           handler.MessageHandler
	nextID            int64
}

// New creates an idle channel. Open performs the handshake.
func New(cfg Config) *Channel {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Channel{cfg: cfg, pending: map[string]*pendingEntry{}}
}

// Open locates the counterpart window, registers the receive listener and
// sends the initialize-connection control message. The returned channel
// yields the handshake reply (or its timeout). The receive listener is
// registered before anything is sent so a fast reply cannot be missed. On
// failure the channel is torn down and the error returned.
func (c *Channel) Open(h handler.MessageHandler) (<-chan AsyncResult, error) {
	self := c.cfg.Self
	if self == nil {
		return nil, ErrNoWindow
	}
	counterpart := self.Parent()
	if counterpart == self {
		counterpart = nil
	}
	if counterpart == nil {
		counterpart = self.Opener()
	}
	if counterpart == nil {
		c.Close()
		return nil, ErrNoCounterpart
	}

	c.mu.Lock()
	c.handler = h
	c.counterpart = counterpart
	c.listener = self.AddListener(c.onEvent)
	// Tentative origin from the referrer; possibly the wildcard sentinel.
	c.counterpartOrigin = origin.FromReferrer(self.Referrer())
	c.mu.Unlock()

	res := c.RequestAsync(protocol.CategoryControl, protocol.MethodInit, nil)

	// The wildcard is only for the first outgoing handshake attempt. The
	// steady-state origin is established from the first inbound message.
	c.mu.Lock()
	if c.counterpartOrigin == origin.Wildcard {
		c.counterpartOrigin = ""
	}
	c.mu.Unlock()
	return res, nil
}

// Send dispatches a fire-and-forget envelope, queueing it when no
// counterpart is ready.
func (c *Channel) Send(category protocol.Category, method string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	c.dispatch(protocol.Envelope{Category: category, Method: method, Payload: raw})
	return nil
}

// SendWithReply dispatches an envelope with a request id and registers fn to
// receive the reply payload. No timeout applies; the caller accepts the
// entry leaking if no reply ever arrives.
func (c *Channel) SendWithReply(category protocol.Category, method string, payload any, fn func(json.RawMessage)) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	id := c.allocateID()
	c.pending[id] = &pendingEntry{id: id, fn: func(r AsyncResult) {
		if r.Err == nil && fn != nil {
			fn(r.Payload)
		}
	}}
	c.mu.Unlock()
	c.dispatch(protocol.Envelope{ID: id, Category: category, Method: method, Payload: raw})
	return nil
}

// RequestAsync dispatches an envelope with a request id and returns a
// one-shot result channel. The pending entry is removed when the reply
// arrives or when the timeout fires, whichever comes first; a late reply is
// dropped.
func (c *Channel) RequestAsync(category protocol.Category, method string, payload any) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	raw, err := marshalPayload(payload)
	if err != nil {
		out <- AsyncResult{Err: err}
		return out
	}
	c.mu.Lock()
	id := c.allocateID()
	entry := &pendingEntry{id: id, fn: func(r AsyncResult) { out <- r }}
	entry.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		c.expire(id, entry, category, method)
	})
	c.pending[id] = entry
	c.mu.Unlock()
	c.dispatch(protocol.Envelope{ID: id, Category: category, Method: method, Payload: raw})
	return out
}

// Request is the blocking form of RequestAsync, honoring ctx cancelation.
func (c *Channel) Request(ctx context.Context, category protocol.Category, method string, payload any) (json.RawMessage, error) {
	res := c.RequestAsync(category, method, payload)
	select {
	case r := <-res:
		return r.Payload, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the receive listener and resets all state. Outstanding
// async requests are not rejected here; each resolves through its own
// timeout.
func (c *Channel) Close() {
	c.mu.Lock()
	listener := c.listener
	c.listener = 0
	c.mu.Unlock()
	if c.cfg.Self != nil && listener != 0 {
		c.cfg.Self.RemoveListener(listener)
	}
	c.Reset()
}

// Reset clears counterpart, queue, pending table and handler without touching
// the listener registration. Close calls it as part of teardown.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.counterpart = nil
	c.counterpartOrigin = ""
	c.queue = nil
	c.pending = map[string]*pendingEntry{}
	c.handler = nil
	c.mu.Unlock()
	metrics.SetQueueDepth(metricsSide, 0)
}

// QueueLen returns the number of envelopes waiting for a counterpart.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// PendingRequests returns the number of outstanding request ids.
func (c *Channel) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// CounterpartOrigin returns the trusted origin for outgoing sends, empty
// before the handshake establishes it.
func (c *Channel) CounterpartOrigin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpartOrigin
}

// allocateID must be called with c.mu held.
func (c *Channel) allocateID() string {
	c.nextID++
	return strconv.FormatInt(c.nextID, 10)
}

func (c *Channel) expire(id string, entry *pendingEntry, category protocol.Category, method string) {
	c.mu.Lock()
	if entry.done {
		c.mu.Unlock()
		return
	}
	entry.done = true
	delete(c.pending, id)
	c.mu.Unlock()
	metrics.RecordRequestTimeout(metricsSide)
	logx.Log.Warn().Str("id", id).Str("category", string(category)).Str("method", method).Msg("request timed out")
	entry.fn(AsyncResult{Err: fmt.Errorf("%w: %s/%s", ErrRequestTimeout, category, method)})
}

// dispatch sends env immediately when both counterpart window and origin are
// known, otherwise appends it to the outgoing queue in order.
func (c *Channel) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	target := c.counterpart
	targetOrigin := c.counterpartOrigin
	if target == nil || targetOrigin == "" {
		c.queue = append(c.queue, env)
		depth := len(c.queue)
		c.mu.Unlock()
		metrics.RecordMessageQueued(metricsSide)
		metrics.SetQueueDepth(metricsSide, depth)
		logx.Log.Debug().Str("category", string(env.Category)).Str("method", env.Method).Msg("queued outgoing message; no counterpart ready")
		return
	}
	c.mu.Unlock()
	c.post(target, targetOrigin, env)
}

func (c *Channel) post(target *wire.Window, targetOrigin string, env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		logx.Log.Error().Err(err).Msg("encode outgoing message")
		return
	}
	if err := target.Post(data, targetOrigin, c.cfg.Self); err != nil {
		logx.Log.Warn().Err(err).Str("category", string(env.Category)).Msg("post to counterpart failed")
		return
	}
	metrics.RecordMessageSent(metricsSide, string(env.Category))
}

// flushQueue drains the outgoing queue front to back, stopping early if the
// counterpart disappears mid-flush. Abandoned entries are not re-queued.
func (c *Channel) flushQueue() {
	c.mu.Lock()
	target := c.counterpart
	targetOrigin := c.counterpartOrigin
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()
	metrics.SetQueueDepth(metricsSide, 0)
	if len(queued) == 0 {
		return
	}
	if target == nil || targetOrigin == "" {
		logx.Log.Warn().Int("dropped", len(queued)).Msg("flush aborted; no counterpart")
		return
	}
	for i, env := range queued {
		if target.Closed() {
			logx.Log.Warn().Int("dropped", len(queued)-i).Msg("flush stopped; counterpart closed")
			return
		}
		c.post(target, targetOrigin, env)
	}
}

// onEvent is the registered receive callback. It runs on the window's
// delivery goroutine, one event at a time.
func (c *Channel) onEvent(ev wire.Event) {
	self := c.cfg.Self
	// Security gate: never accept our own reflections, and require either
	// a same-origin sibling or an origin matching the trusted patterns.
	if ev.Source == self {
		metrics.RecordMessageDropped(metricsSide, "self_source")
		logx.Log.Warn().Str("origin", ev.Origin).Msg("dropped message from self")
		return
	}
	if ev.Origin != self.Origin() && !origin.IsTrusted(ev.Origin, c.cfg.TrustedOrigins) {
		metrics.RecordMessageDropped(metricsSide, "untrusted_origin")
		logx.Log.Warn().Str("origin", ev.Origin).Msg("dropped message from untrusted origin")
		return
	}
	env, err := protocol.Parse(ev)
	if err != nil {
		metrics.RecordMessageDropped(metricsSide, "malformed")
		logx.Log.Warn().Err(err).Str("origin", ev.Origin).Msg("dropped malformed message")
		return
	}

	// Relationship maintenance: adopt the source when we have no
	// counterpart, when the known one is gone, or when the source is the
	// counterpart itself (its origin may be fresher than the referrer
	// guess).
	c.mu.Lock()
	if c.counterpart == nil || c.counterpart.Closed() || ev.Source == c.counterpart {
		c.counterpart = ev.Source
		c.counterpartOrigin = ev.Origin
	}
	if c.counterpart != nil && c.counterpart.Closed() {
		c.counterpart = nil
		c.counterpartOrigin = ""
		c.mu.Unlock()
		logx.Log.Warn().Msg("counterpart window closed; awaiting a new one")
		return
	}
	isCounterpart := ev.Source == c.counterpart
	h := c.handler
	c.mu.Unlock()

	c.flushQueue()

	// Messages from a non-counterpart source update bookkeeping only.
	if !isCounterpart {
		metrics.RecordMessageDropped(metricsSide, "not_counterpart")
		logx.Log.Warn().Str("origin", ev.Origin).Msg("ignoring message from non-counterpart source")
		return
	}

	// Reply correlation short-circuits category routing.
	if env.ID != "" {
		c.mu.Lock()
		entry, ok := c.pending[env.ID]
		if ok && !entry.done {
			entry.done = true
			delete(c.pending, env.ID)
			if entry.timer != nil {
				entry.timer.Stop()
			}
			c.mu.Unlock()
			entry.fn(AsyncResult{Payload: env.Payload})
			return
		}
		c.mu.Unlock()
	}

	metrics.RecordMessageReceived(metricsSide, string(env.Category))
	Dispatch(context.Background(), h, env, metricsSide)
}

// Dispatch routes one envelope to the handler method matching its category.
// Handler errors and panics are logged and contained; they never propagate
// back into the receive path.
func Dispatch(ctx context.Context, h handler.MessageHandler, env protocol.Envelope, side string) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Str("category", string(env.Category)).Msg("handler panicked")
		}
	}()
	var err error
	switch env.Category {
	case protocol.CategoryControl:
		err = h.OnControl(ctx, env)
	case protocol.CategoryError:
		err = h.OnError(ctx, env)
	case protocol.CategoryGame:
		err = h.OnGame(ctx, env)
	case protocol.CategoryRequest:
		err = h.OnRequest(ctx, env)
	case protocol.CategorySync:
		err = h.OnSync(ctx, env)
	default:
		err = h.OnUnknown(ctx, env)
	}
	if err != nil {
		logx.Log.Error().Err(err).Str("side", side).Str("category", string(env.Category)).Str("method", env.Method).Msg("handler failed")
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("channel: marshal payload: %w", err)
		}
		return raw, nil
	}
}
