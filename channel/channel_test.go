package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/framerelay/channel"
	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/protocol"
	"github.com/gaspardpetit/framerelay/wire"
)

const (
	parentOrigin = "https://portal.example.com"
	childOrigin  = "https://games.example.com"
)

var trusted = []string{"portal.example.com"}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

// envRecorder collects parsed envelopes arriving at a window.
type envRecorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *envRecorder) listen(ev wire.Event) {
	env, err := protocol.Parse(ev)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *envRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *envRecorder) methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Method
	}
	return out
}

func (r *envRecorder) at(i int) protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.envs[i]
}

// countingHandler tallies dispatches per category.
type countingHandler struct {
	mu                                           sync.Mutex
	control, errs, game, request, syncs, unknown int
}

func (h *countingHandler) OnControl(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.control++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) OnError(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.errs++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) OnGame(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.game++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) OnRequest(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.request++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) OnSync(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.syncs++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) OnUnknown(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.unknown++
	h.mu.Unlock()
	return nil
}
func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.control + h.errs + h.game + h.request + h.syncs + h.unknown
}
func (h *countingHandler) games() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.game
}
func (h *countingHandler) requests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.request
}

// newPair builds a parent window and an embedded child window whose referrer
// is given verbatim.
func newPair(t *testing.T, referrer string) (*wire.Window, *wire.Window) {
	t.Helper()
	parent := wire.NewWindow(wire.WindowConfig{Origin: parentOrigin})
	child := wire.NewWindow(wire.WindowConfig{Origin: childOrigin, Referrer: referrer, Parent: parent})
	t.Cleanup(parent.Close)
	t.Cleanup(child.Close)
	return parent, child
}

func postToChild(t *testing.T, child, source *wire.Window, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := child.Post(data, "*", source); err != nil {
		t.Fatalf("post to child: %v", err)
	}
}

func TestOpenSendsInitialization(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(handler.Nop{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()

	waitFor(t, func() bool { return rec.len() == 1 })
	env := rec.at(0)
	if env.ID != "1" || env.Category != protocol.CategoryControl || env.Method != protocol.MethodInit {
		t.Fatalf("unexpected handshake message: %+v", env)
	}
	if got := ch.CounterpartOrigin(); got != parentOrigin {
		t.Fatalf("counterpart origin: %s", got)
	}
}

func TestOpenErrors(t *testing.T) {
	ch := channel.New(channel.Config{})
	if _, err := ch.Open(handler.Nop{}); !errors.Is(err, channel.ErrNoWindow) {
		t.Fatalf("expected ErrNoWindow, got %v", err)
	}

	lone := wire.NewWindow(wire.WindowConfig{Origin: childOrigin})
	defer lone.Close()
	ch = channel.New(channel.Config{Self: lone})
	if _, err := ch.Open(handler.Nop{}); !errors.Is(err, channel.ErrNoCounterpart) {
		t.Fatalf("expected ErrNoCounterpart, got %v", err)
	}
}

func TestOpenFallsBackToOpener(t *testing.T) {
	opener := wire.NewWindow(wire.WindowConfig{Origin: parentOrigin})
	child := wire.NewWindow(wire.WindowConfig{Origin: childOrigin, Referrer: parentOrigin, Opener: opener})
	defer opener.Close()
	defer child.Close()
	rec := &envRecorder{}
	opener.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(handler.Nop{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	waitFor(t, func() bool { return rec.len() == 1 })
	if rec.at(0).Method != protocol.MethodInit {
		t.Fatalf("method: %s", rec.at(0).Method)
	}
}

func TestQueueHeldUntilCounterpartConfirmed(t *testing.T) {
	// No referrer: the handshake goes out with the wildcard, then the
	// channel has no counterpart origin until the parent answers.
	parent, child := newPair(t, "")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	res, err := ch.Open(handler.Nop{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	waitFor(t, func() bool { return rec.len() == 1 })
	if got := ch.CounterpartOrigin(); got != "" {
		t.Fatalf("counterpart origin before confirmation: %q", got)
	}

	for _, m := range []string{"m1", "m2", "m3"} {
		if err := ch.Send(protocol.CategoryGame, m, nil); err != nil {
			t.Fatalf("send %s: %v", m, err)
		}
	}
	if ch.QueueLen() != 3 {
		t.Fatalf("queue length: %d", ch.QueueLen())
	}
	time.Sleep(30 * time.Millisecond)
	if rec.len() != 1 {
		t.Fatalf("messages leaked before confirmation: %v", rec.methods())
	}

	postToChild(t, child, parent, protocol.Envelope{ID: "1", Category: protocol.CategoryControl, Method: protocol.MethodInit})

	select {
	case r := <-res:
		if r.Err != nil {
			t.Fatalf("handshake result: %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handshake result never resolved")
	}
	waitFor(t, func() bool { return rec.len() == 4 })
	want := []string{protocol.MethodInit, "m1", "m2", "m3"}
	got := rec.methods()
	for i, m := range want {
		if got[i] != m {
			t.Fatalf("flush order: %v", got)
		}
	}
	if ch.QueueLen() != 0 {
		t.Fatalf("queue not drained: %d", ch.QueueLen())
	}
	if got := ch.CounterpartOrigin(); got != parentOrigin {
		t.Fatalf("counterpart origin after confirmation: %s", got)
	}
}

// establish opens ch against parent/child and answers the handshake.
func establish(t *testing.T, ch *channel.Channel, parent, child *wire.Window, rec *envRecorder) {
	t.Helper()
	waitFor(t, func() bool { return rec.len() >= 1 })
	postToChild(t, child, parent, protocol.Envelope{ID: rec.at(0).ID, Category: protocol.CategoryControl, Method: protocol.MethodInit})
	waitFor(t, func() bool { return ch.PendingRequests() == 0 })
}

func TestRequestReplyCorrelation(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	res := ch.RequestAsync(protocol.CategoryRequest, "ping", map[string]int{"n": 1})
	waitFor(t, func() bool { return rec.len() == 2 })
	req := rec.at(1)
	if req.ID != "2" || req.Category != protocol.CategoryRequest || req.Method != "ping" {
		t.Fatalf("request envelope: %+v", req)
	}

	// An interleaved unrelated message must go to the handler, not the
	// pending entry.
	postToChild(t, child, parent, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	waitFor(t, func() bool { return h.games() == 1 })
	select {
	case <-res:
		t.Fatalf("unrelated message resolved the request")
	default:
	}

	postToChild(t, child, parent, protocol.Envelope{ID: req.ID, Category: protocol.CategoryRequest, Method: "ping", Payload: json.RawMessage(`{"pong":true}`)})
	select {
	case r := <-res:
		if r.Err != nil {
			t.Fatalf("reply error: %v", r.Err)
		}
		if string(r.Payload) != `{"pong":true}` {
			t.Fatalf("reply payload: %s", r.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply never resolved")
	}
	if h.requests() != 0 {
		t.Fatalf("correlated reply leaked into category dispatch")
	}
	if ch.PendingRequests() != 0 {
		t.Fatalf("pending entries remain: %d", ch.PendingRequests())
	}
}

func TestRequestTimeout(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted, RequestTimeout: 40 * time.Millisecond})
	if _, err := ch.Open(handler.Nop{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	res := ch.RequestAsync(protocol.CategoryRequest, "ping", nil)
	select {
	case r := <-res:
		if !errors.Is(r.Err, channel.ErrRequestTimeout) {
			t.Fatalf("expected ErrRequestTimeout, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}
	if ch.PendingRequests() != 0 {
		t.Fatalf("pending entries remain after timeout: %d", ch.PendingRequests())
	}

	// A reply arriving after the timeout must not resolve the request a
	// second time.
	postToChild(t, child, parent, protocol.Envelope{ID: "2", Category: protocol.CategoryRequest, Method: "ping", Payload: json.RawMessage(`1`)})
	time.Sleep(50 * time.Millisecond)
	select {
	case <-res:
		t.Fatalf("late reply resolved the request again")
	default:
	}
}

func TestRequestHonorsContext(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(handler.Nop{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := ch.Request(ctx, protocol.CategoryRequest, "ping", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSendWithReply(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(handler.Nop{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	var mu sync.Mutex
	var got json.RawMessage
	if err := ch.SendWithReply(protocol.CategoryRequest, "ask", nil, func(p json.RawMessage) {
		mu.Lock()
		got = p
		mu.Unlock()
	}); err != nil {
		t.Fatalf("send with reply: %v", err)
	}
	waitFor(t, func() bool { return rec.len() == 2 })
	postToChild(t, child, parent, protocol.Envelope{ID: rec.at(1).ID, Category: protocol.CategoryRequest, Method: "ask", Payload: json.RawMessage(`"answer"`)})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == `"answer"`
	})
}

func TestSelfMessagesRejected(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	postToChild(t, child, child, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	time.Sleep(50 * time.Millisecond)
	if h.total() != 0 {
		t.Fatalf("self message reached the handler")
	}
}

func TestUntrustedOriginRejected(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	stranger := wire.NewWindow(wire.WindowConfig{Origin: "https://evil.example.net"})
	defer stranger.Close()
	postToChild(t, child, stranger, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	time.Sleep(50 * time.Millisecond)
	if h.total() != 0 {
		t.Fatalf("untrusted message reached the handler")
	}
	if got := ch.CounterpartOrigin(); got != parentOrigin {
		t.Fatalf("counterpart hijacked: %s", got)
	}
}

func TestTrustedNonCounterpartIsBookkeepingOnly(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	// Trusted origin, but not the known counterpart window.
	other := wire.NewWindow(wire.WindowConfig{Origin: parentOrigin})
	defer other.Close()
	postToChild(t, child, other, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	time.Sleep(50 * time.Millisecond)
	if h.total() != 0 {
		t.Fatalf("non-counterpart message reached the handler")
	}
}

func TestClosedCounterpartReplaced(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	parent.Close()
	replacement := wire.NewWindow(wire.WindowConfig{Origin: parentOrigin})
	defer replacement.Close()
	postToChild(t, child, replacement, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	waitFor(t, func() bool { return h.games() == 1 })
	if got := ch.CounterpartOrigin(); got != parentOrigin {
		t.Fatalf("counterpart origin after adoption: %s", got)
	}
}

func TestMessageFromClosedSourceClearsCounterpart(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	parent.Close()
	ghost := wire.NewWindow(wire.WindowConfig{Origin: parentOrigin})
	ghost.Close()
	postToChild(t, child, ghost, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})

	waitFor(t, func() bool { return ch.CounterpartOrigin() == "" })
	if h.total() != 0 {
		t.Fatalf("message from a closed source reached the handler")
	}
	if err := ch.Send(protocol.CategoryGame, "later", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ch.QueueLen() != 1 {
		t.Fatalf("send did not queue after counterpart loss: %d", ch.QueueLen())
	}
}

func TestCloseResetsState(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &countingHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	establish(t, ch, parent, child, rec)

	ch.Close()
	if ch.CounterpartOrigin() != "" || ch.QueueLen() != 0 || ch.PendingRequests() != 0 {
		t.Fatalf("close did not reset state")
	}
	postToChild(t, child, parent, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	time.Sleep(50 * time.Millisecond)
	if h.total() != 0 {
		t.Fatalf("listener survived close")
	}
	ch.Close()
}

func TestResetKeepsListener(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(handler.Nop{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	ch.Reset()
	if ch.CounterpartOrigin() != "" || ch.QueueLen() != 0 || ch.PendingRequests() != 0 {
		t.Fatalf("reset did not clear state")
	}

	// The listener survives a reset, so the next inbound message re-adopts
	// the counterpart.
	postToChild(t, child, parent, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	waitFor(t, func() bool { return ch.CounterpartOrigin() == parentOrigin })
}

func TestHandlerPanicContained(t *testing.T) {
	parent, child := newPair(t, parentOrigin+"/embed")
	rec := &envRecorder{}
	parent.AddListener(rec.listen)
	h := &panickyHandler{}

	ch := channel.New(channel.Config{Self: child, TrustedOrigins: trusted})
	if _, err := ch.Open(h); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ch.Close()
	establish(t, ch, parent, child, rec)

	postToChild(t, child, parent, protocol.Envelope{Category: protocol.CategoryGame, Method: protocol.MethodStart})
	// A second message proves the delivery loop survived the panic.
	postToChild(t, child, parent, protocol.Envelope{Category: protocol.CategorySync, Method: protocol.SyncCurrentLevel, Payload: json.RawMessage(`1`)})
	waitFor(t, func() bool { return h.syncSeen() })
}

type panickyHandler struct {
	handler.Nop
	mu   sync.Mutex
	seen bool
}

func (h *panickyHandler) OnGame(context.Context, protocol.Envelope) error {
	panic("boom")
}

func (h *panickyHandler) OnSync(context.Context, protocol.Envelope) error {
	h.mu.Lock()
	h.seen = true
	h.mu.Unlock()
	return nil
}

func (h *panickyHandler) syncSeen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen
}
