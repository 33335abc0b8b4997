// Package controller implements the parent-side mirror of the relay: iframe
// lifecycle management, the parent half of the handshake, and the
// high-level game-control sends.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gaspardpetit/framerelay/channel"
	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/internal/metrics"
	"github.com/gaspardpetit/framerelay/origin"
	"github.com/gaspardpetit/framerelay/protocol"
	"github.com/gaspardpetit/framerelay/wire"
)

// DefaultHandshakeTimeout bounds the wait for the child's
// initialize-connection message.
const DefaultHandshakeTimeout = 30 * time.Second

const metricsSide = "parent"

// LifecycleState is the controller's three-state lifecycle.
type LifecycleState string

const (
	StateBootstrapped       LifecycleState = "bootstrapped"
	StateContentLoaded      LifecycleState = "content_loaded"
	StateCommunicationReady LifecycleState = "communication_ready"
)

var (
	// ErrBadLifecycle indicates a caller bug: an operation issued in a
	// lifecycle state it is not valid in.
	ErrBadLifecycle = errors.New("controller: invalid lifecycle state")
	// ErrHandshakeTimeout is returned when no initialize-connection
	// message arrives within the handshake window.
	ErrHandshakeTimeout = errors.New("controller: handshake timed out")
)

// Config carries the controller's environment. Handler receives inbound
// messages once communication is ready.
type Config struct {
	Self             *wire.Window
	Handler          handler.MessageHandler
	HandshakeTimeout time.Duration
}

// FrameController manages one embedded frame. The target window and origin
// are captured from the frame element at attach time; the parent trusts the
// frame's src origin directly rather than discovering it from messages.
type FrameController struct {
	cfg Config

	mu           sync.Mutex
	state        LifecycleState
	target       *wire.Window
	targetOrigin string
	listener     int
}

// New returns a controller in the bootstrapped state.
func New(cfg Config) *FrameController {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &FrameController{cfg: cfg, state: StateBootstrapped}
}

// State returns the current lifecycle state.
func (fc *FrameController) State() LifecycleState {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.state
}

// Ready reports whether communication is established.
func (fc *FrameController) Ready() bool {
	return fc.State() == StateCommunicationReady
}

// AttachAsync captures the frame's window and src origin and installs the
// one-time handshake listener before returning; the returned channel
// resolves once the child's initialize-connection message arrives and is
// answered, or with ErrHandshakeTimeout. Calling it while already ready
// yields an immediately-resolved channel; any other unexpected state is a
// caller bug.
func (fc *FrameController) AttachAsync(frame *wire.Frame) (<-chan error, error) {
	fc.mu.Lock()
	switch fc.state {
	case StateCommunicationReady:
		fc.mu.Unlock()
		logx.Log.Info().Msg("frame already attached; ignoring")
		done := make(chan error, 1)
		done <- nil
		return done, nil
	case StateBootstrapped:
	default:
		state := fc.state
		fc.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBadLifecycle, state)
	}
	targetOrigin, err := origin.FromURL(frame.Src())
	if err != nil {
		fc.mu.Unlock()
		return nil, err
	}
	fc.target = frame.ContentWindow()
	fc.targetOrigin = targetOrigin
	fc.state = StateContentLoaded
	target := fc.target
	fc.mu.Unlock()

	// One-time listener for the handshake; never reused as the persistent
	// listener.
	got := make(chan protocol.Envelope, 1)
	once := fc.cfg.Self.AddListener(func(ev wire.Event) {
		if ev.Source != target && ev.Origin != targetOrigin {
			return
		}
		env, perr := protocol.Parse(ev)
		if perr != nil {
			metrics.RecordMessageDropped(metricsSide, "malformed")
			logx.Log.Warn().Err(perr).Str("origin", ev.Origin).Msg("dropped malformed message during handshake")
			return
		}
		if env.Category != protocol.CategoryControl || env.Method != protocol.MethodInit {
			return
		}
		select {
		case got <- env:
		default:
		}
	})

	done := make(chan error, 1)
	go func() {
		select {
		case env := <-got:
			fc.cfg.Self.RemoveListener(once)
			fc.mu.Lock()
			fc.listener = fc.cfg.Self.AddListener(fc.onEvent)
			fc.state = StateCommunicationReady
			fc.mu.Unlock()
			fc.post(protocol.Envelope{ID: env.ID, Category: env.Category, Method: env.Method})
			metrics.RecordHandshake(metricsSide, "ok")
			logx.Log.Info().Str("target_origin", targetOrigin).Msg("frame communication ready")
			done <- nil
		case <-time.After(fc.cfg.HandshakeTimeout):
			fc.cfg.Self.RemoveListener(once)
			metrics.RecordHandshake(metricsSide, "timeout")
			done <- ErrHandshakeTimeout
		}
	}()
	return done, nil
}

// Attach is the blocking form of AttachAsync, honoring ctx cancelation.
func (fc *FrameController) Attach(ctx context.Context, frame *wire.Frame) error {
	done, err := fc.AttachAsync(frame)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartGame signals the child to begin a game session.
func (fc *FrameController) StartGame() error {
	return fc.send(protocol.CategoryGame, protocol.MethodStart, nil)
}

// EndGame signals the child to end the game session.
func (fc *FrameController) EndGame() error {
	return fc.send(protocol.CategoryGame, protocol.MethodEnd, nil)
}

// SyncState pushes one state-sync message to the child.
func (fc *FrameController) SyncState(method string, payload any) error {
	return fc.send(protocol.CategorySync, method, payload)
}

// Detach unregisters the persistent listener, best-effort closes the target
// window and resets the lifecycle to bootstrapped. Detaching twice is
// harmless.
func (fc *FrameController) Detach() {
	fc.mu.Lock()
	listener := fc.listener
	target := fc.target
	fc.listener = 0
	fc.target = nil
	fc.targetOrigin = ""
	fc.state = StateBootstrapped
	fc.mu.Unlock()
	if listener != 0 {
		fc.cfg.Self.RemoveListener(listener)
	}
	if target != nil {
		target.Close()
	}
}

func (fc *FrameController) send(category protocol.Category, method string, payload any) error {
	fc.mu.Lock()
	if fc.state != StateCommunicationReady {
		state := fc.state
		fc.mu.Unlock()
		return fmt.Errorf("%w: send in state %s", ErrBadLifecycle, state)
	}
	fc.mu.Unlock()
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	fc.post(protocol.Envelope{Category: category, Method: method, Payload: raw})
	return nil
}

func (fc *FrameController) post(env protocol.Envelope) {
	fc.mu.Lock()
	target := fc.target
	targetOrigin := fc.targetOrigin
	fc.mu.Unlock()
	if target == nil {
		return
	}
	data, err := env.Encode()
	if err != nil {
		logx.Log.Error().Err(err).Msg("encode outgoing message")
		return
	}
	if err := target.Post(data, targetOrigin, fc.cfg.Self); err != nil {
		logx.Log.Warn().Err(err).Str("category", string(env.Category)).Msg("post to frame failed")
		return
	}
	metrics.RecordMessageSent(metricsSide, string(env.Category))
}

// onEvent is the persistent listener: parse and route by category. The
// parent needs no queueing and no relationship maintenance; the frame's
// identity is fixed at attach time.
func (fc *FrameController) onEvent(ev wire.Event) {
	if ev.Source == fc.cfg.Self {
		metrics.RecordMessageDropped(metricsSide, "self_source")
		logx.Log.Warn().Str("origin", ev.Origin).Msg("dropped message from self")
		return
	}
	fc.mu.Lock()
	target := fc.target
	targetOrigin := fc.targetOrigin
	h := fc.cfg.Handler
	fc.mu.Unlock()
	if ev.Source != target && ev.Origin != targetOrigin {
		metrics.RecordMessageDropped(metricsSide, "untrusted_origin")
		logx.Log.Warn().Str("origin", ev.Origin).Msg("dropped message from untrusted source")
		return
	}
	env, err := protocol.Parse(ev)
	if err != nil {
		metrics.RecordMessageDropped(metricsSide, "malformed")
		logx.Log.Warn().Err(err).Str("origin", ev.Origin).Msg("dropped malformed message")
		return
	}
	metrics.RecordMessageReceived(metricsSide, string(env.Category))
	channel.Dispatch(context.Background(), h, env, metricsSide)
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
			return nil, fmt.Errorf("controller: marshal payload: %w", err)
		}
		return raw, nil
	}
}
