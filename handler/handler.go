// Package handler defines the dispatch surface the relay calls into for
// inbound messages. Game-logic collaborators implement MessageHandler; the
// relay never sees what they do with a message.
package handler

import (
	"context"

	"github.com/gaspardpetit/framerelay/protocol"
)

// MessageHandler receives inbound envelopes routed by category. Every method
// is awaited by the dispatcher; returned errors are logged and contained so
// one bad handler cannot break the channel.
type MessageHandler interface {
	OnControl(ctx context.Context, env protocol.Envelope) error
	OnError(ctx context.Context, env protocol.Envelope) error
	OnGame(ctx context.Context, env protocol.Envelope) error
	OnRequest(ctx context.Context, env protocol.Envelope) error
	OnSync(ctx context.Context, env protocol.Envelope) error
	OnUnknown(ctx context.Context, env protocol.Envelope) error
}

// Nop is a no-op MessageHandler for callers who only need a subset of the
// categories; embed it and override what you need.
type Nop struct{}

func (Nop) OnControl(context.Context, protocol.Envelope) error { return nil }
func (Nop) OnError(context.Context, protocol.Envelope) error   { return nil }
func (Nop) OnGame(context.Context, protocol.Envelope) error    { return nil }
func (Nop) OnRequest(context.Context, protocol.Envelope) error { return nil }
func (Nop) OnSync(context.Context, protocol.Envelope) error    { return nil }
func (Nop) OnUnknown(context.Context, protocol.Envelope) error { return nil }

var _ MessageHandler = Nop{}
