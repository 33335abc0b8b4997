// Package relay exposes the child-side entry points embedding applications
// call to bring the frame relay up.
package relay

import (
	"context"
	"time"

	"github.com/gaspardpetit/framerelay/channel"
	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/hub"
	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/wire"
)

// DefaultInitializationTimeout bounds the whole connection-establishment
// phase.
const DefaultInitializationTimeout = 60 * time.Second

// Config controls setup. Start from DefaultConfig; the zero value disables
// logging and applies the default timeouts.
type Config struct {
	// Window is the frame's own window reference.
	Window *wire.Window
	// TrustedOrigins are the hostname patterns accepted from inbound
	// messages. The relay ships no hardcoded allowlist.
	TrustedOrigins []string
	// InitializationTimeout bounds Establish
	// (DefaultInitializationTimeout when zero).
	InitializationTimeout time.Duration
	// RequestTimeout bounds each async request
	// (channel.DefaultRequestTimeout when zero).
	RequestTimeout time.Duration
	// EnableLogging keeps the shared logger active; when false the logger
	// is silenced before anything else runs.
	EnableLogging bool
}

// DefaultConfig returns the documented defaults: logging on, 60 s
// initialization timeout, 10 s request timeout.
func DefaultConfig() Config {
	return Config{
		InitializationTimeout: DefaultInitializationTimeout,
		RequestTimeout:        channel.DefaultRequestTimeout,
		EnableLogging:         true,
	}
}

// Session bundles what SetupAdvanced hands back to the application.
type Session struct {
	Handler handler.MessageHandler
	Hub     *hub.Hub
}

// Setup builds a channel and hub from cfg and establishes communication,
// returning the hub for subsequent sends. The caller owns the hub instance;
// keeping a single one per frame is application discipline, not enforced
// global state.
func Setup(ctx context.Context, h handler.MessageHandler, cfg Config) (*hub.Hub, error) {
	if !cfg.EnableLogging {
		logx.Disable()
	}
	timeout := cfg.InitializationTimeout
	if timeout <= 0 {
		timeout = DefaultInitializationTimeout
	}
	ch := channel.New(channel.Config{
		Self:           cfg.Window,
		TrustedOrigins: cfg.TrustedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	})
	hb := hub.New(ch)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := hb.Establish(ctx, h); err != nil {
		return nil, err
	}
	return hb, nil
}

// SetupAdvanced is Setup for callers that want the handler and hub bundled
// for later wiring.
func SetupAdvanced(ctx context.Context, h handler.MessageHandler, cfg Config) (*Session, error) {
	hb, err := Setup(ctx, h, cfg)
	if err != nil {
		return nil, err
	}
	return &Session{Handler: h, Hub: hb}, nil
}
