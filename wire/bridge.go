package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/framerelay/internal/logx"
	"github.com/gaspardpetit/framerelay/origin"
)

// The bridge extends the window model across processes: each side holds a
// proxy window for the remote one, and posted data travels as JSON frames
// over a websocket. Only string data crosses the bridge.

const (
	frameHello = "hello"
	frameMsg   = "msg"
	framePing  = "ping"
	framePong  = "pong"
)

type bridgeFrame struct {
	T            string `json:"t"`
	Src          string `json:"src,omitempty"`
	Origin       string `json:"origin,omitempty"`
	TargetOrigin string `json:"target_origin,omitempty"`
	Data         string `json:"data,omitempty"`
}

type bridgeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (b *bridgeConn) write(ctx context.Context, f bridgeFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Write(ctx, websocket.MessageText, data)
}

// BridgeServer accepts child connections on the parent side. Each accepted
// child appears locally as a Frame whose content window is a proxy; the
// onFrame callback hands it to the application, typically to attach a
// frame controller. onFrame runs before the child is released into the
// conversation and must not block; install listeners and return.
type BridgeServer struct {
	local     *Window
	onFrame   func(*Frame)
	heartbeat time.Duration
	deadAfter time.Duration
}

// NewBridgeServer reads heartbeat tuning from RELAY_WS_HEARTBEAT_MS and
// RELAY_WS_DEAD_AFTER_MS.
func NewBridgeServer(local *Window, onFrame func(*Frame)) *BridgeServer {
	heartbeat := time.Duration(envInt("RELAY_WS_HEARTBEAT_MS", 15000)) * time.Millisecond
	deadAfter := time.Duration(envInt("RELAY_WS_DEAD_AFTER_MS", 45000)) * time.Millisecond
	return &BridgeServer{local: local, onFrame: onFrame, heartbeat: heartbeat, deadAfter: deadAfter}
}

// Handler accepts one child websocket connection per request.
func (s *BridgeServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		connID := uuid.NewString()
		reqCtx := req.Context()
		_, data, err := c.Read(reqCtx)
		if err != nil {
			_ = c.Close(websocket.StatusPolicyViolation, "expected hello")
			return
		}
		var hello bridgeFrame
		if json.Unmarshal(data, &hello) != nil || hello.T != frameHello || hello.Src == "" {
			_ = c.Close(websocket.StatusPolicyViolation, "invalid hello")
			return
		}
		childOrigin, err := origin.FromURL(hello.Src)
		if err != nil {
			_ = c.Close(websocket.StatusPolicyViolation, "invalid src")
			return
		}
		if h := req.Header.Get("Origin"); h != "" && h != childOrigin {
			// The transport header wins over the declared src.
			logx.Log.Warn().Str("conn_id", connID).Str("declared", childOrigin).Str("header", h).Msg("hello src origin disagrees with Origin header")
			childOrigin = h
		}

		bc := &bridgeConn{conn: c}
		proxy := NewProxyWindow(childOrigin, func(data any, targetOrigin string) error {
			text, ok := data.(string)
			if !ok {
				logx.Log.Warn().Str("conn_id", connID).Msg("dropping non-string data posted across bridge")
				return nil
			}
			return bc.write(context.Background(), bridgeFrame{T: frameMsg, TargetOrigin: targetOrigin, Data: text})
		})
		frame := WrapFrame(hello.Src, proxy)

		// Hand the frame to the application before answering the hello:
		// the child will not send anything until it has our hello, so
		// listeners installed here cannot miss the handshake. onFrame
		// must not block.
		if s.onFrame != nil {
			s.onFrame(frame)
		}

		if err := bc.write(reqCtx, bridgeFrame{T: frameHello, Origin: s.local.Origin()}); err != nil {
			_ = c.Close(websocket.StatusInternalError, "hello failed")
			return
		}
		logx.Log.Info().Str("conn_id", connID).Str("child_origin", childOrigin).Msg("child connected")

		ctx := context.Background()
		lastSeen := &atomicTime{}
		lastSeen.Set(time.Now())
		go s.readPump(ctx, connID, bc, proxy, lastSeen)
		go s.pingLoop(ctx, connID, bc, proxy, lastSeen)
	}
}

func (s *BridgeServer) readPump(ctx context.Context, connID string, bc *bridgeConn, proxy *Window, lastSeen *atomicTime) {
	defer func() {
		_ = bc.conn.Close(websocket.StatusNormalClosure, "closing")
		proxy.Close()
		logx.Log.Info().Str("conn_id", connID).Msg("child disconnected")
	}()
	for {
		_, data, err := bc.conn.Read(ctx)
		if err != nil {
			return
		}
		var f bridgeFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		lastSeen.Set(time.Now())
		switch f.T {
		case framePong:
		case framePing:
			_ = bc.write(ctx, bridgeFrame{T: framePong})
		case frameMsg:
			if err := s.local.Post(f.Data, f.TargetOrigin, proxy); err != nil {
				logx.Log.Warn().Str("conn_id", connID).Err(err).Msg("deliver from bridge failed")
			}
		}
	}
}

func (s *BridgeServer) pingLoop(ctx context.Context, connID string, bc *bridgeConn, proxy *Window, lastSeen *atomicTime) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(lastSeen.Get()) > s.deadAfter {
				logx.Log.Warn().Str("conn_id", connID).Msg("child unresponsive; closing")
				_ = bc.conn.Close(websocket.StatusNormalClosure, "dead")
				proxy.Close()
				return
			}
			_ = bc.write(ctx, bridgeFrame{T: framePing})
		case <-ctx.Done():
			return
		}
	}
}

// ChildBridge is the child-process end of a bridge: a dialed websocket and a
// proxy window standing in for the parent.
type ChildBridge struct {
	bc          *bridgeConn
	parent      *Window
	parentOrign string
	src         string
}

// DialBridge connects to a parent bridge at url. src is the URL of the page
// this child represents; its origin is declared to the parent in the hello
// exchange. The returned bridge's Parent window is used as the child
// window's parent reference.
func DialBridge(ctx context.Context, url, src string) (*ChildBridge, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	bc := &bridgeConn{conn: c}
	if err := bc.write(ctx, bridgeFrame{T: frameHello, Src: src}); err != nil {
		_ = c.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, "expected hello")
		return nil, err
	}
	var hello bridgeFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.T != frameHello || hello.Origin == "" {
		_ = c.Close(websocket.StatusPolicyViolation, "invalid hello")
		return nil, fmt.Errorf("wire: invalid bridge hello")
	}
	b := &ChildBridge{bc: bc, parentOrign: hello.Origin, src: src}
	b.parent = NewProxyWindow(hello.Origin, func(data any, targetOrigin string) error {
		text, ok := data.(string)
		if !ok {
			logx.Log.Warn().Msg("dropping non-string data posted across bridge")
			return nil
		}
		return bc.write(context.Background(), bridgeFrame{T: frameMsg, TargetOrigin: targetOrigin, Data: text})
	})
	return b, nil
}

// Parent returns the proxy window for the remote parent.
func (b *ChildBridge) Parent() *Window { return b.parent }

// ParentOrigin returns the parent's declared origin, usable as the child
// window's referrer.
func (b *ChildBridge) ParentOrigin() string { return b.parentOrign }

// Bind routes inbound bridge messages into child and starts the read pump.
// It returns when the connection drops, after closing the parent proxy so
// the relay can detect the stale counterpart.
func (b *ChildBridge) Bind(ctx context.Context, child *Window) error {
	defer b.parent.Close()
	for {
		_, data, err := b.bc.conn.Read(ctx)
		if err != nil {
			return err
		}
		var f bridgeFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch f.T {
		case framePing:
			_ = b.bc.write(ctx, bridgeFrame{T: framePong})
		case framePong:
		case frameMsg:
			if err := child.Post(f.Data, f.TargetOrigin, b.parent); err != nil {
				logx.Log.Warn().Err(err).Msg("deliver from bridge failed")
			}
		}
	}
}

// Close tears the bridge down.
func (b *ChildBridge) Close() {
	b.parent.Close()
	_ = b.bc.conn.Close(websocket.StatusNormalClosure, "closing")
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
