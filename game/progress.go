// Package game holds the one place relay and game logic touch: a message
// handler translating state-sync envelopes into level-progression updates.
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gaspardpetit/framerelay/handler"
	"github.com/gaspardpetit/framerelay/protocol"
)

// Progress tracks level-progression state fed by sync messages. Level
// content is opaque to the relay.
type Progress struct {
	mu      sync.Mutex
	current int
	levels  []json.RawMessage
}

// NewProgress starts at level zero with the given level list.
func NewProgress(levels []json.RawMessage) *Progress {
	return &Progress{levels: levels}
}

// CurrentLevel returns the last synced current level.
func (p *Progress) CurrentLevel() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Level returns the level entry at index.
func (p *Progress) Level(index int) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.levels) {
		return nil, false
	}
	return p.levels[index], true
}

func (p *Progress) setCurrent(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = n
}

func (p *Progress) replaceLevel(index int, level json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.levels) {
		return fmt.Errorf("game: level index %d out of range (%d levels)", index, len(p.levels))
	}
	p.levels[index] = level
	return nil
}

// ProgressHandler applies sync messages to a Progress. It is a pure
// translation with no side channel back into the relay.
type ProgressHandler struct {
	handler.Nop
	progress *Progress
}

// NewProgressHandler wraps p.
func NewProgressHandler(p *Progress) *ProgressHandler {
	return &ProgressHandler{progress: p}
}

// Progress returns the wrapped state.
func (h *ProgressHandler) Progress() *Progress { return h.progress }

// OnSync handles the "currLevel" and "levels" sync targets; other targets
// are ignored.
func (h *ProgressHandler) OnSync(_ context.Context, env protocol.Envelope) error {
	switch env.Method {
	case protocol.SyncCurrentLevel:
		var n int
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return fmt.Errorf("game: currLevel payload: %w", err)
		}
		h.progress.setCurrent(n)
		return nil
	case protocol.SyncLevels:
		var update protocol.LevelUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			return fmt.Errorf("game: levels payload: %w", err)
		}
		return h.progress.replaceLevel(update.Index, update.Level)
	default:
		return nil
	}
}
