// Package protocol defines the envelope exchanged between frames and the
// method vocabularies scoped to each message category.
package protocol

import "encoding/json"

// Category is the top-level message classification driving dispatch.
type Category string

const (
	CategoryControl Category = "control"
	CategoryError   Category = "error"
	CategoryGame    Category = "game"
	CategoryRequest Category = "request"
	CategorySync    Category = "sync"
)

// System-control methods.
const (
	MethodInit = "init"
	MethodBack = "back"
)

// Game-lifecycle methods.
const (
	MethodStart = "start"
	MethodEnd   = "end"
)

// State-sync targets.
const (
	SyncCurrentLevel = "currLevel"
	SyncLevels       = "levels"
)

// Envelope is the unit of exchange. Category is always present; ID is set
// only on request/response pairs and is unique per outstanding request
// within a channel's lifetime. The envelope crosses the window boundary as a
// JSON string.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Category Category        `json:"category"`
	Method   string          `json:"method,omitempty"`
	Text     string          `json:"text,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope to the wire string.
func (e Envelope) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LevelUpdate is the payload of a "levels" sync message: one entry of the
// level list replaced by index.
type LevelUpdate struct {
	Index int             `json:"index"`
	Level json.RawMessage `json:"level"`
}
