package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaspardpetit/framerelay/wire"
)

// ErrMalformed marks an inbound payload that is not a valid envelope. Parse
// failures are recovered locally by callers: logged and dropped, never
// surfaced to the handler.
var ErrMalformed = errors.New("protocol: malformed message")

// Parse deserializes a raw window event into an envelope. Only string
// payloads are accepted; the JSON must be an object with a non-empty string
// category, and the optional fields must have their declared primitive
// types. Parse never panics.
func Parse(ev wire.Event) (Envelope, error) {
	raw, ok := ev.Data.(string)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: payload is %T, not a string", ErrMalformed, ev.Data)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Category == "" {
		return Envelope{}, fmt.Errorf("%w: missing category", ErrMalformed)
	}
	return env, nil
}
