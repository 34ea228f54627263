// Package realtime is the gateway's WebSocket layer: namespaces of client
// connections grouped into rooms, cross-instance room delivery over the
// shared cache, and outbound relays from backend services.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire message in both directions: {"event": "...", "args": [...]}.
type Frame struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// Encode builds a frame for event with args marshalled in order.
func Encode(event string, args ...any) ([]byte, error) {
	f := Frame{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			f.Args = append(f.Args, raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode %s arg %d: %w", event, i, err)
		}
		f.Args = append(f.Args, b)
	}
	return json.Marshal(f)
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("frame has no event")
	}
	return f, nil
}

func (f Frame) String(i int) (string, error) {
	var s string
	if err := f.arg(i, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (f Frame) Strings(i int) ([]string, error) {
	var s []string
	if err := f.arg(i, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// Raw returns argument i untouched, or JSON null when it is absent.
func (f Frame) Raw(i int) json.RawMessage {
	if i >= len(f.Args) {
		return json.RawMessage("null")
	}
	return f.Args[i]
}

func (f Frame) arg(i int, v any) error {
	if i >= len(f.Args) {
		return fmt.Errorf("%s: missing argument %d", f.Event, i)
	}
	if err := json.Unmarshal(f.Args[i], v); err != nil {
		return fmt.Errorf("%s: argument %d: %w", f.Event, i, err)
	}
	return nil
}
