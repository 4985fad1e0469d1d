package handler

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler performs the work behind one task kind.
type Handler interface {
	// Run executes the task. The context is cancelled when the task times
	// out, is killed, or the service shuts down.
	Run(ctx context.Context, spec Spec) (Result, error)

	// Info describes the handler.
	Info() Info
}

// Validator is implemented by handlers that can reject malformed input
// before a task is accepted.
type Validator interface {
	Validate(input json.RawMessage) error
}

// Spec describes a task to be run by a handler.
type Spec struct {
	TaskID string          `json:"task_id"`
	Kind   string          `json:"kind"`
	Input  json.RawMessage `json:"input,omitempty"`

	// Emit is an optional callback handlers invoke to publish one event
	// line to the task's stream.
	Emit func(line string) `json:"-"`
}

// emit publishes line if the spec has an Emit callback.
func (s Spec) emit(line string) {
	if s.Emit != nil {
		s.Emit(line)
	}
}

// Result holds the output a handler produced.
type Result struct {
	Output []byte `json:"output"`
}

// Info describes a registered handler.
type Info struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// decodeInput unmarshals raw into v. Empty input leaves v untouched.
func decodeInput(kind string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s input: %w", kind, err)
	}
	return nil
}
