package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/seantiz/fireforget/internal/model"
)

// maxSleep caps the duration a sleep task may request.
const maxSleep = 10 * time.Minute

// Compile-time interface satisfaction checks.
var (
	_ Validator = (*Sleep)(nil)
	_ Validator = (*Echo)(nil)
	_ Validator = (*Fail)(nil)
)

// RegisterBuiltins registers the sleep, echo and fail handlers on r.
func RegisterBuiltins(r *Registry, clock clockwork.Clock) {
	r.Register(model.KindSleep, NewSleep(clock))
	r.Register(model.KindEcho, &Echo{})
	r.Register(model.KindFail, &Fail{})
}

type sleepInput struct {
	DurationMS int `json:"duration_ms"`
}

// Sleep waits for the requested duration or until its context is done.
type Sleep struct {
	clock clockwork.Clock
}

// NewSleep creates a sleep handler on the given clock. A nil clock means
// the real clock.
func NewSleep(clock clockwork.Clock) *Sleep {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sleep{clock: clock}
}

func (s *Sleep) Info() Info {
	return Info{Kind: model.KindSleep, Description: "waits for input.duration_ms milliseconds"}
}

func (s *Sleep) Validate(input json.RawMessage) error {
	_, err := s.parse(input)
	return err
}

func (s *Sleep) parse(input json.RawMessage) (time.Duration, error) {
	var in sleepInput
	if err := decodeInput(model.KindSleep, input, &in); err != nil {
		return 0, err
	}
	// Checked in milliseconds; the conversion overflows for large values.
	if in.DurationMS < 0 || int64(in.DurationMS) > maxSleep.Milliseconds() {
		return 0, fmt.Errorf("duration_ms must be between 0 and %d", maxSleep.Milliseconds())
	}
	return time.Duration(in.DurationMS) * time.Millisecond, nil
}

func (s *Sleep) Run(ctx context.Context, spec Spec) (Result, error) {
	d, err := s.parse(spec.Input)
	if err != nil {
		return Result{}, err
	}

	spec.emit(fmt.Sprintf("sleeping for %s", d))
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
	case <-ctx.Done():
		spec.emit("interrupted")
		return Result{}, ctx.Err()
	}

	spec.emit("awake")
	return Result{Output: []byte(fmt.Sprintf("slept %s", d))}, nil
}

type messageInput struct {
	Message string `json:"message"`
}

// Echo emits each line of input.message as an event and returns the
// message as output.
type Echo struct{}

func (e *Echo) Info() Info {
	return Info{Kind: model.KindEcho, Description: "emits each line of input.message and returns it"}
}

func (e *Echo) Validate(input json.RawMessage) error {
	var in messageInput
	return decodeInput(model.KindEcho, input, &in)
}

func (e *Echo) Run(ctx context.Context, spec Spec) (Result, error) {
	var in messageInput
	if err := decodeInput(model.KindEcho, spec.Input, &in); err != nil {
		return Result{}, err
	}

	for line := range strings.SplitSeq(in.Message, "\n") {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		spec.emit(line)
	}
	return Result{Output: []byte(in.Message)}, nil
}

// Fail always returns an error carrying input.message.
type Fail struct{}

func (f *Fail) Info() Info {
	return Info{Kind: model.KindFail, Description: "fails with input.message"}
}

func (f *Fail) Validate(input json.RawMessage) error {
	var in messageInput
	return decodeInput(model.KindFail, input, &in)
}

func (f *Fail) Run(_ context.Context, spec Spec) (Result, error) {
	var in messageInput
	if err := decodeInput(model.KindFail, spec.Input, &in); err != nil {
		return Result{}, err
	}
	if in.Message == "" {
		in.Message = "task failed"
	}
	spec.emit(in.Message)
	return Result{}, errors.New(in.Message)
}
