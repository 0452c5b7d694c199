// Package protocol serialises the event stream as JSON lines so other
// processes (editors, CI jobs) can follow a request.
//
// Each line is one Envelope:
//
//	{"type":"step_complete","id":"01J...","seq":7,"ts":"2026-03-01T10:00:00Z","payload":{...}}
//
// Readers switch on Type and decode Payload with the As* helpers.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joss/kado/internal/events"
)

// Envelope wraps one event.
type Envelope struct {
	Type      events.Type     `json:"type"`
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encoder writes envelopes as JSON lines. Safe for concurrent use.
type Encoder struct {
	w   io.Writer
	mu  sync.Mutex
	seq uint64
}

// NewEncoder creates an encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes ev as a single JSON line.
func (e *Encoder) Encode(ev events.Event) error {
	var payload json.RawMessage
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", ev.Type, err)
		}
		payload = data
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	data, err := json.Marshal(Envelope{
		Type:      ev.Type,
		ID:        ulid.Make().String(),
		Seq:       e.seq,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = fmt.Fprintf(e.w, "%s\n", data)
	return err
}

// Send is a convenience method to encode a payload of type t.
func (e *Encoder) Send(t events.Type, payload any) error {
	return e.Encode(events.Event{Type: t, Timestamp: time.Now(), Payload: payload})
}

// Attach streams every event published on bus to the encoder until the
// returned function is called. Write errors are reported to onErr.
func (e *Encoder) Attach(bus *events.Bus, onErr func(error)) func() {
	return bus.Subscribe(func(ev events.Event) {
		if err := e.Encode(ev); err != nil && onErr != nil {
			onErr(err)
		}
	})
}

// Decoder reads envelopes from JSON lines.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder for the given reader.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	// Allow large messages (up to 1MB)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode reads the next envelope, skipping blank lines. Returns io.EOF at
// the end of input.
func (d *Decoder) Decode() (*Envelope, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope: %w", err)
		}
		return &env, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Time parses the envelope timestamp.
func (e *Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// GetPayload unmarshals the payload into target.
func (e *Envelope) GetPayload(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, target)
}

func as[T any](e *Envelope, want events.Type) (*T, error) {
	if e.Type != want {
		return nil, fmt.Errorf("envelope is %s, not %s", e.Type, want)
	}
	var p T
	if err := e.GetPayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AsStateChange extracts a state_change payload.
func (e *Envelope) AsStateChange() (*events.StateChangePayload, error) {
	return as[events.StateChangePayload](e, events.TypeStateChange)
}

// AsPlanCreated extracts a plan_created payload.
func (e *Envelope) AsPlanCreated() (*events.PlanCreatedPayload, error) {
	return as[events.PlanCreatedPayload](e, events.TypePlanCreated)
}

// AsStepComplete extracts a step_complete payload.
func (e *Envelope) AsStepComplete() (*events.StepCompletePayload, error) {
	return as[events.StepCompletePayload](e, events.TypeStepComplete)
}

// AsToolResult extracts a tool_result payload.
func (e *Envelope) AsToolResult() (*events.ToolResultPayload, error) {
	return as[events.ToolResultPayload](e, events.TypeToolResult)
}

// AsFileChange extracts a file_change payload.
func (e *Envelope) AsFileChange() (*events.FileChangePayload, error) {
	return as[events.FileChangePayload](e, events.TypeFileChange)
}

// AsWorktree extracts a worktree_diff, worktree_accepted or
// worktree_rejected payload.
func (e *Envelope) AsWorktree() (*events.WorktreePayload, error) {
	switch e.Type {
	case events.TypeWorktreeAccepted, events.TypeWorktreeRejected:
		return as[events.WorktreePayload](e, e.Type)
	}
	return as[events.WorktreePayload](e, events.TypeWorktreeDiff)
}

// AsVerification extracts a verification_progress payload.
func (e *Envelope) AsVerification() (*events.VerificationPayload, error) {
	return as[events.VerificationPayload](e, events.TypeVerification)
}

// AsComplete extracts a complete payload.
func (e *Envelope) AsComplete() (*events.CompletePayload, error) {
	return as[events.CompletePayload](e, events.TypeComplete)
}

// AsError extracts an error payload.
func (e *Envelope) AsError() (*events.ErrorPayload, error) {
	return as[events.ErrorPayload](e, events.TypeError)
}
