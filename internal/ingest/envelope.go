package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

// Envelope is the wire schema observers submit events in.
type Envelope struct {
	TraceID     string          `json:"trace_id"`
	Timestamp   string          `json:"timestamp"`
	Scope       string          `json:"scope"`
	SignalType  string          `json:"signal_type"`
	Severity    string          `json:"severity"`
	Payload     json.RawMessage `json:"payload"`
	ArtifactIDs []string        `json:"artifact_ids,omitempty"`
	ContextRef  *ContextRef     `json:"context_ref,omitempty"`
}

// ContextRef names the context versions active when the event was emitted.
type ContextRef struct {
	AppCtx   string `json:"app_ctx,omitempty"`
	MotorCtx string `json:"motor_ctx,omitempty"`
}

// Validate checks the envelope against the wire schema. All failures wrap
// store.ErrValidation.
func (e *Envelope) Validate() error {
	if e.TraceID == "" {
		return fmt.Errorf("%w: trace_id is required", store.ErrValidation)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("%w: timestamp is required", store.ErrValidation)
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return fmt.Errorf("%w: timestamp must be ISO-8601: %v", store.ErrValidation, err)
	}
	if !store.Scope(e.Scope).Valid() {
		return fmt.Errorf("%w: scope must be app or motor, got %q", store.ErrValidation, e.Scope)
	}
	if !store.SignalType(e.SignalType).Valid() {
		return fmt.Errorf("%w: unknown signal_type %q", store.ErrValidation, e.SignalType)
	}
	if !store.Severity(e.Severity).Valid() {
		return fmt.Errorf("%w: unknown severity %q", store.ErrValidation, e.Severity)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", store.ErrValidation)
	}
	if !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", store.ErrValidation)
	}
	return nil
}

// ToEvent converts a validated envelope into a store event.
func (e *Envelope) ToEvent() (*store.Event, error) {
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp must be ISO-8601: %v", store.ErrValidation, err)
	}

	ev := &store.Event{
		TraceID:     e.TraceID,
		Timestamp:   ts,
		Scope:       store.Scope(e.Scope),
		SignalType:  store.SignalType(e.SignalType),
		Severity:    store.Severity(e.Severity),
		Payload:     e.Payload,
		ArtifactIDs: e.ArtifactIDs,
	}
	if e.ContextRef != nil {
		ev.ContextRef = &store.ContextRef{
			AppCtx:   e.ContextRef.AppCtx,
			MotorCtx: e.ContextRef.MotorCtx,
		}
	}
	return ev, nil
}
