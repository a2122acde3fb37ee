package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendEventRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0", "web")

	ev := &Event{
		TraceID:     "t1",
		Timestamp:   time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Scope:       ScopeApp,
		SignalType:  SignalValidation,
		Severity:    SeverityError,
		Payload:     json.RawMessage(`{"rule":"schema","field":"title"}`),
		ArtifactIDs: []string{"app/spec.yaml"},
		ContextRef:  &ContextRef{AppCtx: "v1.0.0", MotorCtx: "v1.2.0"},
	}
	id, err := s.AppendEvent(ctx, "t1", ev)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TraceID)
	assert.True(t, got.Timestamp.Equal(ev.Timestamp))
	assert.Equal(t, ScopeApp, got.Scope)
	assert.Equal(t, SignalValidation, got.SignalType)
	assert.Equal(t, SeverityError, got.Severity)
	assert.JSONEq(t, `{"rule":"schema","field":"title"}`, string(got.Payload))
	assert.Equal(t, []string{"app/spec.yaml"}, got.ArtifactIDs)
	require.NotNil(t, got.ContextRef)
	assert.Equal(t, "v1.0.0", got.ContextRef.AppCtx)
	assert.Equal(t, "v1.2.0", got.ContextRef.MotorCtx)
	assert.Equal(t, Fingerprint(SignalValidation, ev.Payload), got.Fingerprint)
}

func TestAppendEventRejectsMalformed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	base := func() *Event {
		return testEvent("t1", SignalError, SeverityError, `{"code":"E1"}`)
	}

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing timestamp", func(e *Event) { e.Timestamp = time.Time{} }},
		{"unknown scope", func(e *Event) { e.Scope = "platform" }},
		{"unknown signal_type", func(e *Event) { e.SignalType = "heartbeat" }},
		{"unknown severity", func(e *Event) { e.Severity = "fatal" }},
		{"missing payload", func(e *Event) { e.Payload = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := base()
			tt.mutate(ev)
			_, err := s.AppendEvent(ctx, "t1", ev)
			require.ErrorIs(t, err, ErrValidation)
		})
	}

	// No partial writes: the log is still empty.
	events, err := s.EventsSince(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppendEventUnknownTrace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendEvent(context.Background(), "ghost", testEvent("ghost", SignalError, SeverityError, `{}`))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAppendEventRejectsCrossNamespaceArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	ev := testEvent("t1", SignalError, SeverityError, `{"code":"E1"}`)
	ev.ArtifactIDs = []string{"motor/rules"}
	_, err := s.AppendEvent(ctx, "t1", ev)
	require.ErrorIs(t, err, ErrIsolationViolation)

	ev = testEvent("t1", SignalError, SeverityError, `{"code":"E1"}`)
	ev.Scope = ScopeMotor
	ev.ArtifactIDs = []string{"app/spec.yaml"}
	_, err = s.AppendEvent(ctx, "t1", ev)
	require.ErrorIs(t, err, ErrIsolationViolation)
}

func TestAppendEventStampsActiveContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	id, err := s.AppendEvent(ctx, "t1", testEvent("t1", SignalError, SeverityError, `{"code":"E1"}`))
	require.NoError(t, err)

	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.ContextRef)
	assert.Equal(t, "v1.0.0", got.ContextRef.AppCtx)
	assert.Equal(t, "v1.2.0", got.ContextRef.MotorCtx)
}

func TestEventsSinceWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	early := testEvent("t1", SignalError, SeverityWarn, `{"n":1}`)
	early.Timestamp = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	_, err := s.AppendEvent(ctx, "t1", early)
	require.NoError(t, err)

	late := testEvent("t1", SignalError, SeverityError, `{"n":2}`)
	late.Timestamp = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	lateID, err := s.AppendEvent(ctx, "t1", late)
	require.NoError(t, err)

	all, err := s.EventsSince(ctx, "t1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Append order is preserved.
	assert.Less(t, all[0].Seq, all[1].Seq)

	window, err := s.EventsSince(ctx, "t1", time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, lateID, window[0].ID)
}

func TestSignatureQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0", "web")
	newTestTrace(t, s, "t2", "v1.2.0", "api")
	newTestTrace(t, s, "t3", "v1.2.0", "mobile")

	payload := `{"rule":"schema","field":"title"}`
	for _, traceID := range []string{"t1", "t2"} {
		_, err := s.AppendEvent(ctx, traceID, testEvent(traceID, SignalValidation, SeverityError, payload))
		require.NoError(t, err)
	}
	_, err := s.AppendEvent(ctx, "t3", testEvent("t3", SignalValidation, SeverityError, `{"rule":"other"}`))
	require.NoError(t, err)

	fp := Fingerprint(SignalValidation, json.RawMessage(payload))

	traces, err := s.TracesWithSignature(ctx, fp, "v1.2.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, traces)

	has, err := s.TraceHasSignature(ctx, "t3", fp, "v1.2.0")
	require.NoError(t, err)
	assert.False(t, has)

	refs, err := s.TracesReferencingMotor(ctx, "v1.2.0", "t1")
	require.NoError(t, err)
	ids := make([]string, len(refs))
	for i, tr := range refs {
		ids[i] = tr.ID
	}
	assert.Equal(t, []string{"t2", "t3"}, ids)
}

func TestQualityScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.1.0")

	_, ok, err := s.QualityScore(ctx, "t1", "v1.1.0")
	require.NoError(t, err)
	assert.False(t, ok)

	ev := testEvent("t1", SignalQualityScore, SeverityInfo, `{"score":0.92}`)
	ev.ContextRef = &ContextRef{MotorCtx: "v1.1.0"}
	_, err = s.AppendEvent(ctx, "t1", ev)
	require.NoError(t, err)

	score, ok, err := s.QualityScore(ctx, "t1", "v1.1.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.92, score, 1e-9)
}
