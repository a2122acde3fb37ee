package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTrace(t *testing.T, s *Store, id, motorVersion string, profiles ...string) *Trace {
	t.Helper()
	tr, err := s.CreateTrace(context.Background(), &CreateTraceRequest{
		TraceID:        id,
		AppSpecRef:     "specs/" + id,
		ProfileTargets: profiles,
		AppVersion:     "v1.0.0",
		MotorVersion:   motorVersion,
	})
	require.NoError(t, err)
	return tr
}

func testEvent(traceID string, signalType SignalType, severity Severity, payload string) *Event {
	return &Event{
		TraceID:    traceID,
		Timestamp:  time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Scope:      ScopeApp,
		SignalType: signalType,
		Severity:   severity,
		Payload:    json.RawMessage(payload),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(&Config{}, zap.NewNop())
	require.ErrorIs(t, err, ErrValidation)
}

func TestStoreClosedRejectsCalls(t *testing.T) {
	s, err := Open(&Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.GetTrace(context.Background(), "t1")
	require.Error(t, err)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"v1.0.0", "v1.0.0", 0},
		{"v1.1.0", "v1.2.0", -1},
		{"v2.0.0", "v1.9.0", 1},
		{"v1.0.1", "v1.0.0", 1},
	}
	for _, tt := range tests {
		got := CompareVersions(tt.a, tt.b)
		switch {
		case tt.want == 0:
			require.Zero(t, got, "%s vs %s", tt.a, tt.b)
		case tt.want < 0:
			require.Negative(t, got, "%s vs %s", tt.a, tt.b)
		default:
			require.Positive(t, got, "%s vs %s", tt.a, tt.b)
		}
	}
}

func TestFingerprintCanonicalizesKeyOrder(t *testing.T) {
	a := Fingerprint(SignalError, json.RawMessage(`{"code":"E42","module":"parser"}`))
	b := Fingerprint(SignalError, json.RawMessage(`{"module":"parser","code":"E42"}`))
	require.Equal(t, a, b)

	c := Fingerprint(SignalError, json.RawMessage(`{"code":"E43","module":"parser"}`))
	require.NotEqual(t, a, c)

	// Same payload, different signal type, different signature.
	d := Fingerprint(SignalValidation, json.RawMessage(`{"code":"E42","module":"parser"}`))
	require.NotEqual(t, a, d)
}
