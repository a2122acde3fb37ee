package classify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(&store.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestClassifier(t *testing.T, st *store.Store) *Classifier {
	t.Helper()
	c, err := New(nil, st, zap.NewNop())
	require.NoError(t, err)
	return c
}

// seedMotorLineage creates a motor lineage of the given depth and returns the
// head version (depth 1 = v1.0.0, 2 = v1.1.0, 3 = v1.2.0).
func seedMotorLineage(t *testing.T, st *store.Store, depth int) string {
	t.Helper()
	ctx := context.Background()

	parent := ""
	for i := 0; i < depth; i++ {
		v, err := st.CreateContextVersion(ctx, store.KindMotor, []store.Artifact{
			{ID: "motor/rules.md", Digest: string(rune('a' + i))},
		}, parent)
		require.NoError(t, err)
		parent = v.Version
	}
	return parent
}

func seedAppRoot(t *testing.T, st *store.Store) string {
	t.Helper()
	v, err := st.CreateContextVersion(context.Background(), store.KindApp, []store.Artifact{
		{ID: "app/spec.md", Digest: "spec"},
	}, "")
	require.NoError(t, err)
	return v.Version
}

func seedTrace(t *testing.T, st *store.Store, id, appVer, motorVer string, targets []string) {
	t.Helper()
	_, err := st.CreateTrace(context.Background(), &store.CreateTraceRequest{
		TraceID:        id,
		AppSpecRef:     "app/spec.md",
		ProfileTargets: targets,
		AppVersion:     appVer,
		MotorVersion:   motorVer,
	})
	require.NoError(t, err)
}

func appendEvent(t *testing.T, st *store.Store, traceID string, signal store.SignalType, severity store.Severity, payload string) {
	t.Helper()
	_, err := st.AppendEvent(context.Background(), traceID, &store.Event{
		Timestamp:  time.Now().UTC(),
		Scope:      store.ScopeApp,
		SignalType: signal,
		Severity:   severity,
		Payload:    json.RawMessage(payload),
	})
	require.NoError(t, err)
}

// Same validation failure with an identical payload fingerprint on two traces
// under the same motor version implicates the motor.
func TestClassifyMotorRules(t *testing.T) {
	st := newTestStore(t)
	motor := seedMotorLineage(t, st, 3) // v1.2.0
	app := seedAppRoot(t, st)

	seedTrace(t, st, "t1", app, motor, []string{"web"})
	seedTrace(t, st, "t2", app, motor, []string{"api"})

	payload := `{"check":"schema","message":"missing field"}`
	appendEvent(t, st, "t1", store.SignalValidation, store.SeverityError, payload)
	appendEvent(t, st, "t2", store.SignalValidation, store.SeverityError, payload)

	c := newTestClassifier(t, st)
	rec, err := c.Classify(context.Background(), "t1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, store.ClassMotor, rec.Classification)
	assert.Equal(t, store.CategoryMotorRules, rec.Category)
	assert.Contains(t, rec.Rationale, "MOTOR-RULES")
	assert.Contains(t, rec.Rationale, "t2")
	assert.Equal(t, motorPlan(), rec.ActionPlan)
	assert.Equal(t, motorChecks(), rec.SafetyChecks)
}

// The same error absent on a different-profile trace under the same motor
// version pins the fault on the app side.
func TestClassifyAppByProfileContrast(t *testing.T) {
	st := newTestStore(t)
	motor := seedMotorLineage(t, st, 1)
	app := seedAppRoot(t, st)

	seedTrace(t, st, "t1", app, motor, []string{"web"})
	seedTrace(t, st, "t3", app, motor, []string{"mobile"})

	// t3 references the motor but never saw the failure.
	appendEvent(t, st, "t3", store.SignalCoverage, store.SeverityInfo, `{"pct":91}`)
	appendEvent(t, st, "t1", store.SignalValidation, store.SeverityError, `{"check":"layout"}`)

	c := newTestClassifier(t, st)
	rec, err := c.Classify(context.Background(), "t1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, store.ClassApp, rec.Classification)
	assert.Equal(t, store.CategoryAppBuild, rec.Category)
	assert.Contains(t, rec.Rationale, "t3")
	assert.Equal(t, appPlan(), rec.ActionPlan)
}

// A quality score regression across a motor bump on the same trace is drift
// on both sides: mixed, with the motor patch ordered before the app patch.
func TestClassifyMixedDrift(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	motorOld := seedMotorLineage(t, st, 2) // v1.1.0
	app := seedAppRoot(t, st)
	seedTrace(t, st, "t1", app, motorOld, []string{"web"})

	appendEvent(t, st, "t1", store.SignalQualityScore, store.SeverityInfo, `{"score":0.92}`)

	// Bump the motor and rebind the trace.
	bumped, err := st.CreateContextVersion(ctx, store.KindMotor, []store.Artifact{
		{ID: "motor/rules.md", Digest: "c"},
	}, motorOld)
	require.NoError(t, err)
	require.NoError(t, st.SetTraceVersions(ctx, "t1", app, bumped.Version))

	appendEvent(t, st, "t1", store.SignalQualityScore, store.SeverityWarn, `{"score":0.71}`)

	c := newTestClassifier(t, st)
	rec, err := c.Classify(ctx, "t1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, store.ClassMixed, rec.Classification)
	assert.Equal(t, store.CategoryMixedDrift, rec.Category)
	assert.Contains(t, rec.Rationale, "0.92")
	assert.Contains(t, rec.Rationale, "0.71")

	// Fixed plan: motor patch and validation strictly before app patch.
	assert.Equal(t, []store.ActionStep{
		{Step: store.StepPause, Target: store.TargetPipeline},
		{Step: store.StepApplyPatch, Target: store.TargetMotor},
		{Step: store.StepValidate, Target: store.TargetMotor},
		{Step: store.StepApplyPatch, Target: store.TargetApp},
		{Step: store.StepValidate, Target: store.TargetApp},
		{Step: store.StepResume, Target: store.TargetPipeline},
	}, rec.ActionPlan)
}

func TestClassifyMotorPerf(t *testing.T) {
	st := newTestStore(t)
	motor := seedMotorLineage(t, st, 1)
	app := seedAppRoot(t, st)
	seedTrace(t, st, "t1", app, motor, []string{"web"})

	tests := []struct {
		name    string
		signal  store.SignalType
		payload string
	}{
		{"latency over budget", store.SignalLatency, `{"millis":45000}`},
		{"cost over budget", store.SignalCost, `{"amount":12.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			motor := seedMotorLineage(t, st, 1)
			app := seedAppRoot(t, st)
			seedTrace(t, st, "t1", app, motor, []string{"web"})
			appendEvent(t, st, "t1", tt.signal, store.SeverityWarn, tt.payload)

			c := newTestClassifier(t, st)
			rec, err := c.Classify(context.Background(), "t1", time.Time{})
			require.NoError(t, err)

			assert.Equal(t, store.ClassMotor, rec.Classification)
			assert.Equal(t, store.CategoryMotorPerf, rec.Category)
		})
	}

	// Under budget falls through to the app default.
	appendEvent(t, st, "t1", store.SignalLatency, store.SeverityInfo, `{"millis":1200}`)
	c := newTestClassifier(t, st)
	rec, err := c.Classify(context.Background(), "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, store.ClassApp, rec.Classification)
}

func TestClassifyAppPhaseDiscrimination(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    store.Category
	}{
		{"spec phase", `{"phase":"spec","check":"requirements"}`, store.CategoryAppSpec},
		{"build phase", `{"phase":"build","check":"compile"}`, store.CategoryAppBuild},
		{"phase absent", `{"check":"compile"}`, store.CategoryAppBuild},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			motor := seedMotorLineage(t, st, 1)
			app := seedAppRoot(t, st)
			seedTrace(t, st, "t1", app, motor, []string{"web"})
			appendEvent(t, st, "t1", store.SignalValidation, store.SeverityError, tt.payload)

			c := newTestClassifier(t, st)
			rec, err := c.Classify(context.Background(), "t1", time.Time{})
			require.NoError(t, err)

			assert.Equal(t, store.ClassApp, rec.Classification)
			assert.Equal(t, tt.want, rec.Category)
		})
	}
}

// Identical event windows must yield identical classification, category, and
// rationale on every invocation.
func TestClassifyDeterministic(t *testing.T) {
	st := newTestStore(t)
	motor := seedMotorLineage(t, st, 1)
	app := seedAppRoot(t, st)
	seedTrace(t, st, "t1", app, motor, []string{"web"})
	appendEvent(t, st, "t1", store.SignalValidation, store.SeverityError, `{"check":"schema"}`)
	appendEvent(t, st, "t1", store.SignalError, store.SeverityWarn, `{"message":"retry"}`)

	c := newTestClassifier(t, st)
	first, err := c.Classify(context.Background(), "t1", time.Time{})
	require.NoError(t, err)
	second, err := c.Classify(context.Background(), "t1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, first.Classification, second.Classification)
	assert.Equal(t, first.Category, second.Category)
	assert.Equal(t, first.Rationale, second.Rationale)
	assert.Equal(t, first.ActionPlan, second.ActionPlan)
	// The record identity itself is fresh per invocation.
	assert.NotEqual(t, first.ID, second.ID)
}

func TestClassifyEmptyWindow(t *testing.T) {
	st := newTestStore(t)
	motor := seedMotorLineage(t, st, 1)
	app := seedAppRoot(t, st)
	seedTrace(t, st, "t1", app, motor, []string{"web"})

	c := newTestClassifier(t, st)
	_, err := c.Classify(context.Background(), "t1", time.Time{})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestClassifyUnknownTrace(t *testing.T) {
	st := newTestStore(t)
	c := newTestClassifier(t, st)
	_, err := c.Classify(context.Background(), "nope", time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewValidation(t *testing.T) {
	st := newTestStore(t)

	_, err := New(nil, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = New(&Config{LatencyBudget: 0, CostBudget: 1}, st, zap.NewNop())
	assert.ErrorIs(t, err, store.ErrValidation)
}
