package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDecision(id, traceID string) *DecisionRecord {
	return &DecisionRecord{
		ID:             id,
		TraceID:        traceID,
		Classification: ClassMotor,
		Category:       CategoryMotorRules,
		Rationale:      "same signature on 2 traces under motor v1.2.0",
		ActionPlan: []ActionStep{
			{Step: StepPause, Target: TargetPipeline},
			{Step: StepApplyPatch, Target: TargetMotor, PatchRef: "patches/p1"},
			{Step: StepValidate, Target: TargetMotor},
			{Step: StepResume, Target: TargetPipeline},
		},
		SafetyChecks: []string{"validators:strict"},
		EventIDs:     []string{"e1", "e2"},
	}
}

func TestAppendDecisionRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	rec := testDecision("d1", "t1")
	require.NoError(t, s.AppendDecisionRecord(ctx, rec))

	got, err := s.GetDecision(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, ClassMotor, got.Classification)
	assert.Equal(t, CategoryMotorRules, got.Category)
	assert.Equal(t, rec.ActionPlan, got.ActionPlan)
	assert.Equal(t, rec.SafetyChecks, got.SafetyChecks)
	assert.Equal(t, rec.EventIDs, got.EventIDs)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAppendDecisionRecordDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	require.NoError(t, s.AppendDecisionRecord(ctx, testDecision("d1", "t1")))
	err := s.AppendDecisionRecord(ctx, testDecision("d1", "t1"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestAppendDecisionRecordValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendDecisionRecord(ctx, &DecisionRecord{TraceID: "t1"})
	require.ErrorIs(t, err, ErrValidation)

	rec := testDecision("d1", "t1")
	rec.ActionPlan = nil
	err = s.AppendDecisionRecord(ctx, rec)
	require.ErrorIs(t, err, ErrValidation)

	rec = testDecision("d2", "t1")
	rec.Classification = "platform"
	err = s.AppendDecisionRecord(ctx, rec)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSupersedesLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	require.NoError(t, s.AppendDecisionRecord(ctx, testDecision("d1", "t1")))

	superseded, err := s.IsSuperseded(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, superseded)

	// Corrections are new records linked via supersedes, never mutations.
	correction := testDecision("d2", "t1")
	correction.Supersedes = "d1"
	require.NoError(t, s.AppendDecisionRecord(ctx, correction))

	superseded, err = s.IsSuperseded(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, superseded)
}

func TestLastDecisionTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	_, ok, err := s.LastDecisionTime(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AppendDecisionRecord(ctx, testDecision("d1", "t1")))

	ts, ok, err := s.LastDecisionTime(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ts.IsZero())
}

func TestListDecisionsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newTestTrace(t, s, "t1", "v1.2.0")

	require.NoError(t, s.AppendDecisionRecord(ctx, testDecision("d1", "t1")))
	require.NoError(t, s.AppendDecisionRecord(ctx, testDecision("d2", "t1")))

	recs, err := s.ListDecisions(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d1", recs[0].ID)
	assert.Equal(t, "d2", recs[1].ID)
}
