package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitMotorPatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules"), "")
	require.NoError(t, err)

	cv, err := s.CommitMotorPatch(ctx, &CommitMotorPatchRequest{
		Parent:            "v1.0.0",
		Artifacts:         motorArtifacts("rules", "validators"),
		DecisionID:        "d1",
		ValidationResults: "validators:strict passed",
		ImpactMetrics:     json.RawMessage(`{"quality_delta":0.04}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", cv.Version)

	entries, err := s.ListChangelog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v1.0.0", entries[0].MotorBefore)
	assert.Equal(t, "v1.1.0", entries[0].MotorAfter)
	assert.Equal(t, "d1", entries[0].DecisionID)
	assert.JSONEq(t, `{"quality_delta":0.04}`, string(entries[0].ImpactMetrics))
}

func TestCommitMotorPatchConflictLeavesNoEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules"), "")
	require.NoError(t, err)
	_, err = s.CommitMotorPatch(ctx, &CommitMotorPatchRequest{
		Parent:     "v1.0.0",
		Artifacts:  motorArtifacts("rules", "a"),
		DecisionID: "d1",
	})
	require.NoError(t, err)

	// A second commit against the already-advanced parent must fail and
	// leave no changelog entry behind (atomicity).
	_, err = s.CommitMotorPatch(ctx, &CommitMotorPatchRequest{
		Parent:     "v1.0.0",
		Artifacts:  motorArtifacts("rules", "b"),
		DecisionID: "d2",
	})
	require.ErrorIs(t, err, ErrConflict)

	entries, err := s.ListChangelog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "d1", entries[0].DecisionID)

	head, err := s.HeadVersion(ctx, KindMotor)
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", head)
}

func TestCommitMotorPatchRejectsAppArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules"), "")
	require.NoError(t, err)

	_, err = s.CommitMotorPatch(ctx, &CommitMotorPatchRequest{
		Parent:     "v1.0.0",
		Artifacts:  appArtifacts("spec"),
		DecisionID: "d1",
	})
	require.ErrorIs(t, err, ErrIsolationViolation)

	entries, err := s.ListChangelog(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendChangelogEntryStandalone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &ChangelogEntry{
		MotorBefore: "v1.0.0",
		MotorAfter:  "v1.1.0",
		DecisionID:  "d1",
	}
	require.NoError(t, s.AppendChangelogEntry(ctx, entry))
	assert.NotEmpty(t, entry.ID)

	err := s.AppendChangelogEntry(ctx, &ChangelogEntry{MotorAfter: ""})
	require.ErrorIs(t, err, ErrValidation)
}
