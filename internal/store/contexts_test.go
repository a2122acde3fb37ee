package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func motorArtifacts(ids ...string) []Artifact {
	out := make([]Artifact, len(ids))
	for i, id := range ids {
		out[i] = Artifact{ID: "motor/" + id, Digest: "sha256:" + id}
	}
	return out
}

func appArtifacts(ids ...string) []Artifact {
	out := make([]Artifact, len(ids))
	for i, id := range ids {
		out[i] = Artifact{ID: "app/" + id, Digest: "sha256:" + id}
	}
	return out
}

func TestCreateContextVersionRootsLineage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cv, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules", "templates"), "")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", cv.Version)
	assert.Empty(t, cv.Parent)
	assert.NotEmpty(t, cv.ContentHash)

	got, err := s.GetContext(ctx, KindMotor, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, cv.ContentHash, got.ContentHash)
	assert.Len(t, got.Artifacts, 2)
}

func TestCreateContextVersionAdvancesParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules"), "")
	require.NoError(t, err)

	cv, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules", "validators"), "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", cv.Version)
	assert.Equal(t, "v1.0.0", cv.Parent)

	head, err := s.HeadVersion(ctx, KindMotor)
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", head)
}

func TestCreateContextVersionConflictsOnAdvancedParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules"), "")
	require.NoError(t, err)
	_, err = s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules", "a"), "v1.0.0")
	require.NoError(t, err)

	// Second writer raced on the same parent.
	_, err = s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules", "b"), "v1.0.0")
	require.ErrorIs(t, err, ErrConflict)
}

func TestCreateContextVersionUnknownParent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateContextVersion(context.Background(), KindApp, appArtifacts("spec"), "v9.9.9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateContextVersionRejectsCrossNamespaceArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mixed := []Artifact{
		{ID: "app/spec", Digest: "sha256:a"},
		{ID: "motor/rules", Digest: "sha256:b"},
	}
	_, err := s.CreateContextVersion(ctx, KindApp, mixed, "")
	require.ErrorIs(t, err, ErrIsolationViolation)

	_, err = s.CreateContextVersion(ctx, KindMotor, appArtifacts("spec"), "")
	require.ErrorIs(t, err, ErrIsolationViolation)

	// Unprefixed identifiers belong to neither namespace.
	_, err = s.CreateContextVersion(ctx, KindApp, []Artifact{{ID: "spec", Digest: "sha256:c"}}, "")
	require.ErrorIs(t, err, ErrIsolationViolation)
}

func TestNamespacesAreDisjointLineages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateContextVersion(ctx, KindApp, appArtifacts("spec"), "")
	require.NoError(t, err)
	_, err = s.CreateContextVersion(ctx, KindMotor, motorArtifacts("rules"), "")
	require.NoError(t, err)

	// Both lineages root at v1.0.0 and never see each other's artifacts.
	app, err := s.GetContext(ctx, KindApp, "v1.0.0")
	require.NoError(t, err)
	motor, err := s.GetContext(ctx, KindMotor, "v1.0.0")
	require.NoError(t, err)

	for _, a := range app.Artifacts {
		assert.Equal(t, "app", artifactNamespace(a.ID))
	}
	for _, a := range motor.Artifacts {
		assert.Equal(t, "motor", artifactNamespace(a.ID))
	}
}

func TestContentHashIsOrderIndependent(t *testing.T) {
	a := hashArtifactSet([]Artifact{
		{ID: "motor/rules", Digest: "sha256:1"},
		{ID: "motor/templates", Digest: "sha256:2"},
	})
	b := hashArtifactSet([]Artifact{
		{ID: "motor/templates", Digest: "sha256:2"},
		{ID: "motor/rules", Digest: "sha256:1"},
	})
	assert.Equal(t, a, b)

	c := hashArtifactSet([]Artifact{
		{ID: "motor/rules", Digest: "sha256:changed"},
		{ID: "motor/templates", Digest: "sha256:2"},
	})
	assert.NotEqual(t, a, c)
}

func TestGetContextNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContext(context.Background(), KindApp, "v1.0.0")
	require.ErrorIs(t, err, ErrNotFound)
}
