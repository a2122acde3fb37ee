package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// CreateContextVersion computes a content hash over the artifact set, assigns
// the next semantic version after parent, and persists the new version.
//
// Returns ErrConflict when a concurrent writer already advanced the same
// parent, ErrNotFound when the parent version does not exist, and
// ErrIsolationViolation when the artifact set crosses the app/motor
// namespace boundary. Pass an empty parent to root a new lineage.
func (s *Store) CreateContextVersion(ctx context.Context, kind ContextKind, artifacts []Artifact, parent string) (*ContextVersion, error) {
	ctx, span := s.tracer.Start(ctx, "store.create_context_version")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown context kind %q", ErrValidation, kind)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("%w: artifact set is empty", ErrValidation)
	}

	ids := make([]string, len(artifacts))
	for i, a := range artifacts {
		if a.ID == "" || a.Digest == "" {
			return nil, fmt.Errorf("%w: artifact id and digest are required", ErrValidation)
		}
		ids[i] = a.ID
	}
	if err := checkArtifactNamespace(kind, ids); err != nil {
		return nil, err
	}

	cv := &ContextVersion{
		Kind:        kind,
		ContentHash: hashArtifactSet(artifacts),
		Parent:      parent,
		Artifacts:   sortedArtifacts(artifacts),
		CreatedAt:   nowUTC(),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := s.advanceLineageTx(tx, kind, parent)
		if err != nil {
			return err
		}
		cv.Version = version
		return insertContextVersionTx(tx, cv)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("created context version",
		zap.String("kind", string(kind)),
		zap.String("version", cv.Version),
		zap.String("parent", parent),
	)
	return cv, nil
}

// advanceLineageTx verifies the parent exists and has not been advanced, and
// returns the next version identifier.
func (s *Store) advanceLineageTx(tx *sql.Tx, kind ContextKind, parent string) (string, error) {
	if parent != "" {
		var exists int
		err := tx.QueryRow(
			`SELECT COUNT(*) FROM context_versions WHERE kind = ? AND version = ?`,
			string(kind), parent,
		).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("checking parent: %w", err)
		}
		if exists == 0 {
			return "", fmt.Errorf("%w: %s context version %q", ErrNotFound, kind, parent)
		}
	}

	var children int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM context_versions WHERE kind = ? AND parent = ?`,
		string(kind), parent,
	).Scan(&children)
	if err != nil {
		return "", fmt.Errorf("checking lineage: %w", err)
	}
	if children > 0 {
		return "", fmt.Errorf("%w: %s parent %q already advanced", ErrConflict, kind, parent)
	}

	return nextVersion(parent)
}

func insertContextVersionTx(tx *sql.Tx, cv *ContextVersion) error {
	artifactsJSON, err := json.Marshal(cv.Artifacts)
	if err != nil {
		return fmt.Errorf("encoding artifacts: %w", err)
	}
	_, err = tx.Exec(
		`INSERT INTO context_versions (kind, version, content_hash, parent, artifacts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(cv.Kind), cv.Version, cv.ContentHash, cv.Parent, string(artifactsJSON), formatTime(cv.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s version %q", ErrConflict, cv.Kind, cv.Version)
		}
		return fmt.Errorf("inserting context version: %w", err)
	}
	return nil
}

// GetContext returns the context snapshot for the given kind and version.
func (s *Store) GetContext(ctx context.Context, kind ContextKind, version string) (*ContextVersion, error) {
	ctx, span := s.tracer.Start(ctx, "store.get_context")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown context kind %q", ErrValidation, kind)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT kind, version, content_hash, parent, artifacts, created_at
		 FROM context_versions WHERE kind = ? AND version = ?`,
		string(kind), version,
	)
	cv, err := scanContextVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s context version %q", ErrNotFound, kind, version)
	}
	return cv, err
}

// HeadVersion returns the most recent version of a lineage, or "" when the
// lineage is empty.
func (s *Store) HeadVersion(ctx context.Context, kind ContextKind) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT version, parent FROM context_versions WHERE kind = ?`, string(kind))
	if err != nil {
		return "", fmt.Errorf("querying lineage: %w", err)
	}
	defer rows.Close()

	// The head is the version no other version names as parent.
	versions := make(map[string]bool)
	parents := make(map[string]bool)
	for rows.Next() {
		var version, parent string
		if err := rows.Scan(&version, &parent); err != nil {
			return "", err
		}
		versions[version] = true
		parents[parent] = true
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	for v := range versions {
		if !parents[v] {
			return v, nil
		}
	}
	return "", nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContextVersion(row rowScanner) (*ContextVersion, error) {
	var (
		cv            ContextVersion
		kind          string
		artifactsJSON string
		createdAt     string
	)
	if err := row.Scan(&kind, &cv.Version, &cv.ContentHash, &cv.Parent, &artifactsJSON, &createdAt); err != nil {
		return nil, err
	}
	cv.Kind = ContextKind(kind)
	cv.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(artifactsJSON), &cv.Artifacts); err != nil {
		return nil, fmt.Errorf("decoding artifacts: %w", err)
	}
	return &cv, nil
}

// hashArtifactSet computes the content hash of an artifact set: sha256 over
// the sorted "id=digest" pairs, so artifact order never changes the hash.
func hashArtifactSet(artifacts []Artifact) string {
	lines := make([]string, len(artifacts))
	for i, a := range artifacts {
		lines[i] = a.ID + "=" + a.Digest
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedArtifacts(artifacts []Artifact) []Artifact {
	out := make([]Artifact, len(artifacts))
	copy(out, artifacts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// isUniqueViolation detects SQLite unique constraint errors without binding
// to driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
