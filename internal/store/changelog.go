package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CommitMotorPatchRequest describes an atomic motor patch commit: the new
// artifact set, the parent version being advanced, and the changelog entry
// that records the commit.
type CommitMotorPatchRequest struct {
	// Parent is the motor version being advanced. The commit fails with
	// ErrConflict if another commit already advanced it.
	Parent string

	// Artifacts is the post-patch motor artifact set.
	Artifacts []Artifact

	// DecisionID links the commit to the decision record that ordered it.
	DecisionID string

	// ValidationResults summarizes the validation run that gated the commit.
	ValidationResults string

	// ImpactMetrics carries post-hoc measured impact, aggregated later.
	ImpactMetrics json.RawMessage
}

// CommitMotorPatch performs the motor version bump and the changelog append
// in one transaction. Either both are durable or neither is; a conflict on
// the parent version leaves the changelog untouched.
//
// This is the only write path for motor versions past the root, which is how
// the one-bump-in-flight invariant is enforced.
func (s *Store) CommitMotorPatch(ctx context.Context, req *CommitMotorPatchRequest) (*ContextVersion, error) {
	ctx, span := s.tracer.Start(ctx, "store.commit_motor_patch")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrValidation)
	}
	if req.DecisionID == "" {
		return nil, fmt.Errorf("%w: decision id is required", ErrValidation)
	}
	if len(req.Artifacts) == 0 {
		return nil, fmt.Errorf("%w: artifact set is empty", ErrValidation)
	}

	ids := make([]string, len(req.Artifacts))
	for i, a := range req.Artifacts {
		ids[i] = a.ID
	}
	if err := checkArtifactNamespace(KindMotor, ids); err != nil {
		return nil, err
	}

	cv := &ContextVersion{
		Kind:        KindMotor,
		ContentHash: hashArtifactSet(req.Artifacts),
		Parent:      req.Parent,
		Artifacts:   sortedArtifacts(req.Artifacts),
		CreatedAt:   nowUTC(),
	}
	entry := &ChangelogEntry{
		ID:                uuid.New().String(),
		MotorBefore:       req.Parent,
		DecisionID:        req.DecisionID,
		ValidationResults: req.ValidationResults,
		ImpactMetrics:     req.ImpactMetrics,
		CreatedAt:         cv.CreatedAt,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		version, err := s.advanceLineageTx(tx, KindMotor, req.Parent)
		if err != nil {
			return err
		}
		cv.Version = version
		entry.MotorAfter = version

		if err := insertContextVersionTx(tx, cv); err != nil {
			return err
		}
		return insertChangelogEntryTx(tx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("committed motor patch",
		zap.String("motor_before", entry.MotorBefore),
		zap.String("motor_after", entry.MotorAfter),
		zap.String("decision_id", entry.DecisionID),
	)
	return cv, nil
}

// AppendChangelogEntry appends a standalone changelog entry. Most callers
// want CommitMotorPatch, which pairs the entry with its version bump.
func (s *Store) AppendChangelogEntry(ctx context.Context, entry *ChangelogEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if entry == nil || entry.MotorAfter == "" {
		return fmt.Errorf("%w: motor_after is required", ErrValidation)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = nowUTC()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertChangelogEntryTx(tx, entry)
	})
}

// ListChangelog returns all changelog entries in commit order.
func (s *Store) ListChangelog(ctx context.Context) ([]*ChangelogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, motor_before, motor_after, decision_id, validation_results, impact_metrics, created_at
		 FROM changelog ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying changelog: %w", err)
	}
	defer rows.Close()

	var entries []*ChangelogEntry
	for rows.Next() {
		var (
			e         ChangelogEntry
			impact    string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.MotorBefore, &e.MotorAfter, &e.DecisionID, &e.ValidationResults, &impact, &createdAt); err != nil {
			return nil, err
		}
		e.ImpactMetrics = json.RawMessage(impact)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func insertChangelogEntryTx(tx *sql.Tx, entry *ChangelogEntry) error {
	impact := entry.ImpactMetrics
	if len(impact) == 0 {
		impact = json.RawMessage("{}")
	}
	_, err := tx.Exec(
		`INSERT INTO changelog (id, motor_before, motor_after, decision_id, validation_results, impact_metrics, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.MotorBefore, entry.MotorAfter, entry.DecisionID,
		entry.ValidationResults, string(impact), formatTime(entry.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: changelog entry %q already exists", ErrConflict, entry.ID)
		}
		return fmt.Errorf("inserting changelog entry: %w", err)
	}
	return nil
}
