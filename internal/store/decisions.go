package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AppendDecisionRecord persists an immutable decision record.
// Returns ErrConflict when the decision ID already exists; idempotent
// retries must reuse the same ID.
func (s *Store) AppendDecisionRecord(ctx context.Context, rec *DecisionRecord) error {
	ctx, span := s.tracer.Start(ctx, "store.append_decision")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrValidation)
	}
	if rec.TraceID == "" {
		return fmt.Errorf("%w: trace id is required", ErrValidation)
	}
	if rec.Classification != ClassApp && rec.Classification != ClassMotor && rec.Classification != ClassMixed {
		return fmt.Errorf("%w: unknown classification %q", ErrValidation, rec.Classification)
	}
	if len(rec.ActionPlan) == 0 {
		return fmt.Errorf("%w: action plan is empty", ErrValidation)
	}

	planJSON, err := json.Marshal(rec.ActionPlan)
	if err != nil {
		return fmt.Errorf("encoding action plan: %w", err)
	}
	checksJSON, err := json.Marshal(rec.SafetyChecks)
	if err != nil {
		return fmt.Errorf("encoding safety checks: %w", err)
	}
	eventsJSON, err := json.Marshal(rec.EventIDs)
	if err != nil {
		return fmt.Errorf("encoding event ids: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = nowUTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, trace_id, classification, category, rationale, action_plan, safety_checks, event_ids, supersedes, epoch, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TraceID, string(rec.Classification), string(rec.Category), rec.Rationale,
		string(planJSON), string(checksJSON), string(eventsJSON), rec.Supersedes, rec.Epoch, formatTime(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: decision %q already exists", ErrConflict, rec.ID)
		}
		return fmt.Errorf("inserting decision: %w", err)
	}

	s.logger.Info("appended decision record",
		zap.String("decision_id", rec.ID),
		zap.String("trace_id", rec.TraceID),
		zap.String("classification", string(rec.Classification)),
		zap.String("category", string(rec.Category)),
	)
	return nil
}

// GetDecision returns one decision record by ID.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (*DecisionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, selectDecisions+` WHERE id = ?`, decisionID)
	rec, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: decision %q", ErrNotFound, decisionID)
	}
	return rec, err
}

// ListDecisions returns a trace's decision records in creation order.
func (s *Store) ListDecisions(ctx context.Context, traceID string) ([]*DecisionRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		selectDecisions+` WHERE trace_id = ? ORDER BY created_at, id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var recs []*DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// IsSuperseded reports whether any record names the given decision in its
// supersedes link.
func (s *Store) IsSuperseded(ctx context.Context, decisionID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM decisions WHERE supersedes = ?`, decisionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying supersedes: %w", err)
	}
	return n > 0, nil
}

// LastDecisionTime returns the creation time of the trace's most recent
// decision record. The second return is false when the trace has none.
func (s *Store) LastDecisionTime(ctx context.Context, traceID string) (time.Time, bool, error) {
	if err := s.checkOpen(); err != nil {
		return time.Time{}, false, err
	}

	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM decisions WHERE trace_id = ? ORDER BY created_at DESC LIMIT 1`,
		traceID).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying last decision: %w", err)
	}
	return parseTime(createdAt), true, nil
}

const selectDecisions = `SELECT id, trace_id, classification, category, rationale, action_plan, safety_checks, event_ids, supersedes, epoch, created_at FROM decisions`

func scanDecision(row rowScanner) (*DecisionRecord, error) {
	var (
		rec            DecisionRecord
		classification string
		category       string
		planJSON       string
		checksJSON     string
		eventsJSON     string
		createdAt      string
	)
	err := row.Scan(&rec.ID, &rec.TraceID, &classification, &category, &rec.Rationale,
		&planJSON, &checksJSON, &eventsJSON, &rec.Supersedes, &rec.Epoch, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Classification = Classification(classification)
	rec.Category = Category(category)
	rec.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(planJSON), &rec.ActionPlan); err != nil {
		return nil, fmt.Errorf("decoding action plan: %w", err)
	}
	if err := json.Unmarshal([]byte(checksJSON), &rec.SafetyChecks); err != nil {
		return nil, fmt.Errorf("decoding safety checks: %w", err)
	}
	if err := json.Unmarshal([]byte(eventsJSON), &rec.EventIDs); err != nil {
		return nil, fmt.Errorf("decoding event ids: %w", err)
	}
	return &rec, nil
}
