package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CreateTraceRequest carries the caller-supplied attributes of a new trace.
type CreateTraceRequest struct {
	// TraceID is the caller-generated opaque identifier.
	TraceID        string
	AppSpecRef     string
	ProfileTargets []string
	AppVersion     string
	MotorVersion   string
}

// CreateTrace persists a new trace in the IDLE state.
// Returns ErrConflict when the trace ID already exists.
func (s *Store) CreateTrace(ctx context.Context, req *CreateTraceRequest) (*Trace, error) {
	ctx, span := s.tracer.Start(ctx, "store.create_trace")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil || req.TraceID == "" {
		return nil, fmt.Errorf("%w: trace id is required", ErrValidation)
	}

	now := nowUTC()
	tr := &Trace{
		ID:             req.TraceID,
		State:          StateIdle,
		AppSpecRef:     req.AppSpecRef,
		ProfileTargets: req.ProfileTargets,
		AppVersion:     req.AppVersion,
		MotorVersion:   req.MotorVersion,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	targetsJSON, err := json.Marshal(tr.ProfileTargets)
	if err != nil {
		return nil, fmt.Errorf("encoding profile targets: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO traces (id, state, app_spec_ref, profile_targets, app_version, motor_version, checkpoint, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', 0, ?, ?)`,
		tr.ID, string(tr.State), tr.AppSpecRef, string(targetsJSON), tr.AppVersion, tr.MotorVersion,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: trace %q already exists", ErrConflict, tr.ID)
		}
		return nil, fmt.Errorf("inserting trace: %w", err)
	}

	s.logger.Info("created trace", zap.String("trace_id", tr.ID))
	return tr, nil
}

// GetTrace returns a trace by ID.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*Trace, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, app_spec_ref, profile_targets, app_version, motor_version, checkpoint, archived, created_at, updated_at
		 FROM traces WHERE id = ?`, traceID)

	tr, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trace %q", ErrNotFound, traceID)
	}
	return tr, err
}

// UpdateTraceState moves a trace to the given state.
func (s *Store) UpdateTraceState(ctx context.Context, traceID string, state TraceState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateTrace(ctx, traceID, `state = ?`, string(state))
}

// SetTraceVersions updates the trace's active context version references.
// Empty arguments leave the corresponding reference unchanged.
func (s *Store) SetTraceVersions(ctx context.Context, traceID, appVersion, motorVersion string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if appVersion != "" {
		if err := s.updateTrace(ctx, traceID, `app_version = ?`, appVersion); err != nil {
			return err
		}
	}
	if motorVersion != "" {
		if err := s.updateTrace(ctx, traceID, `motor_version = ?`, motorVersion); err != nil {
			return err
		}
	}
	return nil
}

// RecordCheckpoint stores the trace's resumption marker.
func (s *Store) RecordCheckpoint(ctx context.Context, traceID, checkpointRef string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateTrace(ctx, traceID, `checkpoint = ?`, checkpointRef)
}

// GetCheckpoint returns the trace's checkpoint reference, or "" when no
// checkpoint has been recorded. Absence is not an error.
func (s *Store) GetCheckpoint(ctx context.Context, traceID string) (string, error) {
	tr, err := s.GetTrace(ctx, traceID)
	if err != nil {
		return "", err
	}
	return tr.Checkpoint, nil
}

// ArchiveTrace marks a trace as archived. Traces are never deleted.
func (s *Store) ArchiveTrace(ctx context.Context, traceID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.updateTrace(ctx, traceID, `archived = 1`)
}

// updateTrace applies one SET clause to a trace, bumping updated_at.
func (s *Store) updateTrace(ctx context.Context, traceID, setClause string, args ...interface{}) error {
	query := `UPDATE traces SET ` + setClause + `, updated_at = ? WHERE id = ?`
	args = append(args, formatTime(nowUTC()), traceID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: trace %q", ErrNotFound, traceID)
	}
	return nil
}

func scanTrace(row rowScanner) (*Trace, error) {
	var (
		tr          Trace
		state       string
		targetsJSON string
		archived    int
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&tr.ID, &state, &tr.AppSpecRef, &targetsJSON, &tr.AppVersion, &tr.MotorVersion,
		&tr.Checkpoint, &archived, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	tr.State = TraceState(state)
	tr.Archived = archived != 0
	tr.CreatedAt = parseTime(createdAt)
	tr.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(targetsJSON), &tr.ProfileTargets); err != nil {
		return nil, fmt.Errorf("decoding profile targets: %w", err)
	}
	return &tr, nil
}
