package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AppendEvent validates and appends one observer event to the trace's log.
// The event is durable before the call returns.
//
// Returns ErrValidation on missing required fields or out-of-enum
// signal_type/severity, ErrNotFound on an unknown trace, and
// ErrIsolationViolation when artifact IDs cross the scope's namespace.
//
// When the event carries no context_ref, the trace's currently active
// app/motor versions are stamped on it, so classification always has a
// well-defined context for every event.
func (s *Store) AppendEvent(ctx context.Context, traceID string, ev *Event) (string, error) {
	ctx, span := s.tracer.Start(ctx, "store.append_event")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if ev == nil {
		return "", fmt.Errorf("%w: event is required", ErrValidation)
	}
	if traceID == "" {
		return "", fmt.Errorf("%w: trace id is required", ErrValidation)
	}
	if ev.Timestamp.IsZero() {
		return "", fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	if !ev.Scope.Valid() {
		return "", fmt.Errorf("%w: unknown scope %q", ErrValidation, ev.Scope)
	}
	if !ev.SignalType.Valid() {
		return "", fmt.Errorf("%w: unknown signal_type %q", ErrValidation, ev.SignalType)
	}
	if !ev.Severity.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrValidation, ev.Severity)
	}
	if len(ev.Payload) == 0 {
		return "", fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if err := checkArtifactNamespace(ContextKind(ev.Scope), ev.ArtifactIDs); err != nil {
		return "", err
	}

	tr, err := s.GetTrace(ctx, traceID)
	if err != nil {
		return "", err
	}

	appCtx, motorCtx := "", ""
	if ev.ContextRef != nil {
		appCtx, motorCtx = ev.ContextRef.AppCtx, ev.ContextRef.MotorCtx
	}
	if appCtx == "" {
		appCtx = tr.AppVersion
	}
	if motorCtx == "" {
		motorCtx = tr.MotorVersion
	}

	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	fingerprint := Fingerprint(ev.SignalType, ev.Payload)

	artifactsJSON, err := json.Marshal(ev.ArtifactIDs)
	if err != nil {
		return "", fmt.Errorf("encoding artifact ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, trace_id, ts, scope, signal_type, severity, payload, artifact_ids, app_ctx, motor_ctx, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, traceID, formatTime(ev.Timestamp), string(ev.Scope), string(ev.SignalType), string(ev.Severity),
		string(ev.Payload), string(artifactsJSON), appCtx, motorCtx, fingerprint,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: event %q already exists", ErrConflict, id)
		}
		return "", fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("appended event",
		zap.String("trace_id", traceID),
		zap.String("event_id", id),
		zap.String("signal_type", string(ev.SignalType)),
		zap.String("severity", string(ev.Severity)),
	)
	return id, nil
}

// GetEvent returns one event by ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, selectEvents+` WHERE id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %q", ErrNotFound, eventID)
	}
	return ev, err
}

// EventsSince returns the trace's events with timestamp >= since, in append
// order. A zero since returns the whole log.
func (s *Store) EventsSince(ctx context.Context, traceID string, since time.Time) ([]*Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		rows *sql.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = s.db.QueryContext(ctx,
			selectEvents+` WHERE trace_id = ? ORDER BY seq`, traceID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectEvents+` WHERE trace_id = ? AND ts >= ? ORDER BY seq`, traceID, formatTime(since))
	}
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// TracesWithSignature returns the distinct trace IDs that observed an event
// with the given fingerprint while the given motor context was active.
func (s *Store) TracesWithSignature(ctx context.Context, fingerprint, motorCtx string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT trace_id FROM events WHERE fingerprint = ? AND motor_ctx = ? ORDER BY trace_id`,
		fingerprint, motorCtx)
	if err != nil {
		return nil, fmt.Errorf("querying signatures: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TraceHasSignature reports whether the trace ever observed an event with the
// given fingerprint under the given motor context.
func (s *Store) TraceHasSignature(ctx context.Context, traceID, fingerprint, motorCtx string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE trace_id = ? AND fingerprint = ? AND motor_ctx = ?`,
		traceID, fingerprint, motorCtx).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying signature: %w", err)
	}
	return n > 0, nil
}

// TracesReferencingMotor returns traces that emitted at least one event while
// the given motor context was active, excluding the given trace.
func (s *Store) TracesReferencingMotor(ctx context.Context, motorCtx, excludeTraceID string) ([]*Trace, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT trace_id FROM events WHERE motor_ctx = ? AND trace_id != ? ORDER BY trace_id`,
		motorCtx, excludeTraceID)
	if err != nil {
		return nil, fmt.Errorf("querying motor references: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	traces := make([]*Trace, 0, len(ids))
	for _, id := range ids {
		tr, err := s.GetTrace(ctx, id)
		if err != nil {
			return nil, err
		}
		traces = append(traces, tr)
	}
	return traces, nil
}

// QualityScore returns the most recent quality_score observed on the trace
// under the given motor context. The second return is false when no score
// has been recorded.
func (s *Store) QualityScore(ctx context.Context, traceID, motorCtx string) (float64, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM events
		 WHERE trace_id = ? AND motor_ctx = ? AND signal_type = ?
		 ORDER BY seq DESC LIMIT 1`,
		traceID, motorCtx, string(SignalQualityScore)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("querying quality score: %w", err)
	}

	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return 0, false, fmt.Errorf("%w: quality_score payload: %v", ErrValidation, err)
	}
	return body.Score, true, nil
}

const selectEvents = `SELECT seq, id, trace_id, ts, scope, signal_type, severity, payload, artifact_ids, app_ctx, motor_ctx, fingerprint FROM events`

func scanEvent(row rowScanner) (*Event, error) {
	var (
		ev            Event
		ts            string
		scope         string
		signalType    string
		severity      string
		payload       string
		artifactsJSON string
		appCtx        string
		motorCtx      string
	)
	err := row.Scan(&ev.Seq, &ev.ID, &ev.TraceID, &ts, &scope, &signalType, &severity,
		&payload, &artifactsJSON, &appCtx, &motorCtx, &ev.Fingerprint)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = parseTime(ts)
	ev.Scope = Scope(scope)
	ev.SignalType = SignalType(signalType)
	ev.Severity = Severity(severity)
	ev.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(artifactsJSON), &ev.ArtifactIDs); err != nil {
		return nil, fmt.Errorf("decoding artifact ids: %w", err)
	}
	if appCtx != "" || motorCtx != "" {
		ev.ContextRef = &ContextRef{AppCtx: appCtx, MotorCtx: motorCtx}
	}
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
