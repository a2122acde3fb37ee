package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/operatord/internal/store"

// Config configures the context store.
type Config struct {
	// Path is the SQLite database file. ":memory:" opens an ephemeral
	// in-memory database, used by tests.
	Path string `koanf:"path"`
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: store path is required", ErrValidation)
	}
	return nil
}

// Store is the durable context store. It is safe for concurrent use; SQLite
// serializes writers through a single connection.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the store at the configured path and applies the
// schema.
func Open(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_fk=1", cfg.Path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps the in-memory database alive and gives SQLite a
	// single serialized writer.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	logger.Info("context store opened", zap.String("path", cfg.Path))
	return s, nil
}

// Close closes the store. Further calls return an error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// checkOpen returns an error if the store has been closed.
func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// migrate applies the schema. All statements are idempotent.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS traces (
			id              TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			app_spec_ref    TEXT NOT NULL DEFAULT '',
			profile_targets TEXT NOT NULL DEFAULT '[]',
			app_version     TEXT NOT NULL DEFAULT '',
			motor_version   TEXT NOT NULL DEFAULT '',
			checkpoint      TEXT NOT NULL DEFAULT '',
			archived        INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_versions (
			kind         TEXT NOT NULL,
			version      TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			parent       TEXT NOT NULL DEFAULT '',
			artifacts    TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (kind, version)
		)`,
		// One child per parent enforces a linear lineage per kind and is the
		// backstop for the optimistic parent check.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_context_lineage
			ON context_versions (kind, parent)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			trace_id     TEXT NOT NULL,
			ts           TEXT NOT NULL,
			scope        TEXT NOT NULL,
			signal_type  TEXT NOT NULL,
			severity     TEXT NOT NULL,
			payload      TEXT NOT NULL,
			artifact_ids TEXT NOT NULL DEFAULT '[]',
			app_ctx      TEXT NOT NULL DEFAULT '',
			motor_ctx    TEXT NOT NULL DEFAULT '',
			fingerprint  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trace ON events (trace_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_signature ON events (fingerprint, motor_ctx)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id             TEXT PRIMARY KEY,
			trace_id       TEXT NOT NULL,
			classification TEXT NOT NULL,
			category       TEXT NOT NULL,
			rationale      TEXT NOT NULL,
			action_plan    TEXT NOT NULL,
			safety_checks  TEXT NOT NULL DEFAULT '[]',
			event_ids      TEXT NOT NULL DEFAULT '[]',
			supersedes     TEXT NOT NULL DEFAULT '',
			epoch          INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_trace ON decisions (trace_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS changelog (
			id                 TEXT PRIMARY KEY,
			motor_before       TEXT NOT NULL,
			motor_after        TEXT NOT NULL,
			decision_id        TEXT NOT NULL,
			validation_results TEXT NOT NULL DEFAULT '',
			impact_metrics     TEXT NOT NULL DEFAULT '{}',
			created_at         TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// artifactNamespace returns the namespace prefix of an artifact ID
// ("app" for "app/templates/main", etc.), or "" when unprefixed.
func artifactNamespace(id string) string {
	if i := strings.IndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return ""
}

// checkArtifactNamespace rejects artifact IDs outside the given kind's
// namespace.
func checkArtifactNamespace(kind ContextKind, ids []string) error {
	for _, id := range ids {
		ns := artifactNamespace(id)
		if ns != string(kind) {
			return fmt.Errorf("%w: artifact %q in %s namespace", ErrIsolationViolation, id, kind)
		}
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
