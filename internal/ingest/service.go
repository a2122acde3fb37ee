package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/operatord/internal/ingest"

// ErrRateLimited indicates the process-wide submission rate was exceeded.
// Unlike validation failures this is retryable by the caller.
var ErrRateLimited = errors.New("event submission rate limited")

// EventAppender is the slice of the context store ingest writes through.
type EventAppender interface {
	AppendEvent(ctx context.Context, traceID string, ev *store.Event) (string, error)
}

// Config configures the ingest service.
type Config struct {
	// RateLimit is the sustained submissions/second accepted.
	RateLimit float64
	// RateBurst is the burst allowance.
	RateBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RateLimit: 200,
		RateBurst: 500,
	}
}

// Service validates envelopes and forwards them to the store.
type Service struct {
	store   EventAppender
	logger  *zap.Logger
	limiter *rate.Limiter
	tracer  trace.Tracer
}

// NewService creates an ingest service.
func NewService(cfg *Config, st EventAppender, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("%w: rate limit and burst must be positive", store.ErrValidation)
	}

	return &Service{
		store:   st,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		tracer:  otel.Tracer(instrumentationName),
	}, nil
}

// Submit validates one envelope and appends it to the trace's event log.
// Returns the stored event ID. Rejections carry store.ErrValidation (fix the
// input) or ErrRateLimited (retry later); neither leaves a partial write.
func (s *Service) Submit(ctx context.Context, env *Envelope) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.submit")
	defer span.End()

	if env == nil {
		EventsRejected.WithLabelValues("validation").Inc()
		return "", fmt.Errorf("%w: envelope is required", store.ErrValidation)
	}

	span.SetAttributes(
		attribute.String("trace_id", env.TraceID),
		attribute.String("signal_type", env.SignalType),
	)

	if !s.limiter.Allow() {
		EventsRejected.WithLabelValues("rate_limit").Inc()
		return "", ErrRateLimited
	}

	if err := env.Validate(); err != nil {
		EventsRejected.WithLabelValues("validation").Inc()
		span.RecordError(err)
		return "", err
	}

	ev, err := env.ToEvent()
	if err != nil {
		EventsRejected.WithLabelValues("validation").Inc()
		return "", err
	}

	id, err := s.store.AppendEvent(ctx, env.TraceID, ev)
	if err != nil {
		EventsRejected.WithLabelValues(rejectionReason(err)).Inc()
		span.RecordError(err)
		return "", err
	}

	EventsIngested.WithLabelValues(env.SignalType).Inc()
	s.logger.Debug("ingested event",
		zap.String("trace_id", env.TraceID),
		zap.String("event_id", id),
		zap.String("signal_type", env.SignalType),
	)
	return id, nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrIsolationViolation):
		return "isolation"
	default:
		return "internal"
	}
}
