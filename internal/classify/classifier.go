package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/operatord/internal/classify"

// Safety check names the classifier attaches to decision records. The
// orchestrator's gate registry resolves them.
const (
	CheckValidatorsStrict = "validators:strict"
	CheckVersionMonotonic = "version:monotonic"
	CheckChangelogLinked  = "changelog:linked"
)

// Reader is the read-only slice of the context store the classifier needs.
type Reader interface {
	GetTrace(ctx context.Context, traceID string) (*store.Trace, error)
	EventsSince(ctx context.Context, traceID string, since time.Time) ([]*store.Event, error)
	LastDecisionTime(ctx context.Context, traceID string) (time.Time, bool, error)
	TracesWithSignature(ctx context.Context, fingerprint, motorCtx string) ([]string, error)
	TraceHasSignature(ctx context.Context, traceID, fingerprint, motorCtx string) (bool, error)
	TracesReferencingMotor(ctx context.Context, motorCtx, excludeTraceID string) ([]*store.Trace, error)
	QualityScore(ctx context.Context, traceID, motorCtx string) (float64, bool, error)
	GetContext(ctx context.Context, kind store.ContextKind, version string) (*store.ContextVersion, error)
}

// Config holds the performance budgets rule 4 classifies against.
type Config struct {
	// LatencyBudget is the per-operation latency ceiling. Latency events
	// report elapsed time in a payload field "millis".
	LatencyBudget time.Duration `koanf:"latency_budget"`
	// CostBudget is the per-operation cost ceiling. Cost events report spend
	// in a payload field "amount".
	CostBudget float64 `koanf:"cost_budget"`
}

// DefaultConfig returns the default budgets.
func DefaultConfig() *Config {
	return &Config{
		LatencyBudget: 30 * time.Second,
		CostBudget:    10.0,
	}
}

// Classifier evaluates the decision heuristics for one trace at a time.
type Classifier struct {
	cfg    *Config
	reader Reader
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a classifier over the given store reader.
func New(cfg *Config, reader Reader, logger *zap.Logger) (*Classifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if reader == nil {
		return nil, errors.New("store reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LatencyBudget <= 0 || cfg.CostBudget <= 0 {
		return nil, fmt.Errorf("%w: budgets must be positive", store.ErrValidation)
	}
	return &Classifier{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Classify evaluates the heuristics over the trace's event window and returns
// an unpersisted decision record. The window starts at windowSince, or at the
// trace's last decision when windowSince is zero.
//
// Rules are evaluated in a fixed order and the first match wins:
//
//  1. Same error signature on >=2 distinct traces under the same motor
//     version: motor / MOTOR-RULES.
//  2. Error absent on a prior trace with a different profile target under the
//     same motor version: app.
//  3. quality_score regression relative to the prior motor version on the
//     same trace: mixed / MIXED-DRIFT.
//  4. Latency or cost over budget: motor / MOTOR-PERF.
//  5. Otherwise app; APP-SPEC or APP-BUILD by the trigger's phase.
func (c *Classifier) Classify(ctx context.Context, traceID string, windowSince time.Time) (*store.DecisionRecord, error) {
	ctx, span := c.tracer.Start(ctx, "classify.classify")
	defer span.End()
	span.SetAttributes(attribute.String("trace_id", traceID))

	tr, err := c.reader.GetTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	if windowSince.IsZero() {
		last, ok, err := c.reader.LastDecisionTime(ctx, traceID)
		if err != nil {
			return nil, err
		}
		if ok {
			windowSince = last
		}
	}

	window, err := c.reader.EventsSince(ctx, traceID, windowSince)
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return nil, fmt.Errorf("%w: no events in window for trace %q", store.ErrValidation, traceID)
	}

	trigger := triggerEvent(window)
	motorCtx := eventMotorCtx(trigger, tr)

	rec, err := c.evaluate(ctx, tr, window, trigger, motorCtx)
	if err != nil {
		return nil, err
	}

	rec.ID = uuid.New().String()
	rec.TraceID = traceID
	rec.CreatedAt = time.Now().UTC()

	ClassificationsTotal.WithLabelValues(string(rec.Classification), string(rec.Category)).Inc()
	span.SetAttributes(
		attribute.String("classification", string(rec.Classification)),
		attribute.String("category", string(rec.Category)),
	)
	c.logger.Info("classified incident",
		zap.String("trace_id", traceID),
		zap.String("classification", string(rec.Classification)),
		zap.String("category", string(rec.Category)),
	)
	return rec, nil
}

func (c *Classifier) evaluate(ctx context.Context, tr *store.Trace, window []*store.Event, trigger *store.Event, motorCtx string) (*store.DecisionRecord, error) {
	// Rule 1: cross-trace recurrence of the same signature implicates the
	// shared motor.
	if isFailure(trigger) && motorCtx != "" {
		traces, err := c.reader.TracesWithSignature(ctx, trigger.Fingerprint, motorCtx)
		if err != nil {
			return nil, err
		}
		if len(traces) >= 2 {
			return &store.DecisionRecord{
				Classification: store.ClassMotor,
				Category:       store.CategoryMotorRules,
				Rationale: fmt.Sprintf(
					"MOTOR-RULES: signature %s recurs on %d traces (%s) sharing motor %s; events [%s]",
					trigger.Fingerprint, len(traces), strings.Join(traces, ", "), motorCtx,
					joinEventIDs(window)),
				ActionPlan:   motorPlan(),
				SafetyChecks: motorChecks(),
				EventIDs:     sortedEventIDs(window),
			}, nil
		}

		// Rule 2: the same motor on a different profile does not reproduce
		// the error, so the fault is in this app.
		others, err := c.reader.TracesReferencingMotor(ctx, motorCtx, tr.ID)
		if err != nil {
			return nil, err
		}
		for _, other := range others {
			if sameTargets(tr.ProfileTargets, other.ProfileTargets) {
				continue
			}
			has, err := c.reader.TraceHasSignature(ctx, other.ID, trigger.Fingerprint, motorCtx)
			if err != nil {
				return nil, err
			}
			if !has {
				cat := appCategory(trigger)
				return &store.DecisionRecord{
					Classification: store.ClassApp,
					Category:       cat,
					Rationale: fmt.Sprintf(
						"%s: signature %s absent on trace %s (targets %s) under the same motor %s; events [%s]",
						cat, trigger.Fingerprint, other.ID,
						strings.Join(other.ProfileTargets, ","), motorCtx,
						joinEventIDs(window)),
					ActionPlan:   appPlan(),
					SafetyChecks: appChecks(),
					EventIDs:     sortedEventIDs(window),
				}, nil
			}
		}
	}

	// Rule 3: quality regression across a motor bump on the same trace. The
	// comparison runs against the trace's currently bound motor version, not
	// the trigger's stamp, since the bump is what moved the score.
	if rec, err := c.qualityRegression(ctx, tr, window, tr.MotorVersion); err != nil || rec != nil {
		return rec, err
	}

	// Rule 4: budget breach.
	if rec := c.budgetBreach(window); rec != nil {
		return rec, nil
	}

	// Rule 5: default to app, discriminated by the trigger's phase.
	cat := appCategory(trigger)
	return &store.DecisionRecord{
		Classification: store.ClassApp,
		Category:       cat,
		Rationale: fmt.Sprintf("%s: no cross-trace or budget rule matched; trigger %s %s/%s; events [%s]",
			cat, trigger.ID, trigger.SignalType, trigger.Severity, joinEventIDs(window)),
		ActionPlan:   appPlan(),
		SafetyChecks: appChecks(),
		EventIDs:     sortedEventIDs(window),
	}, nil
}

// qualityRegression returns a MIXED-DRIFT record when the window's latest
// quality score under the current motor is below the score recorded under its
// parent version. Nil when the rule does not apply.
func (c *Classifier) qualityRegression(ctx context.Context, tr *store.Trace, window []*store.Event, motorCtx string) (*store.DecisionRecord, error) {
	if motorCtx == "" {
		return nil, nil
	}

	var scored *store.Event
	current := 0.0
	for _, ev := range window {
		if ev.SignalType != store.SignalQualityScore {
			continue
		}
		if eventMotorCtx(ev, tr) != motorCtx {
			continue
		}
		score, ok := payloadNumber(ev.Payload, "score")
		if !ok {
			continue
		}
		scored = ev
		current = score
	}
	if scored == nil {
		return nil, nil
	}

	motor, err := c.reader.GetContext(ctx, store.KindMotor, motorCtx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if motor.Parent == "" {
		return nil, nil
	}

	prior, ok, err := c.reader.QualityScore(ctx, tr.ID, motor.Parent)
	if err != nil {
		return nil, err
	}
	if !ok || current >= prior {
		return nil, nil
	}

	return &store.DecisionRecord{
		Classification: store.ClassMixed,
		Category:       store.CategoryMixedDrift,
		Rationale: fmt.Sprintf(
			"MIXED-DRIFT: quality_score fell %.2f -> %.2f after motor bump %s -> %s; events [%s]",
			prior, current, motor.Parent, motorCtx, joinEventIDs(window)),
		ActionPlan:   mixedPlan(),
		SafetyChecks: motorChecks(),
		EventIDs:     sortedEventIDs(window),
	}, nil
}

// budgetBreach returns a MOTOR-PERF record when any latency or cost event in
// the window exceeds its configured budget. Nil otherwise.
func (c *Classifier) budgetBreach(window []*store.Event) *store.DecisionRecord {
	for _, ev := range window {
		switch ev.SignalType {
		case store.SignalLatency:
			millis, ok := payloadNumber(ev.Payload, "millis")
			if ok && time.Duration(millis)*time.Millisecond > c.cfg.LatencyBudget {
				return &store.DecisionRecord{
					Classification: store.ClassMotor,
					Category:       store.CategoryMotorPerf,
					Rationale: fmt.Sprintf(
						"MOTOR-PERF: latency %.0fms over budget %s (event %s); events [%s]",
						millis, c.cfg.LatencyBudget, ev.ID, joinEventIDs(window)),
					ActionPlan:   motorPlan(),
					SafetyChecks: motorChecks(),
					EventIDs:     sortedEventIDs(window),
				}
			}
		case store.SignalCost:
			amount, ok := payloadNumber(ev.Payload, "amount")
			if ok && amount > c.cfg.CostBudget {
				return &store.DecisionRecord{
					Classification: store.ClassMotor,
					Category:       store.CategoryMotorPerf,
					Rationale: fmt.Sprintf(
						"MOTOR-PERF: cost %.2f over budget %.2f (event %s); events [%s]",
						amount, c.cfg.CostBudget, ev.ID, joinEventIDs(window)),
					ActionPlan:   motorPlan(),
					SafetyChecks: motorChecks(),
					EventIDs:     sortedEventIDs(window),
				}
			}
		}
	}
	return nil
}

// triggerEvent picks the window's incident trigger: the first error-or-worse
// event in append order, falling back to the first event.
func triggerEvent(window []*store.Event) *store.Event {
	for _, ev := range window {
		if isFailure(ev) {
			return ev
		}
	}
	return window[0]
}

func isFailure(ev *store.Event) bool {
	return ev.Severity == store.SeverityError || ev.Severity == store.SeverityCritical
}

// eventMotorCtx resolves the motor version active when the event was emitted,
// preferring the event's own stamp over the trace's current binding.
func eventMotorCtx(ev *store.Event, tr *store.Trace) string {
	if ev.ContextRef != nil && ev.ContextRef.MotorCtx != "" {
		return ev.ContextRef.MotorCtx
	}
	return tr.MotorVersion
}

// appCategory discriminates APP-SPEC from APP-BUILD by the trigger's payload
// phase field: "spec" marks a specification-time failure, anything else is
// build-time.
func appCategory(ev *store.Event) store.Category {
	var body struct {
		Phase string `json:"phase"`
	}
	if err := json.Unmarshal(ev.Payload, &body); err == nil && body.Phase == "spec" {
		return store.CategoryAppSpec
	}
	return store.CategoryAppBuild
}

func payloadNumber(payload json.RawMessage, field string) (float64, bool) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return 0, false
	}
	raw, present := body[field]
	if !present {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func sameTargets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func sortedEventIDs(window []*store.Event) []string {
	ids := make([]string, 0, len(window))
	for _, ev := range window {
		ids = append(ids, ev.ID)
	}
	sort.Strings(ids)
	return ids
}

func joinEventIDs(window []*store.Event) string {
	return strings.Join(sortedEventIDs(window), ", ")
}

// motorPlan pauses the pipeline, patches and validates the motor, and
// resumes.
func motorPlan() []store.ActionStep {
	return []store.ActionStep{
		{Step: store.StepPause, Target: store.TargetPipeline},
		{Step: store.StepApplyPatch, Target: store.TargetMotor},
		{Step: store.StepValidate, Target: store.TargetMotor},
		{Step: store.StepResume, Target: store.TargetPipeline},
	}
}

func appPlan() []store.ActionStep {
	return []store.ActionStep{
		{Step: store.StepPause, Target: store.TargetPipeline},
		{Step: store.StepApplyPatch, Target: store.TargetApp},
		{Step: store.StepValidate, Target: store.TargetApp},
		{Step: store.StepResume, Target: store.TargetPipeline},
	}
}

// mixedPlan is fixed: the motor patch step always precedes the app patch
// step, never interleaved.
func mixedPlan() []store.ActionStep {
	return []store.ActionStep{
		{Step: store.StepPause, Target: store.TargetPipeline},
		{Step: store.StepApplyPatch, Target: store.TargetMotor},
		{Step: store.StepValidate, Target: store.TargetMotor},
		{Step: store.StepApplyPatch, Target: store.TargetApp},
		{Step: store.StepValidate, Target: store.TargetApp},
		{Step: store.StepResume, Target: store.TargetPipeline},
	}
}

func motorChecks() []string {
	return []string{CheckValidatorsStrict, CheckVersionMonotonic, CheckChangelogLinked}
}

func appChecks() []string {
	return []string{CheckValidatorsStrict}
}
