package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/ingest"
	"github.com/fyrsmithlabs/operatord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/operatord/internal/orchestrate"

// Config holds the orchestrator's timeout budgets and retry caps.
type Config struct {
	// RunTimeout bounds one plant run invocation.
	RunTimeout time.Duration `koanf:"run_timeout"`
	// ValidateTimeout bounds one plant validation invocation.
	ValidateTimeout time.Duration `koanf:"validate_timeout"`
	// MaxPatchRetries caps patch retries after gate or validation failures
	// before the trace goes FAILED.
	MaxPatchRetries int `koanf:"max_patch_retries"`
}

// DefaultConfig returns the default budgets.
func DefaultConfig() *Config {
	return &Config{
		RunTimeout:      10 * time.Minute,
		ValidateTimeout: 2 * time.Minute,
		MaxPatchRetries: 2,
	}
}

// Classifier produces an unpersisted decision record for a trace window.
type Classifier interface {
	Classify(ctx context.Context, traceID string, windowSince time.Time) (*store.DecisionRecord, error)
}

// Recorder receives persisted decision records for advisory indexing.
// Recording failures never affect orchestration.
type Recorder interface {
	Record(ctx context.Context, rec *store.DecisionRecord) error
}

// Options wires an orchestrator's collaborators.
type Options struct {
	Config     *Config
	Store      *store.Store
	Classifier Classifier
	Ingest     *ingest.Service
	Plant      Plant
	Resolver   PatchResolver
	Gates      *GateRegistry
	Recorder   Recorder
	Logger     *zap.Logger
}

// Orchestrator drives trace state machines. Transitions are serialized per
// trace; cross-trace work is independent.
type Orchestrator struct {
	cfg        *Config
	store      *store.Store
	classifier Classifier
	ingest     *ingest.Service
	plant      Plant
	resolver   PatchResolver
	gates      *GateRegistry
	recorder   Recorder
	logger     *zap.Logger
	tracer     trace.Tracer

	mu    sync.Mutex
	slots map[string]*traceSlot
}

// traceSlot serializes transitions and fences decisions for one trace.
type traceSlot struct {
	mu    sync.Mutex
	epoch int64
	// patchFailures counts gate refusals and failed validation attempts
	// across decisions; past MaxPatchRetries the trace goes FAILED.
	patchFailures int
}

// New creates an orchestrator.
func New(opts *Options) (*Orchestrator, error) {
	if opts == nil {
		return nil, errors.New("options are required")
	}
	if opts.Store == nil || opts.Classifier == nil || opts.Ingest == nil ||
		opts.Plant == nil || opts.Resolver == nil || opts.Gates == nil {
		return nil, errors.New("store, classifier, ingest, plant, resolver, and gates are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RunTimeout <= 0 || cfg.ValidateTimeout <= 0 || cfg.MaxPatchRetries < 0 {
		return nil, fmt.Errorf("%w: invalid orchestrator budgets", store.ErrValidation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      opts.Store,
		classifier: opts.Classifier,
		ingest:     opts.Ingest,
		plant:      opts.Plant,
		resolver:   opts.Resolver,
		gates:      opts.Gates,
		recorder:   opts.Recorder,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

// NewDefaultGateRegistry builds the registry with the three built-in gates.
func NewDefaultGateRegistry(plant Plant, st *store.Store, sink *ingest.Service, validateTimeout time.Duration) *GateRegistry {
	return NewGateRegistry(
		NewValidatorsStrictGate(plant, sink, validateTimeout),
		NewVersionMonotonicGate(st),
		NewChangelogLinkedGate(st),
	)
}

func (o *Orchestrator) slot(traceID string) *traceSlot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.slots == nil {
		o.slots = make(map[string]*traceSlot)
	}
	s, ok := o.slots[traceID]
	if !ok {
		s = &traceSlot{}
		o.slots[traceID] = s
	}
	return s
}

// StartRequest describes a new pipeline run.
type StartRequest struct {
	TraceID        string   `json:"trace_id"`
	AppSpecRef     string   `json:"app_spec_ref"`
	ProfileTargets []string `json:"profile_targets"`
}

// StartPipeline creates a trace bound to the current context heads, moves it
// to RUNNING, and executes a fresh plant run.
func (o *Orchestrator) StartPipeline(ctx context.Context, req *StartRequest) (*store.Trace, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrate.start_pipeline")
	defer span.End()

	if req == nil || req.TraceID == "" {
		return nil, fmt.Errorf("%w: trace id is required", store.ErrValidation)
	}
	span.SetAttributes(attribute.String("trace_id", req.TraceID))

	appHead, err := o.store.HeadVersion(ctx, store.KindApp)
	if err != nil {
		return nil, err
	}
	motorHead, err := o.store.HeadVersion(ctx, store.KindMotor)
	if err != nil {
		return nil, err
	}
	if motorHead == "" {
		return nil, fmt.Errorf("%w: no motor context version exists", store.ErrNotFound)
	}

	tr, err := o.store.CreateTrace(ctx, &store.CreateTraceRequest{
		TraceID:        req.TraceID,
		AppSpecRef:     req.AppSpecRef,
		ProfileTargets: req.ProfileTargets,
		AppVersion:     appHead,
		MotorVersion:   motorHead,
	})
	if err != nil {
		return nil, err
	}

	slot := o.slot(tr.ID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if err := o.transition(ctx, tr, store.StateRunning); err != nil {
		return nil, err
	}
	if err := o.runPlant(ctx, tr, RunFresh); err != nil {
		return tr, err
	}
	return tr, nil
}

// Decide classifies the trace's event window, persists the winning decision,
// and executes its action plan. Concurrent calls for the same trace are
// fenced: only the first classification against an epoch is acted on, later
// ones return ErrStaleDecision.
func (o *Orchestrator) Decide(ctx context.Context, traceID string, windowSince time.Time) (*store.DecisionRecord, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrate.decide")
	defer span.End()
	span.SetAttributes(attribute.String("trace_id", traceID))

	slot := o.slot(traceID)

	slot.mu.Lock()
	epoch := slot.epoch
	slot.mu.Unlock()

	rec, err := o.classifier.Classify(ctx, traceID, windowSince)
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.epoch != epoch {
		StaleDecisionsTotal.Inc()
		return nil, fmt.Errorf("%w: trace %s epoch advanced during classification", ErrStaleDecision, traceID)
	}
	slot.epoch++
	rec.Epoch = slot.epoch

	if err := o.store.AppendDecisionRecord(ctx, rec); err != nil {
		return nil, err
	}
	if o.recorder != nil {
		if err := o.recorder.Record(ctx, rec); err != nil {
			o.logger.Warn("incident memory record failed",
				zap.String("decision_id", rec.ID), zap.Error(err))
		}
	}

	tr, err := o.store.GetTrace(ctx, traceID)
	if err != nil {
		return rec, err
	}
	if err := o.execute(ctx, slot, tr, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// execute walks the decision's action plan. Steps form a closed variant set
// consumed exhaustively; an unknown step kind is a validation error.
func (o *Orchestrator) execute(ctx context.Context, slot *traceSlot, tr *store.Trace, rec *store.DecisionRecord) error {
	for _, step := range rec.ActionPlan {
		switch step.Step {
		case store.StepPause:
			if tr.State == store.StatePaused {
				continue
			}
			if err := o.transition(ctx, tr, store.StatePaused); err != nil {
				return err
			}

		case store.StepApplyPatch:
			if err := o.applyPatch(ctx, slot, tr, rec, step.Target); err != nil {
				return err
			}

		case store.StepValidate:
			if err := o.validatePatched(ctx, slot, tr, rec, step.Target); err != nil {
				return err
			}

		case store.StepResume:
			if err := o.resume(ctx, tr); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: unknown action step %q", store.ErrValidation, step.Step)
		}

		if tr.State.Terminal() {
			return nil
		}
	}
	return nil
}

// applyPatch enters the PATCHING_* state, resolves the patched artifact set,
// runs the decision's safety gates, and commits. A gate refusal rolls the
// trace back to PAUSED with the prior version still active; repeated refusals
// beyond the retry cap end the trace FAILED.
func (o *Orchestrator) applyPatch(ctx context.Context, slot *traceSlot, tr *store.Trace, rec *store.DecisionRecord, target store.StepTarget) error {
	patching := store.StatePatchingMotor
	kind := store.KindMotor
	headVersion := tr.MotorVersion
	if target == store.TargetApp {
		patching = store.StatePatchingApp
		kind = store.KindApp
		headVersion = tr.AppVersion
	}

	if err := o.transition(ctx, tr, patching); err != nil {
		return err
	}

	head, err := o.store.GetContext(ctx, kind, headVersion)
	if err != nil {
		return err
	}

	proposed, err := o.resolver.ResolvePatch(ctx, rec, target, head)
	if err != nil {
		return err
	}

	gateErr := o.gates.Run(ctx, rec.SafetyChecks, &GateInput{
		Trace:    tr,
		Decision: rec,
		Target:   target,
		Head:     head,
		Proposed: proposed,
	})
	if gateErr != nil {
		if err := o.transition(ctx, tr, store.StatePaused); err != nil {
			return err
		}
		slot.patchFailures++
		if slot.patchFailures > o.cfg.MaxPatchRetries {
			if err := o.transition(ctx, tr, store.StateFailed); err != nil {
				return err
			}
		}
		return gateErr
	}

	return o.commit(ctx, tr, rec, target, kind, head, proposed)
}

// commit makes the patched version active. Motor commits bump the version
// and write the changelog entry in one atomic store call; app commits only
// advance the app lineage.
func (o *Orchestrator) commit(ctx context.Context, tr *store.Trace, rec *store.DecisionRecord, target store.StepTarget, kind store.ContextKind, head *store.ContextVersion, proposed []store.Artifact) error {
	if target == store.TargetMotor {
		bumped, err := o.store.CommitMotorPatch(ctx, &store.CommitMotorPatchRequest{
			Parent:            head.Version,
			Artifacts:         proposed,
			DecisionID:        rec.ID,
			ValidationResults: strings.Join(rec.SafetyChecks, ",") + " passed",
		})
		if err != nil {
			return err
		}
		if err := o.store.SetTraceVersions(ctx, tr.ID, tr.AppVersion, bumped.Version); err != nil {
			return err
		}
		tr.MotorVersion = bumped.Version
		return nil
	}

	bumped, err := o.store.CreateContextVersion(ctx, kind, proposed, head.Version)
	if err != nil {
		return err
	}
	if err := o.store.SetTraceVersions(ctx, tr.ID, bumped.Version, tr.MotorVersion); err != nil {
		return err
	}
	tr.AppVersion = bumped.Version
	return nil
}

// validatePatched runs the plant's validation surface against the committed
// version, retrying through PATCHING_* up to the cap, then FAILED. Plant
// errors and timeouts pause the trace with the committed version active, so
// the synthesized event can drive the next decision; only exhausted retries
// are terminal.
func (o *Orchestrator) validatePatched(ctx context.Context, slot *traceSlot, tr *store.Trace, rec *store.DecisionRecord, target store.StepTarget) error {
	kind := store.KindMotor
	if target == store.TargetApp {
		kind = store.KindApp
	}

	for attempt := 0; ; attempt++ {
		if err := o.transition(ctx, tr, store.StateValidating); err != nil {
			return err
		}

		version := tr.MotorVersion
		if kind == store.KindApp {
			version = tr.AppVersion
		}
		current, err := o.store.GetContext(ctx, kind, version)
		if err != nil {
			return err
		}

		vctx, cancel := context.WithTimeout(ctx, o.cfg.ValidateTimeout)
		res, err := o.plant.Validate(vctx, &ValidateRequest{
			TraceID:   tr.ID,
			Target:    target,
			Version:   current.Version,
			Artifacts: current.Artifacts,
		})
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				PlantTimeoutsTotal.WithLabelValues("validate").Inc()
				emitTimeoutEvent(ctx, o.ingest, o.logger, tr.ID, target, "validate", o.cfg.ValidateTimeout)
				err = fmt.Errorf("%w: validation of %s exceeded %s", ErrTimeout, current.Version, o.cfg.ValidateTimeout)
			} else {
				err = fmt.Errorf("plant validation: %w", err)
			}
			if perr := o.transition(ctx, tr, store.StatePaused); perr != nil {
				return perr
			}
			slot.patchFailures++
			if slot.patchFailures > o.cfg.MaxPatchRetries {
				if ferr := o.transition(ctx, tr, store.StateFailed); ferr != nil {
					return ferr
				}
			}
			return err
		}
		if res.Passed && len(res.Errors) == 0 {
			o.feedSignals(ctx, res.Signals)
			return nil
		}

		o.logger.Warn("patch validation failed",
			zap.String("trace_id", tr.ID),
			zap.String("version", current.Version),
			zap.Int("attempt", attempt+1),
			zap.Strings("errors", res.Errors),
		)
		if attempt >= o.cfg.MaxPatchRetries {
			if err := o.transition(ctx, tr, store.StateFailed); err != nil {
				return err
			}
			return fmt.Errorf("%w: validation of %s failed after %d attempts",
				ErrGateFailure, current.Version, attempt+1)
		}

		// Retry: back through the full patch step, gates included, for a
		// fresh proposal against the new head.
		if err := o.applyPatch(ctx, slot, tr, rec, target); err != nil {
			return err
		}
	}
}

// resume invokes the plant with the stored checkpoint and returns the trace
// to RUNNING.
func (o *Orchestrator) resume(ctx context.Context, tr *store.Trace) error {
	if err := o.transition(ctx, tr, store.StateResuming); err != nil {
		return err
	}
	if err := o.transition(ctx, tr, store.StateRunning); err != nil {
		return err
	}
	return o.runPlant(ctx, tr, RunResume)
}

// runPlant executes one plant run and applies its result. Results that no
// longer match the recorded checkpoint are discarded as stale.
func (o *Orchestrator) runPlant(ctx context.Context, tr *store.Trace, mode RunMode) error {
	checkpoint, err := o.store.GetCheckpoint(ctx, tr.ID)
	if err != nil {
		return err
	}

	req := &RunRequest{
		TraceID:        tr.ID,
		AppSpecRef:     tr.AppSpecRef,
		ProfileTargets: tr.ProfileTargets,
		MotorVersion:   tr.MotorVersion,
		RunMode:        mode,
	}
	if mode == RunResume {
		req.Checkpoint = checkpoint
	}

	rctx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	res, err := o.plant.Run(rctx, req)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			PlantTimeoutsTotal.WithLabelValues("run").Inc()
			emitTimeoutEvent(ctx, o.ingest, o.logger, tr.ID, store.TargetApp, "run", o.cfg.RunTimeout)
			return fmt.Errorf("%w: plant run exceeded %s", ErrTimeout, o.cfg.RunTimeout)
		}
		return fmt.Errorf("plant run: %w", err)
	}

	// A superseded run's result must not move the machine.
	now, err := o.store.GetCheckpoint(ctx, tr.ID)
	if err != nil {
		return err
	}
	if now != checkpoint {
		o.logger.Warn("discarding stale plant result",
			zap.String("trace_id", tr.ID),
			zap.String("expected_checkpoint", checkpoint),
			zap.String("current_checkpoint", now),
		)
		return nil
	}

	o.feedSignals(ctx, res.Signals)

	if res.NextCheckpoint != "" {
		if err := o.store.RecordCheckpoint(ctx, tr.ID, res.NextCheckpoint); err != nil {
			return err
		}
		tr.Checkpoint = res.NextCheckpoint
	}

	switch res.Status {
	case RunSuccess:
		return o.transition(ctx, tr, store.StateSuccess)
	case RunFailed:
		return o.transition(ctx, tr, store.StateFailed)
	case RunPartial:
		// Stays RUNNING; the next classification decides what to do.
		return nil
	default:
		return fmt.Errorf("%w: unknown run status %q", store.ErrValidation, res.Status)
	}
}

// feedSignals routes plant-emitted envelopes back through event ingest.
// Individual rejections are logged, not fatal.
func (o *Orchestrator) feedSignals(ctx context.Context, signals []ingest.Envelope) {
	for i := range signals {
		if _, err := o.ingest.Submit(ctx, &signals[i]); err != nil {
			o.logger.Warn("plant signal rejected",
				zap.String("trace_id", signals[i].TraceID), zap.Error(err))
		}
	}
}

// emitTimeoutEvent surfaces an exceeded budget as an observer event: latency
// on the motor side, a build-phase validation failure on the app side.
func emitTimeoutEvent(ctx context.Context, sink *ingest.Service, logger *zap.Logger, traceID string, target store.StepTarget, op string, budget time.Duration) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	env := &ingest.Envelope{
		TraceID:   traceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Severity:  string(store.SeverityError),
	}
	if target == store.TargetMotor {
		env.Scope = string(store.ScopeMotor)
		env.SignalType = string(store.SignalLatency)
		env.Payload = []byte(fmt.Sprintf(`{"millis":%d,"op":%q,"timeout":true}`, budget.Milliseconds(), op))
	} else {
		env.Scope = string(store.ScopeApp)
		env.SignalType = string(store.SignalValidation)
		env.Payload = []byte(fmt.Sprintf(`{"phase":"build","op":%q,"timeout":true}`, op))
	}

	if _, err := sink.Submit(ctx, env); err != nil {
		logger.Warn("timeout event rejected",
			zap.String("trace_id", traceID), zap.Error(err))
	}
}
