package orchestrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/operatord/internal/classify"
	"github.com/fyrsmithlabs/operatord/internal/ingest"
	"github.com/fyrsmithlabs/operatord/internal/store"
)

// GateInput is the evidence a safety gate judges a patch commit on.
type GateInput struct {
	Trace    *store.Trace
	Decision *store.DecisionRecord
	Target   store.StepTarget
	// Head is the context version the proposed patch advances.
	Head *store.ContextVersion
	// Proposed is the patched artifact set awaiting commit.
	Proposed []store.Artifact
}

// Gate is one named safety check run before a patch commit. A nil return is
// a pass; any error is a refusal.
type Gate interface {
	Name() string
	Check(ctx context.Context, in *GateInput) error
}

// GateRegistry resolves decision record safety check names to gates.
// Unknown names fail closed.
type GateRegistry struct {
	gates map[string]Gate
}

// NewGateRegistry creates a registry over the given gates.
func NewGateRegistry(gates ...Gate) *GateRegistry {
	r := &GateRegistry{gates: make(map[string]Gate, len(gates))}
	for _, g := range gates {
		r.gates[g.Name()] = g
	}
	return r
}

// Register adds or replaces a gate.
func (r *GateRegistry) Register(g Gate) {
	r.gates[g.Name()] = g
}

// Run checks every named gate in order and stops at the first refusal.
// All failures wrap ErrGateFailure, including unknown gate names.
func (r *GateRegistry) Run(ctx context.Context, names []string, in *GateInput) error {
	for _, name := range names {
		g, ok := r.gates[name]
		if !ok {
			GateFailuresTotal.WithLabelValues(name).Inc()
			return fmt.Errorf("%w: unknown gate %q", ErrGateFailure, name)
		}
		if err := g.Check(ctx, in); err != nil {
			GateFailuresTotal.WithLabelValues(name).Inc()
			return fmt.Errorf("%w: %s: %v", ErrGateFailure, name, err)
		}
	}
	return nil
}

// validatorsStrictGate runs the plant's validation surface against the
// proposed artifact set and refuses on any reported error.
type validatorsStrictGate struct {
	plant   Plant
	sink    *ingest.Service
	timeout time.Duration
}

// NewValidatorsStrictGate creates the validators:strict gate. A timeout is
// surfaced through sink as an observer event, like the run and post-commit
// validation budgets.
func NewValidatorsStrictGate(plant Plant, sink *ingest.Service, timeout time.Duration) Gate {
	return &validatorsStrictGate{plant: plant, sink: sink, timeout: timeout}
}

func (g *validatorsStrictGate) Name() string { return classify.CheckValidatorsStrict }

func (g *validatorsStrictGate) Check(ctx context.Context, in *GateInput) error {
	vctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.plant.Validate(vctx, &ValidateRequest{
		TraceID:   in.Trace.ID,
		Target:    in.Target,
		Artifacts: in.Proposed,
	})
	if err != nil {
		if vctx.Err() != nil {
			PlantTimeoutsTotal.WithLabelValues("validate").Inc()
			emitTimeoutEvent(ctx, g.sink, nil, in.Trace.ID, in.Target, "gate", g.timeout)
			return fmt.Errorf("%w: validation exceeded %s", ErrTimeout, g.timeout)
		}
		return err
	}
	if !res.Passed || len(res.Errors) > 0 {
		return fmt.Errorf("validation reported %d errors: %s",
			len(res.Errors), strings.Join(res.Errors, "; "))
	}
	return nil
}

// versionMonotonicGate refuses a commit whose parent is no longer the
// lineage head, so a concurrent bump cannot be silently overwritten.
type versionMonotonicGate struct {
	store *store.Store
}

// NewVersionMonotonicGate creates the version:monotonic gate.
func NewVersionMonotonicGate(st *store.Store) Gate {
	return &versionMonotonicGate{store: st}
}

func (g *versionMonotonicGate) Name() string { return classify.CheckVersionMonotonic }

func (g *versionMonotonicGate) Check(ctx context.Context, in *GateInput) error {
	kind := store.KindMotor
	if in.Target == store.TargetApp {
		kind = store.KindApp
	}
	head, err := g.store.HeadVersion(ctx, kind)
	if err != nil {
		return err
	}
	if in.Head == nil || in.Head.Version != head {
		return fmt.Errorf("parent %s is no longer the %s head (%s)",
			versionOrNone(in.Head), kind, head)
	}
	return nil
}

func versionOrNone(v *store.ContextVersion) string {
	if v == nil {
		return "(none)"
	}
	return v.Version
}

// changelogLinkedGate requires the driving decision record to exist and not
// be superseded, so every committed motor patch stays attributable.
type changelogLinkedGate struct {
	store *store.Store
}

// NewChangelogLinkedGate creates the changelog:linked gate.
func NewChangelogLinkedGate(st *store.Store) Gate {
	return &changelogLinkedGate{store: st}
}

func (g *changelogLinkedGate) Name() string { return classify.CheckChangelogLinked }

func (g *changelogLinkedGate) Check(ctx context.Context, in *GateInput) error {
	if in.Decision == nil || in.Decision.ID == "" {
		return fmt.Errorf("no decision record attached")
	}
	if _, err := g.store.GetDecision(ctx, in.Decision.ID); err != nil {
		return fmt.Errorf("decision %s not persisted: %w", in.Decision.ID, err)
	}
	superseded, err := g.store.IsSuperseded(ctx, in.Decision.ID)
	if err != nil {
		return err
	}
	if superseded {
		return fmt.Errorf("decision %s is superseded", in.Decision.ID)
	}
	return nil
}
