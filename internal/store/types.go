package store

import (
	"encoding/json"
	"time"
)

// ContextKind identifies which of the two context namespaces a version
// belongs to.
type ContextKind string

const (
	// KindApp is the versioned state of one specific build task.
	KindApp ContextKind = "app"
	// KindMotor is the versioned state of the shared platform (rules,
	// templates, validators).
	KindMotor ContextKind = "motor"
)

// Valid reports whether the kind is one of the two known namespaces.
func (k ContextKind) Valid() bool {
	return k == KindApp || k == KindMotor
}

// Scope identifies which side of the system an observer signal describes.
type Scope string

const (
	ScopeApp   Scope = "app"
	ScopeMotor Scope = "motor"
)

// Valid reports whether the scope is known.
func (s Scope) Valid() bool {
	return s == ScopeApp || s == ScopeMotor
}

// SignalType is the closed set of observer signal types.
type SignalType string

const (
	SignalValidation   SignalType = "validation"
	SignalError        SignalType = "error"
	SignalLatency      SignalType = "latency"
	SignalCost         SignalType = "cost"
	SignalCoverage     SignalType = "coverage"
	SignalQualityScore SignalType = "quality_score"
)

// Valid reports whether the signal type is in the enumerated set.
func (t SignalType) Valid() bool {
	switch t {
	case SignalValidation, SignalError, SignalLatency, SignalCost, SignalCoverage, SignalQualityScore:
		return true
	}
	return false
}

// Severity is the observer-reported severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is in the enumerated set.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// TraceState is the lifecycle state of one pipeline run.
type TraceState string

const (
	StateIdle          TraceState = "IDLE"
	StateRunning       TraceState = "RUNNING"
	StatePaused        TraceState = "PAUSED"
	StatePatchingMotor TraceState = "PATCHING_MOTOR"
	StatePatchingApp   TraceState = "PATCHING_APP"
	StateValidating    TraceState = "VALIDATING"
	StateResuming      TraceState = "RESUMING"
	StateSuccess       TraceState = "SUCCESS"
	StateFailed        TraceState = "FAILED"
)

// Terminal reports whether the state ends the trace lifecycle.
func (s TraceState) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// Classification is the incident classification produced by the classifier.
type Classification string

const (
	ClassApp   Classification = "app"
	ClassMotor Classification = "motor"
	ClassMixed Classification = "mixed"
)

// Category is the taxonomy code surfaced to operators in decision records
// and changelog entries.
type Category string

const (
	CategoryAppSpec    Category = "APP-SPEC"
	CategoryAppBuild   Category = "APP-BUILD"
	CategoryMotorRules Category = "MOTOR-RULES"
	CategoryMotorPerf  Category = "MOTOR-PERF"
	CategoryMixedDrift Category = "MIXED-DRIFT"
)

// StepKind is the closed set of action plan step kinds.
type StepKind string

const (
	StepPause      StepKind = "pause"
	StepApplyPatch StepKind = "apply_patch"
	StepValidate   StepKind = "validate"
	StepResume     StepKind = "resume"
)

// StepTarget is what an action plan step operates on.
type StepTarget string

const (
	TargetMotor    StepTarget = "motor"
	TargetApp      StepTarget = "app"
	TargetPipeline StepTarget = "pipeline"
)

// ActionStep is one step of a decision record's ordered action plan.
// Step is a closed variant tag; the orchestrator consumes steps via
// exhaustive switch.
type ActionStep struct {
	Step     StepKind   `json:"step"`
	Target   StepTarget `json:"target"`
	PatchRef string     `json:"patch_ref,omitempty"`
}

// Artifact is one member of a context version's artifact set.
// IDs are namespaced with an "app/" or "motor/" prefix.
type Artifact struct {
	ID     string `json:"id"`
	Digest string `json:"digest"`
}

// ContextVersion is an immutable, content-addressed context snapshot.
type ContextVersion struct {
	Kind        ContextKind `json:"kind"`
	Version     string      `json:"version"`
	ContentHash string      `json:"content_hash"`
	Parent      string      `json:"parent,omitempty"`
	Artifacts   []Artifact  `json:"artifacts"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ContextRef identifies the app and motor context versions active when an
// event was emitted.
type ContextRef struct {
	AppCtx   string `json:"app_ctx,omitempty"`
	MotorCtx string `json:"motor_ctx,omitempty"`
}

// Event is one structured observer signal, immutable once ingested.
type Event struct {
	ID          string          `json:"id"`
	TraceID     string          `json:"trace_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Scope       Scope           `json:"scope"`
	SignalType  SignalType      `json:"signal_type"`
	Severity    Severity        `json:"severity"`
	Payload     json.RawMessage `json:"payload"`
	ArtifactIDs []string        `json:"artifact_ids,omitempty"`
	ContextRef  *ContextRef     `json:"context_ref,omitempty"`

	// Fingerprint is the payload signature computed at append time,
	// used for cross-trace signature matching.
	Fingerprint string `json:"fingerprint"`

	// Seq is the append order within the store. Readers always observe a
	// consistent prefix of the sequence.
	Seq int64 `json:"seq"`
}

// Trace identifies one end-to-end pipeline run. Traces are never deleted,
// only archived.
type Trace struct {
	ID             string     `json:"id"`
	State          TraceState `json:"state"`
	AppSpecRef     string     `json:"app_spec_ref"`
	ProfileTargets []string   `json:"profile_targets"`
	AppVersion     string     `json:"app_version"`
	MotorVersion   string     `json:"motor_version"`
	Checkpoint     string     `json:"checkpoint,omitempty"`
	Archived       bool       `json:"archived"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DecisionRecord captures one incident classification and its action plan.
// Records are immutable; corrections are new records linked via Supersedes.
type DecisionRecord struct {
	ID             string          `json:"decision_id"`
	TraceID        string          `json:"trace_id"`
	Classification Classification  `json:"classification"`
	Category       Category        `json:"category"`
	Rationale      string          `json:"rationale"`
	ActionPlan     []ActionStep    `json:"action_plan"`
	SafetyChecks   []string        `json:"safety_checks"`
	EventIDs       []string        `json:"event_ids,omitempty"`
	Supersedes     string          `json:"supersedes,omitempty"`
	Epoch          int64           `json:"epoch"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ChangelogEntry records one committed motor patch. Entries are append-only
// and are the source of truth for the learning loop.
type ChangelogEntry struct {
	ID                string          `json:"id"`
	MotorBefore       string          `json:"motor_before"`
	MotorAfter        string          `json:"motor_after"`
	DecisionID        string          `json:"decision_id"`
	ValidationResults string          `json:"validation_results,omitempty"`
	ImpactMetrics     json.RawMessage `json:"impact_metrics,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
