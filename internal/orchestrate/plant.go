package orchestrate

import (
	"context"

	"github.com/fyrsmithlabs/operatord/internal/ingest"
	"github.com/fyrsmithlabs/operatord/internal/store"
)

// RunMode selects how the plant starts a pipeline run.
type RunMode string

const (
	// RunFresh starts from the app spec with no prior state.
	RunFresh RunMode = "fresh"
	// RunResume continues from a recorded checkpoint.
	RunResume RunMode = "resume"
)

// RunStatus is the plant's verdict on a run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunPartial RunStatus = "partial"
)

// RunRequest asks the plant to execute a build.
type RunRequest struct {
	TraceID        string   `json:"trace_id"`
	AppSpecRef     string   `json:"app_spec_ref"`
	ProfileTargets []string `json:"profile_targets"`
	MotorVersion   string   `json:"motor_version"`
	RunMode        RunMode  `json:"run_mode"`
	Checkpoint     string   `json:"checkpoint,omitempty"`
}

// RunResult is the plant's response to a run. Signals are observer envelopes
// the orchestrator feeds back through event ingest.
type RunResult struct {
	TraceID        string             `json:"trace_id"`
	Status         RunStatus          `json:"status"`
	Artifacts      []store.Artifact   `json:"artifacts,omitempty"`
	Signals        []ingest.Envelope  `json:"signals,omitempty"`
	NextCheckpoint string             `json:"next_checkpoint,omitempty"`
}

// ValidateRequest asks the plant to validate a proposed artifact set.
type ValidateRequest struct {
	TraceID   string           `json:"trace_id"`
	Target    store.StepTarget `json:"target"`
	Version   string           `json:"version,omitempty"`
	Artifacts []store.Artifact `json:"artifacts"`
}

// ValidateResult reports the plant's validation outcome.
type ValidateResult struct {
	Passed  bool              `json:"passed"`
	Errors  []string          `json:"errors,omitempty"`
	Report  string            `json:"report,omitempty"`
	Signals []ingest.Envelope `json:"signals,omitempty"`
}

// Plant is the external collaborator that executes builds and validations.
// The orchestrator treats it as an opaque call returning a result and zero
// or more events.
type Plant interface {
	Run(ctx context.Context, req *RunRequest) (*RunResult, error)
	Validate(ctx context.Context, req *ValidateRequest) (*ValidateResult, error)
}

// PatchResolver produces the patched artifact set for an apply_patch step.
// head is the current context version the patch advances.
type PatchResolver interface {
	ResolvePatch(ctx context.Context, rec *store.DecisionRecord, target store.StepTarget, head *store.ContextVersion) ([]store.Artifact, error)
}
