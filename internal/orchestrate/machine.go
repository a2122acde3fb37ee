package orchestrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/store"
)

// transitions is the closed transition table of the pipeline state machine.
// Exactly one state is active per trace at any time.
var transitions = map[store.TraceState][]store.TraceState{
	store.StateIdle:    {store.StateRunning},
	store.StateRunning: {store.StatePaused, store.StateSuccess, store.StateFailed},
	store.StatePaused: {
		store.StatePatchingMotor,
		store.StatePatchingApp,
		store.StateFailed,
	},
	store.StatePatchingMotor: {store.StateValidating, store.StatePaused},
	store.StatePatchingApp:   {store.StateValidating, store.StatePaused},
	store.StateValidating: {
		store.StateResuming,
		store.StatePatchingMotor,
		store.StatePatchingApp,
		store.StatePaused,
		store.StateFailed,
	},
	store.StateResuming: {store.StateRunning, store.StateFailed},
}

// canTransition reports whether the machine allows from -> to.
func canTransition(from, to store.TraceState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition validates and persists a state change, keeping tr in sync.
func (o *Orchestrator) transition(ctx context.Context, tr *store.Trace, to store.TraceState) error {
	if !canTransition(tr.State, to) {
		return fmt.Errorf("%w: %s -> %s on trace %s", ErrInvalidTransition, tr.State, to, tr.ID)
	}
	if err := o.store.UpdateTraceState(ctx, tr.ID, to); err != nil {
		return err
	}

	TransitionsTotal.WithLabelValues(string(tr.State), string(to)).Inc()
	o.logger.Info("trace transition",
		zap.String("trace_id", tr.ID),
		zap.String("from", string(tr.State)),
		zap.String("to", string(to)),
	)
	tr.State = to
	return nil
}
