// Package orchestrate drives the pipeline state machine.
//
// The orchestrator is the only writer of trace state and motor changelog
// entries. It serializes transitions per trace, fences concurrent
// classifications with a per-trace epoch, executes decision action plans
// step by step, and guards motor commits behind named safety gates. Plant
// calls carry timeout budgets; a deadline surfaces as a failure event fed
// back through ingest, never a silent hang.
package orchestrate
