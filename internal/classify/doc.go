// Package classify applies the failure taxonomy to a window of observer
// events and produces a decision record.
//
// Classification is a pure function of the event window and context state:
// identical inputs always yield identical classification, category, and
// rationale. The classifier never writes; persisting and acting on a decision
// is the orchestrator's job.
package classify
