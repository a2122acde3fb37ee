// Package ingest validates observer event envelopes and appends them to the
// context store.
//
// Ingest is a pure validation/forwarding layer: it holds no classification
// logic. Malformed envelopes are rejected whole (no partial write); valid
// ones are durable in the store before Submit returns. Envelopes arrive over
// HTTP (pkg/server) or a NATS subject (Subscriber).
package ingest
