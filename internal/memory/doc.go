// Package memory keeps a searchable record of past incident decisions.
//
// The memory is advisory only: operators query it for similar past
// incidents, but the classifier never consults it, so classification stays
// a pure function of the event window. Embeddings are computed locally with
// a deterministic token-hash function; no external embedding service is
// involved.
package memory
