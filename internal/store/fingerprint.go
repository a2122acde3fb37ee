package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint computes the signature of an observer payload: a hash over the
// signal type and the canonical (key-sorted) JSON form of the payload.
// Identical payloads always produce identical fingerprints regardless of
// field order, which is what cross-trace signature matching relies on.
func Fingerprint(signalType SignalType, payload json.RawMessage) string {
	canonical := canonicalJSON(payload)

	h := sha256.New()
	h.Write([]byte(signalType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// canonicalJSON re-encodes a JSON value so object keys are sorted at every
// nesting level. encoding/json sorts map keys on marshal, so a decode/encode
// round trip is sufficient. Invalid JSON hashes as raw bytes.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
