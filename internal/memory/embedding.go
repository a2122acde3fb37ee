package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// hashEmbedding maps text to a fixed-size vector by hashing tokens into
// buckets. Identical text always produces identical vectors, and texts
// sharing category codes, versions, and rule names land near each other,
// which is all incident lookup needs.
func hashEmbedding(dims int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dims)
		for _, token := range tokenize(text) {
			sum := sha256.Sum256([]byte(token))
			bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(dims)
			// Second hash word signs the contribution so unrelated tokens
			// cancel rather than accumulate.
			if binary.BigEndian.Uint32(sum[4:8])%2 == 0 {
				vec[bucket]++
			} else {
				vec[bucket]--
			}
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		case r == '.' || r == '-':
			return false
		}
		return true
	})
}
