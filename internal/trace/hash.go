package trace

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ComputeTraceHash computes the deterministic hash of a canonical trace encoding.
//
// The input must already be canonical (e.g. from BuildTrace.CanonicalJSON()), so
// the hash covers the sorted event order, not insertion order.
func ComputeTraceHash(canonicalEncoding []byte) string {
	if len(canonicalEncoding) == 0 {
		return ""
	}
	sum := blake3.Sum256(canonicalEncoding)
	return hex.EncodeToString(sum[:])
}
