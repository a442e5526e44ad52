// Package hashroute assigns filters to worker lanes. Entries for the
// same filter must stay in arrival order, so every filter maps to
// exactly one lane and the mapping is stable across restarts.
package hashroute

import (
	"hash/fnv"
	"strings"
)

const DefaultLaneCount = 8

// CanonicalizeFilter normalizes filter names before hashing.
func CanonicalizeFilter(filter string) string {
	return strings.ToLower(strings.TrimSpace(filter))
}

func LaneForFilter(filter string, lanes int) int {
	if lanes <= 0 {
		lanes = DefaultLaneCount
	}
	key := CanonicalizeFilter(filter)
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(lanes))
}
