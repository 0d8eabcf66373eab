package queue

import (
	"encoding/json"

	"github.com/yourorg/selfopt/pkg/types"
)

// EstimateSize approximates the wire size of one interaction in bytes.
func EstimateSize(it types.Interaction) int {
	b, err := json.Marshal(it)
	if err != nil {
		return 0
	}
	return len(b)
}

// batchLen returns how many items from the head of items fit into one batch:
// at most maxItems, and no more than maxBytes of estimated payload. The first
// item is always taken so an oversized interaction can still be submitted.
func batchLen(items []types.Interaction, maxItems, maxBytes int) int {
	n := len(items)
	if maxItems > 0 && n > maxItems {
		n = maxItems
	}
	if maxBytes <= 0 || n == 0 {
		return n
	}
	total := 0
	for i := 0; i < n; i++ {
		total += EstimateSize(items[i])
		if total > maxBytes && i > 0 {
			return i
		}
	}
	return n
}
