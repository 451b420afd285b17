package ping

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/pingd/internal/nodetable"
)

// SelectCandidates returns, sorted by name, the nodes that need a liveness
// probe: every node whose last contact is older than staleAfter, plus every
// unconfirmed (unknown or registering) node regardless of staleness.
// It does not modify anything and returns the same sequence for the same snapshot.
func SelectCandidates(snap nodetable.Snapshot, now time.Time, staleAfter time.Duration) []string {
	out := make([]string, 0, len(snap))
	for _, rec := range snap {
		if rec.State.Unconfirmed() || now.Sub(rec.LastContact) > staleAfter {
			out = append(out, rec.Name)
		}
	}
	slices.Sort(out)
	return out
}

// Partition splits names into consecutive batches of at most size nodes,
// preserving order. A size below 1 yields a single batch.
func Partition(names []string, size int) [][]string {
	if len(names) == 0 {
		return nil
	}
	if size < 1 {
		size = len(names)
	}

	batches := make([][]string, 0, (len(names)+size-1)/size)
	for start := 0; start < len(names); start += size {
		end := min(start+size, len(names))
		batches = append(batches, slices.Clone(names[start:end]))
	}
	return batches
}
