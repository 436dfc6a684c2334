package stream

import (
	"sort"

	"github.com/streamkit/coordinator/pkg/ids"
)

// Candidate is one quorum member's reported tail, eligible to become the
// next writer.
type Candidate struct {
	Node ids.Node
	Tail ids.Tail
}

// SelectLeader picks the writer for the next epoch out of candidates,
// using the comparator appropriate to machineVersion. Ties are broken
// deterministically by node name so that replicas applying the same
// candidate set always agree even when two tails compare equal.
func SelectLeader(candidates []Candidate, machineVersion int) ids.Node {
	if len(candidates) == 0 {
		return ""
	}
	cmp := bestTail
	if machineVersion == 0 {
		cmp = bestTailLegacyV0
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if cmp(c, best) {
			best = c
		} else if !cmp(best, c) && c.Node < best.Node {
			best = c
		}
	}
	return best.Node
}

// bestTail reports whether a should be preferred over b: higher epoch
// wins, then higher offset; a candidate that never reported a tail
// (Empty) always loses to one that did.
func bestTail(a, b Candidate) bool {
	return b.Tail.Less(a.Tail)
}

// bestTailLegacyV0 is the machine-version-0 comparator, preserved for
// deterministic replay of logs written before the offset tie-break was
// added: it orders purely by epoch, falling back to node name on ties
// rather than comparing offsets.
func bestTailLegacyV0(a, b Candidate) bool {
	if a.Tail.Empty != b.Tail.Empty {
		return !a.Tail.Empty
	}
	if a.Tail.Epoch != b.Tail.Epoch {
		return a.Tail.Epoch > b.Tail.Epoch
	}
	return false
}

// rankedNodes is a small helper kept for debugging/tests: it returns
// candidates sorted best-first under the corrected comparator.
func rankedNodes(candidates []Candidate) []ids.Node {
	cs := append([]Candidate(nil), candidates...)
	sort.Slice(cs, func(i, j int) bool {
		if bestTail(cs[i], cs[j]) {
			return true
		}
		if bestTail(cs[j], cs[i]) {
			return false
		}
		return cs[i].Node < cs[j].Node
	})
	out := make([]ids.Node, len(cs))
	for i, c := range cs {
		out[i] = c.Node
	}
	return out
}
