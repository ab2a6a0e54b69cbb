package reduction

import "slices"

// Beam is one candidate partially-reduced sequence tracked during search.
// The last token of Sequence is always the terminator and is never removed.
type Beam struct {
	// Sequence is the remaining token ids.
	Sequence []int32
	// Indices maps each remaining token back to its position in the
	// original example, so removals can be reported against the original.
	Indices []int
	// Removed holds the original positions deleted so far, in removal order.
	Removed []int
}

// Result is one prediction-preserving reduction of an example.
type Result struct {
	Sequence       []int32
	RemovedIndices []int
}

func newBeam(x []int32) Beam {
	indices := make([]int, len(x))
	for i := range indices {
		indices[i] = i
	}
	return Beam{Sequence: slices.Clone(x), Indices: indices}
}

// withoutToken returns a child beam with the token at position j deleted.
// The parent is left untouched.
func (b Beam) withoutToken(j int) Beam {
	sequence := make([]int32, 0, len(b.Sequence)-1)
	sequence = append(sequence, b.Sequence[:j]...)
	sequence = append(sequence, b.Sequence[j+1:]...)

	indices := make([]int, 0, len(b.Indices)-1)
	indices = append(indices, b.Indices[:j]...)
	indices = append(indices, b.Indices[j+1:]...)

	removed := make([]int, 0, len(b.Removed)+1)
	removed = append(removed, b.Removed...)
	removed = append(removed, b.Indices[j])

	return Beam{Sequence: sequence, Indices: indices, Removed: removed}
}

// searchState tracks one example through the search. An example is active
// while it has live beams and terminated once it has none; terminated
// examples never regrow beams.
type searchState struct {
	beams      []Beam
	bestLength int
	results    []Result
}

func newSearchState(x []int32) *searchState {
	return &searchState{
		beams:      []Beam{newBeam(x)},
		bestLength: len(x),
		// seed with the unreduced sequence so that failing to reduce is a
		// fixed point, not an error
		results: []Result{{Sequence: slices.Clone(x), RemovedIndices: []int{}}},
	}
}

func (s *searchState) terminated() bool {
	return len(s.beams) == 0
}

func (s *searchState) hasSequence(x []int32) bool {
	for _, r := range s.results {
		if slices.Equal(r.Sequence, x) {
			return true
		}
	}
	return false
}
