package reduction

import (
	"fmt"
	"sort"
)

// Reducer runs the gradient-guided word-removal beam search. For every
// input it finds the shortest subsequences (terminator preserved) that the
// model still assigns the original prediction, removing one token per beam
// per round and branching on the least salient candidates.
type Reducer struct {
	Predictor   Predictor
	Scorer      Scorer
	MaxBeamSize int
}

// NewReducer builds a reducer that scores tokens with gradient saliency
// computed by the given model.
func NewReducer(model GradientModel, maxBeamSize int) (*Reducer, error) {
	if maxBeamSize < 1 {
		return nil, fmt.Errorf("max beam size must be at least 1, got %d", maxBeamSize)
	}
	return &Reducer{
		Predictor:   model,
		Scorer:      GradientSaliency{Model: model},
		MaxBeamSize: maxBeamSize,
	}, nil
}

// candidate is one (beam, position) removal under consideration, keyed by
// its saliency score. Ties break on (beam, position) so expansion order is
// deterministic.
type candidate struct {
	score float64
	beam  int // index into the flattened scored batch
	pos   int
}

func lessCandidates(a, b candidate) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if a.beam != b.beam {
		return a.beam < b.beam
	}
	return a.pos < b.pos
}

// removeOne generates the next round of child beams, one deletion each.
// Within a beam the MaxBeamSize least salient non-terminator positions are
// candidates; the pooled per-example candidate set is then capped again at
// MaxBeamSize, so branching is bounded per example rather than per parent.
func (r *Reducer) removeOne(beams [][]Beam) ([][]Beam, error) {
	var flat []Beam
	for _, group := range beams {
		flat = append(flat, group...)
	}
	sequences := make([][]int32, len(flat))
	for i, b := range flat {
		sequences[i] = b.Sequence
	}
	scores, err := r.Scorer.Scores(sequences, nil)
	if err != nil {
		return nil, err
	}

	children := make([][]Beam, len(beams))
	start := 0
	for exampleIdx, group := range beams {
		if len(group) == 0 {
			continue
		}

		var pool []candidate
		for i := start; i < start+len(group); i++ {
			beamScores := scores[i]
			// the terminator holds the last position and is never a candidate
			local := make([]candidate, 0, len(beamScores)-1)
			for j := 0; j < len(beamScores)-1; j++ {
				local = append(local, candidate{score: beamScores[j], beam: i, pos: j})
			}
			sort.Slice(local, func(a, b int) bool { return lessCandidates(local[a], local[b]) })
			if len(local) > r.MaxBeamSize {
				local = local[:r.MaxBeamSize]
			}
			pool = append(pool, local...)
		}
		start += len(group)

		if len(pool) == 0 {
			// nothing left to remove, the example collapses this round
			continue
		}
		sort.Slice(pool, func(a, b int) bool { return lessCandidates(pool[a], pool[b]) })
		if len(pool) > r.MaxBeamSize {
			pool = pool[:r.MaxBeamSize]
		}

		expanded := make([]Beam, 0, len(pool))
		for _, c := range pool {
			expanded = append(expanded, flat[c.beam].withoutToken(c.pos))
		}
		children[exampleIdx] = expanded
	}
	return children, nil
}

// Reduce searches every input independently and returns, per input, all
// reductions tied at the minimal length found, paired with the original
// positions removed to reach them. Inputs that cannot be reduced without
// changing the prediction yield the original sequence as their sole result.
func (r *Reducer) Reduce(xs [][]int32) ([][]Result, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("reduce called with an empty batch")
	}
	for i, x := range xs {
		if len(x) == 0 {
			return nil, fmt.Errorf("sequence %d in batch is empty", i)
		}
	}

	ys0, err := r.Predictor.PredictArgmax(xs)
	if err != nil {
		return nil, err
	}

	states := make([]*searchState, len(xs))
	for i, x := range xs {
		states[i] = newSearchState(x)
	}

	for {
		beams := make([][]Beam, len(states))
		allTerminated := true
		for i, st := range states {
			beams[i] = st.beams
			if !st.terminated() {
				allTerminated = false
			}
		}
		if allTerminated {
			break
		}

		children, err := r.removeOne(beams)
		if err != nil {
			return nil, err
		}

		var flat [][]int32
		for _, group := range children {
			for _, child := range group {
				flat = append(flat, child.Sequence)
			}
		}
		var ys []int
		if len(flat) > 0 {
			ys, err = r.Predictor.PredictArgmax(flat)
			if err != nil {
				return nil, err
			}
		}

		cursor := 0
		for exampleIdx, st := range states {
			var next []Beam
			for _, child := range children[exampleIdx] {
				y := ys[cursor]
				cursor++
				if y != ys0[exampleIdx] {
					// prediction diverged, the branch dies unrecorded
					continue
				}
				length := len(child.Sequence)
				switch {
				case length < st.bestLength:
					st.bestLength = length
					st.results = []Result{{Sequence: child.Sequence, RemovedIndices: child.Removed}}
				case length == st.bestLength && !st.hasSequence(child.Sequence):
					st.results = append(st.results, Result{Sequence: child.Sequence, RemovedIndices: child.Removed})
				}
				if length == 1 {
					// only the terminator left, recorded but cannot shrink further
					continue
				}
				next = append(next, child)
			}
			st.beams = next
		}
	}

	results := make([][]Result, len(states))
	for i, st := range states {
		results[i] = st.results
	}
	return results, nil
}
