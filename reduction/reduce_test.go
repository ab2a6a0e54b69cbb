package reduction

import (
	"fmt"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eos int32 = 2

// fakeModel is a deterministic rule-based classifier with table-driven
// token saliency, standing in for the gradient-backed model.
type fakeModel struct {
	classify   func(x []int32) int
	saliency   map[int32]float64
	scoreCalls int
	batchSizes []int
}

func (f *fakeModel) PredictArgmax(xs [][]int32) ([]int, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	ys := make([]int, len(xs))
	for i, x := range xs {
		ys[i] = f.classify(x)
	}
	return ys, nil
}

func (f *fakeModel) Scores(xs [][]int32, _ []int) ([][]float64, error) {
	f.scoreCalls++
	f.batchSizes = append(f.batchSizes, len(xs))
	scores := make([][]float64, len(xs))
	for i, x := range xs {
		scores[i] = make([]float64, len(x))
		for t, token := range x {
			scores[i][t] = f.saliency[token]
		}
	}
	return scores, nil
}

func newFakeReducer(f *fakeModel, maxBeamSize int) *Reducer {
	return &Reducer{Predictor: f, Scorer: f, MaxBeamSize: maxBeamSize}
}

func contains(x []int32, token int32) bool {
	return slices.Contains(x, token)
}

// deleteAt removes the given original positions from x, verifying that the
// reported removals and the remaining tokens partition the original.
func deleteAt(x []int32, removed []int) []int32 {
	drop := map[int]bool{}
	for _, r := range removed {
		drop[r] = true
	}
	var out []int32
	for i, token := range x {
		if !drop[i] {
			out = append(out, token)
		}
	}
	return out
}

func TestReduceRemovesUnimportantToken(t *testing.T) {
	model := &fakeModel{
		classify: func(x []int32) int {
			if contains(x, 4) && contains(x, 17) {
				return 1
			}
			return 0
		},
		saliency: map[int32]float64{4: 3.0, 17: 1.0, 9: 0.5, eos: 0.0},
	}
	reducer := newFakeReducer(model, 5)

	results, err := reducer.Reduce([][]int32{{4, 17, 9, eos}})
	require.NoError(t, err)
	require.Len(t, results, 1)

	// token 9 is removable, 4 and 17 are load-bearing
	require.Len(t, results[0], 1)
	assert.Equal(t, []int32{4, 17, eos}, results[0][0].Sequence)
	assert.Equal(t, []int{2}, results[0][0].RemovedIndices)
}

func TestReduceIrreducibleExampleKeepsOriginal(t *testing.T) {
	model := &fakeModel{
		classify: func(x []int32) int {
			if contains(x, 4) && contains(x, 17) && contains(x, 9) {
				return 1
			}
			return 0
		},
		saliency: map[int32]float64{4: 3.0, 17: 1.0, 9: 0.5, eos: 0.0},
	}
	reducer := newFakeReducer(model, 5)

	results, err := reducer.Reduce([][]int32{{4, 17, 9, eos}})
	require.NoError(t, err)
	require.Len(t, results[0], 1)
	assert.Equal(t, []int32{4, 17, 9, eos}, results[0][0].Sequence)
	assert.Empty(t, results[0][0].RemovedIndices)
}

func TestReduceDeduplicatesTiedResults(t *testing.T) {
	model := &fakeModel{
		classify: func(x []int32) int {
			if contains(x, 4) {
				return 1
			}
			return 0
		},
		saliency: map[int32]float64{4: 4.0, 5: 5.0, 6: 6.0, eos: 0.0},
	}
	reducer := newFakeReducer(model, 5)

	original := []int32{4, 5, 6, eos}
	results, err := reducer.Reduce([][]int32{original})
	require.NoError(t, err)

	// both removal orders reach [4, eos]; only one copy may be recorded
	require.Len(t, results[0], 1)
	best := results[0][0]
	assert.Equal(t, []int32{4, eos}, best.Sequence)
	assert.ElementsMatch(t, []int{1, 2}, best.RemovedIndices)
	assert.Equal(t, best.Sequence, deleteAt(original, best.RemovedIndices))
}

func TestReduceBeamCapAndTermination(t *testing.T) {
	model := &fakeModel{
		// prediction never changes, everything reduces to the terminator
		classify: func(x []int32) int { return 0 },
		saliency: map[int32]float64{10: 1, 11: 2, 12: 3, 13: 4, 14: 5, eos: 0},
	}
	reducer := newFakeReducer(model, 2)

	original := []int32{10, 11, 12, 13, 14, eos}
	results, err := reducer.Reduce([][]int32{original})
	require.NoError(t, err)

	// identical terminator-only sequences collapse to a single record
	require.Len(t, results[0], 1)
	best := results[0][0]
	assert.Equal(t, []int32{eos}, best.Sequence)
	removed := slices.Clone(best.RemovedIndices)
	sort.Ints(removed)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, removed)

	// one scoring round per removed token, batches capped per example
	assert.Equal(t, len(original)-1, model.scoreCalls)
	for _, size := range model.batchSizes {
		assert.LessOrEqual(t, size, 2)
	}
}

func TestReduceMixedBatchIsIndependent(t *testing.T) {
	model := &fakeModel{
		classify: func(x []int32) int {
			switch {
			case contains(x, 4) && contains(x, 17) && contains(x, 9):
				return 2
			case contains(x, 4) && contains(x, 17):
				return 1
			default:
				return 0
			}
		},
		saliency: map[int32]float64{4: 3.0, 17: 1.0, 9: 0.5, 30: 0.1, eos: 0.0},
	}
	reducer := newFakeReducer(model, 5)

	xs := [][]int32{
		{4, 17, 9, eos},     // irreducible: class 2 needs all three tokens
		{4, 17, 30, eos},    // token 30 is removable
		{eos},               // terminator only, no candidates
		{4, 17, 9, 30, eos}, // class 2 again, only 30 is removable
	}
	results, err := reducer.Reduce(xs)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, []int32{4, 17, 9, eos}, results[0][0].Sequence)
	assert.Equal(t, []int32{4, 17, eos}, results[1][0].Sequence)
	assert.Equal(t, []int{2}, results[1][0].RemovedIndices)
	assert.Equal(t, []int32{eos}, results[2][0].Sequence)
	assert.Empty(t, results[2][0].RemovedIndices)
	assert.Equal(t, []int32{4, 17, 9, eos}, results[3][0].Sequence)
	assert.Equal(t, []int{3}, results[3][0].RemovedIndices)

	// every recorded reduction is the original minus its removed positions
	for i, exampleResults := range results {
		for _, r := range exampleResults {
			assert.Equal(t, r.Sequence, deleteAt(xs[i], r.RemovedIndices))
			assert.LessOrEqual(t, len(r.Sequence), len(xs[i]))
		}
	}
}

func TestReduceTiedResultsShareMinimalLength(t *testing.T) {
	model := &fakeModel{
		classify: func(x []int32) int {
			// class 1 as long as either 5 or 6 is present
			if contains(x, 5) || contains(x, 6) {
				return 1
			}
			return 0
		},
		saliency: map[int32]float64{5: 1.0, 6: 1.0, eos: 0.0},
	}
	reducer := newFakeReducer(model, 5)

	results, err := reducer.Reduce([][]int32{{5, 6, eos}})
	require.NoError(t, err)

	// [5, eos] and [6, eos] tie at length 2
	require.Len(t, results[0], 2)
	lengths := map[int]bool{}
	sequences := map[string]bool{}
	for _, r := range results[0] {
		lengths[len(r.Sequence)] = true
		key := fmt.Sprint(r.Sequence)
		assert.False(t, sequences[key], "duplicate recorded sequence %v", r.Sequence)
		sequences[key] = true
	}
	assert.Len(t, lengths, 1)
}

func TestReduceRejectsBadInput(t *testing.T) {
	model := &fakeModel{classify: func(x []int32) int { return 0 }}
	reducer := newFakeReducer(model, 5)

	_, err := reducer.Reduce(nil)
	assert.Error(t, err)
	_, err = reducer.Reduce([][]int32{{}})
	assert.Error(t, err)

	_, err = NewReducer(nil, 0)
	assert.Error(t, err)
}

func TestRemovalTieBreakIsDeterministic(t *testing.T) {
	model := &fakeModel{
		classify: func(x []int32) int { return 0 },
		// all tokens tie, order must still be reproducible
		saliency: map[int32]float64{7: 1.0, 8: 1.0, 9: 1.0, eos: 0.0},
	}

	var first [][]Result
	for trial := 0; trial < 3; trial++ {
		reducer := newFakeReducer(&fakeModel{classify: model.classify, saliency: model.saliency}, 2)
		results, err := reducer.Reduce([][]int32{{7, 8, 9, eos}})
		require.NoError(t, err)
		if trial == 0 {
			first = results
			continue
		}
		assert.Equal(t, first, results)
	}
}
