package deepknn

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuqianggu/deep-knn/backends"
	"github.com/fuqianggu/deep-knn/checkpoint"
	"github.com/fuqianggu/deep-knn/datasets"
	"github.com/fuqianggu/deep-knn/options"
)

func testModel(t *testing.T) *backends.Model {
	t.Helper()
	model, err := backends.NewModel(backends.ModelConfig{
		Dataset:    "test",
		VocabSize:  30,
		EmbedDim:   8,
		HiddenDim:  6,
		NumClasses: 2,
		EOSToken:   2,
	}, 13)
	require.NoError(t, err)
	return model
}

func testExamples(n int) []datasets.SequenceExample {
	rng := rand.New(rand.NewSource(99))
	examples := make([]datasets.SequenceExample, n)
	for i := range examples {
		length := 2 + rng.Intn(5)
		tokens := make([]int32, length)
		for j := range tokens {
			tokens[j] = int32(3 + rng.Intn(26))
		}
		examples[i] = datasets.SequenceExample{Tokens: tokens, Label: rng.Intn(2)}
	}
	return examples
}

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

func TestSessionRunProperties(t *testing.T) {
	model := testModel(t)
	session, err := NewSessionWithModel(model,
		options.WithBatchSize(4),
		options.WithMaxBeamSize(3),
	)
	require.NoError(t, err)

	examples := testExamples(10)
	dataset, err := datasets.NewInMemorySequenceDataset(examples, 4)
	require.NoError(t, err)

	outputPath := filepath.Join(t.TempDir(), "rawr_dev.bin")
	records, err := session.Run(dataset, outputPath)
	require.NoError(t, err)
	require.Len(t, records, len(examples))

	for exampleIdx, entries := range records {
		require.NotEmpty(t, entries, "example %d has no recorded reduction", exampleIdx)
		bestLength := len(entries[0].ReducedInput)
		sequences := map[string]bool{}
		for _, entry := range entries {
			// prediction preservation under rescoring
			assert.Equal(t, entry.OriginalPrediction, entry.ReducedPrediction)
			assert.Equal(t, examples[exampleIdx].Label, entry.Label)

			// all tied results share the minimal length found
			assert.Len(t, entry.ReducedInput, bestLength)
			assert.LessOrEqual(t, len(entry.ReducedInput), len(entry.OriginalInput))

			// removed positions plus the remainder partition the original
			assert.Equal(t, entry.ReducedInput, deleteAt(entry.OriginalInput, entry.RemovedIndices))

			// terminator survives every reduction
			require.NotEmpty(t, entry.ReducedInput)
			assert.Equal(t, model.EOSToken(), entry.ReducedInput[len(entry.ReducedInput)-1])

			key := fmt.Sprint(entry.ReducedInput)
			assert.False(t, sequences[key], "duplicate reduction recorded for example %d", exampleIdx)
			sequences[key] = true

			assert.Len(t, entry.OriginalScores, model.NumClasses())
			assert.Len(t, entry.ReducedScores, model.NumClasses())
		}
	}

	loaded, err := checkpoint.Load(outputPath)
	require.NoError(t, err)
	require.Len(t, loaded, len(records))
	for i := range records {
		require.Len(t, loaded[i], len(records[i]))
		assert.Equal(t, records[i][0].ReducedInput, loaded[i][0].ReducedInput)
	}
}

func TestSessionMaxBatches(t *testing.T) {
	session, err := NewSessionWithModel(testModel(t),
		options.WithBatchSize(3),
		options.WithMaxBatches(2),
	)
	require.NoError(t, err)

	dataset, err := datasets.NewInMemorySequenceDataset(testExamples(10), 3)
	require.NoError(t, err)

	records, err := session.Run(dataset, "")
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

func TestSessionLSHMode(t *testing.T) {
	session, err := NewSessionWithModel(testModel(t),
		options.WithBatchSize(4),
		options.WithLSH(3),
	)
	require.NoError(t, err)

	dataset, err := datasets.NewInMemorySequenceDataset(testExamples(8), 4)
	require.NoError(t, err)

	records, err := session.Run(dataset, "")
	require.NoError(t, err)
	assert.Len(t, records, 8)
}

func TestSessionRejectsBadOptions(t *testing.T) {
	_, err := NewSessionWithModel(testModel(t), options.WithBatchSize(0))
	assert.Error(t, err)
}
