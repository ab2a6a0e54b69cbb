package datasets

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleBatch(n int) []SequenceExample {
	examples := make([]SequenceExample, n)
	for i := range examples {
		examples[i] = SequenceExample{Tokens: []int32{int32(i + 3), 2}, Label: i % 2}
	}
	return examples
}

func TestInMemoryBatching(t *testing.T) {
	dataset, err := NewInMemorySequenceDataset(exampleBatch(5), 2)
	require.NoError(t, err)

	var sizes []int
	for {
		batch, err := dataset.YieldRaw()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)

	require.NoError(t, dataset.Reset())
	batch, err := dataset.YieldRaw()
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, []int32{3, 2}, batch[0].Tokens)
}

func TestFileBatching(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.jsonl")
	content := `{"tokens":[4,17,9,2],"label":1}
{"tokens":[11,3,2],"label":0}
{"tokens":[5],"label":1}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	dataset, err := NewSequenceDataset(path, 2)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, dataset.Close())
	}()

	first, err := dataset.YieldRaw()
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []int32{4, 17, 9, 2}, first[0].Tokens)
	assert.Equal(t, 1, first[0].Label)

	second, err := dataset.YieldRaw()
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, []int32{5}, second[0].Tokens)

	_, err = dataset.YieldRaw()
	assert.Equal(t, io.EOF, err)

	require.NoError(t, dataset.Reset())
	again, err := dataset.YieldRaw()
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestValidate(t *testing.T) {
	_, err := NewSequenceDataset("", 2)
	assert.Error(t, err)
	_, err = NewSequenceDataset("data.txt", 2)
	assert.Error(t, err)
	_, err = NewInMemorySequenceDataset(exampleBatch(1), 0)
	assert.Error(t, err)
}

func TestReadExamples(t *testing.T) {
	input := strings.NewReader(`{"tokens":[4,2],"label":1}
{"tokens":[9,2],"label":0}`)
	examples, err := ReadExamples(input)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, []int32{9, 2}, examples[1].Tokens)

	_, err = ReadExamples(strings.NewReader("not json"))
	assert.Error(t, err)
}

func TestConvertAppendsTerminator(t *testing.T) {
	examples := []SequenceExample{
		{Tokens: []int32{4, 17, 2}, Label: 1},
		{Tokens: []int32{9, 11}, Label: 0},
		{Tokens: nil, Label: 0},
	}
	xs, ys := Convert(examples, 2)
	assert.Equal(t, [][]int32{{4, 17, 2}, {9, 11, 2}, {2}}, xs)
	assert.Equal(t, []int{1, 0, 0}, ys)

	// conversion must not alias the example's token slice
	xs[0][0] = 99
	assert.Equal(t, int32(4), examples[0].Tokens[0])
}
