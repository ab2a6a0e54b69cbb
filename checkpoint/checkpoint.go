package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/fuqianggu/deep-knn/util/fileutil"
)

// Entry records one tied-minimal reduction of one example, rescored by the
// model. The on-disk artifact is a nested list of lists of these records:
// one inner list per example, one entry per reduction tied at the minimal
// length. Downstream analysis tooling depends on this exact layout.
type Entry struct {
	OriginalInput      []int32
	ReducedInput       []int32
	OriginalPrediction int
	ReducedPrediction  int
	OriginalScores     []float32
	ReducedScores      []float32
	RemovedIndices     []int
	Label              int
}

// Save serializes the per-example result records to a binary checkpoint.
func Save(path string, records [][]Entry) error {
	if path == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	writer, err := fileutil.NewFileWriter(path)
	if err != nil {
		return err
	}
	encodeErr := gob.NewEncoder(writer).Encode(records)
	return errors.Join(encodeErr, writer.Close())
}

// Load reads a checkpoint written by Save.
func Load(path string) ([][]Entry, error) {
	raw, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	var records [][]Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return records, nil
}
