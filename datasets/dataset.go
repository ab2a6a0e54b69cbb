package datasets

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	jsoniter "github.com/json-iterator/go"

	"github.com/fuqianggu/deep-knn/util/fileutil"
)

// SequenceExample is a single tokenized, labelled input.
type SequenceExample struct {
	Tokens []int32 `json:"tokens"`
	Label  int     `json:"label"`
}

// SequenceDataset yields batches of token-id sequences with integer labels
// from a .jsonl file, one example per line:
// {"tokens":[4,17,9,2],"label":1}
type SequenceDataset struct {
	path       string
	batchSize  int
	batchN     int
	examples   []SequenceExample
	reader     *bufio.Reader
	sourceFile io.ReadCloser
	verbose    bool
}

// NewSequenceDataset opens a .jsonl dataset for batched iteration.
func NewSequenceDataset(path string, batchSize int) (*SequenceDataset, error) {
	d := &SequenceDataset{path: path, batchSize: batchSize}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	sourceReadCloser, err := fileutil.OpenFile(path)
	if err != nil {
		return nil, err
	}
	d.sourceFile = sourceReadCloser
	d.reader = bufio.NewReader(sourceReadCloser)
	return d, nil
}

// NewInMemorySequenceDataset wraps a slice of examples for batched iteration.
func NewInMemorySequenceDataset(examples []SequenceExample, batchSize int) (*SequenceDataset, error) {
	d := &SequenceDataset{examples: examples, batchSize: batchSize}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SequenceDataset) Validate() error {
	if s.batchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", s.batchSize)
	}
	if len(s.examples) == 0 {
		if s.path == "" {
			return fmt.Errorf("dataset path is required")
		}
		if filepath.Ext(s.path) != ".jsonl" {
			return fmt.Errorf("dataset path must be a .jsonl file")
		}
	}
	return nil
}

func (s *SequenceDataset) SetVerbose(v bool) {
	s.verbose = v
}

// YieldRaw returns the next batch of examples. The final batch may be
// shorter than the batch size; io.EOF signals the end of the data.
func (s *SequenceDataset) YieldRaw() ([]SequenceExample, error) {
	if len(s.examples) > 0 {
		start := s.batchN * s.batchSize
		if start >= len(s.examples) {
			return nil, io.EOF
		}
		end := min(start+s.batchSize, len(s.examples))
		s.batchN++
		return s.examples[start:end], nil
	}

	batch := make([]SequenceExample, 0, s.batchSize)
	for len(batch) < s.batchSize {
		lineBytes, readErr := fileutil.ReadLine(s.reader)
		if len(lineBytes) > 0 {
			var example SequenceExample
			if err := jsoniter.Unmarshal(lineBytes, &example); err != nil {
				return nil, fmt.Errorf("failed to parse JSON line: %w", err)
			}
			batch = append(batch, example)
		}
		if readErr != nil {
			if readErr == io.EOF && len(batch) > 0 {
				break
			}
			return nil, readErr
		}
	}
	s.batchN++
	return batch, nil
}

// Reset rewinds the dataset to its first batch.
func (s *SequenceDataset) Reset() error {
	if s.verbose {
		fmt.Printf("processed %d batches of %d examples, resetting dataset\n", s.batchN, s.batchSize)
	}
	s.batchN = 0
	if len(s.examples) == 0 {
		if err := s.sourceFile.Close(); err != nil {
			return err
		}
		sourceReadCloser, err := fileutil.OpenFile(s.path)
		if err != nil {
			return err
		}
		s.sourceFile = sourceReadCloser
		s.reader = bufio.NewReader(sourceReadCloser)
	}
	return nil
}

func (s *SequenceDataset) Close() error {
	if s.sourceFile != nil {
		return s.sourceFile.Close()
	}
	return nil
}

// ReadExamples parses newline-delimited JSON examples from a reader.
func ReadExamples(r io.Reader) ([]SequenceExample, error) {
	var examples []SequenceExample
	reader := bufio.NewReader(r)
	for {
		lineBytes, readErr := fileutil.ReadLine(reader)
		if len(lineBytes) > 0 {
			var example SequenceExample
			if err := jsoniter.Unmarshal(lineBytes, &example); err != nil {
				return nil, fmt.Errorf("failed to parse JSON line: %w", err)
			}
			examples = append(examples, example)
		}
		if readErr != nil {
			if readErr == io.EOF {
				return examples, nil
			}
			return nil, readErr
		}
	}
}

// Convert turns a batch of examples into the flat sequence and label slices
// the model consumes, appending the terminator token to any sequence that
// does not already end with it.
func Convert(examples []SequenceExample, eosToken int32) ([][]int32, []int) {
	xs := make([][]int32, len(examples))
	ys := make([]int, len(examples))
	for i, example := range examples {
		x := slices.Clone(example.Tokens)
		if len(x) == 0 || x[len(x)-1] != eosToken {
			x = append(x, eosToken)
		}
		xs[i] = x
		ys[i] = example.Label
	}
	return xs, ys
}
