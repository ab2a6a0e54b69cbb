// Package deepknn drives RAWR (Reducing Adversarial Words via gRadients):
// a beam-searched, gradient-guided word-deletion procedure that finds the
// minimal subsequences of each input still yielding the model's original
// prediction.
package deepknn

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/fuqianggu/deep-knn/backends"
	"github.com/fuqianggu/deep-knn/checkpoint"
	"github.com/fuqianggu/deep-knn/datasets"
	"github.com/fuqianggu/deep-knn/neighbors"
	"github.com/fuqianggu/deep-knn/options"
	"github.com/fuqianggu/deep-knn/reduction"
	"github.com/fuqianggu/deep-knn/util/vectorutil"
)

// Session owns a loaded model and a reducer configured for it.
type Session struct {
	model   *backends.Model
	reducer *reduction.Reducer
	options *options.Options
}

// NewSession loads the model named by a setup descriptor and prepares a
// reduction session for it.
func NewSession(setupPath string, opts ...options.WithOption) (*Session, error) {
	model, err := backends.LoadModel(setupPath)
	if err != nil {
		return nil, err
	}
	return NewSessionWithModel(model, opts...)
}

// NewSessionWithModel prepares a reduction session around an existing model.
func NewSessionWithModel(model *backends.Model, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}
	reducer, err := reduction.NewReducer(model, parsedOptions.MaxBeamSize)
	if err != nil {
		return nil, err
	}
	return &Session{model: model, reducer: reducer, options: parsedOptions}, nil
}

func (s *Session) Model() *backends.Model {
	return s.model
}

func (s *Session) Options() *options.Options {
	return s.options
}

// Run reduces the dataset batch by batch and returns the per-example result
// records, one inner slice per example, one entry per tied-minimal
// reduction. If outputPath is non-empty the records are also written there
// as a binary checkpoint. Any model failure aborts the run.
func (s *Session) Run(dataset *datasets.SequenceDataset, outputPath string) ([][]checkpoint.Entry, error) {
	var bar *progressbar.ProgressBar
	if s.options.Verbose {
		total := -1
		if s.options.MaxBatches > 0 {
			total = s.options.MaxBatches
		}
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Reducing"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	var records [][]checkpoint.Entry
	batchIdx := 0
	for {
		if s.options.MaxBatches > 0 && batchIdx >= s.options.MaxBatches {
			break
		}
		batch, err := dataset.YieldRaw()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		batchRecords, err := s.reduceBatch(batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		records = append(records, batchRecords...)
		if bar != nil {
			_ = bar.Add(1)
		}
		batchIdx++
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if outputPath != "" {
		if err := checkpoint.Save(outputPath, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *Session) reduceBatch(batch []datasets.SequenceExample) ([][]checkpoint.Entry, error) {
	xs, labels := datasets.Convert(batch, s.model.EOSToken())
	results, err := s.reducer.Reduce(xs)
	if err != nil {
		return nil, err
	}

	var reduced [][]int32
	for _, exampleResults := range results {
		for _, r := range exampleResults {
			reduced = append(reduced, r.Sequence)
		}
	}

	// rescore originals and all reductions in two batched calls
	originalScores, err := s.model.Predict(xs)
	if err != nil {
		return nil, err
	}
	reducedScores, err := s.model.Predict(reduced)
	if err != nil {
		return nil, err
	}

	records := make([][]checkpoint.Entry, len(xs))
	cursor := 0
	for exampleIdx := range xs {
		originalPrediction, _, errArgMax := vectorutil.ArgMax(originalScores[exampleIdx])
		if errArgMax != nil {
			return nil, errArgMax
		}
		entries := make([]checkpoint.Entry, 0, len(results[exampleIdx]))
		for _, r := range results[exampleIdx] {
			reducedPrediction, _, errArgMax := vectorutil.ArgMax(reducedScores[cursor])
			if errArgMax != nil {
				return nil, errArgMax
			}
			entries = append(entries, checkpoint.Entry{
				OriginalInput:      xs[exampleIdx],
				ReducedInput:       r.Sequence,
				OriginalPrediction: originalPrediction,
				ReducedPrediction:  reducedPrediction,
				OriginalScores:     originalScores[exampleIdx],
				ReducedScores:      reducedScores[cursor],
				RemovedIndices:     r.RemovedIndices,
				Label:              labels[exampleIdx],
			})
			cursor++
		}
		records[exampleIdx] = entries
	}

	if s.options.LSH {
		if err := s.reportNeighbors(xs, results); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// reportNeighbors indexes the batch's original examples by mean embedding
// and prints, for every example, the nearest originals of its first
// tied-minimal reduction.
func (s *Session) reportNeighbors(xs [][]int32, results [][]reduction.Result) error {
	index, err := neighbors.New(s.model.Config.EmbedDim)
	if err != nil {
		return err
	}
	for i, x := range xs {
		if err := index.Add(i, s.model.EmbedSequence(x)); err != nil {
			return err
		}
	}
	for i, exampleResults := range results {
		found, err := index.Query(s.model.EmbedSequence(exampleResults[0].Sequence), s.options.LSHNeighbors)
		if err != nil {
			return err
		}
		ids := make([]string, len(found))
		for j, n := range found {
			ids[j] = fmt.Sprintf("%d:%.3f", n.ID, n.Similarity)
		}
		fmt.Fprintf(os.Stderr, "example %d nearest originals: %s\n", i, strings.Join(ids, " "))
	}
	return nil
}
