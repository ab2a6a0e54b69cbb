package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	deepknn "github.com/fuqianggu/deep-knn"
	"github.com/fuqianggu/deep-knn/datasets"
	"github.com/fuqianggu/deep-knn/options"
	"github.com/fuqianggu/deep-knn/util/fileutil"
)

var modelSetup string
var inputPath string
var outputPath string
var gpuID int
var useLSH bool
var numNeighbors int
var batchSize int
var maxBeamSize int
var maxBatches int
var verbose bool

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Reduce input sequences to the minimal subsets preserving the model prediction",
	Description: `Run expects a path to a .jsonl file (or folder of .jsonl files) where each line is
of the format {"tokens":[4,17,9,2],"label":1}. If --input is omitted, lines are read from stdin.
The tied-minimal reductions of every example are written to a binary checkpoint.`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model-setup",
			Usage:       "Path to the model setup descriptor",
			Aliases:     []string{"m"},
			Destination: &modelSetup,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the input data",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path of the checkpoint to write",
			Aliases:     []string{"o"},
			Destination: &outputPath,
			Value:       "rawr_dev.bin",
		},
		&cli.IntFlag{
			Name:        "gpu",
			Usage:       "GPU ID (negative value indicates CPU). Accepted for compatibility, execution is CPU only",
			Aliases:     []string{"g"},
			Destination: &gpuID,
			Value:       -1,
		},
		&cli.BoolFlag{
			Name:        "lsh",
			Usage:       "If true, uses locality sensitive hashing for nearest-neighbor search over reduced examples",
			Destination: &useLSH,
		},
		&cli.IntFlag{
			Name:        "neighbors",
			Usage:       "Number of nearest neighbors reported in lsh mode",
			Aliases:     []string{"k"},
			Destination: &numNeighbors,
			Value:       10,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Usage:       "Number of examples to reduce in a batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       64,
		},
		&cli.IntFlag{
			Name:        "max-beam-size",
			Usage:       "Beam cap per example during search",
			Destination: &maxBeamSize,
			Value:       5,
		},
		&cli.IntFlag{
			Name:        "max-batches",
			Usage:       "Stop after this many batches (0 processes everything)",
			Destination: &maxBatches,
			Value:       0,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Usage:       "Show batch progress",
			Aliases:     []string{"v"},
			Destination: &verbose,
		},
	},
	Action: func(ctx *cli.Context) error {
		if gpuID >= 0 {
			fmt.Fprintf(os.Stderr, "gpu %d requested but execution is cpu only, continuing on cpu\n", gpuID)
		}

		sessionOptions := []options.WithOption{
			options.WithBatchSize(batchSize),
			options.WithMaxBeamSize(maxBeamSize),
			options.WithMaxBatches(maxBatches),
		}
		if useLSH {
			sessionOptions = append(sessionOptions, options.WithLSH(numNeighbors))
		}
		if verbose {
			sessionOptions = append(sessionOptions, options.WithVerbose())
		}

		session, err := deepknn.NewSession(modelSetup, sessionOptions...)
		if err != nil {
			return err
		}

		dataset, err := openDataset(ctx)
		if err != nil {
			return err
		}
		_, runErr := session.Run(dataset, outputPath)
		return errors.Join(runErr, dataset.Close())
	},
}

func openDataset(ctx *cli.Context) (*datasets.SequenceDataset, error) {
	if inputPath != "" {
		exists, err := fileutil.FileExists(inputPath)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("file %s does not exist", inputPath)
		}
		if filepath.Ext(inputPath) == ".jsonl" {
			return datasets.NewSequenceDataset(inputPath, batchSize)
		}

		// a folder: walk it and collect every .jsonl file
		var examples []datasets.SequenceExample
		fileWalker := func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (toContinue bool, err error) {
			if filepath.Ext(info.Name()) == ".jsonl" {
				fileExamples, readErr := datasets.ReadExamples(reader)
				if readErr != nil {
					return false, readErr
				}
				examples = append(examples, fileExamples...)
			}
			return true, nil
		}
		if err := fileutil.WalkDir()(ctx.Context, inputPath, fileWalker); err != nil {
			return nil, err
		}
		if len(examples) == 0 {
			return nil, fmt.Errorf("no .jsonl examples found under %s", inputPath)
		}
		return datasets.NewInMemorySequenceDataset(examples, batchSize)
	}

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return nil, fmt.Errorf("no input file given and nothing to read on stdin")
	}
	examples, err := datasets.ReadExamples(os.Stdin)
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("nothing to process on stdin")
	}
	return datasets.NewInMemorySequenceDataset(examples, batchSize)
}

func main() {
	app := &cli.App{
		Name:     "rawr",
		Usage:    "Reducing Adversarial Words via gRadients",
		Commands: []*cli.Command{runCommand},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
