package options

import "fmt"

// Options holds the runtime configuration for a reduction session.
type Options struct {
	// MaxBeamSize caps both the per-beam candidate fan-out and the
	// per-example number of live beams after pooling.
	MaxBeamSize int
	// BatchSize is the number of dataset examples per reduction batch.
	BatchSize int
	// MaxBatches caps the number of processed batches. Zero means no cap.
	MaxBatches int
	// LSH enables nearest-neighbor reporting over reduced examples.
	LSH bool
	// LSHNeighbors is the k used when querying the neighbor index.
	LSHNeighbors int
	// Verbose enables the per-batch progress bar and notices.
	Verbose bool
}

func Defaults() *Options {
	return &Options{
		MaxBeamSize:  5,
		BatchSize:    64,
		LSHNeighbors: 10,
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

func WithMaxBeamSize(size int) WithOption {
	return func(o *Options) error {
		if size < 1 {
			return fmt.Errorf("max beam size must be at least 1, got %d", size)
		}
		o.MaxBeamSize = size
		return nil
	}
}

func WithBatchSize(size int) WithOption {
	return func(o *Options) error {
		if size < 1 {
			return fmt.Errorf("batch size must be at least 1, got %d", size)
		}
		o.BatchSize = size
		return nil
	}
}

func WithMaxBatches(n int) WithOption {
	return func(o *Options) error {
		if n < 0 {
			return fmt.Errorf("max batches must be non-negative, got %d", n)
		}
		o.MaxBatches = n
		return nil
	}
}

func WithLSH(k int) WithOption {
	return func(o *Options) error {
		if k < 1 {
			return fmt.Errorf("neighbor count must be at least 1, got %d", k)
		}
		o.LSH = true
		o.LSHNeighbors = k
		return nil
	}
}

func WithVerbose() WithOption {
	return func(o *Options) error {
		o.Verbose = true
		return nil
	}
}
