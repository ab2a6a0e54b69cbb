package backends

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/fuqianggu/deep-knn/util/fileutil"
)

// ModelConfig is the model-setup descriptor, a JSON file describing the
// classifier and pointing at its weights file.
type ModelConfig struct {
	Dataset    string `json:"dataset"`
	VocabSize  int    `json:"vocab_size"`
	EmbedDim   int    `json:"embed_dim"`
	HiddenDim  int    `json:"hidden_dim"`
	NumClasses int    `json:"num_classes"`
	EOSToken   int32  `json:"eos_token_id"`
	Weights    string `json:"weights"`
}

func (c ModelConfig) validate() error {
	if c.VocabSize < 1 {
		return fmt.Errorf("model configuration invalid: vocab_size must be greater than zero")
	}
	if c.EmbedDim < 1 || c.HiddenDim < 1 {
		return fmt.Errorf("model configuration invalid: embed_dim and hidden_dim must be greater than zero")
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("model configuration invalid: num_classes must be at least 2")
	}
	if c.EOSToken < 0 || int(c.EOSToken) >= c.VocabSize {
		return fmt.Errorf("model configuration invalid: eos_token_id %d out of vocabulary range [0, %d)", c.EOSToken, c.VocabSize)
	}
	return nil
}

// modelWeights is the on-disk weight layout, row-major float32 backings.
type modelWeights struct {
	Embedding []float32
	W1        []float32
	B1        []float32
	W2        []float32
	B2        []float32
}

// LoadModel reads a model-setup descriptor and the weights file it names.
// A relative weights path resolves against the descriptor's directory.
func LoadModel(setupPath string) (*Model, error) {
	setupBytes, err := fileutil.ReadFileBytes(setupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model setup %s: %w", setupPath, err)
	}
	config := ModelConfig{}
	if err := jsoniter.Unmarshal(setupBytes, &config); err != nil {
		return nil, fmt.Errorf("failed to parse model setup %s: %w", setupPath, err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Weights == "" {
		return nil, fmt.Errorf("model setup %s does not name a weights file", setupPath)
	}

	weightsPath := config.Weights
	if fileutil.GetPathType(weightsPath) == "os" && !filepath.IsAbs(weightsPath) {
		weightsPath = fileutil.PathJoinSafe(filepath.Dir(setupPath), weightsPath)
	}
	weightBytes, err := fileutil.ReadFileBytes(weightsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model weights %s: %w", weightsPath, err)
	}

	weights := modelWeights{}
	if err := gob.NewDecoder(bytes.NewReader(weightBytes)).Decode(&weights); err != nil {
		return nil, fmt.Errorf("failed to decode model weights %s: %w", weightsPath, err)
	}
	return newModelFromWeights(config, weights)
}

func newModelFromWeights(config ModelConfig, weights modelWeights) (*Model, error) {
	sized := []struct {
		name    string
		backing []float32
		want    int
	}{
		{"embedding", weights.Embedding, config.VocabSize * config.EmbedDim},
		{"w1", weights.W1, config.EmbedDim * config.HiddenDim},
		{"b1", weights.B1, config.HiddenDim},
		{"w2", weights.W2, config.HiddenDim * config.NumClasses},
		{"b2", weights.B2, config.NumClasses},
	}
	for _, s := range sized {
		if len(s.backing) != s.want {
			return nil, fmt.Errorf("weights matrix %s has %d values, configuration requires %d", s.name, len(s.backing), s.want)
		}
	}
	return &Model{
		Config:    config,
		embedding: tensor.New(tensor.WithShape(config.VocabSize, config.EmbedDim), tensor.WithBacking(weights.Embedding)),
		w1:        tensor.New(tensor.WithShape(config.EmbedDim, config.HiddenDim), tensor.WithBacking(weights.W1)),
		b1:        tensor.New(tensor.WithShape(config.HiddenDim), tensor.WithBacking(weights.B1)),
		w2:        tensor.New(tensor.WithShape(config.HiddenDim, config.NumClasses), tensor.WithBacking(weights.W2)),
		b2:        tensor.New(tensor.WithShape(config.NumClasses), tensor.WithBacking(weights.B2)),
	}, nil
}

// SaveWeights serializes the model weights to path.
func (m *Model) SaveWeights(path string) error {
	writer, err := fileutil.NewFileWriter(path)
	if err != nil {
		return err
	}
	weights := modelWeights{
		Embedding: m.embedding.Data().([]float32),
		W1:        m.w1.Data().([]float32),
		B1:        m.b1.Data().([]float32),
		W2:        m.w2.Data().([]float32),
		B2:        m.b2.Data().([]float32),
	}
	encodeErr := gob.NewEncoder(writer).Encode(weights)
	return errors.Join(encodeErr, writer.Close())
}
