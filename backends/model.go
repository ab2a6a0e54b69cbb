package backends

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/fuqianggu/deep-knn/util/vectorutil"
)

// Model is a bag-of-embeddings text classifier: an embedding table, mean
// pooling over the token dimension, one tanh hidden layer and a linear
// softmax head. Small enough that the gradient of the loss with respect to
// each embedded input token has a closed form, which is all the saliency
// scorer needs from a model.
type Model struct {
	Config ModelConfig

	embedding *tensor.Dense // (vocab, embed)
	w1        *tensor.Dense // (embed, hidden)
	b1        *tensor.Dense // (hidden)
	w2        *tensor.Dense // (hidden, classes)
	b2        *tensor.Dense // (classes)
}

// NewModel creates a model with seeded random weights.
func NewModel(config ModelConfig, seed int64) (*Model, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &Model{
		Config:    config,
		embedding: randomDense(rng, config.VocabSize, config.EmbedDim),
		w1:        randomDense(rng, config.EmbedDim, config.HiddenDim),
		b1:        zeroDense(config.HiddenDim),
		w2:        randomDense(rng, config.HiddenDim, config.NumClasses),
		b2:        zeroDense(config.NumClasses),
	}
	return m, nil
}

func randomDense(rng *rand.Rand, rows, cols int) *tensor.Dense {
	backing := make([]float32, rows*cols)
	scale := float32(1.0 / math.Sqrt(float64(cols)))
	for i := range backing {
		backing[i] = float32(rng.NormFloat64()) * scale
	}
	return tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))
}

func zeroDense(n int) *tensor.Dense {
	return tensor.New(tensor.WithShape(n), tensor.WithBacking(make([]float32, n)))
}

// EOSToken is the terminator token id appended to every sequence.
func (m *Model) EOSToken() int32 {
	return m.Config.EOSToken
}

func (m *Model) NumClasses() int {
	return m.Config.NumClasses
}

func (m *Model) checkSequences(xs [][]int32) error {
	if len(xs) == 0 {
		return fmt.Errorf("model called with an empty batch")
	}
	for i, x := range xs {
		if len(x) == 0 {
			return fmt.Errorf("sequence %d in batch is empty", i)
		}
		for _, token := range x {
			if token < 0 || int(token) >= m.Config.VocabSize {
				return fmt.Errorf("token id %d in sequence %d out of vocabulary range [0, %d)", token, i, m.Config.VocabSize)
			}
		}
	}
	return nil
}

func (m *Model) embeddingRow(token int32) []float32 {
	data := m.embedding.Data().([]float32)
	start := int(token) * m.Config.EmbedDim
	return data[start : start+m.Config.EmbedDim]
}

// EmbedSequence returns the mean-pooled embedding of a sequence.
func (m *Model) EmbedSequence(x []int32) []float32 {
	pooled := make([]float32, m.Config.EmbedDim)
	for _, token := range x {
		row := m.embeddingRow(token)
		for d, v := range row {
			pooled[d] += v
		}
	}
	inv := 1.0 / float32(len(x))
	for d := range pooled {
		pooled[d] *= inv
	}
	return pooled
}

// forward runs one sequence through the classifier, returning the hidden
// activations and the softmax distribution.
func (m *Model) forward(x []int32) (hidden, probs []float32) {
	pooled := m.EmbedSequence(x)

	w1 := m.w1.Data().([]float32)
	b1 := m.b1.Data().([]float32)
	hidden = make([]float32, m.Config.HiddenDim)
	for h := range hidden {
		sum := float64(b1[h])
		for d, p := range pooled {
			sum += float64(p) * float64(w1[d*m.Config.HiddenDim+h])
		}
		hidden[h] = float32(math.Tanh(sum))
	}

	w2 := m.w2.Data().([]float32)
	b2 := m.b2.Data().([]float32)
	logits := make([]float32, m.Config.NumClasses)
	for c := range logits {
		sum := float64(b2[c])
		for h, v := range hidden {
			sum += float64(v) * float64(w2[h*m.Config.NumClasses+c])
		}
		logits[c] = float32(sum)
	}
	return hidden, vectorutil.SoftMax(logits)
}

// Predict returns the softmax class distribution for every sequence in the
// batch.
func (m *Model) Predict(xs [][]int32) ([][]float32, error) {
	if err := m.checkSequences(xs); err != nil {
		return nil, err
	}
	scores := make([][]float32, len(xs))
	for i, x := range xs {
		_, probs := m.forward(x)
		scores[i] = probs
	}
	return scores, nil
}

// PredictArgmax returns the greedy class label for every sequence in the
// batch.
func (m *Model) PredictArgmax(xs [][]int32) ([]int, error) {
	scores, err := m.Predict(xs)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(xs))
	for i, s := range scores {
		label, _, errArgMax := vectorutil.ArgMax(s)
		if errArgMax != nil {
			return nil, errArgMax
		}
		labels[i] = label
	}
	return labels, nil
}

// GetGrad computes the mean cross-entropy loss of the batch against the
// given target labels and returns it together with the embedded inputs and
// the exact gradient of the loss with respect to each embedded token.
// embedded[i][t] and grads[i][t] are both vectors of length EmbedDim.
func (m *Model) GetGrad(xs [][]int32, ys []int) (float32, [][][]float32, [][][]float32, error) {
	if err := m.checkSequences(xs); err != nil {
		return 0, nil, nil, err
	}
	if len(ys) != len(xs) {
		return 0, nil, nil, fmt.Errorf("got %d targets for %d sequences", len(ys), len(xs))
	}
	for i, y := range ys {
		if y < 0 || y >= m.Config.NumClasses {
			return 0, nil, nil, fmt.Errorf("target label %d for sequence %d out of range [0, %d)", y, i, m.Config.NumClasses)
		}
	}

	w1 := m.w1.Data().([]float32)
	w2 := m.w2.Data().([]float32)

	loss := 0.0
	invBatch := 1.0 / float64(len(xs))
	embedded := make([][][]float32, len(xs))
	grads := make([][][]float32, len(xs))

	for i, x := range xs {
		hidden, probs := m.forward(x)
		p := math.Max(float64(probs[ys[i]]), 1e-12)
		loss -= math.Log(p) * invBatch

		// backprop: softmax cross-entropy -> linear -> tanh -> linear -> mean pool
		dLogits := make([]float64, m.Config.NumClasses)
		for c, pc := range probs {
			dLogits[c] = float64(pc) * invBatch
		}
		dLogits[ys[i]] -= invBatch

		dPre := make([]float64, m.Config.HiddenDim)
		for h := range dPre {
			sum := 0.0
			for c, dl := range dLogits {
				sum += dl * float64(w2[h*m.Config.NumClasses+c])
			}
			hv := float64(hidden[h])
			dPre[h] = sum * (1.0 - hv*hv)
		}

		dPooled := make([]float64, m.Config.EmbedDim)
		for d := range dPooled {
			sum := 0.0
			for h, dp := range dPre {
				sum += dp * float64(w1[d*m.Config.HiddenDim+h])
			}
			dPooled[d] = sum
		}

		invLen := 1.0 / float64(len(x))
		embedded[i] = make([][]float32, len(x))
		grads[i] = make([][]float32, len(x))
		for t, token := range x {
			row := m.embeddingRow(token)
			ex := make([]float32, m.Config.EmbedDim)
			copy(ex, row)
			embedded[i][t] = ex
			grad := make([]float32, m.Config.EmbedDim)
			for d := range grad {
				grad[d] = float32(dPooled[d] * invLen)
			}
			grads[i][t] = grad
		}
	}
	return float32(loss), embedded, grads, nil
}
