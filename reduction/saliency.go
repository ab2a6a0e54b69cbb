package reduction

import (
	"fmt"

	"github.com/fuqianggu/deep-knn/util/vectorutil"
)

// Predictor is the greedy-decoding surface of a classifier.
type Predictor interface {
	PredictArgmax(xs [][]int32) ([]int, error)
}

// GradientModel additionally exposes the embedded inputs and the gradient
// of the prediction loss with respect to them.
type GradientModel interface {
	Predictor
	GetGrad(xs [][]int32, ys []int) (loss float32, embedded, grads [][][]float32, err error)
}

// Scorer assigns one saliency score per token. Lower scores mark tokens
// whose removal is estimated to disturb the prediction least. The search
// controller depends only on this interface, so other saliency methods can
// be swapped in.
type Scorer interface {
	Scores(xs [][]int32, ys []int) ([][]float64, error)
}

// GradientSaliency scores each token with the dot product of its input
// embedding and the gradient of the loss with respect to that embedding, a
// first-order Taylor estimate of the loss change from removing the token.
type GradientSaliency struct {
	Model GradientModel
}

// Scores computes per-token saliency for every sequence in the batch. When
// ys is nil the model's own greedy predictions are used as targets.
func (s GradientSaliency) Scores(xs [][]int32, ys []int) ([][]float64, error) {
	if ys == nil {
		predicted, err := s.Model.PredictArgmax(xs)
		if err != nil {
			return nil, err
		}
		ys = predicted
	}
	_, embedded, grads, err := s.Model.GetGrad(xs, ys)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(xs) || len(grads) != len(xs) {
		return nil, fmt.Errorf("model returned %d embeddings and %d gradients for %d sequences", len(embedded), len(grads), len(xs))
	}

	scores := make([][]float64, len(xs))
	for i := range xs {
		scores[i] = make([]float64, len(xs[i]))
		for t := range xs[i] {
			scores[i][t] = vectorutil.Dot(grads[i][t], embedded[i][t])
		}
	}
	return scores, nil
}
