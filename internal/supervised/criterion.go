package supervised

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Criterion scores a batch of logits against integer labels and returns the
// mean loss and dLoss/dLogits.
type Criterion interface {
	Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense, error)
}

// CrossEntropy is softmax cross-entropy averaged over the batch.
type CrossEntropy struct{}

func (CrossEntropy) Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("supervised: %d logits rows for %d labels", rows, len(labels))
	}
	grad := mat.NewDense(rows, classes, nil)
	total := 0.0
	inv := 1 / float64(rows)
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("supervised: label %d out of range [0,%d)", label, classes)
		}
		probs := softmax(logits.RawRowView(i))
		total += -math.Log(math.Max(probs[label], 1e-12))
		probs[label] -= 1
		floats.Scale(inv, probs)
		copy(grad.RawRowView(i), probs)
	}
	return total * inv, grad, nil
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
