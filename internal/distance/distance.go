package distance

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
)

// SquaredEuclidean returns the |a| x |b| matrix of squared Euclidean
// distances between the rows of a and the rows of b.
func SquaredEuclidean(dev *device.Device, a, b *mat.Dense) (*mat.Dense, error) {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ca != cb {
		return nil, fmt.Errorf("distance: dimension mismatch: %d vs %d", ca, cb)
	}
	out := mat.NewDense(ra, rb, nil)
	dev.ForEach(ra, func(i int) {
		x := a.RawRowView(i)
		row := out.RawRowView(i)
		for j := 0; j < rb; j++ {
			y := b.RawRowView(j)
			var sum float64
			for k := range x {
				d := x[k] - y[k]
				sum += d * d
			}
			row[j] = sum
		}
	})
	return out, nil
}

// LogSoftmaxNeg applies log-softmax to the negated rows of d, so the smallest
// distance in a row gets the highest log-probability.
func LogSoftmaxNeg(dev *device.Device, d *mat.Dense) *mat.Dense {
	r, c := d.Dims()
	out := mat.NewDense(r, c, nil)
	dev.ForEach(r, func(i int) {
		row := out.RawRowView(i)
		for j, v := range d.RawRowView(i) {
			row[j] = -v
		}
		lse := floats.LogSumExp(row)
		for j := range row {
			row[j] -= lse
		}
	})
	return out
}

// ArgMaxRows returns the column index of the largest value of every row.
// Ties resolve to the lowest index.
func ArgMaxRows(m *mat.Dense) []int {
	r, _ := m.Dims()
	out := make([]int, r)
	for i := range out {
		out[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return out
}

// Softmax returns exp of a log-probability row.
func Softmax(logp []float64) []float64 {
	out := make([]float64, len(logp))
	for i, v := range logp {
		out[i] = math.Exp(v)
	}
	return out
}
