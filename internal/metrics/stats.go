package metrics

import "time"

// Window accumulates timing and quality stats across multiple steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
	accSum   float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(samples int, dataTime, computeTime time.Duration, loss, acc float64) {
	w.samples += samples
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
	w.accSum += acc
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.SamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanAcc = w.accSum / float64(w.steps)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	SamplesPerSec float64
	AvgDataMS     float64
	AvgComputeMS  float64
	LastLoss      float64
	MeanAcc       float64
}

// Running keeps the mean of a stream of observations.
type Running struct {
	n   int
	sum float64
}

// Add records one observation.
func (r *Running) Add(v float64) {
	r.n++
	r.sum += v
}

// Mean returns 0 when nothing was recorded.
func (r *Running) Mean() float64 {
	if r.n == 0 {
		return 0
	}
	return r.sum / float64(r.n)
}

// Count returns the number of observations.
func (r *Running) Count() int { return r.n }
