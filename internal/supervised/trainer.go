// Package supervised is a conventional mini-batch training and evaluation
// loop over a fixed-label dataset.
package supervised

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/mat"

	"csi-fewshot/internal/device"
	"csi-fewshot/internal/distance"
	"csi-fewshot/internal/metrics"
	"csi-fewshot/internal/model"
	"csi-fewshot/internal/optim"
)

// ErrEmptyLoader is returned when a loader yields no batches.
var ErrEmptyLoader = errors.New("supervised: loader produced no batches")

// Loader is a finite, restartable source of batches. Len is the number of
// samples in the dataset.
type Loader interface {
	Len() int
	Iterate() model.BatchIterator
}

// EpochStats summarises one pass over a loader. Loss is weighted by batch
// size; Accuracy is the mean of per-batch accuracies.
type EpochStats struct {
	Epoch    int
	Loss     float64
	Accuracy float64
	LR       float64
	Samples  int
	Duration time.Duration
}

// Trainer owns the model, loss criterion, optimizer and schedule.
type Trainer struct {
	Model     model.Differentiable
	Criterion Criterion
	Optimizer optim.Optimizer
	Scheduler *optim.StepLR
	Device    *device.Device

	// Logf defaults to log.Printf.
	Logf func(format string, args ...any)
}

func (t *Trainer) logf(format string, args ...any) {
	if t.Logf != nil {
		t.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Train runs epochs passes over loader, updating parameters after every
// batch and stepping the scheduler once per epoch.
func (t *Trainer) Train(ctx context.Context, loader Loader, epochs int) ([]EpochStats, error) {
	if epochs <= 0 {
		return nil, fmt.Errorf("supervised: epochs must be > 0 (got %d)", epochs)
	}
	if t.Model == nil || t.Criterion == nil || t.Optimizer == nil {
		return nil, errors.New("supervised: model, criterion and optimizer are required")
	}
	history := make([]EpochStats, 0, epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		stats, err := t.pass(ctx, loader, true)
		if err != nil {
			return history, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		stats.Epoch = epoch
		stats.LR = t.Optimizer.LR()
		if t.Scheduler != nil {
			t.Scheduler.Step()
		}
		t.logf("epoch=%d acc=%.5f loss=%.9f lr=%.6g samples=%d", epoch, stats.Accuracy, stats.Loss, stats.LR, stats.Samples)
		history = append(history, stats)
	}
	return history, nil
}

// Test evaluates the model without gradients or parameter updates.
func (t *Trainer) Test(ctx context.Context, loader Loader) (EpochStats, error) {
	if t.Model == nil || t.Criterion == nil {
		return EpochStats{}, errors.New("supervised: model and criterion are required")
	}
	stats, err := t.pass(ctx, loader, false)
	if err != nil {
		return EpochStats{}, err
	}
	t.logf("validation acc=%.5f loss=%.9f samples=%d", stats.Accuracy, stats.Loss, stats.Samples)
	return stats, nil
}

func (t *Trainer) pass(ctx context.Context, loader Loader, train bool) (EpochStats, error) {
	start := time.Now()
	it := loader.Iterate()
	var acc metrics.Running
	lossSum := 0.0
	samples := 0
	for {
		if err := ctx.Err(); err != nil {
			return EpochStats{}, err
		}
		batch, ok := it.Next()
		if !ok {
			break
		}
		x, err := batch.Matrix()
		if err != nil {
			return EpochStats{}, err
		}
		loss, batchAcc, err := t.batch(x, batch.Labels, train)
		if err != nil {
			return EpochStats{}, err
		}
		n := len(batch.Labels)
		lossSum += loss * float64(n)
		samples += n
		acc.Add(batchAcc)
	}
	if acc.Count() == 0 {
		return EpochStats{}, ErrEmptyLoader
	}
	denom := loader.Len()
	if denom <= 0 {
		denom = samples
	}
	return EpochStats{
		Loss:     lossSum / float64(denom),
		Accuracy: acc.Mean(),
		Samples:  samples,
		Duration: time.Since(start),
	}, nil
}

func (t *Trainer) batch(x *mat.Dense, labels []int, train bool) (float64, float64, error) {
	var (
		logits *mat.Dense
		back   model.Backward
		err    error
	)
	if train {
		t.Optimizer.ZeroGrad()
		logits, back, err = t.Model.Forward(t.Device, x)
	} else {
		logits, err = t.Model.Embed(t.Device, x)
	}
	if err != nil {
		return 0, 0, err
	}
	loss, grad, err := t.Criterion.Loss(logits, labels)
	if err != nil {
		return 0, 0, err
	}
	if train {
		back(grad)
		t.Optimizer.Step()
	}
	correct := 0
	for i, p := range distance.ArgMaxRows(logits) {
		if p == labels[i] {
			correct++
		}
	}
	return loss, float64(correct) / float64(len(labels)), nil
}
