package trainer

import (
	"context"
	"errors"
	"log"

	"csi-fewshot/internal/dataset"
	"csi-fewshot/internal/device"
	"csi-fewshot/internal/model"
	"csi-fewshot/internal/optim"
	"csi-fewshot/internal/supervised"
)

// SupervisedConfig captures the knobs of a conventional training run.
type SupervisedConfig struct {
	Train *dataset.Pool
	// Test is evaluated after training when set.
	Test *dataset.Pool

	Device       *device.Device
	Hidden       []int
	Epochs       int
	BatchSize    int
	LearningRate float64
	StepSize     int
	Gamma        float64
	Seed         int64
}

// SupervisedReport summarises a run.
type SupervisedReport struct {
	History []supervised.EpochStats
	Test    *supervised.EpochStats
}

// RunSupervised trains a dense classifier with Adam and a step schedule.
func RunSupervised(ctx context.Context, cfg SupervisedConfig) (*SupervisedReport, error) {
	if cfg.Train == nil {
		return nil, errors.New("trainer: training pool is required")
	}
	classes := cfg.Train.NumClasses()
	if cfg.Test != nil && cfg.Test.NumClasses() > classes {
		classes = cfg.Test.NumClasses()
	}
	net, err := model.NewClassifier(cfg.Train.Dim(), cfg.Hidden, classes, cfg.Seed)
	if err != nil {
		return nil, err
	}
	opt := optim.NewAdam(net.Params(), cfg.LearningRate)
	tr := &supervised.Trainer{
		Model:     net,
		Criterion: supervised.CrossEntropy{},
		Optimizer: opt,
		Scheduler: optim.NewStepLR(opt, cfg.StepSize, cfg.Gamma),
		Device:    cfg.Device,
	}
	log.Printf("supervised run device=%s classes=%d samples=%d epochs=%d batch_size=%d", cfg.Device, classes, cfg.Train.Len(), cfg.Epochs, cfg.BatchSize)

	loader := dataset.NewSliceLoader(cfg.Train.Samples(), cfg.BatchSize, true, cfg.Seed)
	history, err := tr.Train(ctx, loader, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	report := &SupervisedReport{History: history}
	if cfg.Test != nil {
		stats, err := tr.Test(ctx, dataset.NewSliceLoader(cfg.Test.Samples(), cfg.BatchSize, false, cfg.Seed))
		if err != nil {
			return nil, err
		}
		report.Test = &stats
	}
	return report, nil
}
