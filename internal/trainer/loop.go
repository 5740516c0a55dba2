package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"csi-fewshot/internal/dataset"
	"csi-fewshot/internal/device"
	"csi-fewshot/internal/metrics"
	"csi-fewshot/internal/model"
	"csi-fewshot/internal/optim"
	"csi-fewshot/internal/protonet"
	"csi-fewshot/internal/store"
)

// EpisodicConfig captures the knobs required by the episodic loop.
type EpisodicConfig struct {
	// Train supplies training episodes and the labeled support the final
	// prototype table is built from.
	Train *dataset.Pool
	// Test is used for evaluation episodes; nil reuses Train.
	Test *dataset.Pool

	Device   *device.Device
	Hidden   []int
	EmbedDim int

	NWay     int
	NSupport int
	NQuery   int

	Episodes         int
	EpisodesPerEpoch int
	EvalEpisodes     int
	LearningRate     float64
	StepSize         int
	Gamma            float64

	LogEvery int
	Seed     int64

	// Store and Table persist the final prototype table when both are set.
	Store *store.Store
	Table string
}

// EpisodicReport summarises a run.
type EpisodicReport struct {
	Classifier *protonet.Classifier
	Prototypes *protonet.Prototypes
	TrainLoss  float64
	TrainAcc   float64
	EvalLoss   float64
	EvalAcc    float64

	// Evaluated is the number of eval episodes run; 0 when skipped.
	Evaluated int
}

// RunEpisodic trains a prototypical network on random episodes.
func RunEpisodic(ctx context.Context, cfg EpisodicConfig) (*EpisodicReport, error) {
	if cfg.Train == nil {
		return nil, errors.New("trainer: training pool is required")
	}
	if cfg.Episodes <= 0 {
		return nil, errors.New("trainer: episodes must be > 0")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.EpisodesPerEpoch <= 0 {
		cfg.EpisodesPerEpoch = 100
	}
	if cfg.Test == nil {
		cfg.Test = cfg.Train
	}

	sampler, err := dataset.NewEpisodeSampler(cfg.Train, cfg.NWay, cfg.NSupport, cfg.NQuery, cfg.Seed)
	if err != nil {
		return nil, err
	}
	enc, err := model.NewDenseEncoder(cfg.Train.Dim(), cfg.Hidden, cfg.EmbedDim, cfg.Seed)
	if err != nil {
		return nil, err
	}
	clf := protonet.New(enc)
	opt := optim.NewAdam(enc.Params(), cfg.LearningRate)
	sched := optim.NewStepLR(opt, cfg.StepSize, cfg.Gamma)
	log.Printf("episodic run device=%s n_way=%d n_support=%d n_query=%d episodes=%d", cfg.Device, cfg.NWay, cfg.NSupport, cfg.NQuery, cfg.Episodes)

	var window metrics.Window
	var loss, acc metrics.Running
	for episode := 1; episode <= cfg.Episodes; episode++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		startData := time.Now()
		ep := sampler.Next()
		dataTime := time.Since(startData)

		startCompute := time.Now()
		opt.ZeroGrad()
		step, err := clf.Train(cfg.Device, ep)
		if err != nil {
			return nil, fmt.Errorf("episode %d: %w", episode, err)
		}
		if err := step.Backward(); err != nil {
			return nil, fmt.Errorf("episode %d: %w", episode, err)
		}
		opt.Step()
		computeTime := time.Since(startCompute)

		window.Record(cfg.NWay*(cfg.NSupport+cfg.NQuery), dataTime, computeTime, step.Loss, step.Accuracy)
		loss.Add(step.Loss)
		acc.Add(step.Accuracy)

		if episode%cfg.EpisodesPerEpoch == 0 {
			sched.Step()
		}
		if episode%cfg.LogEvery == 0 {
			snap := window.Snapshot()
			log.Printf("episode=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f acc=%.4f lr=%.6g",
				episode,
				snap.SamplesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
				snap.MeanAcc,
				opt.LR(),
			)
		}
	}

	report := &EpisodicReport{Classifier: clf, TrainLoss: loss.Mean(), TrainAcc: acc.Mean()}

	if cfg.EvalEpisodes > 0 {
		if err := evaluate(ctx, clf, cfg, report); err != nil {
			return nil, err
		}
	}

	support, err := cfg.Train.SupportSet(cfg.NSupport)
	if err != nil {
		return nil, err
	}
	protos, err := clf.BuildPrototypes(cfg.Device, support)
	if err != nil {
		return nil, err
	}
	report.Prototypes = protos
	if cfg.Store != nil && cfg.Table != "" {
		if err := cfg.Store.Save(ctx, cfg.Table, protos); err != nil {
			return nil, fmt.Errorf("save prototypes: %w", err)
		}
		if err := cfg.Store.SaveEncoder(ctx, cfg.Table, enc.Params()); err != nil {
			return nil, fmt.Errorf("save encoder: %w", err)
		}
		log.Printf("saved prototypes table=%s classes=%d dim=%d", cfg.Table, protos.NWay(), protos.Dim())
	}
	return report, nil
}

// evaluate runs EvalEpisodes episodes from the test pool. A pool too small
// to form a single episode is skipped with a warning.
func evaluate(ctx context.Context, clf *protonet.Classifier, cfg EpisodicConfig, report *EpisodicReport) error {
	sampler, err := dataset.NewEpisodeSampler(cfg.Test, cfg.NWay, cfg.NSupport, cfg.NQuery, cfg.Seed+1)
	if errors.Is(err, protonet.ErrInsufficientExamples) {
		log.Printf("eval skipped: %v", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("eval sampler: %w", err)
	}
	var loss, acc metrics.Running
	for i := 0; i < cfg.EvalEpisodes; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := clf.Evaluate(cfg.Device, sampler.Next())
		if err != nil {
			return fmt.Errorf("eval episode %d: %w", i+1, err)
		}
		loss.Add(res.Loss)
		acc.Add(res.Accuracy)
	}
	report.EvalLoss = loss.Mean()
	report.EvalAcc = acc.Mean()
	report.Evaluated = cfg.EvalEpisodes
	log.Printf("eval episodes=%d loss=%.4f acc=%.4f", cfg.EvalEpisodes, report.EvalLoss, report.EvalAcc)
	return nil
}
