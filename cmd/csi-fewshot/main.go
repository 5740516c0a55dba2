package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"csi-fewshot/internal/config"
	"csi-fewshot/internal/dataset"
	"csi-fewshot/internal/device"
	"csi-fewshot/internal/model"
	"csi-fewshot/internal/protonet"
	"csi-fewshot/internal/store"
	"csi-fewshot/internal/trainer"
)

type rootFlags struct {
	configPath string
	trainRoots []string
	testRoots  []string
	numWorkers int
	seed       int64
	logEvery   int
	storePath  string
	storeTable string
	episodes   int
	epochs     int
	batchSize  int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("csi-fewshot: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "csi-fewshot",
		Short:         "Few-shot and supervised classification of WiFi CSI recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "configs/demo.yaml", "Path to YAML config")
	pf.StringSliceVar(&f.trainRoots, "train-root", nil, "Override training shard roots")
	pf.StringSliceVar(&f.testRoots, "test-root", nil, "Override evaluation shard roots")
	pf.IntVar(&f.numWorkers, "num-workers", 0, "Number of shard reader and compute workers")
	pf.Int64Var(&f.seed, "seed", 0, "PRNG seed")
	pf.IntVar(&f.logEvery, "log-every", 0, "Log every N episodes")
	pf.StringVar(&f.storePath, "store", "", "SQLite prototype database")
	pf.StringVar(&f.storeTable, "table", "", "Prototype table name")

	proto := &cobra.Command{
		Use:   "proto",
		Short: "Train a prototypical network on random episodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProto(cmd.Context(), f)
		},
	}
	proto.Flags().IntVar(&f.episodes, "episodes", 0, "Number of training episodes")

	supervised := &cobra.Command{
		Use:   "supervised",
		Short: "Train a dense classifier with mini-batches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervised(cmd.Context(), f)
		},
	}
	supervised.Flags().IntVar(&f.epochs, "epochs", 0, "Number of epochs")
	supervised.Flags().IntVar(&f.batchSize, "batch-size", 0, "Batch size")

	infer := &cobra.Command{
		Use:   "infer",
		Short: "Classify recordings against a stored prototype table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInfer(cmd.Context(), f)
		},
	}

	var (
		out                    string
		classes, perClass, dim int
		shards                 int
		spread                 float64
	)
	synth := &cobra.Command{
		Use:   "synth",
		Short: "Write synthetic CSI shards for demos",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSynth(out, classes, perClass, dim, shards, spread, f.seed)
		},
	}
	synth.Flags().StringVar(&out, "out", "data/synthetic", "Output directory")
	synth.Flags().IntVar(&classes, "classes", 6, "Number of classes")
	synth.Flags().IntVar(&perClass, "per-class", 20, "Samples per class")
	synth.Flags().IntVar(&dim, "dim", 64, "Flattened CSI width")
	synth.Flags().IntVar(&shards, "shards", 2, "Number of shards")
	synth.Flags().Float64Var(&spread, "spread", 0.5, "Per-sample noise around each class center")

	root.AddCommand(proto, supervised, infer, synth)
	return root
}

func loadConfig(f *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(config.Overrides{
		TrainRoots: f.trainRoots,
		TestRoots:  f.testRoots,
		NumWorkers: f.numWorkers,
		Seed:       f.seed,
		LogEvery:   f.logEvery,
		Episodes:   f.episodes,
		Epochs:     f.epochs,
		BatchSize:  f.batchSize,
		StorePath:  f.storePath,
		StoreTable: f.storeTable,
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadPools returns the training pool and, when configured, a separate
// evaluation pool. Synthetic data is split by supervised.test_fraction.
func loadPools(ctx context.Context, cfg *config.Config) (*dataset.Pool, *dataset.Pool, error) {
	if cfg.UsesSynthetic() {
		s := cfg.Synthetic
		pool, err := dataset.NewPool(dataset.Synthetic(s.Classes, s.PerClass, s.Dim, s.Spread, cfg.Seed))
		if err != nil {
			return nil, nil, err
		}
		if cfg.Supervise.TestFraction == 0 {
			return pool, nil, nil
		}
		return pool.Split(cfg.Supervise.TestFraction, cfg.Seed)
	}

	opts := dataset.SamplerOptions{
		Seed:       cfg.Seed,
		NumWorkers: cfg.NumWorkers,
		Shard:      dataset.ShardOptions{Grid: cfg.Grid},
	}
	train, err := dataset.LoadPool(ctx, cfg.TrainRoots, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("load train pool: %w", err)
	}
	log.Printf("train pool samples=%d classes=%d dim=%d", train.Len(), len(train.Labels()), train.Dim())
	if len(cfg.TestRoots) == 0 {
		return train, nil, nil
	}
	test, err := dataset.LoadPool(ctx, cfg.TestRoots, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("load test pool: %w", err)
	}
	log.Printf("test pool samples=%d classes=%d dim=%d", test.Len(), len(test.Labels()), test.Dim())
	return train, test, nil
}

func runProto(ctx context.Context, f *rootFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	train, test, err := loadPools(ctx, cfg)
	if err != nil {
		return err
	}
	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
	}
	e := cfg.Episode
	report, err := trainer.RunEpisodic(ctx, trainer.EpisodicConfig{
		Train:            train,
		Test:             test,
		Device:           device.CPU(cfg.NumWorkers),
		Hidden:           cfg.Model.Hidden,
		EmbedDim:         cfg.Model.EmbedDim,
		NWay:             e.NWay,
		NSupport:         e.NSupport,
		NQuery:           e.NQuery,
		Episodes:         e.Episodes,
		EpisodesPerEpoch: e.EpisodesPerEpoch,
		EvalEpisodes:     e.EvalEpisodes,
		LearningRate:     e.LearningRate,
		StepSize:         cfg.Supervise.StepSize,
		Gamma:            cfg.Supervise.Gamma,
		LogEvery:         cfg.LogEvery,
		Seed:             cfg.Seed,
		Store:            st,
		Table:            cfg.Store.Table,
	})
	if err != nil {
		return err
	}
	log.Printf("done train_loss=%.4f train_acc=%.4f eval_loss=%.4f eval_acc=%.4f", report.TrainLoss, report.TrainAcc, report.EvalLoss, report.EvalAcc)
	return nil
}

func runSupervised(ctx context.Context, f *rootFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	train, test, err := loadPools(ctx, cfg)
	if err != nil {
		return err
	}
	s := cfg.Supervise
	report, err := trainer.RunSupervised(ctx, trainer.SupervisedConfig{
		Train:        train,
		Test:         test,
		Device:       device.CPU(cfg.NumWorkers),
		Hidden:       cfg.Model.Hidden,
		Epochs:       s.Epochs,
		BatchSize:    s.BatchSize,
		LearningRate: s.LearningRate,
		StepSize:     s.StepSize,
		Gamma:        s.Gamma,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return err
	}
	last := report.History[len(report.History)-1]
	log.Printf("done epochs=%d loss=%.6f acc=%.4f", last.Epoch, last.Loss, last.Accuracy)
	return nil
}

func runInfer(ctx context.Context, f *rootFlags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("infer needs store.path or --store")
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	protos, err := st.Load(ctx, cfg.Store.Table)
	if err != nil {
		return err
	}
	train, test, err := loadPools(ctx, cfg)
	if err != nil {
		return err
	}
	pool := test
	if pool == nil {
		pool = train
	}
	enc, err := model.NewDenseEncoder(pool.Dim(), cfg.Model.Hidden, cfg.Model.EmbedDim, cfg.Seed)
	if err != nil {
		return err
	}
	if err := st.LoadEncoder(ctx, cfg.Store.Table, enc.Params()); err != nil {
		return err
	}
	_, err = trainer.RunInference(ctx, trainer.InferenceConfig{
		Classifier: protonet.New(enc),
		Prototypes: protos,
		Pool:       pool,
		Device:     device.CPU(cfg.NumWorkers),
		Verbose:    true,
	})
	return err
}

func runSynth(out string, classes, perClass, dim, shards int, spread float64, seed int64) error {
	if shards <= 0 {
		return fmt.Errorf("shards must be > 0 (got %d)", shards)
	}
	if seed == 0 {
		seed = 42
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	samples := dataset.Synthetic(classes, perClass, dim, spread, seed)
	parts := make([][]dataset.Sample, shards)
	for i, s := range samples {
		parts[i%shards] = append(parts[i%shards], s)
	}
	for i, part := range parts {
		path := filepath.Join(out, dataset.ShardName(i))
		if err := dataset.WriteShard(path, part); err != nil {
			return err
		}
		log.Printf("wrote shard=%s samples=%d", path, len(part))
	}
	return nil
}
