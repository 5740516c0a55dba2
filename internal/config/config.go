package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures the runtime knobs for a run.
type Config struct {
	TrainRoots []string `mapstructure:"train_roots"`
	TestRoots  []string `mapstructure:"test_roots"`
	Grid       int      `mapstructure:"grid"`
	NumWorkers int      `mapstructure:"num_workers"`
	Seed       int64    `mapstructure:"seed"`
	LogEvery   int      `mapstructure:"log_every"`

	Synthetic Synthetic  `mapstructure:"synthetic"`
	Model     Model      `mapstructure:"model"`
	Episode   Episode    `mapstructure:"episode"`
	Supervise Supervised `mapstructure:"supervised"`
	Store     Store      `mapstructure:"store"`
}

// Synthetic replaces recorded shards with generated clusters when Classes > 0.
type Synthetic struct {
	Classes  int     `mapstructure:"classes"`
	PerClass int     `mapstructure:"per_class"`
	Dim      int     `mapstructure:"dim"`
	Spread   float64 `mapstructure:"spread"`
}

// Model sizes the dense encoder.
type Model struct {
	Hidden   []int `mapstructure:"hidden"`
	EmbedDim int   `mapstructure:"embed_dim"`
}

// Episode configures episodic prototypical training.
type Episode struct {
	NWay             int     `mapstructure:"n_way"`
	NSupport         int     `mapstructure:"n_support"`
	NQuery           int     `mapstructure:"n_query"`
	Episodes         int     `mapstructure:"episodes"`
	EpisodesPerEpoch int     `mapstructure:"episodes_per_epoch"`
	EvalEpisodes     int     `mapstructure:"eval_episodes"`
	LearningRate     float64 `mapstructure:"learning_rate"`
}

// Supervised configures the mini-batch loop.
type Supervised struct {
	Epochs       int     `mapstructure:"epochs"`
	BatchSize    int     `mapstructure:"batch_size"`
	LearningRate float64 `mapstructure:"learning_rate"`
	StepSize     int     `mapstructure:"step_size"`
	Gamma        float64 `mapstructure:"gamma"`
	TestFraction float64 `mapstructure:"test_fraction"`
}

// Store locates the prototype database.
type Store struct {
	Path  string `mapstructure:"path"`
	Table string `mapstructure:"table"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots []string
	TestRoots  []string
	NumWorkers int
	Seed       int64
	LogEvery   int
	Episodes   int
	Epochs     int
	BatchSize  int
	StorePath  string
	StoreTable string
}

// Default returns the built-in defaults. It panics if they fail to decode.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config: decode defaults: %v", err))
	}
	return cfg
}

// setDefaults registers every key, zero values included, so AutomaticEnv
// can override keys that have no meaningful default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("train_roots", []string{})
	v.SetDefault("test_roots", []string{})
	v.SetDefault("grid", 16)
	v.SetDefault("num_workers", 0)
	v.SetDefault("seed", 42)
	v.SetDefault("log_every", 50)
	v.SetDefault("synthetic.classes", 0)
	v.SetDefault("synthetic.per_class", 0)
	v.SetDefault("synthetic.dim", 0)
	v.SetDefault("synthetic.spread", 0.0)
	v.SetDefault("model.hidden", []int{128, 128})
	v.SetDefault("model.embed_dim", 64)
	v.SetDefault("episode.n_way", 4)
	v.SetDefault("episode.n_support", 5)
	v.SetDefault("episode.n_query", 1)
	v.SetDefault("episode.episodes", 1000)
	v.SetDefault("episode.episodes_per_epoch", 100)
	v.SetDefault("episode.eval_episodes", 100)
	v.SetDefault("episode.learning_rate", 1e-3)
	v.SetDefault("supervised.epochs", 50)
	v.SetDefault("supervised.batch_size", 32)
	v.SetDefault("supervised.learning_rate", 1e-3)
	v.SetDefault("supervised.step_size", 10)
	v.SetDefault("supervised.gamma", 0.9)
	v.SetDefault("supervised.test_fraction", 0.2)
	v.SetDefault("store.path", "")
	v.SetDefault("store.table", "default")
}

// Load reads a Config from YAML. Environment variables prefixed with
// CSI_FEWSHOT_ override file values (CSI_FEWSHOT_EPISODE_N_WAY=5).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("csi_fewshot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.TestRoots) > 0 {
		c.TestRoots = o.TestRoots
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Episodes > 0 {
		c.Episode.Episodes = o.Episodes
	}
	if o.Epochs > 0 {
		c.Supervise.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Supervise.BatchSize = o.BatchSize
	}
	if o.StorePath != "" {
		c.Store.Path = o.StorePath
	}
	if o.StoreTable != "" {
		c.Store.Table = o.StoreTable
	}
}

// UsesSynthetic reports whether generated data replaces shards.
func (c *Config) UsesSynthetic() bool { return c.Synthetic.Classes > 0 }

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !c.UsesSynthetic() && len(c.TrainRoots) == 0 {
		return errors.New("train_roots must be set unless synthetic.classes > 0")
	}
	if c.UsesSynthetic() {
		if c.Synthetic.PerClass <= 0 || c.Synthetic.Dim <= 0 {
			return fmt.Errorf("synthetic per_class and dim must be > 0 (got %d, %d)", c.Synthetic.PerClass, c.Synthetic.Dim)
		}
		if c.Synthetic.Spread <= 0 {
			c.Synthetic.Spread = 0.5
		}
	}
	if c.Model.EmbedDim <= 0 {
		return fmt.Errorf("model.embed_dim must be > 0 (got %d)", c.Model.EmbedDim)
	}
	for i, h := range c.Model.Hidden {
		if h <= 0 {
			return fmt.Errorf("model.hidden[%d] must be > 0 (got %d)", i, h)
		}
	}
	e := c.Episode
	if e.NWay <= 0 || e.NSupport <= 0 || e.NQuery <= 0 {
		return fmt.Errorf("episode n_way, n_support and n_query must be > 0 (got %d, %d, %d)", e.NWay, e.NSupport, e.NQuery)
	}
	if e.Episodes <= 0 {
		return fmt.Errorf("episode.episodes must be > 0 (got %d)", e.Episodes)
	}
	if c.Supervise.Epochs <= 0 {
		return fmt.Errorf("supervised.epochs must be > 0 (got %d)", c.Supervise.Epochs)
	}
	if c.Supervise.BatchSize <= 0 {
		return fmt.Errorf("supervised.batch_size must be > 0 (got %d)", c.Supervise.BatchSize)
	}
	if f := c.Supervise.TestFraction; f < 0 || f >= 1 {
		return fmt.Errorf("supervised.test_fraction must be in [0,1) (got %f)", f)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.Episode.EpisodesPerEpoch <= 0 {
		c.Episode.EpisodesPerEpoch = 100
	}
	return nil
}
