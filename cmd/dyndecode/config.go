package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the config file (~/.config/dyndecode/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Engine
	Mode          *string `yaml:"mode"`
	BeamWidth     *int64  `yaml:"beam_width"`
	MaxBatchSize  *int64  `yaml:"max_batch_size"`
	MaxSeqLen     *int64  `yaml:"max_seq_len"`
	QueueSize     *int64  `yaml:"queue_size"`
	Parallelism   *int64  `yaml:"parallelism"`
	LogProbs      *bool   `yaml:"logprobs"`
	HalfPrecision *bool   `yaml:"half_precision"`
	MedusaChoices *string `yaml:"medusa_choices"`

	// Toy model
	Vocab     *int64  `yaml:"vocab"`
	Hidden    *int64  `yaml:"hidden"`
	Heads     *int64  `yaml:"heads"`
	ModelSeed *uint64 `yaml:"model_seed"`

	// Generation defaults
	MaxNewTokens      *int64   `yaml:"max_new_tokens"`
	EndID             *int64   `yaml:"end_id"`
	Temperature       *float64 `yaml:"temperature"`
	TopK              *int64   `yaml:"top_k"`
	TopP              *float64 `yaml:"top_p"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
	LengthPenalty     *float64 `yaml:"length_penalty"`
	EarlyStopping     *int64   `yaml:"early_stopping"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dyndecode", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// flagSetter reports whether a flag was given explicitly.
type flagSetter interface {
	IsSet(name string) bool
}

var _ flagSetter = (*cli.Command)(nil)

// applyConfig copies config file values into the flag variables whose flags
// were not set on the command line.
func applyConfig(c flagSetter, cfg Config) {
	setStr(c, "mode", &decodingMode, cfg.Mode)
	set(c, "beam-width", &beamWidth, cfg.BeamWidth)
	set(c, "batch-size", &maxBatchSize, cfg.MaxBatchSize)
	set(c, "max-seq-len", &maxSeqLen, cfg.MaxSeqLen)
	set(c, "queue-size", &queueSize, cfg.QueueSize)
	set(c, "parallelism", &parallelism, cfg.Parallelism)
	set(c, "logprobs", &returnLogProbs, cfg.LogProbs)
	set(c, "half", &halfPrecision, cfg.HalfPrecision)
	setStr(c, "medusa-choices", &medusaChoices, cfg.MedusaChoices)

	set(c, "vocab", &vocabSize, cfg.Vocab)
	set(c, "hidden", &hiddenSize, cfg.Hidden)
	set(c, "heads", &medusaHeads, cfg.Heads)
	set(c, "model-seed", &modelSeed, cfg.ModelSeed)

	set(c, "max-new-tokens", &maxNewTokens, cfg.MaxNewTokens)
	set(c, "end-id", &endID, cfg.EndID)
	set(c, "temperature", &temperature, cfg.Temperature)
	set(c, "top-k", &topK, cfg.TopK)
	set(c, "top-p", &topP, cfg.TopP)
	set(c, "repetition-penalty", &repetition, cfg.RepetitionPenalty)
	set(c, "length-penalty", &lengthPenalty, cfg.LengthPenalty)
	set(c, "early-stopping", &earlyStopping, cfg.EarlyStopping)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c flagSetter, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func set[T any](c flagSetter, name string, dst *T, v *T) {
	if v != nil && !c.IsSet(name) {
		*dst = *v
	}
}

func setStr(c flagSetter, name string, dst *string, v *string) {
	if v != nil && *v != "" && !c.IsSet(name) {
		*dst = *v
	}
}
