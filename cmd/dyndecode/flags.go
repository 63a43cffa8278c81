package main

import "github.com/urfave/cli/v3"

var (
	configPath string
	logLevel   string
	logFormat  string
	debug      bool
)

// Engine and model settings shared by run, bench and serve.
var (
	decodingMode   string
	beamWidth      int64
	maxBatchSize   int64
	maxSeqLen      int64
	queueSize      int64
	parallelism    int64
	returnLogProbs bool
	halfPrecision  bool
	medusaChoices  string

	vocabSize   int64
	hiddenSize  int64
	medusaHeads int64
	modelSeed   uint64
)

// Generation defaults applied to requests that leave them unset.
var (
	maxNewTokens  int64
	endID         int64
	temperature   float64
	topK          int64
	topP          float64
	repetition    float64
	lengthPenalty float64
	earlyStopping int64
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (defaults to the user config dir)",
		Destination: &configPath,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "decoding mode (auto, top-k, top-p, top-k-top-p, beam-search, medusa)",
			Value:       "auto",
			Destination: &decodingMode,
		},
		&cli.Int64Flag{
			Name:        "beam-width",
			Usage:       "beam width; above 1 selects beam search in auto mode",
			Value:       1,
			Destination: &beamWidth,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "max concurrent requests (slots)",
			Value:       8,
			Destination: &maxBatchSize,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Usage:       "max prompt plus generated tokens per request",
			Value:       512,
			Destination: &maxSeqLen,
		},
		&cli.Int64Flag{
			Name:        "queue-size",
			Usage:       "requests waiting for a slot before new ones are refused",
			Value:       64,
			Destination: &queueSize,
		},
		&cli.Int64Flag{
			Name:        "parallelism",
			Usage:       "goroutines each decoding stage spreads slots over",
			Value:       1,
			Destination: &parallelism,
		},
		&cli.BoolFlag{
			Name:        "logprobs",
			Usage:       "record per-token log-probabilities",
			Destination: &returnLogProbs,
		},
		&cli.BoolFlag{
			Name:        "half",
			Usage:       "read model logits in float16 (not with medusa)",
			Destination: &halfPrecision,
		},
		&cli.StringFlag{
			Name:        "medusa-choices",
			Usage:       "draft tree as rank paths, e.g. \"0;1;0,0\" (default: a chain over every head)",
			Destination: &medusaChoices,
		},
		&cli.Int64Flag{
			Name:        "vocab",
			Usage:       "toy model vocabulary size",
			Value:       64,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "toy model hidden size",
			Value:       32,
			Destination: &hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "toy model medusa heads",
			Value:       3,
			Destination: &medusaHeads,
		},
		&cli.Uint64Flag{
			Name:        "model-seed",
			Usage:       "toy model weight seed",
			Value:       1,
			Destination: &modelSeed,
		},
	}
}

func generationFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "tokens to generate per request",
			Value:       32,
			Destination: &maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "end-id",
			Usage:       "end-of-sequence token",
			Value:       0,
			Destination: &endID,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature",
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (0 = off)",
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling (0 = off)",
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "repetition-penalty",
			Usage:       "repetition penalty (1 = off)",
			Destination: &repetition,
		},
		&cli.Float64Flag{
			Name:        "length-penalty",
			Usage:       "beam search length penalty exponent",
			Destination: &lengthPenalty,
		},
		&cli.Int64Flag{
			Name:        "early-stopping",
			Usage:       "beam search early stopping (1 = at beam width hypotheses, 0 = heuristic, other = never)",
			Value:       1,
			Destination: &earlyStopping,
		},
	}
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
