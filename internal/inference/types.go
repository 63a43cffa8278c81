package inference

import (
	"context"
	"time"

	"github.com/x448/float16"

	"github.com/yatoooon/dyndecode/internal/decoding"
)

// StreamFunc receives each token as soon as a step emits it. It runs on the
// engine loop and must not block.
type StreamFunc func(token int)

type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Close() error
}

// Model is the forward pass the engine batches requests through. Forward
// returns one logits row per sequence, each PaddedVocabSize wide. The
// sequences alias decoder buffers and are valid only during the call.
type Model interface {
	VocabSize() int
	Forward(ctx context.Context, seqs [][]int) ([]float32, error)
}

// PaddedModel is implemented by models whose logits rows are wider than the
// vocabulary.
type PaddedModel interface {
	PaddedVocabSize() int
}

// HalfModel is implemented by models that can return float16 logits rows,
// laid out like Forward. The engine calls it when Config.HalfPrecision is set.
type HalfModel interface {
	Model
	ForwardHalf(ctx context.Context, seqs [][]int) ([]float16.Float16, error)
}

// TreeModel scores a Medusa draft tree per sequence. Position 0 of a tree
// is the last token of the sequence, position t > 0 holds draft t-1 and
// extends position parents[t]. Logits come back shaped
// [len(seqs)][len(parents)][padded vocab], once for the base model and once
// per head.
type TreeModel interface {
	Model
	MedusaHeads() int
	ForwardTree(ctx context.Context, seqs, drafts [][]int, parents []int) ([]float32, [][]float32, error)
}

type Request struct {
	ID     string
	Prompt []int

	MaxNewTokens int
	EndID        int
	StopWords    decoding.WordsList
	BadWords     decoding.WordsList
	LogProbs     bool

	Sampling decoding.SamplingConfig
}

type Result struct {
	ID           string
	Tokens       []int
	FinishReason string
	LogProbs     []float32
	CumLogProb   float32
	// Beams holds the ranked hypotheses under beam search.
	Beams []decoding.Hypothesis
	Stats Stats
}

type Stats struct {
	TokensGenerated int
	Steps           int
	Queued          time.Duration
	Duration        time.Duration
	TPS             float64
}

// Snapshot describes the slot table at one instant.
type Snapshot struct {
	Mode         string
	MaxBatchSize int
	Active       []int
	Free         int
	Queued       int
	Steps        int64
}
