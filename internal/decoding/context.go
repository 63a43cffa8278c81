package decoding

import (
	"context"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"github.com/yatoooon/dyndecode/internal/logger"
	"github.com/yatoooon/dyndecode/internal/logits"
)

// Domain fixes the shape of every buffer a decoder owns.
type Domain struct {
	MaxBatchSize     int
	MaxBeamWidth     int
	VocabSize        int
	VocabSizePadded  int
	MaxSeqLen        int
	MaxTokensPerStep int // 1 outside Medusa decoding
	MaxMedusaHeads   int
}

func (d *Domain) normalize() error {
	if d.VocabSizePadded == 0 {
		d.VocabSizePadded = d.VocabSize
	}
	if d.MaxBeamWidth == 0 {
		d.MaxBeamWidth = 1
	}
	if d.MaxTokensPerStep == 0 {
		d.MaxTokensPerStep = 1
	}
	switch {
	case d.MaxBatchSize <= 0:
		return configErrorf("max batch size %d must be positive", d.MaxBatchSize)
	case d.VocabSize <= 0:
		return configErrorf("vocab size %d must be positive", d.VocabSize)
	case d.VocabSizePadded < d.VocabSize:
		return configErrorf("padded vocab size %d below vocab size %d", d.VocabSizePadded, d.VocabSize)
	case d.MaxSeqLen <= 0:
		return configErrorf("max sequence length %d must be positive", d.MaxSeqLen)
	case d.MaxBeamWidth < 1:
		return configErrorf("max beam width %d must be positive", d.MaxBeamWidth)
	case d.MaxTokensPerStep < 1:
		return configErrorf("max tokens per step %d must be positive", d.MaxTokensPerStep)
	case d.MaxMedusaHeads < 0:
		return configErrorf("max medusa heads %d must not be negative", d.MaxMedusaHeads)
	}
	return nil
}

// Logits is a batch-indexed view of model output shaped
// [batch][tokensPerStep][beam][vocabPadded].
type Logits struct {
	Data          []float32
	BatchSize     int
	TokensPerStep int
	BeamWidth     int
	VocabPadded   int
}

// NewLogits wraps data as a one-token-per-step view.
func NewLogits(data []float32, batchSize, beamWidth, vocabPadded int) Logits {
	return Logits{Data: data, BatchSize: batchSize, TokensPerStep: 1, BeamWidth: beamWidth, VocabPadded: vocabPadded}
}

// HalfLogits widens half-precision model output into dst and returns a view
// over it. dst is reused when large enough.
func HalfLogits(dst []float32, data []float16.Float16, batchSize, tokensPerStep, beamWidth, vocabPadded int) Logits {
	return Logits{
		Data:          logits.FromHalf(dst, data),
		BatchSize:     batchSize,
		TokensPerStep: tokensPerStep,
		BeamWidth:     beamWidth,
		VocabPadded:   vocabPadded,
	}
}

// Row returns the vocabulary row of batch index b, tree position t and beam.
func (l Logits) Row(b, t, beam int) []float32 {
	off := ((b*l.TokensPerStep+t)*l.BeamWidth + beam) * l.VocabPadded
	return l.Data[off : off+l.VocabPadded]
}

func (l Logits) check(name string, batchSize, tokensPerStep, beamWidth, vocabPadded int) error {
	switch {
	case l.BatchSize != batchSize:
		return invariantErrorf("%s batch size %d, want %d", name, l.BatchSize, batchSize)
	case l.TokensPerStep < 1 || l.TokensPerStep > tokensPerStep:
		return invariantErrorf("%s tokens per step %d outside [1, %d]", name, l.TokensPerStep, tokensPerStep)
	case l.BeamWidth != beamWidth:
		return invariantErrorf("%s beam width %d, want %d", name, l.BeamWidth, beamWidth)
	case l.VocabPadded != vocabPadded:
		return invariantErrorf("%s vocab size %d, want %d", name, l.VocabPadded, vocabPadded)
	case len(l.Data) != l.BatchSize*l.TokensPerStep*l.BeamWidth*l.VocabPadded:
		return invariantErrorf("%s holds %d values, want %d", name, len(l.Data),
			l.BatchSize*l.TokensPerStep*l.BeamWidth*l.VocabPadded)
	}
	return nil
}

// Input carries everything one decoding step reads. Logits and the Medusa
// head logits are indexed by position in BatchSlots; every other per-slot
// table is indexed by batch slot and sized to the domain's max batch size.
type Input struct {
	Logits     Logits
	BatchSlots []int
	EndIDs     []int
	Step       int

	// SequenceLimits caps the total length of each slot. Nil or zero entries
	// fall back to the domain's max sequence length.
	SequenceLimits []int
	BadWords       []WordsList
	StopWords      []WordsList

	Medusa *MedusaInput
}

// MedusaInput describes the draft tree of each slot.
type MedusaInput struct {
	// Paths holds, per slot, rows of tree positions from the root to a leaf.
	// Row length is the number of heads plus one, -1 pads short paths, and
	// every row starts at position 0.
	Paths [][][]int
	// TreeIDs maps, per slot, each draft position to an index into the
	// concatenated per-head top-k candidates.
	TreeIDs [][]int
	// HeadLogits holds one view per Medusa head shaped like Logits with
	// beam width one.
	HeadLogits []Logits
	// TokensPerStep is the number of tree positions per slot, root included.
	TokensPerStep []int
}

func (in *Input) sequenceLimit(slot, maxSeqLen int) int {
	if slot < len(in.SequenceLimits) && in.SequenceLimits[slot] > 0 {
		return min(in.SequenceLimits[slot], maxSeqLen)
	}
	return maxSeqLen
}

func wordsAt(w []WordsList, slot int) WordsList {
	if slot < len(w) {
		return w[slot]
	}
	return nil
}

// DecoderContext holds what the stages of one decoder share: the logger, one
// sampler per slot, per-slot scratch space and the parallelism bound. It
// lives as long as the decoder.
type DecoderContext struct {
	Logger logger.Logger

	domain      Domain
	samplers    []*logits.Sampler
	scratch     []scratch
	parallelism int
}

// scratch is reused by the stages working on one slot. It is never touched
// concurrently since a step runs every slot in at most one goroutine.
type scratch struct {
	counts   map[int]int
	logProbs []float32
	probs    []float64
	rows     []int
	ids      []int
}

func newDecoderContext(d Domain, log logger.Logger, parallelism int) *DecoderContext {
	c := &DecoderContext{
		Logger:      log,
		domain:      d,
		samplers:    make([]*logits.Sampler, d.MaxBatchSize),
		scratch:     make([]scratch, d.MaxBatchSize),
		parallelism: max(parallelism, 1),
	}
	for i := range c.samplers {
		c.samplers[i] = logits.NewSampler(DefaultRandomSeed)
		c.scratch[i].counts = make(map[int]int)
	}
	return c
}

// Sampler returns the random source of slot.
func (c *DecoderContext) Sampler(slot int) *logits.Sampler { return c.samplers[slot] }

// forEachSlot runs fn for every (batch index, slot) pair. Slots are
// independent within a stage, so they run on up to parallelism goroutines.
// The first error cancels the remaining work.
func (c *DecoderContext) forEachSlot(ctx context.Context, batchSlots []int, fn func(b, slot int) error) error {
	if c.parallelism == 1 || len(batchSlots) == 1 {
		for b, slot := range batchSlots {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(b, slot); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for b, slot := range batchSlots {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(b, slot)
		})
	}
	return g.Wait()
}
