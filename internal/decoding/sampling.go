package decoding

import (
	"context"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// samplingStage draws one token per slot with top-k and/or top-p sampling.
// Greedy decoding is the degenerate case k = 0, p = 0.
type samplingStage struct {
	useTopK   bool
	useTopP   bool
	vocabSize int
	dctx      *DecoderContext

	topK     []int
	topP     []float32 // runtime value, decayed after every draw
	initialP []float32
	decay    []float32
	minP     []float32
	resetID  []int
}

func newSamplingStage(d Domain, dctx *DecoderContext) *samplingStage {
	return &samplingStage{
		useTopK:   true,
		useTopP:   true,
		vocabSize: d.VocabSize,
		dctx:      dctx,
		topK:      make([]int, d.MaxBatchSize),
		topP:      make([]float32, d.MaxBatchSize),
		initialP:  make([]float32, d.MaxBatchSize),
		decay:     make([]float32, d.MaxBatchSize),
		minP:      make([]float32, d.MaxBatchSize),
		resetID:   make([]int, d.MaxBatchSize),
	}
}

// restrict limits the stage to the families named by mode.
func (s *samplingStage) restrict(mode DecodingMode) {
	s.useTopK = mode.IsTopK()
	s.useTopP = mode.IsTopP()
}

func (s *samplingStage) Kind() StageKind { return StageSampling }

func (s *samplingStage) Setup(batchSlots []int, cfg *SamplingConfig) {
	scatter(s.topK, batchSlots, cfg.TopK, DefaultTopK)
	scatter(s.initialP, batchSlots, cfg.TopP, DefaultTopP)
	scatter(s.topP, batchSlots, cfg.TopP, DefaultTopP)
	scatter(s.decay, batchSlots, cfg.TopPDecay, DefaultTopPDecay)
	scatter(s.minP, batchSlots, cfg.TopPMin, DefaultTopPMin)
	scatter(s.resetID, batchSlots, cfg.TopPResetIDs, DefaultTopPResetID)
	for i, slot := range batchSlots {
		s.dctx.samplers[slot].Reseed(valueAt(cfg.RandomSeed, i, DefaultRandomSeed))
	}
}

func (s *samplingStage) Validate(st *step) error {
	if st.work.TokensPerStep != 1 {
		return invariantErrorf("sampling expects one token per step, got %d", st.work.TokensPerStep)
	}
	return nil
}

func (s *samplingStage) Forward(ctx context.Context, st *step) error {
	return st.dctx.forEachSlot(ctx, st.in.BatchSlots, func(b, slot int) error {
		if st.state.slotFinished(slot) || st.atLimit(slot) {
			return nil
		}
		k, p := 0, float32(0)
		if s.useTopK {
			k = s.topK[slot]
		}
		if s.useTopP {
			p = s.topP[slot]
		}
		row := st.work.Row(b, 0, 0)
		endID := st.in.EndIDs[slot]
		token, ok := s.dctx.samplers[slot].Sample(row, k, p)
		if !ok {
			token = fallbackToken(st.in.Logits.Row(b, 0, 0), row, s.vocabSize, endID)
		}
		if !st.state.appendToken(slot, 0, 0, token, logits.LogProb(row, token)) {
			st.state.markFinished(slot, 0, FinishedMaxLength)
			return nil
		}
		st.state.numNewTokens[slot] = 1
		if s.useTopP && s.initialP[slot] > 0 {
			if token == s.resetID[slot] {
				s.topP[slot] = s.initialP[slot]
			} else {
				s.topP[slot] = max(s.topP[slot]*s.decay[slot], s.minP[slot])
			}
		}
		return nil
	})
}

// fallbackToken picks the token with the highest raw logit among those the
// working row still allows, or endID when every token is banned.
func fallbackToken(raw, work []float32, vocabSize, endID int) int {
	best := -1
	for i := 0; i < vocabSize; i++ {
		if logits.IsMasked(work[i]) || logits.IsMasked(raw[i]) {
			continue
		}
		if best < 0 || raw[i] > raw[best] {
			best = i
		}
	}
	if best < 0 {
		return endID
	}
	return best
}
