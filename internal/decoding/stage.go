package decoding

import (
	"context"
	"fmt"
)

// StageKind names a pipeline stage.
type StageKind uint8

const (
	StagePenalty StageKind = iota
	StageBanWords
	StageSampling
	StageBeamSearch
	StageMedusa
	StageStopCriteria
)

func (k StageKind) String() string {
	switch k {
	case StagePenalty:
		return "penalty"
	case StageBanWords:
		return "ban_words"
	case StageSampling:
		return "sampling"
	case StageBeamSearch:
		return "beam_search"
	case StageMedusa:
		return "medusa"
	case StageStopCriteria:
		return "stop_criteria"
	default:
		return fmt.Sprintf("stage(%d)", uint8(k))
	}
}

// Stage is one step of the decoding pipeline. Setup copies the parameters of
// newly admitted slots into slot-indexed tables; it runs only after the
// config has been validated and never fails. Validate checks the inputs of a
// step before any stage mutates a buffer. Forward performs the step.
type Stage interface {
	Kind() StageKind
	Setup(batchSlots []int, cfg *SamplingConfig)
	Validate(s *step) error
	Forward(ctx context.Context, s *step) error
}

// step is the view of one Forward call shared by the stages.
type step struct {
	in    *Input
	work  Logits // penalized and banned logits, batch-indexed
	state *State
	dctx  *DecoderContext
}

// atLimit reports whether slot already holds its full sequence limit. It
// then marks every live beam finished by length so selection appends nothing.
func (s *step) atLimit(slot int) bool {
	state := s.state
	if state.SequenceLength(slot, 0) < s.in.sequenceLimit(slot, state.maxSeqLen) {
		return false
	}
	for beam := 0; beam < state.beamWidth; beam++ {
		state.markFinished(slot, beam, FinishedMaxLength)
	}
	return true
}

// newStages returns the ordered pipeline for a resolved mode. Penalty is always
// first since every later stage reads penalized logits.
func newStages(mode DecodingMode, d Domain, dctx *DecoderContext) ([]Stage, error) {
	penalty := newPenaltyStage(d)
	stop := newStopCriteriaStage(mode.IsBeamSearch())
	switch {
	case mode.IsNone():
		return nil, configErrorf("decoding mode must be resolved before building stages")
	case mode.IsMedusa():
		if mode.IsTopKOrTopP() || mode.IsBeamSearch() {
			return nil, configErrorf("mode %s: medusa does not combine with other families", mode)
		}
		return []Stage{penalty, newMedusaStage(d, dctx), stop}, nil
	case mode.IsBeamSearch():
		if mode.IsTopKOrTopP() {
			return nil, configErrorf("mode %s: beam search does not combine with sampling", mode)
		}
		return []Stage{penalty, newBanWordsStage(d), newBeamSearchStage(d), stop}, nil
	case mode.IsTopKOrTopP():
		sampling := newSamplingStage(d, dctx)
		sampling.restrict(mode)
		return []Stage{penalty, newBanWordsStage(d), sampling, stop}, nil
	default:
		return nil, configErrorf("unsupported decoding mode %s", mode)
	}
}

func stageKinds(stages []Stage) []StageKind {
	out := make([]StageKind, len(stages))
	for i, s := range stages {
		out[i] = s.Kind()
	}
	return out
}
