package decoding

import "context"

// stopCriteriaStage finalizes the finish state of every beam after
// selection: end token, stop words, then sequence-length limit. The first
// reason found wins and finish states never clear.
type stopCriteriaStage struct {
	beamSearch bool
}

func newStopCriteriaStage(beamSearch bool) *stopCriteriaStage {
	return &stopCriteriaStage{beamSearch: beamSearch}
}

func (c *stopCriteriaStage) Kind() StageKind { return StageStopCriteria }

func (c *stopCriteriaStage) Setup([]int, *SamplingConfig) {}

func (c *stopCriteriaStage) Validate(s *step) error {
	for _, slot := range s.in.BatchSlots {
		if msg := wordsAt(s.in.StopWords, slot).check(0); msg != "" {
			return configErrorf("slot %d: stop words %s", slot, msg)
		}
		if slot < len(s.in.SequenceLimits) && s.in.SequenceLimits[slot] < 0 {
			return configErrorf("slot %d: negative sequence limit %d", slot, s.in.SequenceLimits[slot])
		}
	}
	return nil
}

func (c *stopCriteriaStage) Forward(ctx context.Context, s *step) error {
	state := s.state
	beamSearch := c.beamSearch
	return s.dctx.forEachSlot(ctx, s.in.BatchSlots, func(_, slot int) error {
		endID := s.in.EndIDs[slot]
		limit := s.in.sequenceLimit(slot, state.maxSeqLen)
		stop := wordsAt(s.in.StopWords, slot)
		for beam := 0; beam < state.beamWidth; beam++ {
			if state.Finished(slot, beam).IsFinished() {
				continue
			}
			history := state.History(slot, beam)
			newTokens := state.NewTokens(slot, beam)
			switch {
			// Beams ending with the end token leave beam search as hypotheses.
			case !beamSearch && len(newTokens) > 0 && newTokens[len(newTokens)-1] == endID:
				state.markFinished(slot, beam, FinishedEOS)
			case !beamSearch && endsWithStopWord(history, len(newTokens), stop):
				state.markFinished(slot, beam, FinishedStopWords)
			case len(history) >= limit:
				state.markFinished(slot, beam, FinishedMaxLength)
			}
		}
		state.recountFinished(slot)
		return nil
	})
}

// endsWithStopWord checks every position emitted this step, so a phrase
// completed in the middle of a multi-token step is still found.
func endsWithStopWord(history []int, emitted int, stop WordsList) bool {
	for k := len(history) - emitted + 1; k <= len(history); k++ {
		for _, phrase := range stop {
			if hasSuffix(history[:k], phrase) {
				return true
			}
		}
	}
	return false
}
