package decoding

import (
	"context"
	"slices"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// banWordsStage masks tokens that would complete a bad-words phrase or repeat
// an n-gram already present in the history.
type banWordsStage struct {
	vocabSize int
	ngram     []int
}

func newBanWordsStage(d Domain) *banWordsStage {
	return &banWordsStage{vocabSize: d.VocabSize, ngram: make([]int, d.MaxBatchSize)}
}

func (w *banWordsStage) Kind() StageKind { return StageBanWords }

func (w *banWordsStage) Setup(batchSlots []int, cfg *SamplingConfig) {
	scatter(w.ngram, batchSlots, cfg.NoRepeatNgramSize, DefaultNoRepeatNgramSize)
}

func (w *banWordsStage) Validate(s *step) error {
	for _, slot := range s.in.BatchSlots {
		if msg := wordsAt(s.in.BadWords, slot).check(w.vocabSize); msg != "" {
			return configErrorf("slot %d: bad words %s", slot, msg)
		}
	}
	return nil
}

func (w *banWordsStage) Forward(ctx context.Context, s *step) error {
	return s.dctx.forEachSlot(ctx, s.in.BatchSlots, func(b, slot int) error {
		if s.state.slotFinished(slot) {
			return nil
		}
		bad := wordsAt(s.in.BadWords, slot)
		n := w.ngram[slot]
		if len(bad) == 0 && n == 0 {
			return nil
		}
		for beam := 0; beam < s.state.beamWidth; beam++ {
			history := s.state.History(slot, beam)
			for t := 0; t < s.work.TokensPerStep; t++ {
				row := s.work.Row(b, t, beam)
				banBadWords(row, history, bad)
				if n > 0 {
					banRepeatedNgrams(row, history, n)
				}
			}
		}
		return nil
	})
}

// banBadWords masks the last token of every phrase whose prefix ends the
// history. Single-token phrases are always banned.
func banBadWords(row []float32, history []int, bad WordsList) {
	for _, phrase := range bad {
		last := len(phrase) - 1
		if hasSuffix(history, phrase[:last]) {
			row[phrase[last]] = logits.NegInf
		}
	}
}

// banRepeatedNgrams masks every token that would close an n-gram already in
// history. It compares the trailing n-1 tokens against each earlier window.
func banRepeatedNgrams(row []float32, history []int, n int) {
	if len(history) < n {
		return
	}
	tail := history[len(history)-(n-1):]
	for start := 0; start+n <= len(history); start++ {
		if slices.Equal(history[start:start+n-1], tail) {
			if id := history[start+n-1]; id >= 0 && id < len(row) {
				row[id] = logits.NegInf
			}
		}
	}
}
