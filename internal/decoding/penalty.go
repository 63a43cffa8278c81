package decoding

import (
	"context"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// penaltyStage rescales working logits from each slot's own history:
// temperature, repetition, presence and frequency penalties, then masks the
// end token while the slot is shorter than its minimum length.
type penaltyStage struct {
	temperature []float32
	repetition  []float32
	presence    []float32
	frequency   []float32
	minLength   []int
}

func newPenaltyStage(d Domain) *penaltyStage {
	return &penaltyStage{
		temperature: make([]float32, d.MaxBatchSize),
		repetition:  make([]float32, d.MaxBatchSize),
		presence:    make([]float32, d.MaxBatchSize),
		frequency:   make([]float32, d.MaxBatchSize),
		minLength:   make([]int, d.MaxBatchSize),
	}
}

func (p *penaltyStage) Kind() StageKind { return StagePenalty }

func (p *penaltyStage) Setup(batchSlots []int, cfg *SamplingConfig) {
	scatter(p.temperature, batchSlots, cfg.Temperature, DefaultTemperature)
	scatter(p.repetition, batchSlots, cfg.RepetitionPenalty, DefaultRepetitionPenalty)
	scatter(p.presence, batchSlots, cfg.PresencePenalty, DefaultPresencePenalty)
	scatter(p.frequency, batchSlots, cfg.FrequencyPenalty, DefaultFrequencyPenalty)
	scatter(p.minLength, batchSlots, cfg.MinLength, DefaultMinLength)
}

func (p *penaltyStage) Validate(*step) error { return nil }

func (p *penaltyStage) Forward(ctx context.Context, s *step) error {
	return s.dctx.forEachSlot(ctx, s.in.BatchSlots, func(b, slot int) error {
		if s.state.slotFinished(slot) {
			return nil
		}
		endID := s.in.EndIDs[slot]
		for beam := 0; beam < s.state.beamWidth; beam++ {
			history := s.state.History(slot, beam)
			maskEnd := len(history)-s.state.inputLengths[slot] < p.minLength[slot]
			if !p.neutral(slot) {
				counts := s.dctx.scratch[slot].counts
				clear(counts)
				for _, id := range history {
					counts[id]++
				}
				for t := 0; t < s.work.TokensPerStep; t++ {
					p.apply(s.work.Row(b, t, beam), slot, counts)
				}
			}
			if maskEnd {
				for t := 0; t < s.work.TokensPerStep; t++ {
					s.work.Row(b, t, beam)[endID] = logits.NegInf
				}
			}
		}
		return nil
	})
}

// neutral reports whether every multiplicative and additive penalty of slot
// is the identity, so rows can skip the rescaling pass.
func (p *penaltyStage) neutral(slot int) bool {
	return p.temperature[slot] == 1 && p.repetition[slot] == 1 &&
		p.presence[slot] == 0 && p.frequency[slot] == 0
}

func (p *penaltyStage) apply(row []float32, slot int, counts map[int]int) {
	if t := p.temperature[slot]; t != 1 {
		inv := 1 / t
		for i, v := range row {
			if !logits.IsMasked(v) {
				row[i] = v * inv
			}
		}
	}
	rep, pres, freq := p.repetition[slot], p.presence[slot], p.frequency[slot]
	for id, n := range counts {
		if id < 0 || id >= len(row) || logits.IsMasked(row[id]) {
			continue
		}
		v := row[id]
		if rep != 1 {
			if v > 0 {
				v /= rep
			} else {
				v *= rep
			}
		}
		v -= pres
		v -= freq * float32(n)
		row[id] = v
	}
}
