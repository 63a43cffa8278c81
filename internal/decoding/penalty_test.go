package decoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func penaltyFor(temperature, rep, pres, freq float32) *penaltyStage {
	p := newPenaltyStage(Domain{MaxBatchSize: 1})
	p.temperature[0] = temperature
	p.repetition[0] = rep
	p.presence[0] = pres
	p.frequency[0] = freq
	return p
}

func penalized(p *penaltyStage, row []float32, counts map[int]int) []float32 {
	out := append([]float32(nil), row...)
	p.apply(out, 0, counts)
	return out
}

func TestPenaltiesAreMonotonic(t *testing.T) {
	row := []float32{2, 1.5, -1, 0.5}
	counts := map[int]int{0: 2, 2: 1}

	prev := penalized(penaltyFor(1, 1, 0, 0), row, counts)
	assert.Equal(t, row, prev, "neutral penalties leave the row alone")
	for _, v := range []float32{1.2, 1.5, 2, 4} {
		got := penalized(penaltyFor(1, v, 0, 0), row, counts)
		assert.Less(t, got[0], prev[0], "repetition %v", v)
		assert.Less(t, got[2], prev[2], "negative logits are multiplied by repetition %v", v)
		assert.Equal(t, row[1], got[1], "tokens outside the history are untouched")
		prev = got
	}
	prev = row
	for _, v := range []float32{0.1, 0.5, 1} {
		got := penalized(penaltyFor(1, 1, v, 0), row, counts)
		assert.Less(t, got[0], prev[0], "presence %v", v)
		prev = got
	}
	prev = row
	for _, v := range []float32{0.1, 0.5, 1} {
		got := penalized(penaltyFor(1, 1, 0, v), row, counts)
		assert.Less(t, got[0], prev[0], "frequency %v", v)
		prev = got
	}
}

func TestPenaltyArithmetic(t *testing.T) {
	row := []float32{4, 2, -2}
	counts := map[int]int{0: 3, 2: 1}
	got := penalized(penaltyFor(2, 2, 0.5, 0.25), row, counts)
	// Temperature first, then repetition, presence and frequency.
	assert.InDeltaSlice(t, []float32{2.0/2 - 0.5 - 0.75, 1, -1*2 - 0.5 - 0.25}, got, 1e-6)
	assert.True(t, penaltyFor(1, 1, 0, 0).neutral(0))
	assert.False(t, penaltyFor(0.9, 1, 0, 0).neutral(0))
}
