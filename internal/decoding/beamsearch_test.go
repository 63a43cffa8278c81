package decoding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func beamInput(h *harness, rows ...[]float32) *Input {
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	return &Input{
		Logits:     NewLogits(data, 1, len(rows), h.domain.VocabSizePadded),
		BatchSlots: []int{0},
		EndIDs:     h.endIDs,
	}
}

func newBeamHarness(t *testing.T, cfg SamplingConfig, opts Options) *harness {
	t.Helper()
	h := newHarness(t, ModeBeamSearch(), Domain{MaxBatchSize: 1, MaxBeamWidth: 2, VocabSize: 4, MaxSeqLen: 8}, opts)
	require.NoError(t, h.dec.Setup(1, 2, []int{0}, cfg))
	require.NoError(t, h.dec.LoadPrompt(0, []int{0}))
	return h
}

func TestBeamSearchExpandsFirstBeamOnly(t *testing.T) {
	h := newBeamHarness(t, SamplingConfig{}, Options{})
	row := []float32{-10, 2, 1, 0}
	h.step(beamInput(h, row, row))

	state := h.dec.State()
	assert.Equal(t, []int{1}, state.Generated(0, 0))
	assert.Equal(t, []int{2}, state.Generated(0, 1), "beam 1 starts from beam 0, not from a duplicate")
	assert.Equal(t, []int{0}, state.ParentIDs(0, 0))
	assert.Equal(t, []int{0}, state.ParentIDs(0, 1))
	assert.Greater(t, state.CumLogProb(0, 0), state.CumLogProb(0, 1))
	assert.Equal(t, 1, state.NumNewTokens(0))
}

func TestBeamSearchCollectsHypothesesAndStopsEarly(t *testing.T) {
	h := newBeamHarness(t, SamplingConfig{}, Options{ReturnLogProbs: true})
	first := []float32{-10, 2, 1, 0}
	h.step(beamInput(h, first, first))

	endFirst := []float32{-10, 0, 0, 5}
	h.step(beamInput(h, endFirst, endFirst))

	state := h.dec.State()
	assert.Equal(t, 2, state.FinishedSum(0), "two hypotheses end the search with early stopping")
	assert.True(t, state.Finished(0, 0).IsFinishedEOS())

	hyps, err := h.dec.FinalizeBeams(0)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.Equal(t, []int{1, 3}, hyps[0].Tokens)
	assert.Equal(t, []int{2, 3}, hyps[1].Tokens)
	assert.Greater(t, hyps[0].Score, hyps[1].Score)
	assert.Len(t, hyps[0].LogProbs, 2)
	assert.InDelta(t, hyps[0].CumLogProb, hyps[0].LogProbs[0]+hyps[0].LogProbs[1], 1e-5)

	// A finished slot takes no further tokens.
	h.step(beamInput(h, first, first))
	assert.Equal(t, 0, state.NumNewTokens(0))
}

func TestBeamSearchReordersHistories(t *testing.T) {
	h := newBeamHarness(t, SamplingConfig{}, Options{})
	first := []float32{-10, 2, 1.9, 0}
	h.step(beamInput(h, first, first))

	// Beam 0 is undecided, so beam 1 (history 2) owns both best
	// continuations.
	second0 := []float32{0, 0, 0, 0}
	second1 := []float32{-10, 4, 4, -20}
	h.step(beamInput(h, second0, second1))

	state := h.dec.State()
	assert.Equal(t, []int{2, 1}, state.Generated(0, 0))
	assert.Equal(t, []int{2, 2}, state.Generated(0, 1))
	assert.Equal(t, []int{0, 1}, state.ParentIDs(0, 0))
	assert.Equal(t, []int{0, 1}, state.ParentIDs(0, 1))
}

func TestBeamSearchRunsToMaxLength(t *testing.T) {
	h := newBeamHarness(t, SamplingConfig{LengthPenalty: []float32{1}}, Options{})
	row := []float32{-10, 2, 1, -20}
	in := beamInput(h, row, row)
	in.SequenceLimits = []int{4}
	for range 5 {
		require.NoError(t, h.dec.Forward(context.Background(), in))
	}
	state := h.dec.State()
	assert.Equal(t, 4, state.SequenceLength(0, 0))
	assert.True(t, state.Finished(0, 0).IsFinishedMaxLength())
	assert.True(t, state.Finished(0, 1).IsFinishedMaxLength())

	hyps, err := h.dec.FinalizeBeams(0)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.Equal(t, []int{1, 1, 1}, hyps[0].Tokens)
	assert.Len(t, hyps[1].Tokens, 3)
}

func TestBeamSearchRejectsSamplingParameters(t *testing.T) {
	h := newHarness(t, ModeBeamSearch(), Domain{MaxBatchSize: 1, MaxBeamWidth: 2, VocabSize: 4, MaxSeqLen: 8}, Options{})
	assert.ErrorIs(t, h.dec.Setup(1, 2, []int{0}, SamplingConfig{TopK: []int{2}}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(1, 1, []int{0}, SamplingConfig{}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(1, 3, []int{0}, SamplingConfig{}), ErrConfiguration)
}
