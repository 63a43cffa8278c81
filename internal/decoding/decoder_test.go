package decoding

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// harness drives a decoder one step at a time with hand-written logits.
type harness struct {
	t      *testing.T
	dec    *Decoder
	domain Domain
	endIDs []int
}

func newHarness(t *testing.T, mode DecodingMode, d Domain, opts Options) *harness {
	t.Helper()
	dec, err := NewDecoder(mode, d, opts)
	require.NoError(t, err)
	d = dec.Domain()
	endIDs := make([]int, d.MaxBatchSize)
	for i := range endIDs {
		endIDs[i] = d.VocabSize - 1
	}
	return &harness{t: t, dec: dec, domain: d, endIDs: endIDs}
}

// admit sets up prompts[i] in slots[i] with cfg.
func (h *harness) admit(slots []int, cfg SamplingConfig, prompts ...[]int) {
	h.t.Helper()
	require.NoError(h.t, h.dec.Setup(len(slots), 1, slots, cfg))
	for i, slot := range slots {
		require.NoError(h.t, h.dec.LoadPrompt(slot, prompts[i]))
	}
}

func (h *harness) input(slots []int, rows [][]float32) *Input {
	var data []float32
	for _, r := range rows {
		data = append(data, r...)
	}
	return &Input{
		Logits:     NewLogits(data, len(slots), 1, h.domain.VocabSizePadded),
		BatchSlots: slots,
		EndIDs:     h.endIDs,
	}
}

func (h *harness) step(in *Input) {
	h.t.Helper()
	require.NoError(h.t, h.dec.Forward(context.Background(), in))
}

// favor returns a row where the listed tokens rank first to last.
func favor(vocab int, tokens ...int) []float32 {
	row := make([]float32, vocab)
	for i := range row {
		row[i] = -5
	}
	for i, tok := range tokens {
		row[tok] = float32(10 - i)
	}
	return row
}

func TestBadWordsScenario(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 2, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0, 1}, SamplingConfig{}, []int{3}, []int{3})
	bad := make([]WordsList, 2)
	bad[0] = WordsList{{4, 0}, {2}}

	steps := [][]float32{
		favor(6, 4, 0, 2, 1),
		favor(6, 0, 1, 2, 4),
		favor(6, 2, 3, 1, 0),
	}
	for _, row := range steps {
		in := h.input([]int{0, 1}, [][]float32{row, row})
		in.BadWords = bad
		h.step(in)
	}
	state := h.dec.State()
	assert.Equal(t, []int{4, 1, 3}, state.Generated(0, 0), "0 is banned after 4 and 2 is always banned")
	assert.Equal(t, []int{4, 0, 2}, state.Generated(1, 0), "bans never leak across slots")
}

func TestRepeatedNgramBan(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 8, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{NoRepeatNgramSize: []int{2}}, []int{1, 2, 3, 1})
	// The bigram (1, 2) already occurred, so 2 cannot follow the trailing 1.
	h.step(h.input([]int{0}, [][]float32{favor(8, 2, 5)}))
	assert.Equal(t, []int{5}, h.dec.State().Generated(0, 0))
}

func TestStopWords(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 20, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{}, []int{1})
	stop := []WordsList{{{13, 14, 15}}}
	state := h.dec.State()

	for i, tok := range []int{13, 14, 15} {
		assert.False(t, state.Finished(0, 0).IsFinished(), "finished before token %d", i)
		in := h.input([]int{0}, [][]float32{favor(20, tok)})
		in.StopWords = stop
		h.step(in)
	}
	assert.True(t, state.Finished(0, 0).IsFinishedStopWords())
	assert.Equal(t, 1, state.FinishedSum(0))
	assert.Equal(t, "stop_words", state.Finished(0, 0).String())

	in := h.input([]int{0}, [][]float32{favor(20, 16)})
	in.StopWords = stop
	h.step(in)
	assert.Equal(t, 0, state.NumNewTokens(0), "finished slots emit nothing")
	assert.Equal(t, []int{13, 14, 15}, state.Generated(0, 0))
}

func TestEndTokenFinishesSlot(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{}, []int{1})
	// The default minimum length keeps the end token out of the first step.
	h.step(h.input([]int{0}, [][]float32{favor(6, 5, 2)}))
	assert.Equal(t, []int{2}, h.dec.State().Generated(0, 0))
	assert.False(t, h.dec.State().Finished(0, 0).IsFinished())

	h.step(h.input([]int{0}, [][]float32{favor(6, 5, 2)}))
	assert.Equal(t, []int{2, 5}, h.dec.State().Generated(0, 0))
	assert.True(t, h.dec.State().Finished(0, 0).IsFinishedEOS())
}

func TestMinLengthMasksEndToken(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{MinLength: []int{3}}, []int{1})
	for range 4 {
		h.step(h.input([]int{0}, [][]float32{favor(6, 5, 2)}))
	}
	assert.Equal(t, []int{2, 2, 2, 5}, h.dec.State().Generated(0, 0))
}

func TestPromptAtLimitEmitsNothing(t *testing.T) {
	h := newHarness(t, ModeTopK(), Domain{MaxBatchSize: 2, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0, 1}, SamplingConfig{}, []int{1, 2, 3}, []int{1, 2, 3})
	in := h.input([]int{0, 1}, [][]float32{favor(6, 2), favor(6, 2)})
	in.SequenceLimits = []int{3, 5}
	h.step(in)

	state := h.dec.State()
	assert.Equal(t, 3, state.SequenceLength(0, 0))
	assert.Empty(t, state.NewTokens(0, 0))
	assert.True(t, state.Finished(0, 0).IsFinishedMaxLength())
	assert.Equal(t, 1, state.FinishedSum(0))

	assert.Equal(t, 4, state.SequenceLength(1, 0), "a slot under its limit still decodes")
	assert.False(t, state.Finished(1, 0).IsFinished())
}

func TestSetupRejectsActiveSlot(t *testing.T) {
	h := newHarness(t, ModeTopK(), Domain{MaxBatchSize: 2, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{}, []int{1})
	h.step(h.input([]int{0}, [][]float32{favor(6, 2)}))

	assert.ErrorIs(t, h.dec.Setup(1, 1, []int{0}, SamplingConfig{}), ErrInvariant)
	assert.ErrorIs(t, h.dec.Setup(2, 1, []int{1, 0}, SamplingConfig{}), ErrInvariant)
	assert.Equal(t, []int{2}, h.dec.State().Generated(0, 0), "the live request keeps its history")

	require.NoError(t, h.dec.Release(0))
	require.NoError(t, h.dec.Setup(1, 1, []int{0}, SamplingConfig{}))
	assert.Empty(t, h.dec.State().Generated(0, 0))
}

func TestMaxLengthAndFinishedSum(t *testing.T) {
	const batch = 6
	rng := rand.New(rand.NewPCG(7, 7))
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: batch, VocabSize: 8, MaxSeqLen: 16}, Options{Parallelism: 3})
	slots := []int{0, 1, 2, 3, 4, 5}
	prompts := make([][]int, batch)
	limits := make([]int, batch)
	for i := range prompts {
		prompts[i] = []int{1, 2}
		limits[i] = 3 + rng.IntN(10)
	}
	h.admit(slots, SamplingConfig{}, prompts...)
	state := h.dec.State()

	rows := make([][]float32, batch)
	for i := range rows {
		rows[i] = favor(8, 3)
	}
	for range 16 {
		in := h.input(slots, rows)
		in.SequenceLimits = limits
		h.step(in)

		finished := 0
		for _, slot := range slots {
			length := state.SequenceLength(slot, 0)
			require.LessOrEqual(t, length, limits[slot], "slot %d grew past its limit", slot)
			reached := length >= limits[slot]
			assert.Equal(t, reached, state.Finished(slot, 0).IsFinishedMaxLength(), "slot %d", slot)
			if reached {
				finished++
			}
			finished -= state.FinishedSum(slot)
		}
		assert.Zero(t, finished, "finished sum must count exactly the slots at their limit")
	}
}

func TestTopKSubset(t *testing.T) {
	const vocab, k = 32, 4
	rng := rand.New(rand.NewPCG(1, 2))
	h := newHarness(t, ModeTopK(), Domain{MaxBatchSize: 4, VocabSize: vocab, MaxSeqLen: 64}, Options{})
	slots := []int{0, 1, 2, 3}
	h.admit(slots, SamplingConfig{TopK: []int{k}, RandomSeed: []uint64{1, 2, 3, 4}}, []int{0}, []int{0}, []int{0}, []int{0})

	for range 30 {
		rows := make([][]float32, len(slots))
		for i := range rows {
			rows[i] = make([]float32, vocab)
			for v := range rows[i] {
				rows[i][v] = float32(rng.NormFloat64())
			}
			rows[i][vocab-1] = -100
		}
		h.step(h.input(slots, rows))
		for i, slot := range slots {
			tok := h.dec.State().NewTokens(slot, 0)
			require.Len(t, tok, 1)
			assert.Contains(t, logits.TopK(rows[i], k), tok[0])
		}
	}
}

func TestTopPCoverage(t *testing.T) {
	const vocab = 16
	const p = 0.5
	rng := rand.New(rand.NewPCG(3, 4))
	h := newHarness(t, ModeTopP(), Domain{MaxBatchSize: 1, VocabSize: vocab, MaxSeqLen: 64}, Options{})
	h.admit([]int{0}, SamplingConfig{TopP: []float32{p}, RandomSeed: []uint64{11}}, []int{0})

	for range 40 {
		row := make([]float32, vocab)
		for v := range row {
			row[v] = float32(rng.NormFloat64() * 2)
		}
		row[vocab-1] = -100
		h.step(h.input([]int{0}, [][]float32{row}))
		tok := h.dec.State().NewTokens(0, 0)[0]

		probs := logits.Softmax(nil, row)
		order := logits.SortDescending(nil, row)
		mass := 0.0
		for _, id := range order {
			if id == tok {
				break
			}
			mass += probs[id]
		}
		// Mass through the pick may exceed p only by the pick itself.
		assert.Less(t, mass, float64(p), "token %d starts beyond the nucleus", tok)
	}
}

func TestTopPDecayAndReset(t *testing.T) {
	h := newHarness(t, ModeTopP(), Domain{MaxBatchSize: 2, VocabSize: 8, MaxSeqLen: 16}, Options{})
	cfg := SamplingConfig{
		TopP:         []float32{0.9},
		TopPDecay:    []float32{0.5},
		TopPMin:      []float32{0.2},
		TopPResetIDs: []int{-1, 2},
	}
	h.admit([]int{0, 1}, cfg, []int{0}, []int{0})
	sampling := h.dec.stages[2].(*samplingStage)

	row := favor(8, 2)
	for _, want := range []float32{0.45, 0.225, 0.2} {
		h.step(h.input([]int{0, 1}, [][]float32{row, row}))
		assert.InDelta(t, want, sampling.topP[0], 1e-6)
		assert.InDelta(t, 0.9, sampling.topP[1], 1e-6, "emitting the reset id restores p")
	}
}

func TestSamplingIsDeterministicPerSeed(t *testing.T) {
	run := func(seed uint64) []int {
		h := newHarness(t, ModeTopK(), Domain{MaxBatchSize: 1, VocabSize: 16, MaxSeqLen: 32}, Options{})
		h.admit([]int{0}, SamplingConfig{TopK: []int{8}, RandomSeed: []uint64{seed}}, []int{0})
		row := make([]float32, 16)
		row[15] = -100
		for range 20 {
			h.step(h.input([]int{0}, [][]float32{row}))
		}
		return slices.Clone(h.dec.State().Generated(0, 0))
	}
	assert.Equal(t, run(5), run(5))
	assert.NotEqual(t, run(5), run(6))
}

func TestCallerLogitsAreNotModified(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 6, VocabSizePadded: 8, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{
		Temperature:       []float32{0.5},
		RepetitionPenalty: []float32{2},
		PresencePenalty:   []float32{1},
		MinLength:         []int{4},
	}, []int{1, 2})
	row := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	in := h.input([]int{0}, [][]float32{row})
	in.BadWords = []WordsList{{{4}}}
	before := slices.Clone(in.Logits.Data)
	h.step(in)
	assert.Equal(t, before, in.Logits.Data)
	// 6 and 7 are padding, 5 is the masked end token and 4 is banned.
	assert.Equal(t, []int{3}, h.dec.State().Generated(0, 0))
}

func TestAllTokensBannedFallsBackToEndToken(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 4, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{}, []int{1})
	in := h.input([]int{0}, [][]float32{favor(4, 0, 1, 2)})
	in.BadWords = []WordsList{{{0}, {1}, {2}}}
	h.step(in)
	state := h.dec.State()
	assert.Equal(t, []int{3}, state.Generated(0, 0))
	assert.True(t, state.Finished(0, 0).IsFinishedEOS())
}

func TestFallbackPrefersHighestRawLogit(t *testing.T) {
	raw := []float32{1, 9, 3, 7}
	work := []float32{1, logits.NegInf, float32(0), logits.NegInf}
	assert.Equal(t, 2, fallbackToken(raw, work, 4, 3))
	assert.Equal(t, 3, fallbackToken(raw, []float32{logits.NegInf, logits.NegInf, logits.NegInf, logits.NegInf}, 4, 3))
}

func TestLogProbsComeFromWorkingDistribution(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 4, MaxSeqLen: 16}, Options{ReturnLogProbs: true})
	h.admit([]int{0}, SamplingConfig{}, []int{0})
	row := []float32{0, 2, 1, 5}
	h.step(h.input([]int{0}, [][]float32{row}))

	// The end token is masked for the first step, so it carries no mass.
	work := []float32{0, 2, 1, logits.NegInf}
	want := logits.LogProb(work, 1)
	state := h.dec.State()
	require.Equal(t, []int{1}, state.Generated(0, 0))
	assert.InDelta(t, want, state.LogProbs(0, 0)[0], 1e-6)
	assert.InDelta(t, want, state.CumLogProb(0, 0), 1e-6)
}

func TestCancelAndRelease(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 2, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0, 1}, SamplingConfig{}, []int{1}, []int{1})
	require.NoError(t, h.dec.Cancel(1))
	state := h.dec.State()
	assert.True(t, state.Finished(1, 0).IsCancelled())
	assert.Equal(t, 1, state.FinishedSum(1))

	row := favor(6, 2)
	h.step(h.input([]int{0, 1}, [][]float32{row, row}))
	assert.Equal(t, []int{2}, state.Generated(0, 0))
	assert.Empty(t, state.Generated(1, 0))

	require.NoError(t, h.dec.Release(1))
	err := h.dec.Forward(context.Background(), h.input([]int{0, 1}, [][]float32{row, row}))
	assert.ErrorIs(t, err, ErrInvariant)
	assert.ErrorIs(t, h.dec.Cancel(1), ErrInvariant)
}

func TestSetupRejectsBadConfigs(t *testing.T) {
	h := newHarness(t, ModeTopK(), Domain{MaxBatchSize: 4, VocabSize: 6, MaxSeqLen: 16}, Options{})
	slots := []int{0, 1, 2}
	assert.ErrorIs(t, h.dec.Setup(3, 1, slots, SamplingConfig{TopK: []int{1, 2}}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(3, 1, slots, SamplingConfig{TopP: []float32{0.5}}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(3, 1, slots, SamplingConfig{Temperature: []float32{0}}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(3, 1, slots, SamplingConfig{LengthPenalty: []float32{1}}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(2, 1, slots, SamplingConfig{}), ErrConfiguration)
	assert.ErrorIs(t, h.dec.Setup(1, 1, []int{9}, SamplingConfig{}), ErrInvariant)
	assert.ErrorIs(t, h.dec.Setup(2, 1, []int{1, 1}, SamplingConfig{}), ErrInvariant)

	err := h.dec.Forward(context.Background(), h.input([]int{0}, [][]float32{favor(6, 1)}))
	assert.ErrorIs(t, err, ErrInvariant, "no slot was set up by the rejected calls")
}

func TestForwardValidatesBeforeMutating(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 2, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0, 1}, SamplingConfig{}, []int{1}, []int{1})
	row := favor(6, 2)

	in := h.input([]int{0, 1}, [][]float32{row, row})
	in.BadWords = []WordsList{nil, {{}}}
	assert.ErrorIs(t, h.dec.Forward(context.Background(), in), ErrConfiguration)

	in = h.input([]int{0, 1}, [][]float32{row})
	assert.ErrorIs(t, h.dec.Forward(context.Background(), in), ErrInvariant)

	in = h.input([]int{0, 1}, [][]float32{row, row})
	in.EndIDs = []int{5}
	assert.ErrorIs(t, h.dec.Forward(context.Background(), in), ErrInvariant)

	state := h.dec.State()
	assert.Empty(t, state.Generated(0, 0))
	assert.Empty(t, state.Generated(1, 0))
}

func TestStepInFlightRejectsMutation(t *testing.T) {
	h := newHarness(t, ModeTopKTopP(), Domain{MaxBatchSize: 1, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.dec.inFlight.Store(true)
	assert.ErrorIs(t, h.dec.Setup(1, 1, []int{0}, SamplingConfig{}), ErrStepInFlight)
	assert.ErrorIs(t, h.dec.Release(0), ErrStepInFlight)
	h.dec.inFlight.Store(false)
	assert.NoError(t, h.dec.Setup(1, 1, []int{0}, SamplingConfig{}))
}

func TestHalfLogitsFeedForward(t *testing.T) {
	h := newHarness(t, ModeTopK(), Domain{MaxBatchSize: 1, VocabSize: 6, MaxSeqLen: 16}, Options{})
	h.admit([]int{0}, SamplingConfig{}, []int{1})

	half := logits.ToHalf(favor(6, 4))
	buf := make([]float32, 0, 6)
	in := &Input{
		Logits:     HalfLogits(buf, half, 1, 1, 1, 6),
		BatchSlots: []int{0},
		EndIDs:     h.endIDs,
	}
	assert.Equal(t, float32(10), in.Logits.Row(0, 0, 0)[4])
	assert.Same(t, &buf[:1][0], &in.Logits.Data[0], "dst is reused when large enough")

	h.step(in)
	assert.Equal(t, []int{4}, h.dec.State().Generated(0, 0))
}
