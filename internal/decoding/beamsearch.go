package decoding

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// Hypothesis is one finished beam-search candidate.
type Hypothesis struct {
	// Tokens excludes the prompt and ends with the end token when the
	// hypothesis finished by emitting it.
	Tokens     []int
	LogProbs   []float32
	CumLogProb float32
	// Score is CumLogProb normalized by the length penalty.
	Score float32
}

type beamCandidate struct {
	score float32 // ranking score, diversity penalty included
	cum   float32
	logp  float32
	beam  int
	token int
}

type beamSlot struct {
	cands    []beamCandidate
	chosen   []beamCandidate
	ids      []int
	parents  []int
	logProbs []float32
	hyps     []Hypothesis
}

// beamSearchStage keeps the beamWidth best partial sequences of every slot.
// Each beam proposes its 2*beamWidth best continuations; the best
// candidates across beams become the next beams and candidates ending with
// the end token become hypotheses when they rank within the first
// beamWidth.
type beamSearchStage struct {
	normalize bool
	maxSeqLen int

	diversity     []float32
	lengthPenalty []float32
	earlyStopping []int
	slots         []beamSlot
}

func newBeamSearchStage(d Domain) *beamSearchStage {
	return &beamSearchStage{
		normalize:     true,
		maxSeqLen:     d.MaxSeqLen,
		diversity:     make([]float32, d.MaxBatchSize),
		lengthPenalty: make([]float32, d.MaxBatchSize),
		earlyStopping: make([]int, d.MaxBatchSize),
		slots:         make([]beamSlot, d.MaxBatchSize),
	}
}

func (s *beamSearchStage) Kind() StageKind { return StageBeamSearch }

func (s *beamSearchStage) Setup(batchSlots []int, cfg *SamplingConfig) {
	scatter(s.diversity, batchSlots, cfg.BeamSearchDiversityRate, DefaultBeamSearchDiversityRate)
	scatter(s.lengthPenalty, batchSlots, cfg.LengthPenalty, DefaultLengthPenalty)
	scatter(s.earlyStopping, batchSlots, cfg.EarlyStopping, DefaultEarlyStopping)
	if cfg.NormalizeLogProbs != nil {
		s.normalize = *cfg.NormalizeLogProbs
	}
	for _, slot := range batchSlots {
		s.slots[slot].hyps = s.slots[slot].hyps[:0]
	}
}

func (s *beamSearchStage) Validate(st *step) error {
	if st.work.TokensPerStep != 1 {
		return invariantErrorf("beam search expects one token per step, got %d", st.work.TokensPerStep)
	}
	return nil
}

func (s *beamSearchStage) Forward(ctx context.Context, st *step) error {
	return st.dctx.forEachSlot(ctx, st.in.BatchSlots, func(b, slot int) error {
		if st.state.slotFinished(slot) || st.atLimit(slot) {
			return nil
		}
		s.step(st, b, slot)
		return nil
	})
}

func (s *beamSearchStage) step(st *step, b, slot int) {
	state := st.state
	width := state.beamWidth
	endID := st.in.EndIDs[slot]
	bs := &s.slots[slot]
	sc := &st.dctx.scratch[slot]
	diversity := s.diversity[slot]

	bs.cands = bs.cands[:0]
	for w := 0; w < width; w++ {
		row := st.work.Row(b, 0, w)
		lp := row
		if s.normalize {
			sc.logProbs = logits.LogSoftmax(sc.logProbs, row)
			lp = sc.logProbs
		}
		sc.ids = logits.SortDescending(sc.ids[:0], lp)
		top := sc.ids[:min(2*width, len(sc.ids))]
		cum := state.cumLogProbs[state.beamIndex(slot, w)]
		for rank, token := range top {
			total := cum + lp[token]
			bs.cands = append(bs.cands, beamCandidate{
				score: total - diversity*float32(rank),
				cum:   total,
				logp:  lp[token],
				beam:  w,
				token: token,
			})
		}
	}
	slices.SortStableFunc(bs.cands, func(x, y beamCandidate) int {
		return cmp.Compare(y.score, x.score)
	})

	genLen := state.SequenceLength(slot, 0) - state.inputLengths[slot] + 1
	bs.chosen = bs.chosen[:0]
	for rank, c := range bs.cands {
		if len(bs.chosen) == width {
			break
		}
		if c.token == endID {
			if rank < width {
				s.addHypothesis(st, slot, c, genLen)
			}
			continue
		}
		bs.chosen = append(bs.chosen, c)
	}

	if len(bs.chosen) == 0 || s.done(slot, bs, width, genLen) {
		for w := 0; w < width; w++ {
			state.markFinished(slot, w, FinishedEOS)
		}
		return
	}
	for len(bs.chosen) < width {
		dead := bs.chosen[0]
		dead.cum = initialBeamLogProb
		bs.chosen = append(bs.chosen, dead)
	}
	s.reorder(st, slot, bs)
	state.numNewTokens[slot] = 1
}

// done reports whether no live beam can still improve the hypothesis set.
func (s *beamSearchStage) done(slot int, bs *beamSlot, width, genLen int) bool {
	if len(bs.hyps) < width {
		return false
	}
	switch s.earlyStopping[slot] {
	case 1:
		return true
	case 0:
		worst := bs.hyps[0].Score
		for _, h := range bs.hyps[1:] {
			worst = min(worst, h.Score)
		}
		best := lengthNormalize(bs.chosen[0].cum, genLen, s.lengthPenalty[slot])
		return worst >= best
	default:
		return false
	}
}

func (s *beamSearchStage) addHypothesis(st *step, slot int, c beamCandidate, genLen int) {
	bs := &s.slots[slot]
	h := Hypothesis{
		Tokens:     append(slicesClone(st.state.Generated(slot, c.beam)), c.token),
		CumLogProb: c.cum,
		Score:      lengthNormalize(c.cum, genLen, s.lengthPenalty[slot]),
	}
	if lp := st.state.LogProbs(slot, c.beam); lp != nil {
		h.LogProbs = append(slicesClone(lp), c.logp)
	}
	bs.hyps = append(bs.hyps, h)
	// Only the beamWidth best hypotheses are kept.
	if len(bs.hyps) > st.state.beamWidth {
		worst := 0
		for i := range bs.hyps {
			if bs.hyps[i].Score < bs.hyps[worst].Score {
				worst = i
			}
		}
		bs.hyps = slices.Delete(bs.hyps, worst, worst+1)
	}
}

// reorder rebuilds every beam from its chosen parent and appends the chosen
// token. Parent rows are snapshotted first since beams may swap.
func (s *beamSearchStage) reorder(st *step, slot int, bs *beamSlot) {
	state := st.state
	width := state.beamWidth
	n := state.SequenceLength(slot, 0)
	rowLen := state.maxSeqLen

	bs.ids = grow(bs.ids, width*rowLen)
	bs.parents = grow(bs.parents, width*rowLen)
	for w := 0; w < width; w++ {
		copy(bs.ids[w*rowLen:], state.row(slot, w)[:n])
		off := state.beamIndex(slot, w) * rowLen
		copy(bs.parents[w*rowLen:], state.parentIDs[off:off+n])
	}
	if state.outputLogProbs != nil {
		if cap(bs.logProbs) < width*rowLen {
			bs.logProbs = make([]float32, width*rowLen)
		}
		bs.logProbs = bs.logProbs[:width*rowLen]
		for w := 0; w < width; w++ {
			off := state.beamIndex(slot, w) * rowLen
			copy(bs.logProbs[w*rowLen:], state.outputLogProbs[off:off+n])
		}
	}

	for w, c := range bs.chosen {
		i := state.beamIndex(slot, w)
		off := i * rowLen
		copy(state.outputIDs[off:off+n], bs.ids[c.beam*rowLen:c.beam*rowLen+n])
		copy(state.parentIDs[off:off+n], bs.parents[c.beam*rowLen:c.beam*rowLen+n])
		if state.outputLogProbs != nil {
			copy(state.outputLogProbs[off:off+n], bs.logProbs[c.beam*rowLen:c.beam*rowLen+n])
		}
		state.cumLogProbs[i] = c.cum - c.logp
		if !state.appendToken(slot, w, 0, c.token, c.logp) {
			state.markFinished(slot, w, FinishedMaxLength)
			continue
		}
		state.parentIDs[off+n] = c.beam
	}
}

// finalize returns the ranked hypotheses of slot, topping the set up with
// the live beams when fewer than beamWidth hypotheses finished.
func (s *beamSearchStage) finalize(state *State, slot int) []Hypothesis {
	bs := &s.slots[slot]
	width := state.beamWidth
	out := slices.Clone(bs.hyps)
	if len(out) < width {
		for w := 0; w < width; w++ {
			gen := state.Generated(slot, w)
			cum := state.CumLogProb(slot, w)
			if cum <= initialBeamLogProb/2 {
				continue
			}
			h := Hypothesis{
				Tokens:     slicesClone(gen),
				CumLogProb: cum,
				Score:      lengthNormalize(cum, max(len(gen), 1), s.lengthPenalty[slot]),
			}
			if lp := state.LogProbs(slot, w); lp != nil {
				h.LogProbs = slicesClone(lp)
			}
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(x, y Hypothesis) int { return cmp.Compare(y.Score, x.Score) })
	if len(out) > width {
		out = out[:width]
	}
	return out
}

func lengthNormalize(cum float32, genLen int, penalty float32) float32 {
	if penalty == 0 || genLen <= 0 {
		return cum
	}
	return cum / float32(math.Pow(float64(genLen), float64(penalty)))
}

func grow(v []int, n int) []int {
	if cap(v) < n {
		return make([]int, n)
	}
	return v[:n]
}

// slicesClone never returns nil so appended hypotheses own their storage.
func slicesClone[T any](v []T) []T {
	out := make([]T, len(v), len(v)+1)
	copy(out, v)
	return out
}
