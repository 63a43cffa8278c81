package decoding

import (
	"context"
	"math"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// medusaStage verifies the draft tree of each slot against the target
// model's own choices and builds the drafts of the next step from the head
// logits at the last accepted position.
type medusaStage struct {
	vocabSize int
	maxHeads  int
	dctx      *DecoderContext
	topK      []int
	threshold []float32
	topKHeads [][]int
	slots     []medusaSlot
}

type medusaSlot struct {
	targets   []int
	emitted   []int
	positions []int // tree position each emitted token was selected at
	best      []int
	bestPos   []int
	cands     []int
}

func newMedusaStage(d Domain, dctx *DecoderContext) *medusaStage {
	return &medusaStage{
		vocabSize: d.VocabSize,
		maxHeads:  d.MaxMedusaHeads,
		dctx:      dctx,
		topK:      make([]int, d.MaxBatchSize),
		threshold: make([]float32, d.MaxBatchSize),
		topKHeads: make([][]int, d.MaxBatchSize),
		slots:     make([]medusaSlot, d.MaxBatchSize),
	}
}

func (m *medusaStage) Kind() StageKind { return StageMedusa }

func (m *medusaStage) Setup(batchSlots []int, cfg *SamplingConfig) {
	scatter(m.topK, batchSlots, cfg.TopK, DefaultTopK)
	scatter(m.threshold, batchSlots, cfg.DraftAcceptanceThreshold, DefaultDraftAcceptanceThreshold)
	scatter(m.topKHeads, batchSlots, cfg.TopKMedusaHeads, nil)
	for i, slot := range batchSlots {
		m.dctx.samplers[slot].Reseed(valueAt(cfg.RandomSeed, i, DefaultRandomSeed))
	}
}

// headTopK returns how many candidates head h of slot contributes.
func (m *medusaStage) headTopK(slot, h int) int {
	if k := m.topKHeads[slot]; h < len(k) {
		return k[h]
	}
	return 1
}

func (m *medusaStage) tokensPerStep(in *Input, slot int) int {
	if slot < len(in.Medusa.TokensPerStep) && in.Medusa.TokensPerStep[slot] > 0 {
		return in.Medusa.TokensPerStep[slot]
	}
	return in.Logits.TokensPerStep
}

func (m *medusaStage) Validate(st *step) error {
	med := st.in.Medusa
	if med == nil {
		return configErrorf("medusa decoding requires a draft tree and head logits")
	}
	heads := 0
	for _, slot := range st.in.BatchSlots {
		if slot >= len(med.Paths) || len(med.Paths[slot]) == 0 {
			return configErrorf("slot %d: medusa decoding requires paths", slot)
		}
		tps := m.tokensPerStep(st.in, slot)
		if tps > st.in.Logits.TokensPerStep {
			return invariantErrorf("slot %d: %d tokens per step exceed logits depth %d",
				slot, tps, st.in.Logits.TokensPerStep)
		}
		width := len(med.Paths[slot][0])
		if width < 2 || width-1 > m.maxHeads {
			return invariantErrorf("slot %d: path width %d outside [2, %d]", slot, width, m.maxHeads+1)
		}
		heads = max(heads, width-1)
		for p, path := range med.Paths[slot] {
			if len(path) != width {
				return invariantErrorf("slot %d: path %d has width %d, want %d", slot, p, len(path), width)
			}
			if path[0] != 0 {
				return invariantErrorf("slot %d: path %d does not start at the root", slot, p)
			}
			ended := false
			for d, pos := range path[1:] {
				switch {
				case pos == -1:
					ended = true
				case ended || pos < 1 || pos >= tps:
					return invariantErrorf("slot %d: path %d depth %d points to position %d outside the tree",
						slot, p, d+1, pos)
				}
			}
		}
		ncand := 0
		for h := 0; h < width-1; h++ {
			ncand += m.headTopK(slot, h)
		}
		if slot >= len(med.TreeIDs) || len(med.TreeIDs[slot]) < tps-1 {
			return configErrorf("slot %d: medusa decoding requires %d tree ids", slot, tps-1)
		}
		for i, id := range med.TreeIDs[slot][:tps-1] {
			if id < 0 || id >= ncand {
				return invariantErrorf("slot %d: tree id %d = %d outside %d candidates", slot, i, id, ncand)
			}
		}
	}
	if len(med.HeadLogits) < heads {
		return configErrorf("medusa decoding requires logits for %d heads, got %d", heads, len(med.HeadLogits))
	}
	for h := 0; h < heads; h++ {
		err := med.HeadLogits[h].check("medusa head logits", len(st.in.BatchSlots),
			st.in.Logits.TokensPerStep, 1, st.in.Logits.VocabPadded)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *medusaStage) Forward(ctx context.Context, st *step) error {
	return st.dctx.forEachSlot(ctx, st.in.BatchSlots, func(b, slot int) error {
		if st.state.slotFinished(slot) {
			return nil
		}
		if st.atLimit(slot) {
			st.state.acceptedLengths[slot] = 0
			return nil
		}
		m.verify(st, b, slot)
		return nil
	})
}

func (m *medusaStage) verify(st *step, b, slot int) {
	ms := &m.slots[slot]
	endID := st.in.EndIDs[slot]
	tps := m.tokensPerStep(st.in, slot)
	drafts := st.state.DraftTokens(slot)
	sampler := m.dctx.samplers[slot]

	ms.targets = grow(ms.targets, tps)
	for t := 0; t < tps; t++ {
		row := st.work.Row(b, t, 0)
		token, ok := sampler.Sample(row, m.topK[slot], 0)
		if !ok {
			token = fallbackToken(st.in.Logits.Row(b, t, 0), row, m.vocabSize, endID)
		}
		ms.targets[t] = token
	}

	ms.best = ms.best[:0]
	ms.bestPos = ms.bestPos[:0]
	for _, path := range st.in.Medusa.Paths[slot] {
		m.walk(st, b, slot, path, drafts, endID)
		if len(ms.emitted) > len(ms.best) {
			ms.best = append(ms.best[:0], ms.emitted...)
			ms.bestPos = append(ms.bestPos[:0], ms.positions...)
		}
	}

	// Never run past the slot's sequence limit.
	room := st.in.sequenceLimit(slot, st.state.maxSeqLen) - st.state.SequenceLength(slot, 0)
	if len(ms.best) > room {
		ms.best = ms.best[:max(room, 0)]
		ms.bestPos = ms.bestPos[:len(ms.best)]
	}

	n := 0
	for k, token := range ms.best {
		row := st.work.Row(b, ms.bestPos[k], 0)
		if !st.state.appendToken(slot, 0, k, token, logits.LogProb(row, token)) {
			st.state.markFinished(slot, 0, FinishedMaxLength)
			break
		}
		n++
	}
	st.state.numNewTokens[slot] = n
	st.state.acceptedLengths[slot] = n
	if n > 0 {
		m.nextDrafts(st, b, slot, ms.bestPos[n-1], tps)
	}
}

// walk follows path while each draft agrees with the target chosen at its
// parent position, filling emitted with the accepted drafts plus the target
// token at the deepest accepted position. Nothing follows an end token.
func (m *medusaStage) walk(st *step, b, slot int, path, drafts []int, endID int) {
	ms := &m.slots[slot]
	ms.emitted = ms.emitted[:0]
	ms.positions = ms.positions[:0]
	threshold := m.threshold[slot]
	parent := path[0]
	for _, pos := range path[1:] {
		if pos < 0 || ms.targets[parent] == endID {
			break
		}
		draft := drafts[pos-1]
		if draft != ms.targets[parent] {
			if threshold <= 0 || draft < 0 || draft >= m.vocabSize {
				break
			}
			p := math.Exp(float64(logits.LogProb(st.work.Row(b, parent, 0), draft)))
			if p < float64(threshold) {
				break
			}
		}
		ms.emitted = append(ms.emitted, draft)
		ms.positions = append(ms.positions, parent)
		if draft == endID {
			return
		}
		parent = pos
	}
	ms.emitted = append(ms.emitted, ms.targets[parent])
	ms.positions = append(ms.positions, parent)
}

// nextDrafts concatenates the top candidates of every head at tree position
// pos and scatters them into the draft tree through the tree ids.
func (m *medusaStage) nextDrafts(st *step, b, slot, pos, tps int) {
	ms := &m.slots[slot]
	med := st.in.Medusa
	heads := len(med.Paths[slot][0]) - 1
	ms.cands = ms.cands[:0]
	sc := &st.dctx.scratch[slot]
	for h := 0; h < heads; h++ {
		row := med.HeadLogits[h].Row(b, pos, 0)[:m.vocabSize]
		sc.ids = logits.SortDescending(sc.ids[:0], row)
		k := m.headTopK(slot, h)
		for i := 0; i < k; i++ {
			if i < len(sc.ids) {
				ms.cands = append(ms.cands, sc.ids[i])
			} else {
				ms.cands = append(ms.cands, st.in.EndIDs[slot])
			}
		}
	}
	drafts := st.state.DraftTokens(slot)
	for i, id := range med.TreeIDs[slot][:tps-1] {
		drafts[i] = ms.cands[id]
	}
}
