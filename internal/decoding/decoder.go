package decoding

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/yatoooon/dyndecode/internal/logger"
	"github.com/yatoooon/dyndecode/internal/logits"
)

// Options tunes a Decoder.
type Options struct {
	Logger logger.Logger
	// ReturnLogProbs records the log-probability of every emitted token. The
	// value is read from the working distribution, after temperature,
	// penalties and bans have been applied, not from the raw model logits.
	ReturnLogProbs bool
	// Parallelism bounds the goroutines a stage spreads slots over.
	// Zero or one runs every stage on the calling goroutine.
	Parallelism int
}

// Decoder drives the decoding pipeline over a batch of slots. It owns every
// per-slot buffer. Setup, Forward, Cancel and Release must not overlap: a
// call made while another is in flight fails with ErrStepInFlight.
type Decoder struct {
	mode     DecodingMode
	resolved DecodingMode
	domain   Domain
	log      logger.Logger

	dctx     *DecoderContext
	state    *State
	stages   []Stage
	work     []float32
	active   []bool
	widthSet bool
	inFlight atomic.Bool
}

// NewDecoder builds a decoder for mode over domain. Modes other than
// ModeNone get their stages immediately so an unsupported mode fails here.
func NewDecoder(mode DecodingMode, domain Domain, opts Options) (*Decoder, error) {
	if err := domain.normalize(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	switch {
	case mode.IsMedusa() && (domain.MaxTokensPerStep < 2 || domain.MaxMedusaHeads < 1):
		return nil, configErrorf("medusa decoding needs at least two tokens per step and one head")
	case mode.IsBeamSearch() && domain.MaxBeamWidth < 2:
		return nil, configErrorf("beam search needs a max beam width of at least 2")
	}
	d := &Decoder{
		mode:     mode,
		resolved: mode,
		domain:   domain,
		log:      log.With("component", "decoder"),
		dctx:     newDecoderContext(domain, log, opts.Parallelism),
		state:    newState(domain, opts.ReturnLogProbs, mode.IsMedusa()),
		active:   make([]bool, domain.MaxBatchSize),
	}
	if !mode.IsNone() {
		stages, err := newStages(mode, domain, d.dctx)
		if err != nil {
			return nil, err
		}
		d.stages = stages
	}
	return d, nil
}

// Mode returns the resolved decoding mode, or ModeNone before the first
// Setup of a decoder built with ModeNone.
func (d *Decoder) Mode() DecodingMode { return d.resolved }

func (d *Decoder) Domain() Domain { return d.domain }

// State exposes the decoder buffers for reading between steps.
func (d *Decoder) State() *State { return d.state }

// Stages lists the pipeline in execution order.
func (d *Decoder) Stages() []StageKind { return stageKinds(d.stages) }

func (d *Decoder) enter() error {
	if !d.inFlight.CompareAndSwap(false, true) {
		return ErrStepInFlight
	}
	return nil
}

func (d *Decoder) leave() { d.inFlight.Store(false) }

func (d *Decoder) checkSlot(slot int) error {
	if slot < 0 || slot >= d.domain.MaxBatchSize {
		return invariantErrorf("slot %d outside [0, %d)", slot, d.domain.MaxBatchSize)
	}
	return nil
}

// Setup binds batchSlots to new requests configured by cfg, a fused config of
// batch size batchSize. It validates everything before touching any slot.
// The first Setup fixes the beam width and, for ModeNone, the mode.
func (d *Decoder) Setup(batchSize, beamWidth int, batchSlots []int, cfg SamplingConfig) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()

	if len(batchSlots) != batchSize {
		return configErrorf("%d batch slots for batch size %d", len(batchSlots), batchSize)
	}
	seen := make(map[int]struct{}, len(batchSlots))
	for _, slot := range batchSlots {
		if err := d.checkSlot(slot); err != nil {
			return err
		}
		if _, dup := seen[slot]; dup {
			return invariantErrorf("slot %d appears twice", slot)
		}
		if d.active[slot] {
			return invariantErrorf("slot %d is already set up", slot)
		}
		seen[slot] = struct{}{}
	}
	if cfg.BeamWidth != 0 && cfg.BeamWidth != beamWidth {
		return configErrorf("config beam width %d differs from %d", cfg.BeamWidth, beamWidth)
	}
	if beamWidth < 1 || beamWidth > d.domain.MaxBeamWidth {
		return configErrorf("beam width %d outside [1, %d]", beamWidth, d.domain.MaxBeamWidth)
	}
	if d.widthSet && beamWidth != d.state.beamWidth {
		return configErrorf("beam width %d differs from the decoder's %d", beamWidth, d.state.beamWidth)
	}
	if err := cfg.Validate(batchSize); err != nil {
		d.log.Warn("rejected sampling config", "error", err)
		return err
	}
	mode := d.resolved.Resolve(beamWidth)
	if err := d.checkMode(mode, beamWidth, &cfg); err != nil {
		d.log.Warn("rejected sampling config", "mode", mode.String(), "error", err)
		return err
	}
	if d.stages == nil {
		stages, err := newStages(mode, d.domain, d.dctx)
		if err != nil {
			return err
		}
		d.stages = stages
		d.resolved = mode
		d.log.Debug("resolved decoding mode", "mode", mode.String(), "beam_width", beamWidth)
	}
	d.state.beamWidth = beamWidth
	d.widthSet = true

	for _, st := range d.stages {
		st.Setup(batchSlots, &cfg)
	}
	for _, slot := range batchSlots {
		d.state.resetSlot(slot)
		d.active[slot] = true
	}
	d.log.Debug("slots set up", "slots", batchSlots, "stages", d.Stages())
	return nil
}

// checkMode rejects configs that set fields the mode never reads.
func (d *Decoder) checkMode(mode DecodingMode, beamWidth int, cfg *SamplingConfig) error {
	beamFields := cfg.BeamSearchDiversityRate != nil || cfg.LengthPenalty != nil || cfg.EarlyStopping != nil
	medusaFields := cfg.DraftAcceptanceThreshold != nil || cfg.TopKMedusaHeads != nil
	switch {
	case mode.IsBeamSearch():
		if beamWidth < 2 {
			return configErrorf("beam search requires beam width >= 2, got %d", beamWidth)
		}
		if cfg.TopK != nil || cfg.TopP != nil {
			return configErrorf("beam search does not take top-k or top-p")
		}
		if medusaFields {
			return configErrorf("beam search does not take medusa parameters")
		}
	case mode.IsMedusa():
		if beamWidth != 1 {
			return configErrorf("medusa decoding requires beam width 1, got %d", beamWidth)
		}
		if beamFields || cfg.TopP != nil {
			return configErrorf("medusa decoding does not take beam search or top-p parameters")
		}
		for i, heads := range cfg.TopKMedusaHeads {
			if len(heads) > d.domain.MaxMedusaHeads {
				return configErrorf("top_k_medusa_heads[%d] lists %d heads, max %d", i, len(heads), d.domain.MaxMedusaHeads)
			}
		}
	default:
		if beamWidth != 1 {
			return configErrorf("mode %s requires beam width 1, got %d", mode, beamWidth)
		}
		if beamFields || medusaFields {
			return configErrorf("mode %s does not take beam search or medusa parameters", mode)
		}
		if !mode.IsTopP() && cfg.TopP != nil {
			return configErrorf("mode %s does not take top-p", mode)
		}
		if !mode.IsTopK() && cfg.TopK != nil {
			return configErrorf("mode %s does not take top-k", mode)
		}
	}
	return nil
}

// LoadPrompt writes the prompt of a set up slot into every beam.
func (d *Decoder) LoadPrompt(slot int, prompt []int) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	if err := d.checkActive(slot); err != nil {
		return err
	}
	for _, id := range prompt {
		if id < 0 || id >= d.domain.VocabSize {
			return configErrorf("prompt token %d outside vocabulary", id)
		}
	}
	return d.state.setPrompt(slot, prompt)
}

// SetDraftTokens seeds the drafts verified at the next Medusa step of slot.
func (d *Decoder) SetDraftTokens(slot int, tokens []int) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	if err := d.checkActive(slot); err != nil {
		return err
	}
	return d.state.setDraftTokens(slot, tokens)
}

func (d *Decoder) checkActive(slot int) error {
	if err := d.checkSlot(slot); err != nil {
		return err
	}
	if !d.active[slot] {
		return invariantErrorf("slot %d is not set up", slot)
	}
	return nil
}

// Forward runs one decoding step over in.BatchSlots. Every stage validates
// its inputs before the first one runs, so a rejected step leaves all
// buffers untouched. The caller's logits are copied, never modified.
func (d *Decoder) Forward(ctx context.Context, in *Input) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	if d.stages == nil {
		return configErrorf("decoder has not been set up")
	}
	s, err := d.prepare(in)
	if err != nil {
		return err
	}
	for _, st := range d.stages {
		if err := st.Validate(s); err != nil {
			return err
		}
	}

	n := len(in.Logits.Data)
	if cap(d.work) < n {
		d.work = make([]float32, n)
	}
	d.work = d.work[:n]
	copy(d.work, in.Logits.Data)
	s.work.Data = d.work
	if d.domain.VocabSizePadded > d.domain.VocabSize {
		for off := 0; off < n; off += d.domain.VocabSizePadded {
			row := d.work[off+d.domain.VocabSize : off+d.domain.VocabSizePadded]
			for i := range row {
				row[i] = logits.NegInf
			}
		}
	}
	for _, slot := range in.BatchSlots {
		d.state.numNewTokens[slot] = 0
	}

	for _, st := range d.stages {
		if err := st.Forward(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) prepare(in *Input) (*step, error) {
	if in == nil || len(in.BatchSlots) == 0 {
		return nil, configErrorf("step has no batch slots")
	}
	seen := make(map[int]struct{}, len(in.BatchSlots))
	for _, slot := range in.BatchSlots {
		if err := d.checkActive(slot); err != nil {
			return nil, err
		}
		if _, dup := seen[slot]; dup {
			return nil, invariantErrorf("slot %d appears twice", slot)
		}
		seen[slot] = struct{}{}
	}
	if len(in.EndIDs) != d.domain.MaxBatchSize {
		return nil, invariantErrorf("%d end ids, want one per slot (%d)", len(in.EndIDs), d.domain.MaxBatchSize)
	}
	for _, slot := range in.BatchSlots {
		if id := in.EndIDs[slot]; id < 0 || id >= d.domain.VocabSize {
			return nil, configErrorf("slot %d: end id %d outside vocabulary", slot, id)
		}
	}
	tokensPerStep := 1
	if d.resolved.IsMedusa() {
		tokensPerStep = d.domain.MaxTokensPerStep
	}
	err := in.Logits.check("logits", len(in.BatchSlots), tokensPerStep, d.state.beamWidth, d.domain.VocabSizePadded)
	if err != nil {
		return nil, err
	}
	work := in.Logits
	work.Data = nil
	return &step{in: in, work: work, state: d.state, dctx: d.dctx}, nil
}

// Cancel marks every beam of slot cancelled. The slot emits nothing more and
// reports finished until it is released.
func (d *Decoder) Cancel(slot int) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	if err := d.checkActive(slot); err != nil {
		return err
	}
	for b := 0; b < d.state.beamWidth; b++ {
		d.state.markFinished(slot, b, FinishedCancelled)
	}
	d.state.recountFinished(slot)
	return nil
}

// Release unbinds slot. It must be set up again before the next step that
// names it.
func (d *Decoder) Release(slot int) error {
	if err := d.enter(); err != nil {
		return err
	}
	defer d.leave()
	if err := d.checkActive(slot); err != nil {
		return err
	}
	d.active[slot] = false
	return nil
}

// FinalizeBeams returns the ranked outputs of slot. Outside beam search it
// returns the single sequence decoded so far.
func (d *Decoder) FinalizeBeams(slot int) ([]Hypothesis, error) {
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer d.leave()
	if err := d.checkActive(slot); err != nil {
		return nil, err
	}
	for _, st := range d.stages {
		if bs, ok := st.(*beamSearchStage); ok {
			return bs.finalize(d.state, slot), nil
		}
	}
	h := Hypothesis{
		Tokens:     slices.Clone(d.state.Generated(slot, 0)),
		LogProbs:   slices.Clone(d.state.LogProbs(slot, 0)),
		CumLogProb: d.state.CumLogProb(slot, 0),
	}
	h.Score = h.CumLogProb
	return []Hypothesis{h}, nil
}
