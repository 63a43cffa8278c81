package inference

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/x448/float16"

	"github.com/yatoooon/dyndecode/internal/decoding"
	"github.com/yatoooon/dyndecode/internal/logger"
)

var (
	ErrEngineClosed = errors.New("inference: engine closed")
	ErrQueueFull    = errors.New("inference: request queue full")
)

// Config shapes a BatchEngine. Zero fields take defaults.
type Config struct {
	Mode           decoding.DecodingMode
	BeamWidth      int
	MaxBatchSize   int
	MaxSeqLen      int
	QueueSize      int
	Parallelism    int
	ReturnLogProbs bool
	// HalfPrecision reads step logits through HalfModel.ForwardHalf. It does
	// not apply to Medusa trees.
	HalfPrecision bool
	// Tree is the Medusa draft tree. Nil chains the best candidate of every
	// head the model has.
	Tree     *Tree
	Defaults GenDefaults
	Logger   logger.Logger
}

func (c *Config) applyDefaults() {
	if c.BeamWidth <= 0 {
		c.BeamWidth = 1
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 8
	}
	if c.MaxSeqLen <= 0 {
		c.MaxSeqLen = 256
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4 * c.MaxBatchSize
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
}

// BatchEngine serves concurrent requests through one Decoder. A single loop
// goroutine (Run) owns the decoder: between steps it evicts finished and
// cancelled requests, then admits queued ones into the freed slots.
type BatchEngine struct {
	cfg         Config
	mode        decoding.DecodingMode
	model       Model
	treeModel   TreeModel
	halfModel   HalfModel
	tree        *Tree
	vocabSize   int
	vocabPadded int
	dec         *decoding.Decoder
	slots       *decoding.SlotTable
	log         logger.Logger

	queue     chan *pending
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	started   atomic.Bool
	steps     atomic.Int64
	waiting   atomic.Int64

	// Owned by the loop goroutine.
	backlog []*pending
	active  map[int]*pending
	endIDs  []int
	limits  []int
	stop    []decoding.WordsList
	bad     []decoding.WordsList
	medusa  *decoding.MedusaInput
	seqs    [][]int
	halfBuf []float32
	step    int
}

type pending struct {
	ctx       context.Context
	req       Request
	stream    StreamFunc
	out       chan outcome
	slot      int
	steps     int
	submitted time.Time
	admitted  time.Time
}

type outcome struct {
	res *Result
	err error
}

var _ Engine = (*BatchEngine)(nil)

// NewEngine builds an engine over model. Call Run to start serving.
func NewEngine(model Model, cfg Config) (*BatchEngine, error) {
	if model == nil {
		return nil, fmt.Errorf("inference: model is required")
	}
	cfg.applyDefaults()
	mode := cfg.Mode.Resolve(cfg.BeamWidth)

	e := &BatchEngine{
		cfg:       cfg,
		mode:      mode,
		model:     model,
		vocabSize: model.VocabSize(),
		log:       cfg.Logger.With("component", "engine"),
		queue:     make(chan *pending, cfg.QueueSize),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		active:    make(map[int]*pending, cfg.MaxBatchSize),
		endIDs:    make([]int, cfg.MaxBatchSize),
		limits:    make([]int, cfg.MaxBatchSize),
		stop:      make([]decoding.WordsList, cfg.MaxBatchSize),
		bad:       make([]decoding.WordsList, cfg.MaxBatchSize),
	}
	e.vocabPadded = e.vocabSize
	if pm, ok := model.(PaddedModel); ok {
		e.vocabPadded = pm.PaddedVocabSize()
	}

	domain := decoding.Domain{
		MaxBatchSize:    cfg.MaxBatchSize,
		MaxBeamWidth:    cfg.BeamWidth,
		VocabSize:       e.vocabSize,
		VocabSizePadded: e.vocabPadded,
		MaxSeqLen:       cfg.MaxSeqLen,
	}
	if mode.IsMedusa() {
		if err := e.bindTree(&domain); err != nil {
			return nil, err
		}
	}
	if cfg.HalfPrecision {
		hm, ok := model.(HalfModel)
		switch {
		case !ok:
			return nil, fmt.Errorf("inference: half precision needs a model with ForwardHalf")
		case mode.IsMedusa():
			return nil, fmt.Errorf("inference: half precision does not apply to medusa trees")
		}
		e.halfModel = hm
	}

	dec, err := decoding.NewDecoder(mode, domain, decoding.Options{
		Logger:         cfg.Logger,
		ReturnLogProbs: cfg.ReturnLogProbs,
		Parallelism:    cfg.Parallelism,
	})
	if err != nil {
		return nil, err
	}
	e.dec = dec
	e.slots = decoding.NewSlotTable(cfg.MaxBatchSize)
	e.log.Info("engine ready",
		"mode", mode.String(),
		"max_batch_size", cfg.MaxBatchSize,
		"beam_width", cfg.BeamWidth,
		"vocab", e.vocabSize,
		"stages", dec.Stages(),
	)
	return e, nil
}

func (e *BatchEngine) bindTree(domain *decoding.Domain) error {
	tm, ok := e.model.(TreeModel)
	if !ok {
		return fmt.Errorf("%w: medusa decoding needs a model with draft heads", decoding.ErrConfiguration)
	}
	tree := e.cfg.Tree
	if tree == nil {
		var err error
		if tree, err = ChainTree(tm.MedusaHeads()); err != nil {
			return fmt.Errorf("%w: %v", decoding.ErrConfiguration, err)
		}
	}
	if tree.Heads() > tm.MedusaHeads() {
		return fmt.Errorf("%w: draft tree uses %d heads, model has %d",
			decoding.ErrConfiguration, tree.Heads(), tm.MedusaHeads())
	}
	e.treeModel = tm
	e.tree = tree
	domain.MaxTokensPerStep = tree.TokensPerStep()
	domain.MaxMedusaHeads = tree.Heads()

	e.medusa = &decoding.MedusaInput{
		Paths:   make([][][]int, e.cfg.MaxBatchSize),
		TreeIDs: make([][]int, e.cfg.MaxBatchSize),
	}
	for slot := range e.medusa.Paths {
		e.medusa.Paths[slot] = tree.Paths
		e.medusa.TreeIDs[slot] = tree.TreeIDs
	}
	return nil
}

func (e *BatchEngine) Mode() decoding.DecodingMode { return e.mode }

// Snapshot may be called from any goroutine.
func (e *BatchEngine) Snapshot() Snapshot {
	return Snapshot{
		Mode:         e.mode.String(),
		MaxBatchSize: e.slots.Size(),
		Active:       e.slots.Active(),
		Free:         e.slots.Free(),
		Queued:       len(e.queue) + int(e.waiting.Load()),
		Steps:        e.steps.Load(),
	}
}

// Submit resolves opts against the engine defaults and generates.
func (e *BatchEngine) Submit(ctx context.Context, opts RequestOptions, stream StreamFunc) (*Result, error) {
	req := ResolveRequest(opts, e.cfg.Defaults, e.mode)
	return e.Generate(ctx, &req, stream)
}

// Generate queues req and blocks until it finishes, ctx is done, or the
// engine closes. stream, when set, runs on the engine loop.
func (e *BatchEngine) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", decoding.ErrConfiguration)
	}
	if err := e.validate(req); err != nil {
		return nil, err
	}
	p := &pending{
		ctx:       ctx,
		req:       *req,
		stream:    stream,
		out:       make(chan outcome, 1),
		submitted: time.Now(),
	}
	if p.req.ID == "" {
		p.req.ID = uuid.NewString()
	}

	select {
	case <-e.closed:
		return nil, ErrEngineClosed
	default:
	}
	select {
	case e.queue <- p:
	default:
		return nil, ErrQueueFull
	}
	e.log.Debug("request queued", "id", p.req.ID, "prompt_tokens", len(p.req.Prompt))

	select {
	case out := <-p.out:
		return out.res, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		select {
		case out := <-p.out:
			return out.res, out.err
		default:
			return nil, ErrEngineClosed
		}
	}
}

func (e *BatchEngine) validate(req *Request) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", decoding.ErrConfiguration, fmt.Sprintf(format, args...))
	}
	switch {
	case len(req.Prompt) == 0:
		return invalid("empty prompt")
	case len(req.Prompt) >= e.cfg.MaxSeqLen:
		return invalid("prompt of %d tokens leaves no room under max sequence length %d", len(req.Prompt), e.cfg.MaxSeqLen)
	case req.MaxNewTokens <= 0:
		return invalid("max new tokens %d must be positive", req.MaxNewTokens)
	case req.EndID < 0 || req.EndID >= e.vocabSize:
		return invalid("end id %d outside vocabulary", req.EndID)
	case req.LogProbs && !e.cfg.ReturnLogProbs:
		return invalid("engine does not record log-probabilities")
	case len(req.BadWords) > 0 && e.mode.IsMedusa():
		return invalid("bad words are not applied under medusa decoding")
	}
	for i, tok := range req.Prompt {
		if tok < 0 || tok >= e.vocabSize {
			return invalid("prompt token %d at %d outside vocabulary", tok, i)
		}
	}
	if err := req.StopWords.Validate(0); err != nil {
		return fmt.Errorf("stop words: %w", err)
	}
	if err := req.BadWords.Validate(e.vocabSize); err != nil {
		return fmt.Errorf("bad words: %w", err)
	}
	return nil
}

// Close stops the loop and fails outstanding requests with ErrEngineClosed.
func (e *BatchEngine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	if e.started.CompareAndSwap(false, true) {
		close(e.done)
		return nil
	}
	<-e.done
	return nil
}

// Run drives the engine until ctx is done or Close is called.
func (e *BatchEngine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	defer close(e.done)
	defer e.closeOnce.Do(func() { close(e.closed) })

	for {
		if len(e.active) == 0 && len(e.backlog) == 0 {
			select {
			case p := <-e.queue:
				e.enqueue(p)
			case <-ctx.Done():
				e.shutdown(ctx.Err())
				return ctx.Err()
			case <-e.closed:
				e.shutdown(ErrEngineClosed)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			e.shutdown(ctx.Err())
			return ctx.Err()
		case <-e.closed:
			e.shutdown(ErrEngineClosed)
			return nil
		default:
		}
		e.drain()
		e.evict()
		e.admit()
		if len(e.active) == 0 {
			continue
		}
		if err := e.forward(ctx); err != nil {
			e.log.Error("decoding step failed", "error", err, "slots", len(e.active))
			e.failActive(err)
		}
	}
}

func (e *BatchEngine) enqueue(p *pending) {
	e.backlog = append(e.backlog, p)
	e.waiting.Store(int64(len(e.backlog)))
}

func (e *BatchEngine) drain() {
	for {
		select {
		case p := <-e.queue:
			e.enqueue(p)
		default:
			return
		}
	}
}

// evict cancels slots whose caller gave up and hands every finished slot
// its result.
func (e *BatchEngine) evict() {
	st := e.dec.State()
	for slot, p := range e.active {
		if p.ctx.Err() != nil && st.FinishedSum(slot) < st.BeamWidth() {
			if err := e.dec.Cancel(slot); err != nil {
				e.log.Warn("cancel failed", "id", p.req.ID, "slot", slot, "error", err)
			}
		}
		if st.FinishedSum(slot) < st.BeamWidth() {
			continue
		}
		e.finish(slot, p)
	}
}

func (e *BatchEngine) finish(slot int, p *pending) {
	st := e.dec.State()
	reason := st.Finished(slot, 0)
	var out outcome
	if reason.IsCancelled() {
		out.err = cmp.Or(p.ctx.Err(), context.Canceled)
	} else if hyps, err := e.dec.FinalizeBeams(slot); err != nil {
		out.err = err
	} else {
		out.res = e.result(p, reason, hyps)
	}
	e.release(slot)
	e.log.Debug("request finished", "id", p.req.ID, "slot", slot, "reason", reason.String(), "steps", p.steps)
	p.out <- out
}

func (e *BatchEngine) result(p *pending, reason decoding.FinishedState, hyps []decoding.Hypothesis) *Result {
	best := hyps[0]
	tokens := best.Tokens
	lps := best.LogProbs
	if n := len(tokens); n > 0 && tokens[n-1] == p.req.EndID {
		tokens = tokens[:n-1]
		if len(lps) == n {
			lps = lps[:n-1]
		}
	}
	res := &Result{
		ID:           p.req.ID,
		Tokens:       tokens,
		FinishReason: reason.String(),
		CumLogProb:   best.CumLogProb,
		Stats: Stats{
			TokensGenerated: len(best.Tokens),
			Steps:           p.steps,
			Queued:          p.admitted.Sub(p.submitted),
			Duration:        time.Since(p.admitted),
		},
	}
	if p.req.LogProbs {
		res.LogProbs = lps
	}
	if e.mode.IsBeamSearch() {
		res.Beams = hyps
	}
	if res.Stats.Duration.Seconds() > 0 {
		res.Stats.TPS = float64(res.Stats.TokensGenerated) / res.Stats.Duration.Seconds()
	}
	return res
}

func (e *BatchEngine) release(slot int) {
	if err := e.dec.Release(slot); err != nil {
		e.log.Warn("decoder release failed", "slot", slot, "error", err)
	}
	if err := e.slots.Release(slot); err != nil {
		e.log.Warn("slot release failed", "slot", slot, "error", err)
	}
	delete(e.active, slot)
	e.stop[slot] = nil
	e.bad[slot] = nil
}

// admit binds as many queued requests as there are free slots. The batch is
// set up with one fused config; if that fails each request is set up alone
// so only the offending ones are rejected.
func (e *BatchEngine) admit() {
	n := min(len(e.backlog), e.slots.Free())
	if n == 0 {
		return
	}
	var ready []*pending
	for _, p := range e.backlog[:n] {
		if err := p.ctx.Err(); err != nil {
			p.out <- outcome{err: err}
			continue
		}
		ready = append(ready, p)
	}
	e.backlog = slices.Delete(e.backlog, 0, n)
	e.waiting.Store(int64(len(e.backlog)))
	if len(ready) == 0 {
		return
	}

	err := e.setup(ready)
	if err == nil {
		return
	}
	if len(ready) == 1 {
		ready[0].out <- outcome{err: err}
		return
	}
	e.log.Debug("fused setup rejected, admitting one by one", "requests", len(ready), "error", err)
	for _, p := range ready {
		if err := e.setup([]*pending{p}); err != nil {
			e.log.Warn("request rejected", "id", p.req.ID, "error", err)
			p.out <- outcome{err: err}
		}
	}
}

func (e *BatchEngine) setup(batch []*pending) error {
	slots := make([]int, 0, len(batch))
	for range batch {
		slot, ok := e.slots.Acquire()
		if !ok {
			e.releaseSlots(slots)
			return fmt.Errorf("%w: no free slot for admitted request", decoding.ErrInvariant)
		}
		slots = append(slots, slot)
	}
	configs := make([]decoding.SamplingConfig, len(batch))
	for i, p := range batch {
		configs[i] = p.req.Sampling
		configs[i].BeamWidth = e.cfg.BeamWidth
		if e.tree != nil && configs[i].TopKMedusaHeads == nil {
			configs[i].TopKMedusaHeads = [][]int{e.tree.TopK}
		}
	}
	fused, err := decoding.FuseSamplingConfigs(configs)
	if err == nil {
		err = e.dec.Setup(len(batch), e.cfg.BeamWidth, slots, fused)
	}
	if err != nil {
		e.releaseSlots(slots)
		return err
	}

	now := time.Now()
	for i, p := range batch {
		slot := slots[i]
		if err := e.load(slot, p); err != nil {
			e.log.Warn("request rejected", "id", p.req.ID, "error", err)
			if rerr := e.dec.Release(slot); rerr != nil {
				e.log.Warn("decoder release failed", "slot", slot, "error", rerr)
			}
			e.releaseSlots([]int{slot})
			p.out <- outcome{err: err}
			continue
		}
		p.slot = slot
		p.admitted = now
		e.active[slot] = p
		e.log.Debug("request admitted", "id", p.req.ID, "slot", slot, "queued", now.Sub(p.submitted))
	}
	return nil
}

func (e *BatchEngine) load(slot int, p *pending) error {
	if err := e.dec.LoadPrompt(slot, p.req.Prompt); err != nil {
		return err
	}
	if e.tree != nil {
		drafts := slices.Repeat([]int{p.req.EndID}, e.tree.TokensPerStep()-1)
		if err := e.dec.SetDraftTokens(slot, drafts); err != nil {
			return err
		}
	}
	e.endIDs[slot] = p.req.EndID
	e.limits[slot] = min(len(p.req.Prompt)+p.req.MaxNewTokens, e.cfg.MaxSeqLen)
	e.stop[slot] = p.req.StopWords
	e.bad[slot] = p.req.BadWords
	return nil
}

func (e *BatchEngine) releaseSlots(slots []int) {
	for _, slot := range slots {
		if err := e.slots.Release(slot); err != nil {
			e.log.Warn("slot release failed", "slot", slot, "error", err)
		}
	}
}

// forward runs the model and one decoder step over every active slot, then
// streams what each slot emitted.
func (e *BatchEngine) forward(ctx context.Context) error {
	slots := slices.Sorted(maps.Keys(e.active))
	st := e.dec.State()
	beam := st.BeamWidth()

	e.seqs = e.seqs[:0]
	for _, slot := range slots {
		for b := 0; b < beam; b++ {
			e.seqs = append(e.seqs, st.History(slot, b))
		}
	}
	in := &decoding.Input{
		BatchSlots:     slots,
		EndIDs:         e.endIDs,
		Step:           e.step,
		SequenceLimits: e.limits,
		BadWords:       e.bad,
		StopWords:      e.stop,
	}

	if e.tree != nil {
		drafts := make([][]int, len(slots))
		for i, slot := range slots {
			drafts[i] = st.DraftTokens(slot)
		}
		base, heads, err := safeForwardTree(ctx, e.treeModel, e.seqs, drafts, e.tree.Parents)
		if err != nil {
			return err
		}
		tps := e.tree.TokensPerStep()
		in.Logits = e.shape(base, len(slots), tps)
		e.medusa.HeadLogits = e.medusa.HeadLogits[:0]
		for _, h := range heads {
			e.medusa.HeadLogits = append(e.medusa.HeadLogits, e.shape(h, len(slots), tps))
		}
		in.Medusa = e.medusa
	} else if e.halfModel != nil {
		data, err := safeForwardHalf(ctx, e.halfModel, e.seqs)
		if err != nil {
			return err
		}
		in.Logits = decoding.HalfLogits(e.halfBuf, data, len(slots), 1, beam, e.vocabPadded)
		e.halfBuf = in.Logits.Data
	} else {
		data, err := safeForward(ctx, e.model, e.seqs)
		if err != nil {
			return err
		}
		in.Logits = decoding.NewLogits(data, len(slots), beam, e.vocabPadded)
	}

	if err := e.dec.Forward(ctx, in); err != nil {
		return err
	}
	e.step++
	e.steps.Add(1)

	for _, slot := range slots {
		p := e.active[slot]
		p.steps++
		if p.stream == nil || beam > 1 {
			continue
		}
		for _, tok := range st.NewTokens(slot, 0) {
			p.stream(tok)
		}
	}
	return nil
}

func (e *BatchEngine) shape(data []float32, batch, tps int) decoding.Logits {
	return decoding.Logits{
		Data:          data,
		BatchSize:     batch,
		TokensPerStep: tps,
		BeamWidth:     1,
		VocabPadded:   e.vocabPadded,
	}
}

// failActive aborts every bound request with err. The step that failed has
// no rollback, so the slots are released rather than retried.
func (e *BatchEngine) failActive(err error) {
	for slot, p := range e.active {
		e.release(slot)
		p.out <- outcome{err: err}
	}
}

func (e *BatchEngine) shutdown(err error) {
	e.failActive(err)
	e.drain()
	for _, p := range e.backlog {
		p.out <- outcome{err: err}
	}
	e.backlog = nil
	e.waiting.Store(0)
	e.log.Info("engine stopped", "steps", e.steps.Load(), "reason", err)
}

func safeForward(ctx context.Context, m Model, seqs [][]int) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	out, err = m.Forward(ctx, seqs)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	return out, nil
}

func safeForwardHalf(ctx context.Context, m HalfModel, seqs [][]int) (out []float16.Float16, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ForwardHalf: %v", rec)
		}
	}()
	out, err = m.ForwardHalf(ctx, seqs)
	if err != nil {
		return nil, fmt.Errorf("forward half: %w", err)
	}
	return out, nil
}

func safeForwardTree(ctx context.Context, m TreeModel, seqs, drafts [][]int, parents []int) (base []float32, heads [][]float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ForwardTree: %v", rec)
		}
	}()
	base, heads, err = m.ForwardTree(ctx, seqs, drafts, parents)
	if err != nil {
		return nil, nil, fmt.Errorf("forward tree: %w", err)
	}
	return base, heads, nil
}
