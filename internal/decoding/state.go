package decoding

import "math"

// FinishedState records why a (slot, beam) sequence stopped. The zero value is
// "not finished". Once set, a state is never cleared before the slot is set up
// again for a new request.
type FinishedState uint8

const (
	FinishedEOS FinishedState = 1 << iota
	FinishedStopWords
	FinishedMaxLength
	FinishedCancelled
)

func (f FinishedState) IsFinished() bool          { return f != 0 }
func (f FinishedState) IsFinishedEOS() bool       { return f&FinishedEOS != 0 }
func (f FinishedState) IsFinishedStopWords() bool { return f&FinishedStopWords != 0 }
func (f FinishedState) IsFinishedMaxLength() bool { return f&FinishedMaxLength != 0 }
func (f FinishedState) IsCancelled() bool         { return f&FinishedCancelled != 0 }

func (f FinishedState) String() string {
	switch {
	case f.IsCancelled():
		return "cancelled"
	case f.IsFinishedEOS():
		return "end_id"
	case f.IsFinishedStopWords():
		return "stop_words"
	case f.IsFinishedMaxLength():
		return "length"
	default:
		return ""
	}
}

// initialBeamLogProb seeds the cumulative log-probability of every beam but
// the first so that the first step expands beam 0 only.
const initialBeamLogProb float32 = -1e20

// State holds the per-slot buffers of a decoder. Buffers are indexed by batch
// slot, never by position in the active batch, and live as long as the
// decoder. Stages append to the histories but never truncate them.
type State struct {
	maxBatchSize  int
	stride        int // beams allocated per slot
	beamWidth     int // beams in use, fixed by the first setup
	maxSeqLen     int
	tokensPerStep int

	outputIDs       []int     // [slot][beam][maxSeqLen]
	parentIDs       []int     // [slot][beam][maxSeqLen], beam search only
	outputLogProbs  []float32 // [slot][beam][maxSeqLen], nil unless requested
	sequenceLengths []int     // [slot][beam]
	inputLengths    []int     // [slot]
	finished        []FinishedState
	finishedSum     []int     // [slot]
	cumLogProbs     []float32 // [slot][beam]
	newTokens       []int     // [slot][beam][tokensPerStep]
	numNewTokens    []int     // [slot]
	acceptedLengths []int     // [slot], Medusa only
	nextDraftTokens []int     // [slot][tokensPerStep-1], Medusa only
}

func newState(d Domain, logProbs, medusa bool) *State {
	n := d.MaxBatchSize * d.MaxBeamWidth
	s := &State{
		maxBatchSize:    d.MaxBatchSize,
		stride:          d.MaxBeamWidth,
		beamWidth:       1,
		maxSeqLen:       d.MaxSeqLen,
		tokensPerStep:   d.MaxTokensPerStep,
		outputIDs:       make([]int, n*d.MaxSeqLen),
		sequenceLengths: make([]int, n),
		inputLengths:    make([]int, d.MaxBatchSize),
		finished:        make([]FinishedState, n),
		finishedSum:     make([]int, d.MaxBatchSize),
		cumLogProbs:     make([]float32, n),
		newTokens:       make([]int, n*d.MaxTokensPerStep),
		numNewTokens:    make([]int, d.MaxBatchSize),
	}
	if logProbs {
		s.outputLogProbs = make([]float32, n*d.MaxSeqLen)
	}
	if d.MaxBeamWidth > 1 {
		s.parentIDs = make([]int, n*d.MaxSeqLen)
	}
	if medusa {
		s.acceptedLengths = make([]int, d.MaxBatchSize)
		s.nextDraftTokens = make([]int, d.MaxBatchSize*max(d.MaxTokensPerStep-1, 0))
	}
	return s
}

func (s *State) BeamWidth() int { return s.beamWidth }
func (s *State) MaxSeqLen() int { return s.maxSeqLen }

func (s *State) beamIndex(slot, beam int) int { return slot*s.stride + beam }

func (s *State) row(slot, beam int) []int {
	off := s.beamIndex(slot, beam) * s.maxSeqLen
	return s.outputIDs[off : off+s.maxSeqLen]
}

// History returns the emitted tokens of (slot, beam), prompt included. The
// slice aliases decoder memory and is only valid until the next step.
func (s *State) History(slot, beam int) []int {
	return s.row(slot, beam)[:s.sequenceLengths[s.beamIndex(slot, beam)]]
}

// Generated returns the tokens of (slot, beam) emitted after the prompt.
func (s *State) Generated(slot, beam int) []int {
	return s.History(slot, beam)[s.inputLengths[slot]:]
}

// ParentIDs returns the parent beam recorded at every generated position of
// (slot, beam), or nil outside beam search.
func (s *State) ParentIDs(slot, beam int) []int {
	if s.parentIDs == nil {
		return nil
	}
	off := s.beamIndex(slot, beam) * s.maxSeqLen
	return s.parentIDs[off+s.inputLengths[slot] : off+s.sequenceLengths[s.beamIndex(slot, beam)]]
}

// LogProbs returns per-position log-probabilities of the generated tokens of
// (slot, beam), or nil when they were not requested.
func (s *State) LogProbs(slot, beam int) []float32 {
	if s.outputLogProbs == nil {
		return nil
	}
	off := s.beamIndex(slot, beam) * s.maxSeqLen
	return s.outputLogProbs[off+s.inputLengths[slot] : off+s.sequenceLengths[s.beamIndex(slot, beam)]]
}

func (s *State) SequenceLength(slot, beam int) int     { return s.sequenceLengths[s.beamIndex(slot, beam)] }
func (s *State) InputLength(slot int) int              { return s.inputLengths[slot] }
func (s *State) Finished(slot, beam int) FinishedState { return s.finished[s.beamIndex(slot, beam)] }
func (s *State) FinishedSum(slot int) int              { return s.finishedSum[slot] }
func (s *State) CumLogProb(slot, beam int) float32     { return s.cumLogProbs[s.beamIndex(slot, beam)] }
func (s *State) NumNewTokens(slot int) int             { return s.numNewTokens[slot] }
func (s *State) slotFinished(slot int) bool            { return s.finishedSum[slot] == s.beamWidth }

// AcceptedLength returns the number of tokens emitted by the last Medusa
// step of slot, or 0 outside Medusa decoding.
func (s *State) AcceptedLength(slot int) int {
	if s.acceptedLengths == nil {
		return 0
	}
	return s.acceptedLengths[slot]
}

// NewTokens returns the tokens (slot, beam) emitted during the last step.
func (s *State) NewTokens(slot, beam int) []int {
	off := s.beamIndex(slot, beam) * s.tokensPerStep
	return s.newTokens[off : off+s.numNewTokens[slot]]
}

// DraftTokens returns the draft tokens to verify at the next Medusa step.
func (s *State) DraftTokens(slot int) []int {
	if s.nextDraftTokens == nil {
		return nil
	}
	n := s.tokensPerStep - 1
	return s.nextDraftTokens[slot*n : (slot+1)*n]
}

// setPrompt loads the prompt of slot into every beam and resets lengths.
func (s *State) setPrompt(slot int, prompt []int) error {
	if len(prompt) > s.maxSeqLen {
		return configErrorf("prompt of %d tokens exceeds max sequence length %d", len(prompt), s.maxSeqLen)
	}
	for b := 0; b < s.beamWidth; b++ {
		copy(s.row(slot, b), prompt)
		s.sequenceLengths[s.beamIndex(slot, b)] = len(prompt)
	}
	s.inputLengths[slot] = len(prompt)
	return nil
}

func (s *State) setDraftTokens(slot int, tokens []int) error {
	drafts := s.DraftTokens(slot)
	if drafts == nil {
		return configErrorf("draft tokens require Medusa decoding")
	}
	if len(tokens) > len(drafts) {
		return configErrorf("%d draft tokens exceed %d tree positions", len(tokens), len(drafts))
	}
	copy(drafts, tokens)
	return nil
}

// resetSlot clears every buffer of a newly set up slot.
func (s *State) resetSlot(slot int) {
	for b := 0; b < s.stride; b++ {
		i := s.beamIndex(slot, b)
		s.finished[i] = 0
		s.sequenceLengths[i] = 0
		if b == 0 {
			s.cumLogProbs[i] = 0
		} else {
			s.cumLogProbs[i] = initialBeamLogProb
		}
	}
	s.inputLengths[slot] = 0
	s.finishedSum[slot] = 0
	s.numNewTokens[slot] = 0
	if s.acceptedLengths != nil {
		s.acceptedLengths[slot] = 0
		drafts := s.DraftTokens(slot)
		for i := range drafts {
			drafts[i] = -1
		}
	}
}

// appendToken writes token at the end of (slot, beam) as the k-th token of
// the current step and reports false when the history is already full.
func (s *State) appendToken(slot, beam, k, token int, logProb float32) bool {
	i := s.beamIndex(slot, beam)
	n := s.sequenceLengths[i]
	if n >= s.maxSeqLen {
		return false
	}
	s.row(slot, beam)[n] = token
	if s.outputLogProbs != nil {
		s.outputLogProbs[i*s.maxSeqLen+n] = logProb
	}
	if !math.IsInf(float64(logProb), -1) && !math.IsNaN(float64(logProb)) {
		s.cumLogProbs[i] += logProb
	}
	s.sequenceLengths[i] = n + 1
	s.newTokens[i*s.tokensPerStep+k] = token
	return true
}

func (s *State) markFinished(slot, beam int, reason FinishedState) {
	i := s.beamIndex(slot, beam)
	if s.finished[i] == 0 {
		s.finished[i] = reason
	}
}

func (s *State) recountFinished(slot int) {
	n := 0
	for b := 0; b < s.beamWidth; b++ {
		if s.finished[s.beamIndex(slot, b)].IsFinished() {
			n++
		}
	}
	s.finishedSum[slot] = n
}
