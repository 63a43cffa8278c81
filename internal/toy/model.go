package toy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/x448/float16"

	"github.com/yatoooon/dyndecode/internal/logits"
)

// ErrEmptySequence is returned when a forward pass is asked for the logits
// of a sequence with no tokens.
var ErrEmptySequence = errors.New("toy: empty sequence")

// LM is a minimal language model used for testing and benchmarking the
// decoder. It is a bigram model: the logits after a sequence depend only on
// its last token, through an embedding matrix, a projection back to the
// vocabulary and a bias. Medusa heads are exact: head h predicts the token
// h+2 greedy steps ahead, so greedy tree decoding accepts every draft.
type LM struct {
	Vocab  int
	Padded int
	Hidden int
	Heads  int

	Emb  []float32 // [Vocab x Hidden] embedding matrix
	W    []float32 // [Hidden x Vocab] projection weights
	Bias []float32 // [Vocab] bias added to logits

	// greedy[t] is the arg-max successor of token t.
	greedy []int
}

// Options shapes a model. Zero fields take defaults.
type Options struct {
	Vocab  int
	Hidden int
	// Padded rounds the logits row up to this width. Entries past Vocab are
	// written as zero and must be masked by the consumer.
	Padded int
	Heads  int
	Seed   uint64
	// Scale sharpens (>1) or flattens (<1) every distribution.
	Scale float32
}

// New constructs a model whose weights derive deterministically from
// opts.Seed.
func New(opts Options) (*LM, error) {
	if opts.Vocab <= 0 {
		return nil, fmt.Errorf("toy: vocab %d must be positive", opts.Vocab)
	}
	if opts.Hidden <= 0 {
		opts.Hidden = 16
	}
	if opts.Padded < opts.Vocab {
		opts.Padded = opts.Vocab
	}
	if opts.Heads < 0 {
		return nil, fmt.Errorf("toy: negative head count %d", opts.Heads)
	}
	if opts.Scale == 0 {
		opts.Scale = 4
	}

	m := &LM{
		Vocab:  opts.Vocab,
		Padded: opts.Padded,
		Hidden: opts.Hidden,
		Heads:  opts.Heads,
		Emb:    make([]float32, opts.Vocab*opts.Hidden),
		W:      make([]float32, opts.Hidden*opts.Vocab),
		Bias:   make([]float32, opts.Vocab),
		greedy: make([]int, opts.Vocab),
	}
	norm := opts.Scale / float32(math.Sqrt(float64(opts.Hidden)))
	fill(m.Emb, opts.Seed+11, 1)
	fill(m.W, opts.Seed+23, norm)

	row := make([]float32, m.Padded)
	for t := range m.greedy {
		m.Logits(row, t)
		m.greedy[t] = logits.Argmax(row[:m.Vocab])
	}
	return m, nil
}

func fill(dst []float32, seed uint64, scale float32) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range dst {
		dst[i] = float32(rng.NormFloat64()) * scale
	}
}

func (m *LM) VocabSize() int       { return m.Vocab }
func (m *LM) PaddedVocabSize() int { return m.Padded }
func (m *LM) MedusaHeads() int     { return m.Heads }

// wrap reduces a token index into [0, Vocab).
func (m *LM) wrap(tok int) int {
	tok %= m.Vocab
	if tok < 0 {
		tok += m.Vocab
	}
	return tok
}

// Logits writes the logits that follow tok into dst, which must hold at
// least Padded entries.
func (m *LM) Logits(dst []float32, tok int) {
	h := m.Emb[m.wrap(tok)*m.Hidden:][:m.Hidden]
	for j := 0; j < m.Vocab; j++ {
		var sum float32
		for i, x := range h {
			sum += x * m.W[i*m.Vocab+j]
		}
		dst[j] = sum + m.Bias[j]
	}
	clear(dst[m.Vocab:m.Padded])
}

// Next returns the greedy successor of tok.
func (m *LM) Next(tok int) int { return m.greedy[m.wrap(tok)] }

// Forward returns one logits row per sequence, laid out back to back with
// Padded entries each. Sequences are only read during the call.
func (m *LM) Forward(ctx context.Context, seqs [][]int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float32, len(seqs)*m.Padded)
	for i, seq := range seqs {
		if len(seq) == 0 {
			return nil, fmt.Errorf("sequence %d: %w", i, ErrEmptySequence)
		}
		m.Logits(out[i*m.Padded:][:m.Padded], seq[len(seq)-1])
	}
	return out, nil
}

// ForwardHalf is Forward rounded to float16, the way a half-precision
// checkpoint would emit it.
func (m *LM) ForwardHalf(ctx context.Context, seqs [][]int) ([]float16.Float16, error) {
	out, err := m.Forward(ctx, seqs)
	if err != nil {
		return nil, err
	}
	return logits.ToHalf(out), nil
}

// ForwardTree scores a draft tree per sequence. Tree position 0 holds the
// last token of the sequence and position t > 0 holds drafts[i][t-1];
// parents[t] names the position t extends. The result holds base logits
// shaped [len(seqs)][tokensPerStep][Padded] and, per head, logits of the
// same shape.
func (m *LM) ForwardTree(ctx context.Context, seqs, drafts [][]int, parents []int) ([]float32, [][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if len(drafts) != len(seqs) {
		return nil, nil, fmt.Errorf("toy: %d draft rows for %d sequences", len(drafts), len(seqs))
	}
	tps := len(parents)
	if tps == 0 {
		tps = 1
	}
	base := make([]float32, len(seqs)*tps*m.Padded)
	heads := make([][]float32, m.Heads)
	for h := range heads {
		heads[h] = make([]float32, len(base))
	}
	for i, seq := range seqs {
		if len(seq) == 0 {
			return nil, nil, fmt.Errorf("sequence %d: %w", i, ErrEmptySequence)
		}
		if len(drafts[i]) < tps-1 {
			return nil, nil, fmt.Errorf("toy: sequence %d has %d drafts for %d tree positions", i, len(drafts[i]), tps)
		}
		for t := 0; t < tps; t++ {
			tok := seq[len(seq)-1]
			if t > 0 {
				tok = drafts[i][t-1]
			}
			off := (i*tps + t) * m.Padded
			m.Logits(base[off:][:m.Padded], tok)
			ahead := tok
			for h := range heads {
				ahead = m.Next(ahead)
				m.Logits(heads[h][off:][:m.Padded], ahead)
			}
		}
	}
	return base, heads, nil
}
