package decoding

import (
	"errors"
	"slices"
)

// Default values applied to slots whose request left a parameter unset while
// another request of the same batch set it.
const (
	DefaultTemperature              float32 = 1.0
	DefaultMinLength                        = 1
	DefaultRepetitionPenalty        float32 = 1.0
	DefaultPresencePenalty          float32 = 0.0
	DefaultFrequencyPenalty         float32 = 0.0
	DefaultNoRepeatNgramSize                = 0
	DefaultTopK                             = 0
	DefaultTopP                     float32 = 0.0
	DefaultRandomSeed               uint64  = 0
	DefaultTopPDecay                float32 = 1.0
	DefaultTopPMin                  float32 = 1e-6
	DefaultTopPResetID                      = -1
	DefaultBeamSearchDiversityRate  float32 = 0.0
	DefaultLengthPenalty            float32 = 0.0
	DefaultEarlyStopping                    = 1
	DefaultDraftAcceptanceThreshold float32 = 0.0

	// maxTopK bounds top-k, matching the largest k the sampling kernels handle.
	maxTopK = 1024
)

// SamplingConfig carries optional sampling parameters. A nil field is absent;
// a present field holds either one value broadcast to every slot of the batch
// or exactly one value per slot.
type SamplingConfig struct {
	BeamWidth int

	Temperature       []float32
	MinLength         []int
	RepetitionPenalty []float32
	PresencePenalty   []float32
	FrequencyPenalty  []float32
	NoRepeatNgramSize []int

	TopK         []int
	TopP         []float32
	RandomSeed   []uint64
	TopPDecay    []float32
	TopPMin      []float32
	TopPResetIDs []int

	BeamSearchDiversityRate []float32
	LengthPenalty           []float32
	EarlyStopping           []int

	DraftAcceptanceThreshold []float32
	// TopKMedusaHeads holds, per slot, the number of candidates kept from each
	// Medusa head.
	TopKMedusaHeads [][]int

	NormalizeLogProbs *bool
}

// FuseSamplingConfigs merges single-request configs into one config of batch
// size len(configs). A field stays absent when no request sets it; otherwise
// every request contributes one value, the field default standing in for
// requests that left it unset. A request that sets a field must set exactly
// one value.
func FuseSamplingConfigs(configs []SamplingConfig) (SamplingConfig, error) {
	if len(configs) == 0 {
		return SamplingConfig{}, configErrorf("no sampling configs to fuse")
	}
	out := SamplingConfig{BeamWidth: configs[0].BeamWidth}
	for i := range configs {
		if configs[i].BeamWidth != out.BeamWidth {
			return SamplingConfig{}, configErrorf("request %d: beam width %d differs from %d",
				i, configs[i].BeamWidth, out.BeamWidth)
		}
		norm := configs[i].NormalizeLogProbs
		switch {
		case norm == nil:
		case out.NormalizeLogProbs == nil:
			out.NormalizeLogProbs = norm
		case *norm != *out.NormalizeLogProbs:
			return SamplingConfig{}, configErrorf("request %d: normalize_log_probs %t differs from %t",
				i, *norm, *out.NormalizeLogProbs)
		}
	}

	var err error
	fuse := func(name string, f func() error) {
		if err == nil {
			if e := f(); e != nil {
				err = configErrorf("%s: %v", name, e)
			}
		}
	}
	fuse("temperature", func() (e error) {
		out.Temperature, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.Temperature }, DefaultTemperature)
		return
	})
	fuse("min_length", func() (e error) {
		out.MinLength, e = fuseValues(configs, func(c *SamplingConfig) []int { return c.MinLength }, DefaultMinLength)
		return
	})
	fuse("repetition_penalty", func() (e error) {
		out.RepetitionPenalty, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.RepetitionPenalty }, DefaultRepetitionPenalty)
		return
	})
	fuse("presence_penalty", func() (e error) {
		out.PresencePenalty, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.PresencePenalty }, DefaultPresencePenalty)
		return
	})
	fuse("frequency_penalty", func() (e error) {
		out.FrequencyPenalty, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.FrequencyPenalty }, DefaultFrequencyPenalty)
		return
	})
	fuse("no_repeat_ngram_size", func() (e error) {
		out.NoRepeatNgramSize, e = fuseValues(configs, func(c *SamplingConfig) []int { return c.NoRepeatNgramSize }, DefaultNoRepeatNgramSize)
		return
	})
	fuse("top_k", func() (e error) {
		out.TopK, e = fuseValues(configs, func(c *SamplingConfig) []int { return c.TopK }, DefaultTopK)
		return
	})
	fuse("top_p", func() (e error) {
		out.TopP, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.TopP }, DefaultTopP)
		return
	})
	fuse("random_seed", func() (e error) {
		out.RandomSeed, e = fuseValues(configs, func(c *SamplingConfig) []uint64 { return c.RandomSeed }, DefaultRandomSeed)
		return
	})
	fuse("top_p_decay", func() (e error) {
		out.TopPDecay, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.TopPDecay }, DefaultTopPDecay)
		return
	})
	fuse("top_p_min", func() (e error) {
		out.TopPMin, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.TopPMin }, DefaultTopPMin)
		return
	})
	fuse("top_p_reset_ids", func() (e error) {
		out.TopPResetIDs, e = fuseValues(configs, func(c *SamplingConfig) []int { return c.TopPResetIDs }, DefaultTopPResetID)
		return
	})
	fuse("beam_search_diversity_rate", func() (e error) {
		out.BeamSearchDiversityRate, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.BeamSearchDiversityRate }, DefaultBeamSearchDiversityRate)
		return
	})
	fuse("length_penalty", func() (e error) {
		out.LengthPenalty, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.LengthPenalty }, DefaultLengthPenalty)
		return
	})
	fuse("early_stopping", func() (e error) {
		out.EarlyStopping, e = fuseValues(configs, func(c *SamplingConfig) []int { return c.EarlyStopping }, DefaultEarlyStopping)
		return
	})
	fuse("draft_acceptance_threshold", func() (e error) {
		out.DraftAcceptanceThreshold, e = fuseValues(configs, func(c *SamplingConfig) []float32 { return c.DraftAcceptanceThreshold }, DefaultDraftAcceptanceThreshold)
		return
	})
	fuse("top_k_medusa_heads", func() (e error) {
		out.TopKMedusaHeads, e = fuseValues(configs, func(c *SamplingConfig) [][]int { return c.TopKMedusaHeads }, nil)
		return
	})
	if err != nil {
		return SamplingConfig{}, err
	}
	return out, nil
}

func fuseValues[T any](configs []SamplingConfig, accessor func(*SamplingConfig) []T, def T) ([]T, error) {
	present := false
	for i := range configs {
		if accessor(&configs[i]) != nil {
			present = true
			break
		}
	}
	if !present {
		return nil, nil
	}
	values := make([]T, len(configs))
	for i := range configs {
		v := accessor(&configs[i])
		switch len(v) {
		case 0:
			if v != nil {
				return nil, errors.New("request sets an empty value")
			}
			values[i] = def
		case 1:
			values[i] = v[0]
		default:
			return nil, errors.New("single-request config carries more than one value")
		}
	}
	return values, nil
}

// Validate checks vector shapes against batchSize and parameter ranges.
func (c *SamplingConfig) Validate(batchSize int) error {
	if batchSize <= 0 {
		return configErrorf("batch size %d must be positive", batchSize)
	}
	checks := []struct {
		name string
		n    int
		set  bool
	}{
		{"temperature", len(c.Temperature), c.Temperature != nil},
		{"min_length", len(c.MinLength), c.MinLength != nil},
		{"repetition_penalty", len(c.RepetitionPenalty), c.RepetitionPenalty != nil},
		{"presence_penalty", len(c.PresencePenalty), c.PresencePenalty != nil},
		{"frequency_penalty", len(c.FrequencyPenalty), c.FrequencyPenalty != nil},
		{"no_repeat_ngram_size", len(c.NoRepeatNgramSize), c.NoRepeatNgramSize != nil},
		{"top_k", len(c.TopK), c.TopK != nil},
		{"top_p", len(c.TopP), c.TopP != nil},
		{"random_seed", len(c.RandomSeed), c.RandomSeed != nil},
		{"top_p_decay", len(c.TopPDecay), c.TopPDecay != nil},
		{"top_p_min", len(c.TopPMin), c.TopPMin != nil},
		{"top_p_reset_ids", len(c.TopPResetIDs), c.TopPResetIDs != nil},
		{"beam_search_diversity_rate", len(c.BeamSearchDiversityRate), c.BeamSearchDiversityRate != nil},
		{"length_penalty", len(c.LengthPenalty), c.LengthPenalty != nil},
		{"early_stopping", len(c.EarlyStopping), c.EarlyStopping != nil},
		{"draft_acceptance_threshold", len(c.DraftAcceptanceThreshold), c.DraftAcceptanceThreshold != nil},
		{"top_k_medusa_heads", len(c.TopKMedusaHeads), c.TopKMedusaHeads != nil},
	}
	for _, ch := range checks {
		if ch.set && ch.n != 1 && ch.n != batchSize {
			return configErrorf("%s has %d values, want 1 or %d", ch.name, ch.n, batchSize)
		}
	}

	for i, t := range c.Temperature {
		if !(t > 0) {
			return configErrorf("temperature[%d] = %v must be positive", i, t)
		}
	}
	for i, v := range c.MinLength {
		if v < 0 {
			return configErrorf("min_length[%d] = %d must not be negative", i, v)
		}
	}
	for i, v := range c.RepetitionPenalty {
		if !(v > 0) {
			return configErrorf("repetition_penalty[%d] = %v must be positive", i, v)
		}
	}
	for i, v := range c.NoRepeatNgramSize {
		if v < 0 {
			return configErrorf("no_repeat_ngram_size[%d] = %d must not be negative", i, v)
		}
	}
	for i, k := range c.TopK {
		if k < 0 || k > maxTopK {
			return configErrorf("top_k[%d] = %d outside [0, %d]", i, k, maxTopK)
		}
	}
	for i, p := range c.TopP {
		if p < 0 || p > 1 {
			return configErrorf("top_p[%d] = %v outside [0, 1]", i, p)
		}
	}
	for i, d := range c.TopPDecay {
		if !(d > 0 && d <= 1) {
			return configErrorf("top_p_decay[%d] = %v outside (0, 1]", i, d)
		}
	}
	for i, m := range c.TopPMin {
		if !(m > 0 && m <= 1) {
			return configErrorf("top_p_min[%d] = %v outside (0, 1]", i, m)
		}
	}
	if c.TopPMin != nil {
		for i := 0; i < batchSize; i++ {
			p := valueAt(c.TopP, i, DefaultTopP)
			if p > 0 && valueAt(c.TopPMin, i, DefaultTopPMin) > p {
				return configErrorf("slot %d: top_p_min %v exceeds top_p %v", i,
					valueAt(c.TopPMin, i, DefaultTopPMin), p)
			}
		}
	}
	for i, v := range c.DraftAcceptanceThreshold {
		if v < 0 || v > 1 {
			return configErrorf("draft_acceptance_threshold[%d] = %v outside [0, 1]", i, v)
		}
	}
	for i, heads := range c.TopKMedusaHeads {
		for h, k := range heads {
			if k <= 0 || k > maxTopK {
				return configErrorf("top_k_medusa_heads[%d][%d] = %d outside [1, %d]", i, h, k, maxTopK)
			}
		}
	}
	return nil
}

// Broadcast returns a copy of c with every present field expanded to
// batchSize values.
func (c SamplingConfig) Broadcast(batchSize int) SamplingConfig {
	out := c
	out.Temperature = broadcast(c.Temperature, batchSize)
	out.MinLength = broadcast(c.MinLength, batchSize)
	out.RepetitionPenalty = broadcast(c.RepetitionPenalty, batchSize)
	out.PresencePenalty = broadcast(c.PresencePenalty, batchSize)
	out.FrequencyPenalty = broadcast(c.FrequencyPenalty, batchSize)
	out.NoRepeatNgramSize = broadcast(c.NoRepeatNgramSize, batchSize)
	out.TopK = broadcast(c.TopK, batchSize)
	out.TopP = broadcast(c.TopP, batchSize)
	out.RandomSeed = broadcast(c.RandomSeed, batchSize)
	out.TopPDecay = broadcast(c.TopPDecay, batchSize)
	out.TopPMin = broadcast(c.TopPMin, batchSize)
	out.TopPResetIDs = broadcast(c.TopPResetIDs, batchSize)
	out.BeamSearchDiversityRate = broadcast(c.BeamSearchDiversityRate, batchSize)
	out.LengthPenalty = broadcast(c.LengthPenalty, batchSize)
	out.EarlyStopping = broadcast(c.EarlyStopping, batchSize)
	out.DraftAcceptanceThreshold = broadcast(c.DraftAcceptanceThreshold, batchSize)
	out.TopKMedusaHeads = broadcast(c.TopKMedusaHeads, batchSize)
	return out
}

func broadcast[T any](v []T, n int) []T {
	if v == nil {
		return nil
	}
	if len(v) != 1 {
		return slices.Clone(v)
	}
	out := make([]T, n)
	for i := range out {
		out[i] = v[0]
	}
	return out
}

// valueAt resolves the value of batch index i for an optional field.
func valueAt[T any](v []T, i int, def T) T {
	switch len(v) {
	case 0:
		return def
	case 1:
		return v[0]
	default:
		return v[i]
	}
}

// scatter writes the per-batch-index values of an optional field into the
// slot-indexed parameter table dst.
func scatter[T any](dst []T, batchSlots []int, v []T, def T) {
	for i, slot := range batchSlots {
		dst[slot] = valueAt(v, i, def)
	}
}
