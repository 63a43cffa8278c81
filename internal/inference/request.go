package inference

import "github.com/yatoooon/dyndecode/internal/decoding"

const (
	defaultMaxNewTokens = 16
	defaultEndID        = 0
)

// GenDefaults holds engine-wide generation defaults. Nil fields leave the
// decoder default in place.
type GenDefaults struct {
	MaxNewTokens      *int
	EndID             *int
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
	LengthPenalty     *float64
	EarlyStopping     *int
}

// RequestOptions is what a caller may set on one request. Nil fields fall
// back to GenDefaults, then to the decoder defaults.
type RequestOptions struct {
	// ID names the request. Empty IDs get a generated one.
	ID     string
	Prompt []int

	MaxNewTokens *int
	EndID        *int
	Stop         [][]int
	BadWords     [][]int
	LogProbs     *bool
	Seed         *uint64

	Temperature       *float64
	TopK              *int
	TopP              *float64
	MinLength         *int
	RepetitionPenalty *float64
	PresencePenalty   *float64
	FrequencyPenalty  *float64
	NoRepeatNgramSize *int

	TopPDecay   *float64
	TopPMin     *float64
	TopPResetID *int

	LengthPenalty       *float64
	DiversityRate       *float64
	EarlyStopping       *int
	AcceptanceThreshold *float64
}

// ResolveRequest builds a single-request config. Defaults only fill fields
// mode reads; explicit options are kept as given so the decoder can reject
// the ones mode does not take.
func ResolveRequest(opts RequestOptions, defaults GenDefaults, mode decoding.DecodingMode) Request {
	req := Request{
		ID:           opts.ID,
		Prompt:       opts.Prompt,
		MaxNewTokens: defaultMaxNewTokens,
		EndID:        defaultEndID,
	}
	if defaults.MaxNewTokens != nil && *defaults.MaxNewTokens > 0 {
		req.MaxNewTokens = *defaults.MaxNewTokens
	}
	if defaults.EndID != nil {
		req.EndID = *defaults.EndID
	}
	if opts.MaxNewTokens != nil {
		req.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.EndID != nil {
		req.EndID = *opts.EndID
	}
	if opts.LogProbs != nil {
		req.LogProbs = *opts.LogProbs
	}
	if len(opts.Stop) > 0 {
		req.StopWords = BuildStopWords(req.EndID, opts.Stop)
	}
	if len(opts.BadWords) > 0 {
		req.BadWords = decoding.WordsList(opts.BadWords)
	}

	cfg := &req.Sampling
	if defaults.Temperature != nil && *defaults.Temperature > 0 {
		cfg.Temperature = f32(*defaults.Temperature)
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		cfg.RepetitionPenalty = f32(*defaults.RepetitionPenalty)
	}
	if (mode.IsTopK() || mode.IsMedusa()) && defaults.TopK != nil && *defaults.TopK > 0 {
		cfg.TopK = one(*defaults.TopK)
	}
	if mode.IsTopP() && defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		cfg.TopP = f32(*defaults.TopP)
	}
	if mode.IsBeamSearch() {
		if defaults.LengthPenalty != nil {
			cfg.LengthPenalty = f32(*defaults.LengthPenalty)
		}
		if defaults.EarlyStopping != nil {
			cfg.EarlyStopping = one(*defaults.EarlyStopping)
		}
	}

	setF32(&cfg.Temperature, opts.Temperature)
	setF32(&cfg.TopP, opts.TopP)
	setF32(&cfg.RepetitionPenalty, opts.RepetitionPenalty)
	setF32(&cfg.PresencePenalty, opts.PresencePenalty)
	setF32(&cfg.FrequencyPenalty, opts.FrequencyPenalty)
	setF32(&cfg.TopPDecay, opts.TopPDecay)
	setF32(&cfg.TopPMin, opts.TopPMin)
	setF32(&cfg.LengthPenalty, opts.LengthPenalty)
	setF32(&cfg.BeamSearchDiversityRate, opts.DiversityRate)
	setF32(&cfg.DraftAcceptanceThreshold, opts.AcceptanceThreshold)
	set(&cfg.TopK, opts.TopK)
	set(&cfg.MinLength, opts.MinLength)
	set(&cfg.NoRepeatNgramSize, opts.NoRepeatNgramSize)
	set(&cfg.TopPResetIDs, opts.TopPResetID)
	set(&cfg.EarlyStopping, opts.EarlyStopping)
	set(&cfg.RandomSeed, opts.Seed)
	return req
}

func one[T any](v T) []T { return []T{v} }

func f32(v float64) []float32 { return []float32{float32(v)} }

func set[T any](dst *[]T, v *T) {
	if v != nil {
		*dst = one(*v)
	}
}

func setF32(dst *[]float32, v *float64) {
	if v != nil {
		*dst = f32(*v)
	}
}
