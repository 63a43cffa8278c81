package api

import "github.com/yatoooon/dyndecode/internal/inference"

// GenerateRequest is the body of POST /v1/generate. Unset fields take the
// engine defaults.
type GenerateRequest struct {
	Prompt       []int   `json:"prompt"`
	MaxNewTokens *int    `json:"max_new_tokens,omitempty"`
	EndID        *int    `json:"end_id,omitempty"`
	Stop         [][]int `json:"stop,omitempty"`
	BadWords     [][]int `json:"bad_words,omitempty"`
	LogProbs     *bool   `json:"logprobs,omitempty"`
	Stream       *bool   `json:"stream,omitempty"`
	Seed         *uint64 `json:"seed,omitempty"`

	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MinLength         *int     `json:"min_length,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
	NoRepeatNgramSize *int     `json:"no_repeat_ngram_size,omitempty"`

	TopPDecay   *float64 `json:"top_p_decay,omitempty"`
	TopPMin     *float64 `json:"top_p_min,omitempty"`
	TopPResetID *int     `json:"top_p_reset_id,omitempty"`

	LengthPenalty       *float64 `json:"length_penalty,omitempty"`
	DiversityRate       *float64 `json:"beam_search_diversity_rate,omitempty"`
	EarlyStopping       *int     `json:"early_stopping,omitempty"`
	AcceptanceThreshold *float64 `json:"draft_acceptance_threshold,omitempty"`
}

func (r *GenerateRequest) options(id string) inference.RequestOptions {
	return inference.RequestOptions{
		ID:                  id,
		Prompt:              r.Prompt,
		MaxNewTokens:        r.MaxNewTokens,
		EndID:               r.EndID,
		Stop:                r.Stop,
		BadWords:            r.BadWords,
		LogProbs:            r.LogProbs,
		Seed:                r.Seed,
		Temperature:         r.Temperature,
		TopK:                r.TopK,
		TopP:                r.TopP,
		MinLength:           r.MinLength,
		RepetitionPenalty:   r.RepetitionPenalty,
		PresencePenalty:     r.PresencePenalty,
		FrequencyPenalty:    r.FrequencyPenalty,
		NoRepeatNgramSize:   r.NoRepeatNgramSize,
		TopPDecay:           r.TopPDecay,
		TopPMin:             r.TopPMin,
		TopPResetID:         r.TopPResetID,
		LengthPenalty:       r.LengthPenalty,
		DiversityRate:       r.DiversityRate,
		EarlyStopping:       r.EarlyStopping,
		AcceptanceThreshold: r.AcceptanceThreshold,
	}
}

type GenerateResponse struct {
	ID           string    `json:"id"`
	Object       string    `json:"object"`
	CreatedAt    int64     `json:"created_at"`
	Tokens       []int     `json:"tokens"`
	FinishReason string    `json:"finish_reason"`
	LogProbs     []float32 `json:"logprobs,omitempty"`
	CumLogProb   float32   `json:"cum_logprob"`
	Beams        []Beam    `json:"beams,omitempty"`
	Usage        Usage     `json:"usage"`
}

type Beam struct {
	Tokens     []int   `json:"tokens"`
	CumLogProb float32 `json:"cum_logprob"`
	Score      float32 `json:"score"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Steps            int     `json:"steps"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

type SlotsResponse struct {
	Mode         string `json:"mode"`
	MaxBatchSize int    `json:"max_batch_size"`
	Active       []int  `json:"active"`
	Free         int    `json:"free"`
	Queued       int    `json:"queued"`
	Steps        int64  `json:"steps"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// streamEvent is one server-sent event of a streamed generation.
type streamEvent struct {
	Type           string            `json:"type"`
	SequenceNumber int               `json:"sequence_number"`
	ID             string            `json:"id,omitempty"`
	Token          *int              `json:"token,omitempty"`
	Response       *GenerateResponse `json:"response,omitempty"`
	Error          *ResponseError    `json:"error,omitempty"`
}
