package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/yatoooon/dyndecode/internal/inference"
	"github.com/yatoooon/dyndecode/internal/logger"
)

// Engine is the part of inference.BatchEngine the server drives.
type Engine interface {
	Submit(ctx context.Context, opts inference.RequestOptions, stream inference.StreamFunc) (*inference.Result, error)
	Snapshot() inference.Snapshot
}

type Server struct {
	engine Engine
	log    logger.Logger
	clock  func() time.Time
}

func NewServer(engine Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		engine: engine,
		log:    log.With("component", "api"),
		clock:  time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/slots", s.handleSlots)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSlots(c *echo.Context) error {
	snap := s.engine.Snapshot()
	active := snap.Active
	if active == nil {
		active = []int{}
	}
	return c.JSON(http.StatusOK, SlotsResponse{
		Mode:         snap.Mode,
		MaxBatchSize: snap.MaxBatchSize,
		Active:       active,
		Free:         snap.Free,
		Queued:       snap.Queued,
		Steps:        snap.Steps,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine not configured", "", "")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := validateGenerate(&req); err != nil {
		return writeEngineError(c, err)
	}
	if boolValue(req.Stream) {
		return s.streamGenerate(c, &req)
	}

	res, err := s.engine.Submit(c.Request().Context(), req.options(newGenerationID()), nil)
	if err != nil {
		s.log.Debug("generate failed", "error", err)
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, s.response(&req, res))
}

// streamGenerate relays tokens through a tokenQueue so the engine loop never
// waits on the client connection and no token is dropped.
func (s *Server) streamGenerate(c *echo.Context, req *GenerateRequest) error {
	sse, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	queue := newTokenQueue()
	type outcome struct {
		res *inference.Result
		err error
	}
	done := make(chan outcome, 1)
	id := newGenerationID()
	go func() {
		res, err := s.engine.Submit(c.Request().Context(), req.options(id), queue.push)
		done <- outcome{res, err}
	}()

	c.Response().WriteHeader(http.StatusOK)
	if err := sse.Begin(id); err != nil {
		return err
	}
	var batch []int
	flush := func() error {
		batch = queue.take(batch)
		for _, tok := range batch {
			if err := sse.EmitToken(tok); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		select {
		case <-queue.ready:
			if err := flush(); err != nil {
				return err
			}
		case out := <-done:
			if err := flush(); err != nil {
				return err
			}
			if out.err != nil {
				_, typ := classify(out.err)
				return sse.Failed(typ, out.err)
			}
			return sse.Complete(s.response(req, out.res))
		}
	}
}

func (s *Server) response(req *GenerateRequest, res *inference.Result) *GenerateResponse {
	out := &GenerateResponse{
		ID:           res.ID,
		Object:       "generation",
		CreatedAt:    s.clock().Unix(),
		Tokens:       res.Tokens,
		FinishReason: res.FinishReason,
		LogProbs:     res.LogProbs,
		CumLogProb:   res.CumLogProb,
		Usage: Usage{
			PromptTokens:     len(req.Prompt),
			CompletionTokens: res.Stats.TokensGenerated,
			TotalTokens:      len(req.Prompt) + res.Stats.TokensGenerated,
			Steps:            res.Stats.Steps,
			TokensPerSecond:  res.Stats.TPS,
		},
	}
	if out.Tokens == nil {
		out.Tokens = []int{}
	}
	for _, h := range res.Beams {
		out.Beams = append(out.Beams, Beam{Tokens: h.Tokens, CumLogProb: h.CumLogProb, Score: h.Score})
	}
	return out
}

func validateGenerate(req *GenerateRequest) error {
	if len(req.Prompt) == 0 {
		return newInvalidRequest("prompt", "at least one token is required")
	}
	if req.MaxNewTokens != nil && *req.MaxNewTokens <= 0 {
		return newInvalidRequest("max_new_tokens", "%d must be positive", *req.MaxNewTokens)
	}
	for i, phrase := range req.Stop {
		if len(phrase) == 0 {
			return newInvalidRequest(fmt.Sprintf("stop[%d]", i), "empty sequence")
		}
	}
	for i, phrase := range req.BadWords {
		if len(phrase) == 0 {
			return newInvalidRequest(fmt.Sprintf("bad_words[%d]", i), "empty sequence")
		}
	}
	return nil
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
