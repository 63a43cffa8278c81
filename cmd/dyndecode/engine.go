package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yatoooon/dyndecode/internal/decoding"
	"github.com/yatoooon/dyndecode/internal/inference"
	"github.com/yatoooon/dyndecode/internal/logger"
	"github.com/yatoooon/dyndecode/internal/toy"
)

// buildEngine constructs the toy model and a batch engine from the flag
// variables. The caller runs and closes the engine.
func buildEngine(log logger.Logger) (*inference.BatchEngine, error) {
	mode, err := decoding.ParseDecodingMode(decodingMode)
	if err != nil {
		return nil, err
	}
	heads := 0
	if mode.IsMedusa() {
		heads = int(medusaHeads)
	}
	model, err := toy.New(toy.Options{
		Vocab:  int(vocabSize),
		Hidden: int(hiddenSize),
		Heads:  heads,
		Seed:   modelSeed,
	})
	if err != nil {
		return nil, err
	}

	var tree *inference.Tree
	if mode.IsMedusa() && medusaChoices != "" {
		choices, err := parseChoices(medusaChoices)
		if err != nil {
			return nil, err
		}
		if tree, err = inference.NewTree(choices); err != nil {
			return nil, err
		}
	}

	return inference.NewEngine(model, inference.Config{
		Mode:           mode,
		BeamWidth:      int(beamWidth),
		MaxBatchSize:   int(maxBatchSize),
		MaxSeqLen:      int(maxSeqLen),
		QueueSize:      int(queueSize),
		Parallelism:    int(parallelism),
		ReturnLogProbs: returnLogProbs,
		HalfPrecision:  halfPrecision,
		Tree:           tree,
		Defaults:       genDefaults(),
		Logger:         log,
	})
}

// genDefaults keeps only the generation flags that differ from "off".
func genDefaults() inference.GenDefaults {
	d := inference.GenDefaults{
		MaxNewTokens:  intPtr(maxNewTokens),
		EndID:         intPtr(endID),
		EarlyStopping: intPtr(earlyStopping),
	}
	if temperature > 0 {
		d.Temperature = &temperature
	}
	if topK > 0 {
		d.TopK = intPtr(topK)
	}
	if topP > 0 {
		d.TopP = &topP
	}
	if repetition > 0 {
		d.RepetitionPenalty = &repetition
	}
	if lengthPenalty != 0 {
		d.LengthPenalty = &lengthPenalty
	}
	return d
}

func intPtr(v int64) *int {
	n := int(v)
	return &n
}

// parseTokens reads a comma separated token list such as "1,2,3".
func parseTokens(s string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", field, err)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tokens in %q", s)
	}
	return out, nil
}

// parseChoices reads semicolon separated rank paths such as "0;1;0,0".
func parseChoices(s string) ([][]int, error) {
	var out [][]int
	for _, part := range strings.Split(s, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		choice, err := parseTokens(part)
		if err != nil {
			return nil, fmt.Errorf("medusa choice: %w", err)
		}
		out = append(out, choice)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no medusa choices in %q", s)
	}
	return out, nil
}
