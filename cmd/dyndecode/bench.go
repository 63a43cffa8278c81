package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/yatoooon/dyndecode/internal/inference"
	"github.com/yatoooon/dyndecode/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		requests    int64
		concurrency int64
		promptLen   int64
		seed        uint64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure batched decoding throughput on random prompts",
		Flags: concat(engineFlags(), generationFlags(), []cli.Flag{
			&cli.Int64Flag{
				Name:        "requests",
				Usage:       "number of requests to decode",
				Value:       64,
				Destination: &requests,
			},
			&cli.Int64Flag{
				Name:        "concurrency",
				Usage:       "requests in flight at once (0 means batch size)",
				Destination: &concurrency,
			},
			&cli.Int64Flag{
				Name:        "prompt-len",
				Usage:       "tokens per random prompt",
				Value:       8,
				Destination: &promptLen,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "seed for prompts and sampling",
				Value:       42,
				Destination: &seed,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyConfig(cmd, fileConfig)

			if requests <= 0 || promptLen <= 0 {
				return cli.Exit("error: --requests and --prompt-len must be positive", 1)
			}
			if concurrency <= 0 {
				concurrency = maxBatchSize
			}

			engine, err := buildEngine(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { _ = engine.Run(runCtx) }()
			defer engine.Close()

			rng := rand.New(rand.NewPCG(seed, 0))
			opts := make([]inference.RequestOptions, requests)
			for i := range opts {
				prompt := make([]int, promptLen)
				for j := range prompt {
					prompt[j] = 1 + rng.IntN(int(vocabSize)-1)
				}
				s := seed + uint64(i)
				opts[i] = inference.RequestOptions{Prompt: prompt, Seed: &s}
			}

			fmt.Println("=== dyndecode bench ===")
			fmt.Printf("Mode:        %s\n", engine.Mode())
			fmt.Printf("Batch size:  %d\n", maxBatchSize)
			fmt.Printf("Beam width:  %d\n", beamWidth)
			fmt.Printf("Vocab:       %s\n", humanize.Comma(vocabSize))
			fmt.Printf("Requests:    %s (concurrency %d)\n", humanize.Comma(requests), concurrency)
			fmt.Printf("GOMAXPROCS:  %d\n", runtime.GOMAXPROCS(0))
			fmt.Println()

			var (
				mu     sync.Mutex
				tokens int
				queued time.Duration
			)
			reasons := map[string]int{}
			start := time.Now()
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(int(concurrency))
			for i := range opts {
				g.Go(func() error {
					res, err := engine.Submit(gctx, opts[i], nil)
					if err != nil {
						return fmt.Errorf("request %d: %w", i, err)
					}
					mu.Lock()
					tokens += res.Stats.TokensGenerated
					queued += res.Stats.Queued
					reasons[res.FinishReason]++
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			elapsed := time.Since(start)
			steps := engine.Snapshot().Steps

			fmt.Println("=== Results ===")
			fmt.Printf("Elapsed:     %s\n", elapsed.Round(time.Millisecond))
			fmt.Printf("Tokens:      %s\n", humanize.Comma(int64(tokens)))
			fmt.Printf("Steps:       %s\n", humanize.Comma(steps))
			fmt.Printf("Throughput:  %s tok/s\n", humanize.CommafWithDigits(float64(tokens)/elapsed.Seconds(), 1))
			if steps > 0 {
				fmt.Printf("Tokens/step: %.2f\n", float64(tokens)/float64(steps))
			}
			fmt.Printf("Avg queued:  %s\n", (queued / time.Duration(requests)).Round(time.Microsecond))
			for reason, n := range reasons {
				fmt.Printf("Finish %-12s %d\n", reason+":", n)
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %s alloc, %s sys\n", humanize.Bytes(mem.Alloc), humanize.Bytes(mem.Sys))
			return nil
		},
	}
}
