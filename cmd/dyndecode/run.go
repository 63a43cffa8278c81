package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/yatoooon/dyndecode/internal/inference"
	"github.com/yatoooon/dyndecode/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompts  []string
		asJSON   bool
		seed     uint64
		stream   bool
		stopSeqs []string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Decode one or more prompts as a single batch",
		Flags: concat(engineFlags(), generationFlags(), []cli.Flag{
			&cli.StringSliceFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "comma separated prompt tokens, repeatable",
				Destination: &prompts,
			},
			&cli.StringSliceFlag{
				Name:        "stop",
				Usage:       "comma separated stop sequence, repeatable",
				Destination: &stopSeqs,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "sampling seed; request i uses seed+i",
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "stream",
				Usage:       "print tokens as they are decoded (single prompt only)",
				Destination: &stream,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyConfig(cmd, fileConfig)

			if len(prompts) == 0 {
				return cli.Exit("error: at least one --prompt is required", 1)
			}
			if stream && len(prompts) > 1 {
				return cli.Exit("error: --stream takes a single --prompt", 1)
			}
			reqs := make([]inference.RequestOptions, len(prompts))
			var stop [][]int
			for _, s := range stopSeqs {
				toks, err := parseTokens(s)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: --stop: %v", err), 1)
				}
				stop = append(stop, toks)
			}
			for i, p := range prompts {
				toks, err := parseTokens(p)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: --prompt %d: %v", i, err), 1)
				}
				reqs[i] = inference.RequestOptions{Prompt: toks, Stop: stop}
				if cmd.IsSet("seed") {
					s := seed + uint64(i)
					reqs[i].Seed = &s
				}
				if returnLogProbs {
					reqs[i].LogProbs = &returnLogProbs
				}
			}

			engine, err := buildEngine(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() { _ = engine.Run(runCtx) }()
			defer engine.Close()

			var streamFn inference.StreamFunc
			if stream && !asJSON {
				streamFn = func(tok int) { fmt.Fprintf(os.Stdout, "%d ", tok) }
			}

			results := make([]*inference.Result, len(reqs))
			g, gctx := errgroup.WithContext(ctx)
			for i := range reqs {
				g.Go(func() error {
					res, err := engine.Submit(gctx, reqs[i], streamFn)
					if err != nil {
						return fmt.Errorf("prompt %d: %w", i, err)
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if streamFn != nil {
				fmt.Fprintln(os.Stdout)
			}

			if asJSON {
				return writeJSON(os.Stdout, results)
			}
			for i, res := range results {
				printResult(os.Stdout, i, res)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

func printResult(w io.Writer, i int, res *inference.Result) {
	toks := make([]string, len(res.Tokens))
	for j, t := range res.Tokens {
		toks[j] = fmt.Sprint(t)
	}
	fmt.Fprintf(w, "[%d] %s\n", i, strings.Join(toks, " "))
	fmt.Fprintf(w, "    finish=%s tokens=%d steps=%d cum_logprob=%.4f\n",
		res.FinishReason, res.Stats.TokensGenerated, res.Stats.Steps, res.CumLogProb)
	for b, h := range res.Beams {
		fmt.Fprintf(w, "    beam %d score=%.4f %v\n", b, h.Score, h.Tokens)
	}
}
