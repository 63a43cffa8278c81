package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/yatoooon/dyndecode/internal/api"
	"github.com/yatoooon/dyndecode/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: concat(engineFlags(), generationFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyConfig(cmd, fileConfig)
			applyServeConfig(cmd, fileConfig, &addr)

			engine, err := buildEngine(log)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := engine.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("engine stopped", "error", err)
				}
			}()
			defer engine.Close()

			server := api.NewServer(engine, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "mode", engine.Mode().String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
