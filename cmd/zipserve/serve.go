package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/zipserve/zipserve/internal/config"
	"github.com/zipserve/zipserve/internal/logging"
	"github.com/zipserve/zipserve/internal/server"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the archive download service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML config file",
		},
		&cli.StringFlag{
			Name:  "listen",
			Value: ":8080",
			Usage: "Address to listen on",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Catalog whose subdirectories are served as archives",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Value: config.DefaultChunkSize,
			Usage: "Bytes per chunk written to the response",
		},
		&cli.DurationFlag{
			Name:  "delay",
			Usage: "Pause between chunks (e.g. 500ms), 0 disables",
		},
		&cli.StringFlag{
			Name:  "index",
			Value: "index.html",
			Usage: "Page served at /",
		},
		&cli.StringFlag{
			Name:  "archiver",
			Value: config.ArchiverCommand,
			Usage: "Archiver implementation: zip (external command) or builtin",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := logging.Logger(ctx)

		cfg := config.Default()
		if path := command.String("config"); path != "" {
			if err := cfg.LoadFile(path); err != nil {
				return fmt.Errorf("load config %s: %w", path, err)
			}
		}
		if command.IsSet("listen") {
			cfg.Listen = command.String("listen")
		}
		if command.IsSet("root") {
			cfg.Root = command.String("root")
		}
		if command.IsSet("chunk-size") {
			cfg.ChunkSize = int(command.Int("chunk-size"))
		}
		if command.IsSet("delay") {
			cfg.Delay = command.Duration("delay")
		}
		if command.IsSet("index") {
			cfg.IndexFile = command.String("index")
		}
		if command.IsSet("archiver") {
			cfg.Archiver = command.String("archiver")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		srv, err := server.New(logger, cfg)
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}

		logger.Info("serving archives",
			zap.String("listen", cfg.Listen),
			zap.String("root", cfg.Root),
			zap.Int("chunk_size", cfg.ChunkSize),
			zap.Duration("delay", cfg.Delay),
			zap.String("archiver", cfg.Archiver),
		)
		return srv.Run(ctx)
	},
}
