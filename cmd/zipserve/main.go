package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zipserve/zipserve/internal/logging"
)

var loggerDeferFunc func() error

func main() {
	app := &cli.Command{
		Name:  "zipserve",
		Usage: "Serve directories of photos as streamed zip downloads",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log Level (debug, info, warn, error, fatal)",
				Action: func(ctx context.Context, command *cli.Command, value string) error {
					if _, err := zapcore.ParseLevel(value); err != nil {
						return fmt.Errorf("invalid log level %s: %w", value, err)
					}
					return nil
				},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			healthcheckCommand,
			versionCommand,
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			logger, err := createLogger(command.Bool("debug"), command.String("log-level"))
			if err != nil {
				return nil, err
			}
			loggerDeferFunc = logger.Sync
			return logging.WithLogger(ctx, logger), nil
		},
		ExitErrHandler: func(ctx context.Context, command *cli.Command, err error) {
			if err == nil {
				return
			}
			if logger := logging.TryLogger(ctx); logger != nil {
				logger.Fatal("failed to run application", zap.Error(err))
			} else {
				log.Fatal(fmt.Errorf("failed to run application: %w", err))
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	defer func() {
		if loggerDeferFunc != nil {
			_ = loggerDeferFunc()
		}
	}()

	_ = app.Run(ctx, os.Args)
}
