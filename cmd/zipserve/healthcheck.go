package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/zipserve/zipserve/internal/logging"
)

var healthcheckCommand = &cli.Command{
	Name:  "healthcheck",
	Usage: "Probe a running instance, exiting non-zero if it is unhealthy",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Value: "http://127.0.0.1:8080",
			Usage: "Base URL of the instance to probe",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 5 * time.Second,
			Usage: "Probe timeout",
		},
	},
	Action: func(ctx context.Context, command *cli.Command) error {
		logger := logging.Logger(ctx)

		ctx, cancel := context.WithTimeout(ctx, command.Duration("timeout"))
		defer cancel()

		url := command.String("addr") + "/healthz"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}

		resp, err := cleanhttp.DefaultClient().Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
		}

		logger.Debug("instance healthy", zap.String("url", url))
		return nil
	},
}
