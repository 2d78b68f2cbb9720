// Copyright (c) 2026 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"modemstatus.dev/hnap/internal/config"
	"modemstatus.dev/hnap/internal/exporter"
	"modemstatus.dev/hnap/internal/instrumentation"
	"modemstatus.dev/hnap/internal/modem"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	modemFlags
	listen   string
	interval time.Duration
}

func serveCmd(ctx context.Context, env *environment) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Poll the modem and expose its status on /metrics",
		Example: "modem-status serve --config /etc/modem-status/config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := env.load()
			if err != nil {
				return err
			}

			flags.apply(cmd, cfg)

			if cmd.Flags().Changed("listen") {
				cfg.Observability.Metrics.Listen = flags.listen
			}

			if cmd.Flags().Changed("interval") {
				cfg.Exporter.Interval = flags.interval
			}

			setupLogger(cmd.ErrOrStderr(), string(cfg.Observability.Logging.Level))

			if err := env.resolvePassword(cfg); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Observability.Metrics.Listen)
			if err != nil {
				return fmt.Errorf("failed to listen on %q: %w", cfg.Observability.Metrics.Listen, err)
			}

			return serve(ctx, cfg, ln)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&flags.listen, "listen", config.DefaultMetricsListen, "Address of the metrics endpoint")
	cmd.Flags().DurationVar(&flags.interval, "interval", exporter.DefaultInterval, "Polling interval")

	return cmd
}

// serve polls the modem and serves metrics on ln until ctx is done.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener) error {
	mux := http.NewServeMux()

	meterProvider, err := setupMetrics(mux)
	if err != nil {
		return fmt.Errorf("failed to setup metrics: %w", err)
	}

	//nolint:errcheck // nothing to do on shutdown failure
	defer meterProvider.Shutdown(context.Background())

	if cfg.Observability.Profiling.Enabled {
		setupProfiling(mux)
	}

	var tracerProvider trace.TracerProvider = tracenoop.NewTracerProvider()

	if cfg.Observability.Tracing.Enabled {
		tp, err := setupTracer(ctx, cfg.Observability.Tracing.OTLPHTTPEndpoint)
		if err != nil {
			return err
		}

		//nolint:errcheck // nothing to do on shutdown failure
		defer tp.Shutdown(context.Background())

		tracerProvider = tp
	}

	meter := meterProvider.Meter("modem")

	recorder, err := instrumentation.NewMeterRecorder(meter)
	if err != nil {
		return fmt.Errorf("failed to setup instrumentation: %w", err)
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return err
	}

	client := modem.New(cfg.Modem.Host, cfg.Modem.Password, append(opts,
		modem.WithRecorder(recorder),
		modem.WithMeter(meter),
		modem.WithTracer(tracerProvider.Tracer("hnap")),
	)...)
	defer client.Close()

	exp := exporter.New(client, cfg.Exporter.Interval, exporter.WithMetrics(meter))

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		return exp.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	log.Info().Str("listen", ln.Addr().String()).Dur("interval", cfg.Exporter.Interval).
		Msg("Modem status exporter started")

	err = g.Wait()

	log.Info().Msg("Modem status exporter stopped")

	return err
}
