package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"srd/internal/httpapi"
)

func newServeCmd(opts *Options) *cobra.Command {
	var (
		addr           string
		corsOrigins    []string
		maxBodyBytes   int64
		maxPixels      int64
		upscaleTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the HTTP API",
		Example: "  srd serve --addr :8080 --model ~/models/x4.onnx --runtime onnx",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if opts.registerer == nil {
				opts.registerer = prometheus.DefaultRegisterer
			}
			p, cfg, err := opts.start(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("cors-origin") {
				cfg.Server.CORSOrigins = corsOrigins
			}
			if cmd.Flags().Changed("max-body-bytes") {
				cfg.Server.MaxBodyBytes = maxBodyBytes
			}
			if cmd.Flags().Changed("max-pixels") {
				cfg.Server.MaxPixels = maxPixels
			}
			httpapi.SetLogger(opts.log)
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
			httpapi.SetMaxPixels(cfg.Server.MaxPixels)
			httpapi.SetUpscaleTimeoutSeconds(int64(upscaleTimeout / time.Second))
			httpapi.SetCORSOptions(len(cfg.Server.CORSOrigins) > 0, cfg.Server.CORSOrigins,
				[]string{http.MethodGet, http.MethodPost, http.MethodOptions},
				[]string{"Content-Type", "X-Log-Level"})

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           httpapi.NewMux(p),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errc := make(chan error, 1)
			go func() {
				opts.log.Info().Str("addr", cfg.Server.Addr).Str("runtime", cfg.Model.Runtime).Str("model", cfg.Model.Path).Msg("srd listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				return err
			}
			opts.log.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				opts.log.Warn().Err(err).Msg("graceful shutdown error")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", envStr("SRD_ADDR", ":8080"), "HTTP listen address (defaults SRD_ADDR or :8080)")
	f.StringSliceVar(&corsOrigins, "cors-origin", nil, "Allowed CORS origin; repeat or comma-separate (CORS is off when empty)")
	f.Int64Var(&maxBodyBytes, "max-body-bytes", 0, "Maximum upload size in bytes")
	f.Int64Var(&maxPixels, "max-pixels", 0, "Maximum decoded width×height of an upload")
	f.DurationVar(&upscaleTimeout, "upscale-timeout", 0, "Per-request /upscale timeout (0 disables)")
	return cmd
}
