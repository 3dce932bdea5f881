// Package cli implements the srd command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"srd/internal/config"
	"srd/internal/engine"
	"srd/internal/initializer"
	"srd/internal/modelfile"
	"srd/internal/runtime"
)

// Options are the persistent flags shared by every command.
type Options struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Model       string
	Runtime     string
	Validator   string
	AvailableMB int64
	Scale       int

	log zerolog.Logger
	// registerer receives engine metrics; nil keeps them private.
	registerer prometheus.Registerer
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string) int {
	opts := &Options{
		LogLevel:  envStr("SRD_LOG_LEVEL", "info"),
		LogFormat: envStr("SRD_LOG_FORMAT", "console"),
	}
	root := buildRootCmdWith(opts, os.Stdout, os.Stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// buildRootCmdWith constructs the command tree bound to opts.
func buildRootCmdWith(opts *Options, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "srd",
		Short:         "Multi-accelerator image super-resolution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "Config file (.yaml, .yml, .json, .toml)")
	pf.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug|info|warn|error (defaults SRD_LOG_LEVEL or info)")
	pf.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format: console|json (defaults SRD_LOG_FORMAT or console)")
	pf.StringVarP(&opts.Model, "model", "m", "", "Model file; the reference runtime falls back to a built-in model")
	pf.StringVar(&opts.Runtime, "runtime", "", "Inference runtime: reference|onnx")
	pf.StringVar(&opts.Validator, "validator", "", "Hardware validator: host|static")
	pf.Int64Var(&opts.AvailableMB, "available-mb", 0, "Pretend this much memory is available instead of probing")
	pf.IntVar(&opts.Scale, "scale", 0, "Expected model scale factor")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		log, err := NewLogger(opts.LogLevel, opts.LogFormat, stderr)
		if err != nil {
			return err
		}
		opts.log = log
		return nil
	}

	root.AddCommand(
		newServeCmd(opts),
		newUpscaleCmd(opts),
		newPlanCmd(opts),
		newBackendsCmd(opts),
		newModelsCmd(opts),
	)
	return root
}

// loadConfig reads the config file (if any) and applies flag overrides.
func (o *Options) loadConfig() (config.Config, error) {
	var cfg config.Config
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if o.Model != "" {
		cfg.Model.Path = o.Model
	}
	if o.Runtime != "" {
		cfg.Model.Runtime = o.Runtime
	}
	if o.Validator != "" {
		cfg.Init.Validator = o.Validator
	}
	if o.AvailableMB > 0 {
		cfg.Memory.FixedAvailableMB = o.AvailableMB
	}
	if o.Scale > 0 {
		cfg.Model.ExpectedScaleFactor = o.Scale
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// builtinEdge is the input edge of the built-in reference model.
const builtinEdge = 256

// loadModel reads the configured model file. Without one, the reference
// runtime gets a built-in nearest-neighbour model.
func (o *Options) loadModel(cfg config.Config) ([]byte, error) {
	if cfg.Model.Path != "" {
		return modelfile.Load(cfg.Model.Path)
	}
	if cfg.Model.Runtime != "reference" {
		return nil, fmt.Errorf("--model is required for the %s runtime", cfg.Model.Runtime)
	}
	o.log.Warn().Int("edge", builtinEdge).Int("scale", cfg.Model.ExpectedScaleFactor).Msg("no model configured, using built-in reference model")
	return runtime.EncodeReferenceModel(runtime.ReferenceModel{
		Edge:  builtinEdge,
		Scale: cfg.Model.ExpectedScaleFactor,
		Meta:  map[string]string{"name": "builtin"},
	}), nil
}

// start builds a processor and begins progressive initialization.
func (o *Options) start(ctx context.Context) (*engine.Processor, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	model, err := o.loadModel(cfg)
	if err != nil {
		return nil, cfg, err
	}
	p, err := engine.New(cfg, engine.Deps{Logger: &o.log, Registerer: o.registerer})
	if err != nil {
		return nil, cfg, err
	}
	if err := p.Initialize(ctx, model, o.logInitEvent); err != nil {
		p.Close()
		return nil, cfg, err
	}
	return p, cfg, nil
}

// startAndWait is start followed by waiting for every backend to settle.
func (o *Options) startAndWait(ctx context.Context) (*engine.Processor, error) {
	p, _, err := o.start(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.Wait(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (o *Options) logInitEvent(e initializer.Event) {
	switch e.Name {
	case initializer.ModeAvailable:
		o.log.Info().Str("backend", string(e.Kind)).Str("device", e.DeviceInfo).Msg("backend available")
	case initializer.ModeFailed:
		o.log.Warn().Str("backend", string(e.Kind)).Str("reason", e.Reason).Msg("backend unavailable")
	case initializer.QuickStartReady:
		o.log.Info().Msg("quick start ready")
	case initializer.AllModesReady:
		o.log.Info().Int("ready", e.ReadyCount).Dur("elapsed", e.Elapsed).Msg("initialization complete")
	case initializer.InitError:
		o.log.Error().Err(e.Err).Str("reason", e.Reason).Msg("initialization failed")
	case initializer.Progress:
		o.log.Debug().Int("percent", e.Percent).Str("message", e.Message).Msg("initialization progress")
	}
}
