// Package config defines srd's file configuration. Zero values mean
// "unspecified" and are replaced by WithDefaults.
package config

import (
	"fmt"
	"runtime"
	"time"
)

const (
	DefaultAddr                   = ":8080"
	DefaultRuntime                = "reference"
	DefaultExpectedScale          = 4
	DefaultNumThreads             = 4
	DefaultGPUInferencePreference = "FAST_SINGLE_ANSWER"
	DefaultOverlapPixels          = 32
	DefaultForceTilingAboveMB     = 500
	DefaultThresholdPercentage    = 60
	DefaultLowMemoryWarningMB     = 100
	DefaultBatchRequiredMB        = 300
	DefaultParallelMinMB          = 200
	DefaultOOMReduction           = 0.5
	DefaultMaxParallelWorkers     = 4
	DefaultCPUTimeout             = 30 * time.Second
	DefaultBackgroundTimeout      = 60 * time.Second
	DefaultGracePeriod            = 2 * time.Second
	DefaultMaxBodyBytes           = 64 << 20
	DefaultMaxPixels              = 64_000_000
)

// Config holds runtime parameters for the service.
type Config struct {
	Model      ModelConfig      `json:"model" yaml:"model" toml:"model"`
	Processing ProcessingConfig `json:"processing" yaml:"processing" toml:"processing"`
	NPU        NPUConfig        `json:"npu" yaml:"npu" toml:"npu"`
	Tiling     TilingConfig     `json:"tiling" yaml:"tiling" toml:"tiling"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory" toml:"memory"`
	Init       InitConfig       `json:"init" yaml:"init" toml:"init"`
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
}

type ModelConfig struct {
	Path                string `json:"path" yaml:"path" toml:"path"`
	ExpectedScaleFactor int    `json:"expected_scale_factor" yaml:"expected_scale_factor" toml:"expected_scale_factor"`
	// Runtime is "reference" or "onnx".
	Runtime     string `json:"runtime" yaml:"runtime" toml:"runtime"`
	LibraryPath string `json:"library_path" yaml:"library_path" toml:"library_path"`
	// DynamicEdge resolves symbolic spatial input dims for onnx models.
	DynamicEdge int `json:"dynamic_edge" yaml:"dynamic_edge" toml:"dynamic_edge"`
}

type ProcessingConfig struct {
	NumThreads              int    `json:"num_threads" yaml:"num_threads" toml:"num_threads"`
	UseXNNPACK              bool   `json:"use_xnnpack" yaml:"use_xnnpack" toml:"use_xnnpack"`
	AllowFP16               bool   `json:"allow_fp16" yaml:"allow_fp16" toml:"allow_fp16"`
	GPUDeviceID             int    `json:"gpu_device_id" yaml:"gpu_device_id" toml:"gpu_device_id"`
	GPUInferencePreference  string `json:"gpu_inference_preference" yaml:"gpu_inference_preference" toml:"gpu_inference_preference"`
	GPUPrecisionLossAllowed bool   `json:"gpu_precision_loss_allowed" yaml:"gpu_precision_loss_allowed" toml:"gpu_precision_loss_allowed"`
	// DefaultBackend names the backend activated after initialization
	// ("cpu", "gpu", "npu"); empty means first ready.
	DefaultBackend string `json:"default_backend" yaml:"default_backend" toml:"default_backend"`
}

type NPUConfig struct {
	// Enabled defaults to true when omitted.
	Enabled         *bool  `json:"enabled" yaml:"enabled" toml:"enabled"`
	AcceleratorName string `json:"accelerator_name" yaml:"accelerator_name" toml:"accelerator_name"`
	DeviceType      string `json:"device_type" yaml:"device_type" toml:"device_type"`
	AllowFP16       bool   `json:"allow_fp16" yaml:"allow_fp16" toml:"allow_fp16"`
}

// IsEnabled reports the effective NPU switch.
func (n NPUConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }

type TilingConfig struct {
	OverlapPixels int `json:"overlap_pixels" yaml:"overlap_pixels" toml:"overlap_pixels"`
	// MaxInputSizeWithoutTiling caps direct processing per side. Zero means
	// the active backend's input edge.
	MaxInputSizeWithoutTiling int `json:"max_input_size_without_tiling" yaml:"max_input_size_without_tiling" toml:"max_input_size_without_tiling"`
	ForceTilingAboveMB        int `json:"force_tiling_above_mb" yaml:"force_tiling_above_mb" toml:"force_tiling_above_mb"`
	// MaxTileSize is the backend texture limit. Zero disables the
	// large-image path.
	MaxTileSize     int `json:"max_tile_size" yaml:"max_tile_size" toml:"max_tile_size"`
	ParallelWorkers int `json:"parallel_workers" yaml:"parallel_workers" toml:"parallel_workers"`
}

type MemoryConfig struct {
	ThresholdPercentage float64 `json:"threshold_percentage" yaml:"threshold_percentage" toml:"threshold_percentage"`
	LowMemoryWarningMB  int64   `json:"low_memory_warning_mb" yaml:"low_memory_warning_mb" toml:"low_memory_warning_mb"`
	BatchRequiredMB     int64   `json:"batch_processing_required_mb" yaml:"batch_processing_required_mb" toml:"batch_processing_required_mb"`
	ParallelMinMB       int64   `json:"parallel_min_available_mb" yaml:"parallel_min_available_mb" toml:"parallel_min_available_mb"`
	// OOMReduction is the area factor applied on the single out-of-memory
	// retry of the large-image path.
	OOMReduction float64 `json:"oom_reduction" yaml:"oom_reduction" toml:"oom_reduction"`
	// FixedAvailableMB replaces the /proc/meminfo probe when positive.
	FixedAvailableMB int64 `json:"fixed_available_mb" yaml:"fixed_available_mb" toml:"fixed_available_mb"`
}

type InitConfig struct {
	CPUTimeout        Duration `json:"cpu_timeout" yaml:"cpu_timeout" toml:"cpu_timeout"`
	BackgroundTimeout Duration `json:"background_timeout" yaml:"background_timeout" toml:"background_timeout"`
	GracePeriod       Duration `json:"grace_period" yaml:"grace_period" toml:"grace_period"`
	// GPUSelfTest defaults to true when omitted. NPU self-test is always on.
	GPUSelfTest *bool `json:"gpu_self_test" yaml:"gpu_self_test" toml:"gpu_self_test"`
	// Validator is "host" (probe /dev and sysfs) or "static".
	Validator string `json:"validator" yaml:"validator" toml:"validator"`
}

// SelfTestGPU reports the effective GPU self-test switch.
func (i InitConfig) SelfTestGPU() bool { return i.GPUSelfTest == nil || *i.GPUSelfTest }

type ServerConfig struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// MaxPixels bounds the decoded width×height of an upload.
	MaxPixels int64 `json:"max_pixels" yaml:"max_pixels" toml:"max_pixels"`
}

// Default returns a fully defaulted configuration.
func Default() Config { return Config{}.WithDefaults() }

// WithDefaults returns a copy of c with zero values replaced.
func (c Config) WithDefaults() Config {
	if c.Model.Runtime == "" {
		c.Model.Runtime = DefaultRuntime
	}
	if c.Model.ExpectedScaleFactor == 0 {
		c.Model.ExpectedScaleFactor = DefaultExpectedScale
	}
	if c.Processing.NumThreads == 0 {
		c.Processing.NumThreads = DefaultNumThreads
	}
	if c.Processing.GPUInferencePreference == "" {
		c.Processing.GPUInferencePreference = DefaultGPUInferencePreference
	}
	if c.NPU.DeviceType == "" {
		c.NPU.DeviceType = "NPU"
	}
	if c.Tiling.OverlapPixels == 0 {
		c.Tiling.OverlapPixels = DefaultOverlapPixels
	}
	if c.Tiling.ForceTilingAboveMB == 0 {
		c.Tiling.ForceTilingAboveMB = DefaultForceTilingAboveMB
	}
	if c.Tiling.ParallelWorkers == 0 {
		c.Tiling.ParallelWorkers = min(runtime.NumCPU(), DefaultMaxParallelWorkers)
	}
	if c.Memory.ThresholdPercentage == 0 {
		c.Memory.ThresholdPercentage = DefaultThresholdPercentage
	}
	if c.Memory.LowMemoryWarningMB == 0 {
		c.Memory.LowMemoryWarningMB = DefaultLowMemoryWarningMB
	}
	if c.Memory.BatchRequiredMB == 0 {
		c.Memory.BatchRequiredMB = DefaultBatchRequiredMB
	}
	if c.Memory.ParallelMinMB == 0 {
		c.Memory.ParallelMinMB = DefaultParallelMinMB
	}
	if c.Memory.OOMReduction == 0 {
		c.Memory.OOMReduction = DefaultOOMReduction
	}
	if c.Init.CPUTimeout == 0 {
		c.Init.CPUTimeout = Duration(DefaultCPUTimeout)
	}
	if c.Init.BackgroundTimeout == 0 {
		c.Init.BackgroundTimeout = Duration(DefaultBackgroundTimeout)
	}
	if c.Init.GracePeriod == 0 {
		c.Init.GracePeriod = Duration(DefaultGracePeriod)
	}
	if c.Init.Validator == "" {
		c.Init.Validator = "host"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Server.MaxPixels == 0 {
		c.Server.MaxPixels = DefaultMaxPixels
	}
	return c
}

// Validate rejects settings no component can honour.
func (c Config) Validate() error {
	switch c.Model.Runtime {
	case "reference", "onnx":
	default:
		return fmt.Errorf("model.runtime: unknown runtime %q", c.Model.Runtime)
	}
	if c.Model.ExpectedScaleFactor < 0 {
		return fmt.Errorf("model.expected_scale_factor: must be positive")
	}
	switch c.Processing.DefaultBackend {
	case "", "cpu", "gpu", "npu":
	default:
		return fmt.Errorf("processing.default_backend: unknown backend %q", c.Processing.DefaultBackend)
	}
	if c.Tiling.OverlapPixels < 0 {
		return fmt.Errorf("tiling.overlap_pixels: must not be negative")
	}
	if c.Tiling.MaxTileSize < 0 || c.Tiling.MaxInputSizeWithoutTiling < 0 {
		return fmt.Errorf("tiling: sizes must not be negative")
	}
	if c.Tiling.MaxTileSize > 0 && c.Tiling.OverlapPixels >= c.Tiling.MaxTileSize {
		return fmt.Errorf("tiling.overlap_pixels (%d) must be smaller than max_tile_size (%d)", c.Tiling.OverlapPixels, c.Tiling.MaxTileSize)
	}
	if c.Memory.OOMReduction < 0 || c.Memory.OOMReduction >= 1 {
		return fmt.Errorf("memory.oom_reduction: must be in (0,1)")
	}
	if c.Memory.ThresholdPercentage < 0 || c.Memory.ThresholdPercentage > 100 {
		return fmt.Errorf("memory.threshold_percentage: must be in [0,100]")
	}
	if c.Server.MaxPixels < 0 {
		return fmt.Errorf("server.max_pixels: must not be negative")
	}
	switch c.Init.Validator {
	case "host", "static":
	default:
		return fmt.Errorf("init.validator: unknown validator %q", c.Init.Validator)
	}
	return nil
}
