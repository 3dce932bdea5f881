// Package strategy picks how an image is processed: whole, as one NPU
// batch, in parallel CPU tiles, or tile by tile.
package strategy

import (
	"cmp"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"srd/internal/memory"
	"srd/internal/runtime"
	"srd/internal/tiling"
)

// Strategy is a processing plan for one image.
type Strategy int

const (
	Direct Strategy = iota
	NpuBatch
	CpuParallel
	CpuSequential
)

func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case NpuBatch:
		return "npu_batch"
	case CpuParallel:
		return "cpu_parallel"
	case CpuSequential:
		return "cpu_sequential"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Description is the human readable name shown to users.
func (s Strategy) Description() string {
	switch s {
	case NpuBatch:
		return "NPU Batch (Hardware Parallel)"
	case CpuParallel:
		return "CPU Parallel Tiling"
	case CpuSequential:
		return "CPU Sequential"
	default:
		return "Direct Processing"
	}
}

// Tiled reports whether the strategy cuts the image into tiles.
func (s Strategy) Tiled() bool { return s != Direct }

// Estimated per-operation costs in milliseconds.
const (
	directNPUMs       = 150
	directGPUMs       = 200
	directCPUMs       = 300
	batchBaseMs       = 200
	batchPerTileMs    = 2
	tileMs            = 175
	defaultEtaWorkers = 4
)

// Decision is the outcome of Select. Reason is informational.
type Decision struct {
	Strategy       Strategy      `json:"strategy"`
	Reason         string        `json:"reason"`
	TilingRequired bool          `json:"tiling_required"`
	Tiles          int           `json:"tiles"`
	ETA            time.Duration `json:"eta"`
	AvailableMB    int64         `json:"available_mb"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s (%s) - Est: %dms", d.Strategy, d.Reason, d.ETA.Milliseconds())
}

// Request describes the image and what the caller asked for.
type Request struct {
	Width, Height int
	// Kind is the explicitly requested backend, empty for automatic.
	Kind runtime.Kind
	// Tiling forces a tiled strategy even for small images.
	Tiling bool
}

// Capabilities describes the loaded model as seen by the planning backend.
type Capabilities struct {
	// TileSize is the model's square input edge.
	TileSize     int
	BatchCapable bool
	BatchSize    int
	NPUEnabled   bool
	// Backend runs direct requests that name no backend.
	Backend runtime.Kind
}

// Config holds selection thresholds. Zero values take the defaults.
type Config struct {
	Overlap int
	// MaxDirectSize caps direct processing per side; zero means the
	// model input edge.
	MaxDirectSize      int
	ForceTilingAboveMB int
	BatchRequiredMB    int64
	ParallelMinMB      int64
	ParallelWorkers    int
	// Warnings only.
	ThresholdPercentage float64
	LowMemoryWarningMB  int64
	Logger              *zerolog.Logger
}

const (
	DefaultBatchRequiredMB = 300
	DefaultParallelMinMB   = 200
)

// Selector chooses a Strategy from image size, model capabilities and
// available memory.
type Selector struct {
	cfg Config
	mem memory.Probe
	log zerolog.Logger
}

func NewSelector(cfg Config, mem memory.Probe) *Selector {
	if cfg.BatchRequiredMB <= 0 {
		cfg.BatchRequiredMB = DefaultBatchRequiredMB
	}
	if cfg.ParallelMinMB <= 0 {
		cfg.ParallelMinMB = DefaultParallelMinMB
	}
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = defaultEtaWorkers
	}
	s := &Selector{cfg: cfg, mem: mem, log: zerolog.Nop()}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "strategy").Logger()
	}
	return s
}

// TileCount returns the number of tiles an image of w×h is cut into for a
// model with the given input edge.
func (s *Selector) TileCount(w, h, tileSize int) int {
	return tiling.Count(w, h, tileSize, tiling.FitOverlap(tileSize, s.cfg.Overlap))
}

// Select decides how to process req.
func (s *Selector) Select(req Request, caps Capabilities) Decision {
	tiles := s.TileCount(req.Width, req.Height, caps.TileSize)
	if !req.Tiling && s.fitsDirect(req, caps) {
		return Decision{
			Strategy: Direct,
			Reason:   "Image small enough for direct processing",
			Tiles:    1,
			ETA:      directETA(cmp.Or(req.Kind, caps.Backend)),
		}
	}

	avail := s.mem.AvailableMB()
	s.warnMemory(avail)
	required := s.cfg.BatchRequiredMB
	s.log.Debug().Int("width", req.Width).Int("height", req.Height).Int("tiles", tiles).
		Int64("available_mb", avail).Str("requested", string(req.Kind)).Msg("strategy selection")

	d := Decision{Tiles: tiles, AvailableMB: avail, TilingRequired: true}
	switch {
	case s.canBatch(req.Kind, tiles, avail, caps):
		d.Strategy = NpuBatch
		d.Reason = batchReason(req.Kind, avail, required)
		d.ETA = ms(batchBaseMs + tiles*batchPerTileMs)
	case avail >= s.cfg.ParallelMinMB:
		d.Strategy = CpuParallel
		d.Reason = fallbackReason(avail, required, caps)
		workers := min(s.cfg.ParallelWorkers, max(tiles, 1))
		d.ETA = ms((tiles + workers - 1) / workers * tileMs)
	default:
		d.Strategy = CpuSequential
		d.Reason = "Low memory - using sequential processing"
		d.ETA = ms(tiles * tileMs)
	}
	return d
}

func (s *Selector) fitsDirect(req Request, caps Capabilities) bool {
	limit := s.cfg.MaxDirectSize
	if limit <= 0 {
		limit = caps.TileSize
	}
	if req.Width > limit || req.Height > limit {
		return false
	}
	if s.cfg.ForceTilingAboveMB > 0 {
		// decoded RGBA size
		mb := int64(req.Width) * int64(req.Height) * 4 >> 20
		if mb > int64(s.cfg.ForceTilingAboveMB) {
			return false
		}
	}
	return true
}

// canBatch gates NpuBatch. An explicit NPU request skips the memory check.
func (s *Selector) canBatch(kind runtime.Kind, tiles int, avail int64, caps Capabilities) bool {
	if !caps.BatchCapable || tiles > caps.BatchSize || !caps.NPUEnabled {
		return false
	}
	switch kind {
	case runtime.KindNPU:
		if avail < s.cfg.BatchRequiredMB {
			s.log.Warn().Int64("available_mb", avail).Int64("required_mb", s.cfg.BatchRequiredMB).
				Msg("NPU explicitly requested, forcing batch processing regardless of memory")
		}
		return true
	case "":
		return avail >= s.cfg.BatchRequiredMB
	default:
		return false
	}
}

func (s *Selector) warnMemory(avail int64) {
	if s.cfg.LowMemoryWarningMB > 0 && avail < s.cfg.LowMemoryWarningMB {
		s.log.Warn().Int64("available_mb", avail).Msg("low memory")
	}
	if s.cfg.ThresholdPercentage > 0 {
		if used := s.mem.UsedPercent(); used > s.cfg.ThresholdPercentage {
			s.log.Warn().Float64("used_percent", used).Float64("threshold", s.cfg.ThresholdPercentage).Msg("memory usage above threshold")
		}
	}
}

func batchReason(kind runtime.Kind, avail, required int64) string {
	enough := avail >= required
	switch {
	case kind == runtime.KindNPU && !enough:
		return fmt.Sprintf("NPU batch processing (forced - low memory: %dMB < %dMB)", avail, required)
	case kind == runtime.KindNPU:
		return "NPU batch processing (user requested)"
	case enough:
		return "NPU batch processing (optimal)"
	default:
		return "NPU batch processing"
	}
}

func fallbackReason(avail, required int64, caps Capabilities) string {
	switch {
	case avail < required:
		return fmt.Sprintf("Insufficient memory (%dMB < %dMB required)", avail, required)
	case !caps.BatchCapable:
		return "Model doesn't support batch processing"
	case !caps.NPUEnabled:
		return "NPU disabled in configuration"
	default:
		return "Using CPU parallel processing"
	}
}

func directETA(kind runtime.Kind) time.Duration {
	switch kind {
	case runtime.KindNPU:
		return ms(directNPUMs)
	case runtime.KindGPU:
		return ms(directGPUMs)
	default:
		return ms(directCPUMs)
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
