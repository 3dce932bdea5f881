package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"golang.org/x/image/draw"

	"srd/internal/backend"
	"srd/internal/runtime"
	"srd/internal/strategy"
	"srd/internal/tensor"
	"srd/internal/tiling"
	"srd/pkg/types"
)

// Request is one image to upscale.
type Request struct {
	Image image.Image
	// Backend forces a backend; empty selects automatically.
	Backend runtime.Kind
	// Tiling forces tiled processing even for images that fit the model.
	Tiling bool
}

// Result is an upscaled image and how it was produced.
type Result struct {
	Image    *image.NRGBA
	Decision strategy.Decision
	Backend  runtime.Kind
	// Reduced is set when the input was downscaled after running out of
	// memory.
	Reduced bool
	Elapsed time.Duration
}

// Callbacks receive the outcome of ProcessImage. Nil callbacks are skipped.
type Callbacks struct {
	OnProgress func(done, total int)
	OnResult   func(Result)
	OnError    func(error)
}

var errNoImage = errors.New("no image")

// ProcessImage runs Process in the background and reports through cb on the
// processor's executor. A failed request leaves the processor ready for the
// next one.
func (p *Processor) ProcessImage(ctx context.Context, req Request, cb Callbacks) {
	var progress tiling.Progress
	if cb.OnProgress != nil {
		progress = func(done, total int) {
			p.exec.Execute(func() { cb.OnProgress(done, total) })
		}
	}
	go func() {
		res, err := p.Process(ctx, req, progress)
		p.exec.Execute(func() {
			switch {
			case err != nil && cb.OnError != nil:
				cb.OnError(err)
			case err == nil && cb.OnResult != nil:
				cb.OnResult(res)
			}
		})
	}()
}

// Process upscales req.Image and blocks until done.
func (p *Processor) Process(ctx context.Context, req Request, progress tiling.Progress) (Result, error) {
	if req.Image == nil {
		return Result{}, errNoImage
	}
	src := tensor.ToNRGBA(req.Image)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w == 0 || h == 0 {
		return Result{}, fmt.Errorf("empty image %dx%d", w, h)
	}
	start := time.Now()
	dec, planned, err := p.decide(w, h, req.Backend, req.Tiling)
	if err != nil {
		return Result{}, err
	}
	p.metrics.decided(dec.Strategy)
	p.log.Info().Int("width", w).Int("height", h).Str("strategy", dec.Strategy.String()).
		Str("reason", dec.Reason).Int("tiles", dec.Tiles).Int64("eta_ms", dec.ETA.Milliseconds()).Msg("processing image")

	res, err := p.execute(ctx, src, req.Backend, planned, dec, progress)
	p.metrics.finished(dec.Strategy, err)
	res.Decision = dec
	res.Elapsed = time.Since(start)
	if err != nil {
		p.log.Error().Err(err).Str("strategy", dec.Strategy.String()).Msg("processing failed")
		return res, fmt.Errorf("process %dx%d (%s): %w", w, h, dec.Strategy, err)
	}
	p.log.Info().Str("strategy", dec.Strategy.String()).Str("backend", string(res.Backend)).
		Bool("reduced", res.Reduced).Dur("dur", res.Elapsed).Msg("image processed")
	return res, nil
}

// decide picks a strategy using the geometry of the requested backend, or of
// the active one when the request names none or an unavailable one.
func (p *Processor) decide(w, h int, kind runtime.Kind, tiled bool) (strategy.Decision, backend.Geometry, error) {
	geo, err := p.mgr.Geometry(kind)
	if err != nil && kind != "" {
		geo, err = p.mgr.Geometry("")
	}
	if err != nil {
		return strategy.Decision{}, backend.Geometry{}, backend.ErrNotInitialized
	}
	npu := p.mgr.BatchCapability(runtime.KindNPU)
	caps := strategy.Capabilities{
		TileSize:     geo.Edge,
		BatchCapable: npu.Capable,
		BatchSize:    npu.Size,
		NPUEnabled:   p.cfg.NPU.IsEnabled(),
		Backend:      geo.Kind,
	}
	return p.sel.Select(strategy.Request{Width: w, Height: h, Kind: kind, Tiling: tiled}, caps), geo, nil
}

func (p *Processor) execute(ctx context.Context, src *image.NRGBA, kind runtime.Kind, planned backend.Geometry, dec strategy.Decision, progress tiling.Progress) (Result, error) {
	switch dec.Strategy {
	case strategy.Direct:
		return p.direct(ctx, src, kind, planned, progress)
	case strategy.NpuBatch:
		res, err := p.npuBatch(ctx, src, kind == runtime.KindNPU, progress)
		if err == nil || ctx.Err() != nil {
			return res, err
		}
		p.log.Warn().Err(err).Msg("NPU batch processing failed, falling back to CPU parallel tiling")
		return p.cpuParallel(ctx, src, progress)
	case strategy.CpuParallel:
		return p.cpuParallel(ctx, src, progress)
	default:
		return p.sequential(ctx, src, kind, kind != "", progress)
	}
}

// direct runs the whole image through one inference. The backend works at its
// fixed edge, so the output is resized to the full target size.
func (p *Processor) direct(ctx context.Context, src *image.NRGBA, kind runtime.Kind, geo backend.Geometry, progress tiling.Progress) (Result, error) {
	out, err := p.mgr.Run(ctx, src, kind)
	if err != nil {
		return Result{}, err
	}
	tw, th := src.Rect.Dx()*geo.Scale, src.Rect.Dy()*geo.Scale
	if out.Rect.Dx() != tw || out.Rect.Dy() != th {
		dst := image.NewNRGBA(image.Rect(0, 0, tw, th))
		draw.CatmullRom.Scale(dst, dst.Rect, out, out.Rect, draw.Src, nil)
		out = dst
	}
	if progress != nil {
		progress(1, 1)
	}
	return Result{Image: out, Backend: geo.Kind}, nil
}

// npuBatch stacks tiles into NPU batch calls. Only an explicit NPU request
// makes the NPU the active backend; an automatic choice leaves it alone.
func (p *Processor) npuBatch(ctx context.Context, src *image.NRGBA, forced bool, progress tiling.Progress) (Result, error) {
	geo, err := p.mgr.Geometry(runtime.KindNPU)
	if err != nil {
		return Result{}, err
	}
	d := tiling.Batch{
		Up:       batchUpscaler{mgr: p.mgr, kind: runtime.KindNPU, forced: forced},
		Size:     geo.Batch,
		Fallback: runUpscaler(p.mgr, runtime.KindNPU, forced),
	}
	return p.tile(ctx, src, geo, d, progress)
}

// cpuParallel fans tiles out over a pool of independent CPU sessions. When
// no pool can be built the image is tiled sequentially instead.
func (p *Processor) cpuParallel(ctx context.Context, src *image.NRGBA, progress tiling.Progress) (Result, error) {
	geo, err := p.mgr.Geometry(runtime.KindCPU)
	if err != nil {
		p.log.Warn().Err(err).Msg("CPU backend unavailable for parallel tiling, processing sequentially")
		return p.sequential(ctx, src, "", false, progress)
	}
	pool, err := p.mgr.AcquirePool(ctx, runtime.KindCPU, p.cfg.Tiling.ParallelWorkers)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, err
		}
		p.log.Warn().Err(err).Msg("CPU worker pool unavailable, processing sequentially")
		return p.sequential(ctx, src, runtime.KindCPU, false, progress)
	}
	defer pool.Release()
	runners := pool.Runners()
	workers := make([]tiling.Upscaler, len(runners))
	for i, r := range runners {
		workers[i] = r
	}
	return p.tile(ctx, src, geo, tiling.Parallel{Workers: workers}, progress)
}

func (p *Processor) sequential(ctx context.Context, src *image.NRGBA, kind runtime.Kind, forced bool, progress tiling.Progress) (Result, error) {
	geo, err := p.mgr.Geometry(kind)
	if err != nil && kind != "" {
		kind = ""
		geo, err = p.mgr.Geometry("")
	}
	if err != nil {
		return Result{}, err
	}
	return p.tile(ctx, src, geo, tiling.Sequential{Up: runUpscaler(p.mgr, kind, forced)}, progress)
}

func (p *Processor) tile(ctx context.Context, src *image.NRGBA, geo backend.Geometry, d tiling.Dispatcher, progress tiling.Progress) (Result, error) {
	res, err := p.tiles.Process(ctx, src, p.geometry(geo), d, func(done, total int) {
		p.metrics.tileDone()
		if progress != nil {
			progress(done, total)
		}
	})
	return Result{Image: res.Image, Backend: geo.Kind, Reduced: res.Reduced}, err
}

func (p *Processor) geometry(geo backend.Geometry) tiling.Geometry {
	return tiling.Geometry{
		TileSize:    geo.Edge,
		Overlap:     p.cfg.Tiling.OverlapPixels,
		Scale:       geo.Scale,
		MaxTileSize: p.cfg.Tiling.MaxTileSize,
	}
}

// runUpscaler sends each tile through the manager's worker. A forced kind
// becomes the active backend; otherwise it is used per call.
func runUpscaler(mgr *backend.Manager, kind runtime.Kind, forced bool) tiling.UpscalerFunc {
	return func(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error) {
		if forced {
			return mgr.Run(ctx, img, kind)
		}
		return mgr.RunOn(ctx, img, kind)
	}
}

type batchUpscaler struct {
	mgr    *backend.Manager
	kind   runtime.Kind
	forced bool
}

func (b batchUpscaler) UpscaleBatch(ctx context.Context, imgs []*image.NRGBA) ([]*image.NRGBA, error) {
	if b.forced {
		return b.mgr.RunBatch(ctx, imgs, b.kind)
	}
	return b.mgr.RunBatchOn(ctx, imgs, b.kind)
}

// Plan reports how an image of w×h would be processed without running it.
func (p *Processor) Plan(w, h int, kind runtime.Kind, tiled bool) (types.PlanResponse, error) {
	if w <= 0 || h <= 0 {
		return types.PlanResponse{}, fmt.Errorf("invalid size %dx%d", w, h)
	}
	dec, geo, err := p.decide(w, h, kind, tiled)
	if err != nil {
		return types.PlanResponse{}, err
	}
	switch dec.Strategy {
	case strategy.NpuBatch:
		if g, err := p.mgr.Geometry(runtime.KindNPU); err == nil {
			geo = g
		}
	case strategy.CpuParallel:
		if g, err := p.mgr.Geometry(runtime.KindCPU); err == nil {
			geo = g
		}
	}
	resp := types.PlanResponse{
		Strategy:          dec.Strategy.String(),
		Description:       dec.Strategy.Description(),
		Reason:            dec.Reason,
		TilingRequired:    dec.TilingRequired,
		EstimatedTimeMs:   dec.ETA.Milliseconds(),
		Backend:           string(geo.Kind),
		Tiles:             dec.Tiles,
		OutputWidth:       w * geo.Scale,
		OutputHeight:      h * geo.Scale,
		AvailableMemoryMB: dec.AvailableMB,
	}
	if dec.TilingRequired {
		size, overlap := p.geometry(geo).TileFor(w, h)
		plan, err := tiling.NewPlan(w, h, size, overlap, max(geo.Scale, 1))
		if err != nil {
			return types.PlanResponse{}, err
		}
		resp.TileCols, resp.TileRows = plan.Cols, plan.Rows
		resp.TileSize, resp.Overlap = size, overlap
	}
	return resp, nil
}
