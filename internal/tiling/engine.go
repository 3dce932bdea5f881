package tiling

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"srd/internal/runtime"
)

// Upscaler runs one tile through a model.
type Upscaler interface {
	Upscale(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error)
}

// UpscalerFunc adapts a function to Upscaler.
type UpscalerFunc func(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error)

func (f UpscalerFunc) Upscale(ctx context.Context, img *image.NRGBA) (*image.NRGBA, error) {
	return f(ctx, img)
}

// BatchUpscaler runs several tiles in one call. Results are in input order.
type BatchUpscaler interface {
	UpscaleBatch(ctx context.Context, imgs []*image.NRGBA) ([]*image.NRGBA, error)
}

// Geometry describes the model the tiles are cut for.
type Geometry struct {
	// TileSize is the model's square input edge.
	TileSize int
	Overlap  int
	Scale    int
	// MaxTileSize is the backend's texture limit; zero means none.
	MaxTileSize int
}

// Progress is called after each stitched tile. Calls are serialized.
type Progress func(done, total int)

// Result is a stitched output.
type Result struct {
	Image *image.NRGBA
	Plan  Plan
	// Reduced is set when the input was downscaled after running out of
	// memory.
	Reduced bool
	Elapsed time.Duration
}

// DefaultOOMReduction is the area factor of the single out-of-memory retry.
const DefaultOOMReduction = 0.5

// Config tunes an Engine.
type Config struct {
	Logger *zerolog.Logger
	// OOMReduction scales the input area on the out-of-memory retry.
	OOMReduction float64
}

// Engine plans, dispatches and stitches tiles.
type Engine struct {
	log       zerolog.Logger
	reduction float64
}

func New(cfg Config) *Engine {
	e := &Engine{log: zerolog.Nop(), reduction: cfg.OOMReduction}
	if cfg.Logger != nil {
		e.log = cfg.Logger.With().Str("component", "tiling").Logger()
	}
	if e.reduction <= 0 || e.reduction >= 1 {
		e.reduction = DefaultOOMReduction
	}
	return e
}

// Process tiles img, runs every tile through d and stitches the result.
//
// When the image exceeds g.MaxTileSize and the model edge is larger than
// that limit, tiles are cut at the limit instead and each output is rescaled
// to match. If dispatching fails with runtime.ErrOutOfMemory, all tiles are
// released and the whole operation is retried once at reduced resolution.
func (e *Engine) Process(ctx context.Context, img *image.NRGBA, g Geometry, d Dispatcher, progress Progress) (Result, error) {
	start := time.Now()
	size, overlap := e.tileSize(img, g)
	res, err := e.attempt(ctx, img, size, overlap, g.Scale, d, progress)
	if errors.Is(err, runtime.ErrOutOfMemory) {
		debug.FreeOSMemory()
		reduced := reduce(img, e.reduction)
		e.log.Warn().Err(err).
			Int("width", img.Rect.Dx()).Int("height", img.Rect.Dy()).
			Int("reduced_width", reduced.Rect.Dx()).Int("reduced_height", reduced.Rect.Dy()).
			Msg("out of memory, retrying once at reduced resolution")
		size, overlap = e.tileSize(reduced, g)
		res, err = e.attempt(ctx, reduced, size, overlap, g.Scale, d, progress)
		res.Reduced = true
	}
	res.Elapsed = time.Since(start)
	return res, err
}

func (e *Engine) tileSize(img *image.NRGBA, g Geometry) (int, int) {
	size, overlap := g.TileFor(img.Rect.Dx(), img.Rect.Dy())
	if size != g.TileSize {
		e.log.Info().Int("tile", size).Int("model_edge", g.TileSize).Int("overlap", overlap).Msg("large image: tile size capped by texture limit")
	}
	return size, overlap
}

// TileFor returns the tile edge and overlap used for a w×h image. Images
// larger than MaxTileSize on a model whose edge exceeds it are cut at the
// limit instead.
func (g Geometry) TileFor(w, h int) (size, overlap int) {
	size = g.TileSize
	if lim := g.MaxTileSize; lim > 0 && size > lim && (w > lim || h > lim) {
		size = lim
	}
	return size, FitOverlap(size, g.Overlap)
}

func (e *Engine) attempt(ctx context.Context, img *image.NRGBA, size, overlap, scale int, d Dispatcher, progress Progress) (Result, error) {
	plan, err := NewPlan(img.Rect.Dx(), img.Rect.Dy(), size, overlap, scale)
	if err != nil {
		return Result{}, err
	}
	j := &job{
		src:      img,
		plan:     plan,
		canvas:   image.NewNRGBA(plan.Canvas()),
		progress: progress,
	}
	e.log.Debug().Int("tiles", len(plan.Tiles)).Int("cols", plan.Cols).Int("rows", plan.Rows).Int("tile", size).Msg("tiling plan")
	if err := d.dispatch(ctx, e, j); err != nil {
		return Result{Plan: plan}, err
	}
	return Result{Image: j.canvas, Plan: plan}, nil
}

// job is one dispatch of a plan.
type job struct {
	src      *image.NRGBA
	plan     Plan
	canvas   *image.NRGBA
	progress Progress

	mu   sync.Mutex
	done int
}

func (j *job) extract(t Tile) *image.NRGBA { return Extract(j.src, t, j.plan.TileSize) }

// finish stitches one tile output. Outputs of a model whose edge differs
// from the tile size are rescaled first.
func (j *job) finish(t Tile, out *image.NRGBA) error {
	want := j.plan.TileSize * j.plan.Scale
	if out == nil {
		return fmt.Errorf("tile %d: no output", t.Index)
	}
	out = resize(out, want, want, draw.CatmullRom)
	Stitch(j.canvas, t, out)
	j.mu.Lock()
	j.done++
	if j.progress != nil {
		j.progress(j.done, len(j.plan.Tiles))
	}
	j.mu.Unlock()
	return nil
}

// FitOverlap returns overlap, or an eighth of size when overlap would leave
// no step between tiles.
func FitOverlap(size, overlap int) int {
	if overlap >= size {
		return size / 8
	}
	return overlap
}

// reduce scales img so its area shrinks by factor.
func reduce(img *image.NRGBA, factor float64) *image.NRGBA {
	k := math.Sqrt(factor)
	w := max(1, int(float64(img.Rect.Dx())*k))
	h := max(1, int(float64(img.Rect.Dy())*k))
	return resize(img, w, h, draw.CatmullRom)
}
