package tiling

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"srd/internal/runtime"
)

// Dispatcher decides how the tiles of a plan reach the model.
type Dispatcher interface {
	dispatch(ctx context.Context, e *Engine, j *job) error
}

// Sequential runs tiles one after another through a single upscaler.
type Sequential struct {
	Up Upscaler
}

func (s Sequential) dispatch(ctx context.Context, _ *Engine, j *job) error {
	for _, t := range j.plan.Tiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := s.Up.Upscale(ctx, j.extract(t))
		if err != nil {
			return fmt.Errorf("tile %d: %w", t.Index, err)
		}
		if err := j.finish(t, out); err != nil {
			return err
		}
	}
	return nil
}

// Parallel fans tiles out over workers. Each worker goroutine drives exactly
// one upscaler, so upscalers need not be safe for concurrent use.
type Parallel struct {
	Workers []Upscaler
}

func (p Parallel) dispatch(ctx context.Context, e *Engine, j *job) error {
	if len(p.Workers) == 0 {
		return errors.New("parallel tiling: no workers")
	}
	g, gctx := errgroup.WithContext(ctx)
	var next atomic.Int64
	n := int64(len(j.plan.Tiles))
	for w, up := range p.Workers {
		g.Go(func() error {
			count := 0
			for {
				i := next.Add(1) - 1
				if i >= n {
					e.log.Debug().Int("worker", w).Int("tiles", count).Msg("parallel worker done")
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				t := j.plan.Tiles[i]
				out, err := up.Upscale(gctx, j.extract(t))
				if err != nil {
					return fmt.Errorf("tile %d: %w", t.Index, err)
				}
				if err := j.finish(t, out); err != nil {
					return err
				}
				count++
			}
		})
	}
	return g.Wait()
}

// Batch stacks up to Size tiles per call. When a batch call fails for any
// reason other than memory exhaustion, that chunk is retried tile by tile
// through Fallback.
type Batch struct {
	Up       BatchUpscaler
	Size     int
	Fallback Upscaler
}

func (b Batch) dispatch(ctx context.Context, e *Engine, j *job) error {
	size := max(1, b.Size)
	tiles := j.plan.Tiles
	for start := 0; start < len(tiles); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := tiles[start:min(start+size, len(tiles))]
		imgs := make([]*image.NRGBA, len(chunk))
		for i, t := range chunk {
			imgs[i] = j.extract(t)
		}
		outs, err := b.Up.UpscaleBatch(ctx, imgs)
		if err == nil && len(outs) != len(chunk) {
			err = fmt.Errorf("batch returned %d outputs for %d tiles", len(outs), len(chunk))
		}
		if err != nil {
			if b.Fallback == nil || errors.Is(err, runtime.ErrOutOfMemory) || ctx.Err() != nil {
				return fmt.Errorf("batch at tile %d: %w", chunk[0].Index, err)
			}
			e.log.Warn().Err(err).Int("first_tile", chunk[0].Index).Int("tiles", len(chunk)).Msg("batch inference failed, processing chunk sequentially")
			for i, t := range chunk {
				out, ferr := b.Fallback.Upscale(ctx, imgs[i])
				if ferr != nil {
					return fmt.Errorf("tile %d: %w", t.Index, ferr)
				}
				if ferr := j.finish(t, out); ferr != nil {
					return ferr
				}
			}
			continue
		}
		for i, t := range chunk {
			if err := j.finish(t, outs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
