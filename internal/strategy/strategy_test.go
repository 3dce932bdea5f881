package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"srd/internal/memory"
	"srd/internal/runtime"
)

var batchModel = Capabilities{TileSize: 256, BatchCapable: true, BatchSize: 64, NPUEnabled: true}

func selector(availMB int64) *Selector {
	return NewSelector(Config{Overlap: 32}, memory.Fixed{Available: availMB})
}

func TestSmallImageIsDirect(t *testing.T) {
	cases := []struct {
		kind runtime.Kind
		eta  time.Duration
	}{
		{"", 300 * time.Millisecond},
		{runtime.KindCPU, 300 * time.Millisecond},
		{runtime.KindGPU, 200 * time.Millisecond},
		{runtime.KindNPU, 150 * time.Millisecond},
	}
	for _, tc := range cases {
		d := selector(4096).Select(Request{Width: 200, Height: 256, Kind: tc.kind}, batchModel)
		assert.Equal(t, Direct, d.Strategy)
		assert.Equal(t, "Image small enough for direct processing", d.Reason)
		assert.Equal(t, tc.eta, d.ETA, "kind %q", tc.kind)
		assert.False(t, d.TilingRequired)
	}
}

func TestDirectETAFollowsExecutingBackend(t *testing.T) {
	cases := []struct {
		active, requested runtime.Kind
		eta               time.Duration
	}{
		{runtime.KindGPU, "", 200 * time.Millisecond},
		{runtime.KindNPU, "", 150 * time.Millisecond},
		{runtime.KindCPU, "", 300 * time.Millisecond},
		{runtime.KindNPU, runtime.KindCPU, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		caps := batchModel
		caps.Backend = tc.active
		d := selector(4096).Select(Request{Width: 64, Height: 64, Kind: tc.requested}, caps)
		assert.Equal(t, Direct, d.Strategy)
		assert.Equal(t, tc.eta, d.ETA, "active %q requested %q", tc.active, tc.requested)
	}
}

func TestRequestedTilingSkipsDirect(t *testing.T) {
	d := selector(4096).Select(Request{Width: 200, Height: 200, Tiling: true}, batchModel)
	assert.Equal(t, NpuBatch, d.Strategy)
	assert.Equal(t, 1, d.Tiles)
	assert.True(t, d.TilingRequired)
}

func TestMaxDirectSizeOverridesModelEdge(t *testing.T) {
	s := NewSelector(Config{Overlap: 32, MaxDirectSize: 2048}, memory.Fixed{Available: 4096})
	assert.Equal(t, Direct, s.Select(Request{Width: 2048, Height: 1024}, batchModel).Strategy)
	assert.NotEqual(t, Direct, s.Select(Request{Width: 2049, Height: 1024}, batchModel).Strategy)
}

func TestForceTilingAboveMB(t *testing.T) {
	// 1024x1024 RGBA is 4MB
	s := NewSelector(Config{Overlap: 32, MaxDirectSize: 4096, ForceTilingAboveMB: 3}, memory.Fixed{Available: 4096})
	assert.NotEqual(t, Direct, s.Select(Request{Width: 1024, Height: 1024}, batchModel).Strategy)
	s = NewSelector(Config{Overlap: 32, MaxDirectSize: 4096, ForceTilingAboveMB: 4}, memory.Fixed{Available: 4096})
	assert.Equal(t, Direct, s.Select(Request{Width: 1024, Height: 1024}, batchModel).Strategy)
}

func TestTileCount(t *testing.T) {
	assert.Equal(t, 252, selector(0).TileCount(4000, 3000, 256))
}

func TestLowMemoryAutoIsSequential(t *testing.T) {
	// 1000x800 at 256/32 is 5x4 tiles
	d := selector(50).Select(Request{Width: 1000, Height: 800}, batchModel)
	assert.Equal(t, CpuSequential, d.Strategy)
	assert.Equal(t, 20, d.Tiles)
	assert.Equal(t, "Low memory - using sequential processing", d.Reason)
	assert.Equal(t, 20*175*time.Millisecond, d.ETA)
	assert.EqualValues(t, 50, d.AvailableMB)
	assert.True(t, d.TilingRequired)
}

func TestExplicitNPUBypassesMemoryCheck(t *testing.T) {
	d := selector(10).Select(Request{Width: 1000, Height: 800, Kind: runtime.KindNPU}, batchModel)
	assert.Equal(t, NpuBatch, d.Strategy)
	assert.Equal(t, "NPU batch processing (forced - low memory: 10MB < 300MB)", d.Reason)
	assert.Equal(t, (200+20*2)*time.Millisecond, d.ETA)

	d = selector(500).Select(Request{Width: 1000, Height: 800, Kind: runtime.KindNPU}, batchModel)
	assert.Equal(t, NpuBatch, d.Strategy)
	assert.Equal(t, "NPU batch processing (user requested)", d.Reason)
}

func TestAutoBatchNeedsMemory(t *testing.T) {
	d := selector(300).Select(Request{Width: 1000, Height: 800}, batchModel)
	assert.Equal(t, NpuBatch, d.Strategy)
	assert.Equal(t, "NPU batch processing (optimal)", d.Reason)

	d = selector(299).Select(Request{Width: 1000, Height: 800}, batchModel)
	assert.Equal(t, CpuParallel, d.Strategy)
	assert.Equal(t, "Insufficient memory (299MB < 300MB required)", d.Reason)
	// 20 tiles over 4 workers
	assert.Equal(t, 5*175*time.Millisecond, d.ETA)
}

func TestBatchRequiresCapacityAndNPU(t *testing.T) {
	cases := []struct {
		name   string
		caps   Capabilities
		kind   runtime.Kind
		reason string
	}{
		{"not batch capable", Capabilities{TileSize: 256, NPUEnabled: true}, "", "Model doesn't support batch processing"},
		{"npu disabled", Capabilities{TileSize: 256, BatchCapable: true, BatchSize: 64}, runtime.KindNPU, "NPU disabled in configuration"},
		{"batch too small", Capabilities{TileSize: 256, BatchCapable: true, BatchSize: 8, NPUEnabled: true}, runtime.KindNPU, "Using CPU parallel processing"},
		{"gpu requested", batchModel, runtime.KindGPU, "Using CPU parallel processing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := selector(1024).Select(Request{Width: 1000, Height: 800, Kind: tc.kind}, tc.caps)
			assert.Equal(t, CpuParallel, d.Strategy)
			assert.Equal(t, tc.reason, d.Reason)
		})
	}
}

func TestParallelETAUsesFewerWorkersForFewTiles(t *testing.T) {
	d := selector(1024).Select(Request{Width: 400, Height: 200, Kind: runtime.KindCPU}, batchModel)
	// 2 tiles, 2 workers, one round
	assert.Equal(t, CpuParallel, d.Strategy)
	assert.Equal(t, 2, d.Tiles)
	assert.Equal(t, 175*time.Millisecond, d.ETA)
}

func TestDescriptions(t *testing.T) {
	assert.Equal(t, "NPU Batch (Hardware Parallel)", NpuBatch.Description())
	assert.Equal(t, "CPU Parallel Tiling", CpuParallel.Description())
	assert.Equal(t, "CPU Sequential", CpuSequential.Description())
	assert.Equal(t, "Direct Processing", Direct.Description())
	assert.Equal(t, "npu_batch", NpuBatch.String())
	assert.False(t, Direct.Tiled())
	assert.True(t, CpuSequential.Tiled())
}
