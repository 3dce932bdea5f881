package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: unsupported image format
	Error string `json:"error" example:"unsupported image format"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// SwitchRequest selects the active backend via POST /switch.
type SwitchRequest struct {
	// Backend kind to activate.
	// example: gpu
	Backend string `json:"backend" example:"gpu"`
}

// SwitchResponse reports the outcome of POST /switch.
type SwitchResponse struct {
	// Whether the active backend changed.
	// example: true
	Switched bool `json:"switched" example:"true"`
	// Backend active after the request.
	// example: gpu
	Active string `json:"active" example:"gpu"`
}

// BackendsResponse is returned by GET /backends.
type BackendsResponse struct {
	// Kinds with a ready session, in cpu, gpu, npu order.
	// example: ["cpu","gpu"]
	Available []string `json:"available" example:"cpu,gpu"`
	// Currently active backend.
	// example: cpu
	Active string `json:"active" example:"cpu"`
	// Per-backend detail.
	Backends []BackendStatus `json:"backends"`
}

// PlanResponse describes how an image of the given size would be processed.
type PlanResponse struct {
	// Chosen processing strategy.
	// example: cpu_parallel
	Strategy string `json:"strategy" example:"cpu_parallel"`
	// Human readable strategy name.
	// example: CPU Parallel Tiling
	Description string `json:"description" example:"CPU Parallel Tiling"`
	// Human readable reason for the choice.
	// example: Model doesn't support batch processing
	Reason string `json:"reason" example:"Model doesn't support batch processing"`
	// Whether the image will be tiled.
	// example: true
	TilingRequired bool `json:"tiling_required" example:"true"`
	// Estimated processing time in milliseconds.
	// example: 1400
	EstimatedTimeMs int64 `json:"estimated_time_ms" example:"1400"`
	// Backend whose model geometry was used for planning.
	// example: cpu
	Backend string `json:"backend" example:"cpu"`
	// Number of tiles, 1 for direct processing.
	// example: 252
	Tiles int `json:"tiles" example:"252"`
	// Tile grid, present when tiling is required.
	TileCols int `json:"tile_cols,omitempty" example:"18"`
	TileRows int `json:"tile_rows,omitempty" example:"14"`
	// Tile edge in pixels.
	// example: 256
	TileSize int `json:"tile_size,omitempty" example:"256"`
	// Tile overlap in pixels.
	// example: 32
	Overlap int `json:"overlap,omitempty" example:"32"`
	// Output size in pixels.
	OutputWidth  int `json:"output_width" example:"16000"`
	OutputHeight int `json:"output_height" example:"12000"`
	// Available memory at decision time, in MB.
	// example: 4096
	AvailableMemoryMB int64 `json:"available_memory_mb" example:"4096"`
}
