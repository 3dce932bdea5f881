package types

// BackendStatus summarizes one accelerator backend for /status and /backends.
type BackendStatus struct {
	// Accelerator kind.
	// example: gpu
	Kind string `json:"kind" example:"gpu"`
	// Lifecycle state (uninitialized, initializing, ready, failed, evicted).
	// example: ready
	State string `json:"state" example:"ready"`
	// Whether this backend is the active one.
	// example: true
	Active bool `json:"active" example:"true"`
	// Failure or eviction reason.
	Reason string `json:"reason,omitempty"`
	// Input tensor shape, NHWC.
	// example: [1,256,256,3]
	InputShape []int `json:"input_shape,omitempty"`
	// Output tensor shape, NHWC.
	// example: [1,1024,1024,3]
	OutputShape []int `json:"output_shape,omitempty"`
	// Tensor element type.
	// example: float32
	DType string `json:"dtype,omitempty" example:"float32"`
	// Batch size accepted by the session.
	// example: 1
	BatchSize int `json:"batch_size,omitempty" example:"1"`
	// Last time this backend ran an inference (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix,omitempty" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Progressive initialization state.
	// example: fully_ready
	InitState string `json:"init_state" example:"fully_ready"`
	// Number of backends with a ready session.
	// example: 2
	ReadyCount int `json:"ready_count" example:"2"`
	// Currently active backend.
	// example: cpu
	Active string `json:"active" example:"cpu"`
	// Per-backend detail.
	Backends []BackendStatus `json:"backends"`
	// Tensor buffer reallocations since start.
	// example: 1
	BufferReallocations uint64 `json:"buffer_reallocations" example:"1"`
	// Available memory reported by the probe, in MB.
	// example: 4096
	AvailableMemoryMB int64 `json:"available_memory_mb" example:"4096"`
	// Last error observed (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
