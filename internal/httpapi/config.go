package httpapi

// DefaultMaxBodyBytes bounds uploaded images unless SetMaxBodyBytes says
// otherwise.
const DefaultMaxBodyBytes int64 = 32 << 20

// maxBodyBytes controls the maximum allowed request body size.
var maxBodyBytes = DefaultMaxBodyBytes

// SetMaxBodyBytes configures the maximum request body size. Non-positive
// values restore the default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// DefaultMaxPixels bounds the decoded size of an upload, checked from the
// image header before decoding.
const DefaultMaxPixels int64 = 64_000_000

var maxPixels = DefaultMaxPixels

// SetMaxPixels configures the largest accepted width×height. Non-positive
// values restore the default.
func SetMaxPixels(n int64) {
	if n <= 0 {
		maxPixels = DefaultMaxPixels
		return
	}
	maxPixels = n
}

// upscaleTimeout bounds a single /upscale request in seconds. Zero means no
// timeout beyond the server's own.
var upscaleTimeout = int64(0)

// SetUpscaleTimeoutSeconds sets the /upscale timeout in seconds (0 disables).
func SetUpscaleTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	upscaleTimeout = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
