package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/swag"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	_ "srd/docs"
	"srd/internal/engine"
	"srd/internal/runtime"
	"srd/internal/tiling"
	"srd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Process(ctx context.Context, req engine.Request, progress tiling.Progress) (engine.Result, error)
	Plan(w, h int, kind runtime.Kind, tiled bool) (types.PlanResponse, error)
	Switch(ctx context.Context, kind runtime.Kind) (bool, error)
	Status() types.StatusResponse
	AvailableBackends() []runtime.Kind
	Active() runtime.Kind
	Ready() bool
}

var _ Service = (*engine.Processor)(nil)

// Response headers describing how an image was processed.
const (
	HeaderStrategy  = "X-Strategy"
	HeaderBackend   = "X-Backend"
	HeaderElapsedMs = "X-Elapsed-Ms"
	HeaderTiles     = "X-Tiles"
	HeaderReduced   = "X-Reduced-Resolution"
)

var acceptedImageTypes = []string{
	"image/png", "image/jpeg", "image/webp", "image/bmp", "image/tiff", "application/octet-stream",
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints; PNG is already compressed.
	r.Use(middleware.Compress(5, "application/json"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{HeaderStrategy, HeaderBackend, HeaderElapsedMs, HeaderTiles, HeaderReduced},
		}))
	}

	r.Post("/upscale", handleUpscale(svc))
	r.Post("/switch", handleSwitch(svc))
	r.Get("/backends", handleBackends(svc))
	r.Get("/status", handleStatus(svc))
	r.Get("/plan", handlePlan(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("initializing"))
	})

	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		doc, err := swag.ReadDoc()
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "api docs not registered")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, doc)
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// handleUpscale godoc
// @Summary      Upscale an image
// @Description  Decodes a PNG, JPEG, WebP, BMP or TIFF body, upscales it on the best available accelerator and returns a PNG.
// @Tags         upscale
// @Accept       png,jpeg
// @Produce      png
// @Param        backend  query   string  false  "Force a backend (cpu, gpu, npu)"
// @Param        tiling   query   bool    false  "Force tiled processing"
// @Success      200  {file}    binary
// @Header       200  {string}  X-Strategy    "Processing strategy"
// @Header       200  {string}  X-Backend     "Backend that produced the image"
// @Header       200  {integer} X-Elapsed-Ms  "Processing time"
// @Failure      400  {object}  types.ErrorResponse
// @Failure      413  {object}  types.ErrorResponse
// @Failure      415  {object}  types.ErrorResponse
// @Failure      503  {object}  types.ErrorResponse
// @Router       /upscale [post]
func handleUpscale(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && !acceptedImage(ct) {
			IncrementRejected("content_type")
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be an image")
			return
		}
		kind, err := runtime.ParseKind(r.URL.Query().Get("backend"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		tiled, err := queryBool(r, "tiling")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				IncrementRejected("too_large")
				writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", tooLarge.Limit))
				return
			}
			writeJSONError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		hdr, _, err := image.DecodeConfig(bytes.NewReader(body))
		if err != nil {
			IncrementRejected("decode")
			writeJSONError(w, http.StatusBadRequest, "unsupported image format")
			return
		}
		if hdr.Width <= 0 || hdr.Height <= 0 {
			IncrementRejected("decode")
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid image size %dx%d", hdr.Width, hdr.Height))
			return
		}
		if px := int64(hdr.Width) * int64(hdr.Height); px > maxPixels {
			IncrementRejected("too_many_pixels")
			writeJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image %dx%d exceeds %d pixels", hdr.Width, hdr.Height, maxPixels))
			return
		}
		img, format, err := image.Decode(bytes.NewReader(body))
		if err != nil {
			IncrementRejected("decode")
			writeJSONError(w, http.StatusBadRequest, "unsupported image format")
			return
		}
		imageBytes.WithLabelValues("in").Observe(float64(len(body)))

		rl := newRequestLog(r)
		size := img.Bounds().Size()
		rl.begin(map[string]any{"format": format, "width": size.X, "height": size.Y, "backend": string(kind), "tiling": tiled})

		// Join server base context with request context so shutdown cancels work too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if upscaleTimeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, time.Duration(upscaleTimeout)*time.Second)
			defer tcancel()
		}
		res, err := svc.Process(ctx, engine.Request{Image: img, Backend: kind, Tiling: tiled}, rl.progress())
		if err != nil {
			// client gone: nobody to answer
			if r.Context().Err() != nil {
				rl.end(499, err, nil)
				return
			}
			status := statusFor(err)
			if serverBaseCtx.Err() != nil {
				status = http.StatusServiceUnavailable
				err = fmt.Errorf("server shutting down: %w", err)
			}
			writeJSONError(w, status, err.Error())
			rl.end(status, err, nil)
			return
		}

		var out bytes.Buffer
		if err := png.Encode(&out, res.Image); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode image")
			rl.end(http.StatusInternalServerError, err, nil)
			return
		}
		imageBytes.WithLabelValues("out").Observe(float64(out.Len()))
		h := w.Header()
		h.Set("Content-Type", "image/png")
		h.Set("Content-Length", strconv.Itoa(out.Len()))
		h.Set(HeaderStrategy, res.Decision.Strategy.String())
		h.Set(HeaderBackend, string(res.Backend))
		h.Set(HeaderElapsedMs, strconv.FormatInt(res.Elapsed.Milliseconds(), 10))
		h.Set(HeaderTiles, strconv.Itoa(res.Decision.Tiles))
		if res.Reduced {
			h.Set(HeaderReduced, "true")
		}
		w.WriteHeader(http.StatusOK)
		w.Write(out.Bytes())
		rl.end(http.StatusOK, nil, map[string]any{
			"strategy": res.Decision.Strategy.String(),
			"backend":  string(res.Backend),
			"reduced":  res.Reduced,
		})
	}
}

// handleSwitch godoc
// @Summary      Switch the active backend
// @Tags         backends
// @Accept       json
// @Produce      json
// @Param        request  body      types.SwitchRequest  true  "Backend to activate"
// @Success      200      {object}  types.SwitchResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      409      {object}  types.ErrorResponse
// @Router       /switch [post]
func handleSwitch(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req types.SwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		kind, err := runtime.ParseKind(req.Backend)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if kind == "" {
			writeJSONError(w, http.StatusBadRequest, "backend is required")
			return
		}
		if !contains(svc.AvailableBackends(), kind) {
			writeJSONError(w, http.StatusConflict, fmt.Sprintf("backend %s is not available", kind))
			return
		}
		switched, err := svc.Switch(r.Context(), kind)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, types.SwitchResponse{Switched: switched, Active: string(svc.Active())})
	}
}

// handleBackends godoc
// @Summary      List backends
// @Tags         backends
// @Produce      json
// @Success      200  {object}  types.BackendsResponse
// @Router       /backends [get]
func handleBackends(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		avail := svc.AvailableBackends()
		resp := types.BackendsResponse{
			Available: make([]string, 0, len(avail)),
			Active:    string(svc.Active()),
			Backends:  svc.Status().Backends,
		}
		for _, k := range avail {
			resp.Available = append(resp.Available, string(k))
		}
		writeJSON(w, resp)
	}
}

// handleStatus godoc
// @Summary      Engine status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	}
}

// handlePlan godoc
// @Summary      Plan processing of an image size
// @Description  Reports the strategy, tiles and estimated time for an image without running inference.
// @Tags         upscale
// @Produce      json
// @Param        width    query     int     true   "Image width"
// @Param        height   query     int     true   "Image height"
// @Param        backend  query     string  false  "Force a backend (cpu, gpu, npu)"
// @Param        tiling   query     bool    false  "Force tiled processing"
// @Success      200      {object}  types.PlanResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      503      {object}  types.ErrorResponse
// @Router       /plan [get]
func handlePlan(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		width, werr := strconv.Atoi(q.Get("width"))
		height, herr := strconv.Atoi(q.Get("height"))
		if werr != nil || herr != nil || width <= 0 || height <= 0 {
			writeJSONError(w, http.StatusBadRequest, "width and height must be positive integers")
			return
		}
		kind, err := runtime.ParseKind(q.Get("backend"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		tiled, err := queryBool(r, "tiling")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		plan, err := svc.Plan(width, height, kind, tiled)
		if err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, plan)
	}
}

func acceptedImage(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	for _, t := range acceptedImageTypes {
		if ct == t {
			return true
		}
	}
	return false
}

func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest{msg: fmt.Sprintf("%s must be a boolean", name)}
	}
	return b, nil
}

func contains(kinds []runtime.Kind, k runtime.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
