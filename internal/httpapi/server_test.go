package httpapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"srd/internal/backend"
	"srd/internal/engine"
	"srd/internal/runtime"
	"srd/internal/strategy"
	"srd/internal/tiling"
	"srd/pkg/types"
)

type mockService struct {
	mu      sync.Mutex
	lastReq engine.Request
	calls   int

	processErr error
	block      bool
	plan       types.PlanResponse
	planErr    error
	lastPlan   [2]int
	avail      []runtime.Kind
	active     runtime.Kind
	switchErr  error
	status     types.StatusResponse
	ready      bool
}

func (m *mockService) Process(ctx context.Context, req engine.Request, progress tiling.Progress) (engine.Result, error) {
	m.mu.Lock()
	m.lastReq = req
	m.calls++
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return engine.Result{}, ctx.Err()
	}
	if m.processErr != nil {
		return engine.Result{}, m.processErr
	}
	b := req.Image.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx()*2, b.Dy()*2))
	if progress != nil {
		progress(1, 1)
	}
	return engine.Result{
		Image:    out,
		Backend:  runtime.KindCPU,
		Decision: strategy.Decision{Strategy: strategy.CpuParallel, Tiles: 4},
		Reduced:  true,
	}, nil
}

func (m *mockService) Plan(w, h int, kind runtime.Kind, tiled bool) (types.PlanResponse, error) {
	m.lastPlan = [2]int{w, h}
	return m.plan, m.planErr
}

func (m *mockService) Switch(ctx context.Context, kind runtime.Kind) (bool, error) {
	if m.switchErr != nil {
		return false, m.switchErr
	}
	changed := kind != m.active
	m.active = kind
	return changed, nil
}

func (m *mockService) Status() types.StatusResponse      { return m.status }
func (m *mockService) AvailableBackends() []runtime.Kind { return m.avail }
func (m *mockService) Active() runtime.Kind              { return m.active }
func (m *mockService) Ready() bool                       { return m.ready }

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func pngBody(t *testing.T, w, h int) *bytes.Buffer {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &buf
}

func upscale(t *testing.T, svc Service, target string, body io.Reader, ct string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, body)
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	return w
}

func TestUpscaleReturnsPNG(t *testing.T) {
	svc := &mockService{}
	w := upscale(t, svc, "/upscale?backend=GPU&tiling=true", pngBody(t, 5, 3), "image/png")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type=%s", ct)
	}
	if got := w.Header().Get(HeaderStrategy); got != "cpu_parallel" {
		t.Fatalf("strategy header=%q", got)
	}
	if got := w.Header().Get(HeaderBackend); got != "cpu" {
		t.Fatalf("backend header=%q", got)
	}
	if w.Header().Get(HeaderElapsedMs) == "" || w.Header().Get(HeaderTiles) != "4" || w.Header().Get(HeaderReduced) != "true" {
		t.Fatalf("missing headers: %v", w.Header())
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 6 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	if svc.lastReq.Backend != runtime.KindGPU || !svc.lastReq.Tiling {
		t.Fatalf("request not forwarded: %+v", svc.lastReq)
	}
}

func TestUpscaleAcceptsJPEGAndMissingContentType(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	svc := &mockService{}
	if w := upscale(t, svc, "/upscale", bytes.NewReader(buf.Bytes()), "image/JPEG"); w.Code != http.StatusOK {
		t.Fatalf("jpeg status=%d", w.Code)
	}
	if w := upscale(t, svc, "/upscale", pngBody(t, 2, 2), ""); w.Code != http.StatusOK {
		t.Fatalf("no content-type status=%d", w.Code)
	}
	if svc.lastReq.Backend != "" || svc.lastReq.Tiling {
		t.Fatalf("defaults not applied: %+v", svc.lastReq)
	}
}

func TestUpscaleRejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		target string
		body   io.Reader
		ct     string
		want   int
	}{
		{"content type", "/upscale", pngBody(t, 2, 2), "application/json", http.StatusUnsupportedMediaType},
		{"backend", "/upscale?backend=tpu", pngBody(t, 2, 2), "image/png", http.StatusBadRequest},
		{"tiling", "/upscale?tiling=maybe", pngBody(t, 2, 2), "image/png", http.StatusBadRequest},
		{"not an image", "/upscale", strings.NewReader("not-an-image"), "image/png", http.StatusBadRequest},
	}
	for _, tc := range cases {
		svc := &mockService{}
		w := upscale(t, svc, tc.target, tc.body, tc.ct)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.name, w.Code, tc.want)
		}
		if svc.calls != 0 {
			t.Fatalf("%s: service called", tc.name)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Code != tc.want {
			t.Fatalf("%s: bad error body %q", tc.name, w.Body.String())
		}
	}
}

func TestUpscaleBodyTooLarge(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(16)
	w := upscale(t, &mockService{}, "/upscale", pngBody(t, 8, 8), "image/png")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring w×h with no
// image data behind it.
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 0, 17)
	ihdr = append(ihdr, "IHDR"...)
	ihdr = binary.BigEndian.AppendUint32(ihdr, w)
	ihdr = binary.BigEndian.AppendUint32(ihdr, h)
	ihdr = append(ihdr, 8, 6, 0, 0, 0) // 8-bit RGBA
	b := []byte("\x89PNG\r\n\x1a\n")
	b = binary.BigEndian.AppendUint32(b, 13)
	b = append(b, ihdr...)
	return binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(ihdr))
}

func TestUpscaleRejectsTooManyPixels(t *testing.T) {
	svc := &mockService{}
	w := upscale(t, svc, "/upscale", bytes.NewReader(pngHeader(100000, 100000)), "image/png")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d body=%s", w.Code, w.Body.String())
	}

	defer SetMaxPixels(0)
	SetMaxPixels(100)
	w = upscale(t, svc, "/upscale", pngBody(t, 20, 10), "image/png")
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "20x10") {
		t.Fatalf("error should name the size: %s", w.Body.String())
	}
	w = upscale(t, svc, "/upscale", pngBody(t, 10, 10), "image/png")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 at the limit, got %d", w.Code)
	}
	if svc.calls != 1 {
		t.Fatalf("only the accepted image should be processed, calls=%d", svc.calls)
	}
}

func TestSetMaxPixels(t *testing.T) {
	defer SetMaxPixels(0)
	SetMaxPixels(-1)
	if maxPixels != DefaultMaxPixels {
		t.Fatalf("expected default %d, got %d", DefaultMaxPixels, maxPixels)
	}
	SetMaxPixels(42)
	if maxPixels != 42 {
		t.Fatalf("expected 42, got %d", maxPixels)
	}
}

func TestUpscaleErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{backend.ErrNotInitialized, http.StatusServiceUnavailable},
		{errors.Join(backend.ErrAllBackendsFailed, errors.New("x")), http.StatusServiceUnavailable},
		{runtime.ErrDependencyUnavailable("onnx runtime not compiled in"), http.StatusServiceUnavailable},
		{runtime.ErrOutOfMemory, http.StatusInsufficientStorage},
		{backend.ErrInferenceFailure(runtime.KindNPU, errors.New("device lost")), http.StatusInternalServerError},
		{mockHTTPError{msg: "teapot", code: http.StatusTeapot}, http.StatusTeapot},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := upscale(t, &mockService{processErr: tc.err}, "/upscale", pngBody(t, 2, 2), "image/png")
		if w.Code != tc.want {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.want)
		}
	}
}

func TestUpscaleTimeoutReturns504(t *testing.T) {
	defer SetUpscaleTimeoutSeconds(0)
	SetUpscaleTimeoutSeconds(1)
	w := upscale(t, &mockService{block: true}, "/upscale", pngBody(t, 2, 2), "image/png")
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", w.Code)
	}
}

func TestUpscaleStopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	defer SetBaseContext(nil)
	cancel()
	w := upscale(t, &mockService{block: true}, "/upscale", pngBody(t, 2, 2), "image/png")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestUpscaleWithDebugLogging(t *testing.T) {
	w := upscale(t, &mockService{}, "/upscale?log=debug", pngBody(t, 2, 2), "image/png")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with debug logging, got %d", w.Code)
	}
}

func postJSON(t *testing.T, svc Service, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	return w
}

func TestSwitch(t *testing.T) {
	svc := &mockService{avail: []runtime.Kind{runtime.KindCPU, runtime.KindGPU}, active: runtime.KindCPU}
	w := postJSON(t, svc, "/switch", `{"backend":"gpu"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp types.SwitchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if !resp.Switched || resp.Active != "gpu" {
		t.Fatalf("unexpected response %+v", resp)
	}

	for body, want := range map[string]int{
		`{"backend":"npu"}`: http.StatusConflict,
		`{"backend":""}`:    http.StatusBadRequest,
		`{"backend":"tpu"}`: http.StatusBadRequest,
		`not-json`:          http.StatusBadRequest,
	} {
		if w := postJSON(t, svc, "/switch", body); w.Code != want {
			t.Fatalf("%s: status=%d want %d", body, w.Code, want)
		}
	}

	svc.switchErr = backend.ErrClosed
	if w := postJSON(t, svc, "/switch", `{"backend":"cpu"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("closed manager: status=%d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/switch", strings.NewReader(`{"backend":"gpu"}`))
	rec := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content-type: status=%d", rec.Code)
	}
}

func TestBackendsAndStatus(t *testing.T) {
	svc := &mockService{
		avail:  []runtime.Kind{runtime.KindCPU, runtime.KindNPU},
		active: runtime.KindNPU,
		status: types.StatusResponse{InitState: "degraded", ReadyCount: 2, Backends: []types.BackendStatus{{Kind: "cpu"}, {Kind: "gpu"}, {Kind: "npu"}}},
	}
	h := NewMux(svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/backends", nil))
	var backends types.BackendsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &backends); err != nil {
		t.Fatalf("json: %v", err)
	}
	if strings.Join(backends.Available, ",") != "cpu,npu" || backends.Active != "npu" || len(backends.Backends) != 3 {
		t.Fatalf("unexpected backends %+v", backends)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	var status types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("json: %v", err)
	}
	if status.InitState != "degraded" || status.ReadyCount != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestPlan(t *testing.T) {
	svc := &mockService{plan: types.PlanResponse{Strategy: "cpu_sequential", Tiles: 252}}
	h := NewMux(svc)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plan?width=4000&height=3000", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var plan types.PlanResponse
	if err := json.Unmarshal(w.Body.Bytes(), &plan); err != nil {
		t.Fatalf("json: %v", err)
	}
	if plan.Tiles != 252 || svc.lastPlan != [2]int{4000, 3000} {
		t.Fatalf("unexpected plan %+v (%v)", plan, svc.lastPlan)
	}

	for _, q := range []string{"", "?width=10", "?width=-1&height=2", "?width=2&height=2&backend=x", "?width=2&height=2&tiling=x"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plan"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%q: status=%d", q, w.Code)
		}
	}

	svc.planErr = backend.ErrNotInitialized
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plan?width=2&height=2", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "initializing") {
		t.Fatalf("readyz=%d body=%q", w.Code, w.Body.String())
	}
	svc.ready = true
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("readyz=%d", w.Code)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("openapi not JSON: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/upscale"]; !ok {
		t.Fatalf("missing /upscale in %v", paths)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(&mockService{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}
