package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsMiddleware_UsesRoutePattern ensures the metrics middleware labels
// by the chi route pattern instead of the raw URL path.
func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/backends/{kind}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/backends/gpu", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := mrr.Body.Bytes()
	if !bytes.Contains(body, []byte(`path="/backends/{kind}"`)) {
		preview := body
		if len(preview) > 400 {
			preview = preview[:400]
		}
		t.Fatalf("expected metrics labelled with the route pattern; got: %q", string(preview))
	}
	if bytes.Contains(body, []byte(`srd_http_requests_total{method="GET",path="/backends/gpu"`)) {
		t.Fatal("raw path leaked into request labels")
	}
}

func TestMetricsMiddleware_BoundedLabelsForUnknownPaths(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	var during float64
	r.Post("/work", func(w http.ResponseWriter, r *http.Request) {
		during = testutil.ToFloat64(httpInflight.WithLabelValues(http.MethodPost))
		w.WriteHeader(http.StatusNoContent)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/work", nil))
	if during < 1 {
		t.Fatalf("expected in-flight POST gauge >= 1 inside the handler, got %v", during)
	}
	if got := testutil.ToFloat64(httpInflight.WithLabelValues(http.MethodPost)); got != 0 {
		t.Fatalf("expected in-flight gauge back at 0, got %v", got)
	}

	for _, p := range []string{"/random/a1", "/random/b2", "/random/c3"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, p, nil))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", p, rr.Code)
		}
	}
	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := mrr.Body.Bytes()
	if bytes.Contains(body, []byte("/random/")) {
		t.Fatal("unmatched raw paths leaked into metric labels")
	}
	if !bytes.Contains(body, []byte(`path="unmatched"`)) {
		t.Fatal("expected unmatched requests under a single label")
	}
}
