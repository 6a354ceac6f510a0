package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	// Exercise helpers; they should work only after Register
	IncWorkerStart("live")
	IncWorkerStart("live")
	IncWorkerRestart()
	IncWorkerStop()
	SetWorkerRunning(true)
	IncRandomPost("@src")
	IncQuotaSuspension("@src")
	SetActiveSources(2)
	IncStoreError("save_state")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"teleward_worker_starts_total":            false,
		"teleward_worker_restarts_total":          false,
		"teleward_worker_stops_total":             false,
		"teleward_worker_running":                 false,
		"teleward_random_posts_total":             false,
		"teleward_random_quota_suspensions_total": false,
		"teleward_random_active_sources":          false,
		"teleward_store_errors_total":             false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServes(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics handler status: %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("metrics handler returned empty body")
	}
}
