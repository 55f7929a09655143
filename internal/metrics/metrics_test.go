package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	r.UpstreamRequest("acceptances", "200")
	r.UpstreamRequest("acceptances", "429")
	r.UpstreamRetry("acceptances")
	r.ChunkSkipped("physical")
	r.PeriodsPriced("T_TEST-1", 46, 2)
	r.ObserveReconcile("T_TEST-1", 1500*time.Millisecond)

	expected := `
# HELP curtail_periods_total Settlement periods processed by outcome
# TYPE curtail_periods_total counter
curtail_periods_total{outcome="priced",unit="T_TEST-1"} 46
curtail_periods_total{outcome="skipped",unit="T_TEST-1"} 2
`
	if err := testutil.CollectAndCompare(r.periods, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("acceptances", "429")); got != 1 {
		t.Errorf("429 requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.skippedChunks.WithLabelValues("physical")); got != 1 {
		t.Errorf("skipped chunks = %v, want 1", got)
	}
	if c := testutil.CollectAndCount(r.duration); c == 0 {
		t.Errorf("duration not recorded")
	}
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("first recorder: %v", err)
	}
	second, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("second recorder: %v", err)
	}

	first.UpstreamRetry("bid-offer")
	second.UpstreamRetry("bid-offer")
	if got := testutil.ToFloat64(first.retries.WithLabelValues("bid-offer")); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.UpstreamRequest("acceptances", "200")
	r.PeriodsPriced("T_TEST-1", 1, 0)
	r.AlertSent("threshold")
	r.WindowCompleted(time.Now())
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	r.AlertSent("unpriced")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `curtail_alerts_total{kind="unpriced"} 1`) {
		t.Fatalf("alert counter missing from output:\n%s", body)
	}
}
