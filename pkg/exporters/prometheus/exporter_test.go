package prometheus

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/supporttools/net-probe/pkg/types"
)

func testConfig() types.MetricsConfig {
	return types.MetricsConfig{
		Enabled:     true,
		BindAddress: "127.0.0.1",
		Port:        19101,
		Labels:      map[string]string{"zone": "test"},
	}
}

func newTestExporter(t *testing.T) *Exporter {
	t.Helper()
	e, err := NewExporter(testConfig(), "v1.2.3")
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	return e
}

func successResult(host string, received int) *types.IterationResult {
	r := types.NewIterationResult(1, types.Endpoint{Hostname: host, Port: 80})
	r.Stage = types.StageComplete
	r.BytesSent = 40
	r.BytesReceived = received
	r.Durations[types.StageResolve] = 5 * time.Millisecond
	r.Durations[types.StageConnect] = 20 * time.Millisecond
	r.FinishedAt = time.Unix(1700000000, 0)
	return r
}

func failedResult(host string, stage types.Stage) *types.IterationResult {
	r := types.NewIterationResult(1, types.Endpoint{Hostname: host, Port: 80})
	r.Fail(stage, errors.New("boom"))
	return r
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name          string
		config        types.MetricsConfig
		errorContains string
	}{
		{
			name:          "disabled exporter",
			config:        types.MetricsConfig{Enabled: false},
			errorContains: "disabled",
		},
		{
			name:          "invalid port",
			config:        types.MetricsConfig{Enabled: true, Port: 70000},
			errorContains: "port must be between",
		},
		{
			name:          "invalid path",
			config:        types.MetricsConfig{Enabled: true, Path: "metrics"},
			errorContains: "path must start",
		},
		{
			name:          "invalid namespace",
			config:        types.MetricsConfig{Enabled: true, Namespace: "net-probe"},
			errorContains: "invalid namespace",
		},
		{
			name:   "defaults applied",
			config: types.MetricsConfig{Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewExporter(tt.config, "")
			if tt.errorContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorContains) {
					t.Fatalf("NewExporter() error = %v, want %q", err, tt.errorContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewExporter() error = %v", err)
			}
			if e.config.Port != types.DefaultMetricsPort || e.config.Path != "/metrics" {
				t.Errorf("defaults not applied: %+v", e.config)
			}
			if got := testutil.ToFloat64(e.metrics.Info.WithLabelValues("unknown", runtime.Version())); got != 1 {
				t.Errorf("info gauge = %v, want 1", got)
			}
		})
	}
}

func TestReportIterationSuccess(t *testing.T) {
	e := newTestExporter(t)
	ctx := context.Background()

	if err := e.ReportIteration(ctx, successResult("example.org", 512)); err != nil {
		t.Fatalf("ReportIteration() error = %v", err)
	}
	if err := e.ReportIteration(ctx, successResult("example.org", 0)); err != nil {
		t.Fatalf("ReportIteration() error = %v", err)
	}

	m := e.metrics
	if got := testutil.ToFloat64(m.IterationsTotal.WithLabelValues("example.org", "success")); got != 2 {
		t.Errorf("iterations_total{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSentTotal.WithLabelValues("example.org")); got != 80 {
		t.Errorf("bytes_sent_total = %v, want 80", got)
	}
	if got := testutil.ToFloat64(m.BytesReceivedTotal.WithLabelValues("example.org")); got != 512 {
		t.Errorf("bytes_received_total = %v, want 512", got)
	}
	if got := testutil.ToFloat64(m.EmptyResponsesTotal.WithLabelValues("example.org")); got != 1 {
		t.Errorf("empty_responses_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LastSuccessTimestamp.WithLabelValues("example.org")); got != 1700000000 {
		t.Errorf("last_success_timestamp_seconds = %v", got)
	}
	if n := testutil.CollectAndCount(m.StageDuration); n != 2 {
		t.Errorf("stage_duration_seconds series = %d, want 2 (resolve, connect)", n)
	}
}

func TestReportIterationFailure(t *testing.T) {
	e := newTestExporter(t)
	ctx := context.Background()
	m := e.metrics

	for _, stage := range []types.Stage{types.StageResolve, types.StageResolve, types.StageConnect} {
		if err := e.ReportIteration(ctx, failedResult("example.org", stage)); err != nil {
			t.Fatalf("ReportIteration() error = %v", err)
		}
	}

	if got := testutil.ToFloat64(m.IterationsTotal.WithLabelValues("example.org", "failure")); got != 3 {
		t.Errorf("iterations_total{failure} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.FailuresTotal.WithLabelValues("example.org", "resolve")); got != 2 {
		t.Errorf("failures_total{resolve} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConsecutiveFailures.WithLabelValues("example.org")); got != 3 {
		t.Errorf("consecutive_failures = %v, want 3", got)
	}

	if err := e.ReportIteration(ctx, successResult("example.org", 10)); err != nil {
		t.Fatalf("ReportIteration() error = %v", err)
	}
	if got := testutil.ToFloat64(m.ConsecutiveFailures.WithLabelValues("example.org")); got != 0 {
		t.Errorf("consecutive_failures after success = %v, want 0", got)
	}

	if err := e.ReportIteration(ctx, nil); err == nil {
		t.Error("ReportIteration(nil) should fail")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestExporter(t)
	if err := e.ReportIteration(context.Background(), successResult("example.org", 128)); err != nil {
		t.Fatalf("ReportIteration() error = %v", err)
	}

	server := httptest.NewServer(e.Handler())
	defer server.Close()

	body := get(t, server.URL+"/metrics", http.StatusOK)
	for _, want := range []string{
		`net_probe_iterations_total{host="example.org",result="success",zone="test"} 1`,
		`net_probe_bytes_received_total{host="example.org",zone="test"} 128`,
		`net_probe_info{go_version=`,
		`version="v1.2.3"`,
		"net_probe_start_time_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	health := get(t, server.URL+"/health", http.StatusOK)
	if !strings.Contains(health, `"status":"healthy"`) {
		t.Errorf("unexpected /health body: %s", health)
	}
}

func TestExporterLifecycle(t *testing.T) {
	config := testConfig()
	config.Port = 19102
	e, err := NewExporter(config, "v1.2.3")
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Errorf("Stop() before Start should be a no-op, got %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	body := get(t, "http://"+e.Addr().String()+"/metrics", http.StatusOK)
	if !strings.Contains(body, "net_probe_info") {
		t.Error("served metrics missing net_probe_info")
	}

	if err := e.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, err := http.Get("http://" + e.Addr().String() + "/metrics"); err == nil {
		t.Error("server still serving after Stop()")
	}
}

func TestStartPortInUse(t *testing.T) {
	first, err := NewExporter(testConfig(), "")
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop()

	second, err := NewExporter(testConfig(), "")
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("Start() on a bound port should fail")
	}
}

func get(t *testing.T, url string, wantStatus int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return string(body)
}

func TestReportIterationStageHistogram(t *testing.T) {
	e := newTestExporter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.ReportIteration(ctx, successResult("example.org", 10)); err != nil {
			t.Fatalf("ReportIteration() error = %v", err)
		}
	}

	families, err := e.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var histogram *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "net_probe_stage_duration_seconds" {
			histogram = mf
		}
	}
	if histogram == nil {
		t.Fatal("stage duration histogram not gathered")
	}
	if histogram.GetType() != dto.MetricType_HISTOGRAM {
		t.Errorf("expected histogram type, got %v", histogram.GetType())
	}

	samples := map[string]uint64{}
	for _, metric := range histogram.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "stage" {
				samples[label.GetValue()] = metric.GetHistogram().GetSampleCount()
			}
		}
	}
	for _, stage := range []string{"resolve", "connect"} {
		if samples[stage] != 3 {
			t.Errorf("stage %s: expected 3 observations, got %d", stage, samples[stage])
		}
	}
	if _, ok := samples["send"]; ok {
		t.Error("send stage has no recorded duration and should not be observed")
	}
}
