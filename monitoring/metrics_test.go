package monitoring

import (
	"strings"
	"testing"
	"time"
)

func TestCounterAccumulates(t *testing.T) {
	mc := NewMetricsCollector()
	labels := map[string]string{"kind": "random_forest"}
	mc.IncrCounter("predictions_total", 1, labels)
	mc.IncrCounter("predictions_total", 2, labels)

	summary, err := mc.GetMetricSummary("predictions_total", labels)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary["latest"] != 3.0 {
		t.Fatalf("expected 3, got %v", summary["latest"])
	}
	if _, err := mc.GetMetricSummary("predictions_total", nil); err == nil {
		t.Error("unlabelled series should be distinct")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 0; i < metricHistory+50; i++ {
		mc.SetGauge("g", float64(i), nil)
	}
	summary, err := mc.GetMetricSummary("g", nil)
	if err != nil {
		t.Fatal(err)
	}
	if summary["count"] != metricHistory {
		t.Errorf("expected %d points, got %v", metricHistory, summary["count"])
	}
	if summary["min"] != 50.0 {
		t.Errorf("expected oldest points dropped, min=%v", summary["min"])
	}
	if _, err := mc.GetMetricSummary("missing", nil); err == nil {
		t.Error("expected error for unknown metric")
	}
}

func TestExportPrometheus(t *testing.T) {
	sm := NewServiceMetrics(nil)
	sm.RecordPrediction("random_forest", 2*time.Millisecond, false)
	sm.RecordPrediction("random_forest", time.Millisecond, true)
	sm.RecordTraining(0.9, 10)

	out := sm.Collector().ExportPrometheus()
	for _, want := range []string{
		"# TYPE predictions_total counter",
		`predictions_total{kind="random_forest"} 2`,
		`prediction_errors_total{kind="random_forest"} 1`,
		"training_accuracy 0.9",
		"system_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}

	stats := sm.GetServiceStats()
	backends := stats["backends"].([]BackendStat)
	if len(backends) != 1 || backends[0].Predictions != 2 || backends[0].Errors != 1 {
		t.Errorf("unexpected backend stats: %+v", backends)
	}
	if backends[0].MaxLatency != 2*time.Millisecond {
		t.Errorf("unexpected max latency %v", backends[0].MaxLatency)
	}
	latency, ok := stats["latency"].(map[string]interface{})["random_forest"].(map[string]interface{})
	if !ok || latency["count"] != 2 || latency["max"] != (2*time.Millisecond).Seconds() {
		t.Errorf("unexpected latency summary: %+v", stats["latency"])
	}
	if stats["training_runs"] != int64(1) {
		t.Errorf("unexpected training runs %v", stats["training_runs"])
	}
}
