package monitoring

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
)

// 每个指标保留的历史点数
const metricHistory = 1000

// Metric 指标
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// MetricsCollector 指标收集器
type MetricsCollector struct {
	metrics     map[string][]*Metric
	metricsLock sync.RWMutex

	startTime time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		metrics:   make(map[string][]*Metric),
		startTime: time.Now(),
	}
}

// RecordMetric 记录指标
func (mc *MetricsCollector) RecordMetric(metric *Metric) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()
	mc.record(metric)
}

func (mc *MetricsCollector) record(metric *Metric) {
	metric.Timestamp = time.Now()
	key := seriesKey(metric.Name, metric.Labels)
	series := append(mc.metrics[key], metric)
	if len(series) > metricHistory {
		series = series[len(series)-metricHistory:]
	}
	mc.metrics[key] = series
}

// IncrCounter 增加计数器，值在上一个点的基础上累加
func (mc *MetricsCollector) IncrCounter(name string, delta float64, labels map[string]string) {
	mc.metricsLock.Lock()
	defer mc.metricsLock.Unlock()

	total := delta
	if series := mc.metrics[seriesKey(name, labels)]; len(series) > 0 {
		total += series[len(series)-1].Value
	}
	mc.record(&Metric{Name: name, Type: MetricTypeCounter, Value: total, Labels: labels})
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	mc.RecordMetric(&Metric{Name: name, Type: MetricTypeGauge, Value: value, Labels: labels})
}

// GetMetricSummary 获取指标摘要
func (mc *MetricsCollector) GetMetricSummary(name string, labels map[string]string) (map[string]interface{}, error) {
	mc.metricsLock.RLock()
	series, ok := mc.metrics[seriesKey(name, labels)]
	mc.metricsLock.RUnlock()
	if !ok || len(series) == 0 {
		return nil, fmt.Errorf("metric %s not found", name)
	}

	min, max, sum := series[0].Value, series[0].Value, 0.0
	for _, m := range series {
		sum += m.Value
		if m.Value < min {
			min = m.Value
		}
		if m.Value > max {
			max = m.Value
		}
	}
	return map[string]interface{}{
		"name":      name,
		"count":     len(series),
		"latest":    series[len(series)-1].Value,
		"min":       min,
		"max":       max,
		"average":   sum / float64(len(series)),
		"timestamp": series[len(series)-1].Timestamp,
	}, nil
}

// collectSystemMetrics 采集运行时指标
func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.RecordMetric(&Metric{Name: "memory_heap_alloc", Type: MetricTypeGauge, Value: float64(m.HeapAlloc), Help: "Memory heap allocated in bytes"})
	mc.RecordMetric(&Metric{Name: "memory_gc_count", Type: MetricTypeCounter, Value: float64(m.NumGC), Help: "Number of garbage collections"})
	mc.RecordMetric(&Metric{Name: "system_goroutines", Type: MetricTypeGauge, Value: float64(runtime.NumGoroutine()), Help: "Number of goroutines"})
}

// ExportPrometheus 导出Prometheus文本格式，按序列名排序
func (mc *MetricsCollector) ExportPrometheus() string {
	mc.collectSystemMetrics()

	mc.metricsLock.RLock()
	defer mc.metricsLock.RUnlock()

	keys := make([]string, 0, len(mc.metrics))
	for k := range mc.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	described := make(map[string]bool)
	for _, key := range keys {
		series := mc.metrics[key]
		if len(series) == 0 {
			continue
		}
		metric := series[len(series)-1]
		if !described[metric.Name] {
			help := metric.Help
			if help == "" {
				help = "Metric " + metric.Name
			}
			fmt.Fprintf(&b, "# HELP %s %s\n", metric.Name, help)
			fmt.Fprintf(&b, "# TYPE %s %s\n", metric.Name, metric.Type)
			described[metric.Name] = true
		}
		fmt.Fprintf(&b, "%s %g\n", key, metric.Value)
	}
	return b.String()
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// GetSystemStats 获取系统统计
func (mc *MetricsCollector) GetSystemStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"uptime":     mc.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"alloc":      m.Alloc,
			"sys":        m.Sys,
			"heap_alloc": m.HeapAlloc,
			"heap_inuse": m.HeapInuse,
			"gc_count":   m.NumGC,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

// seriesKey renders name{k="v",...} with labels in key order.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// ServiceMetrics 业务指标：预测与训练
type ServiceMetrics struct {
	collector *MetricsCollector

	mu          sync.RWMutex
	predictions map[string]*BackendStat
	trainings   int64
	lastTrained time.Time
}

// BackendStat 单个后端的预测统计
type BackendStat struct {
	Kind         string        `json:"kind"`
	Predictions  int64         `json:"predictions"`
	Errors       int64         `json:"errors"`
	TotalLatency time.Duration `json:"total_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
}

// NewServiceMetrics 创建业务指标
func NewServiceMetrics(collector *MetricsCollector) *ServiceMetrics {
	if collector == nil {
		collector = NewMetricsCollector()
	}
	return &ServiceMetrics{
		collector:   collector,
		predictions: make(map[string]*BackendStat),
	}
}

func (sm *ServiceMetrics) Collector() *MetricsCollector { return sm.collector }

// RecordPrediction 记录一次后端推理
func (sm *ServiceMetrics) RecordPrediction(kind string, latency time.Duration, failed bool) {
	sm.mu.Lock()
	stat, ok := sm.predictions[kind]
	if !ok {
		stat = &BackendStat{Kind: kind}
		sm.predictions[kind] = stat
	}
	stat.Predictions++
	stat.TotalLatency += latency
	if latency > stat.MaxLatency {
		stat.MaxLatency = latency
	}
	if failed {
		stat.Errors++
	}
	sm.mu.Unlock()

	labels := map[string]string{"kind": kind}
	sm.collector.IncrCounter("predictions_total", 1, labels)
	if failed {
		sm.collector.IncrCounter("prediction_errors_total", 1, labels)
	}
	sm.collector.SetGauge("prediction_latency_seconds", latency.Seconds(), labels)
}

// RecordTraining 记录一次训练
func (sm *ServiceMetrics) RecordTraining(accuracy float64, samples int) {
	sm.mu.Lock()
	sm.trainings++
	sm.lastTrained = time.Now()
	sm.mu.Unlock()

	sm.collector.IncrCounter("training_runs_total", 1, nil)
	sm.collector.SetGauge("training_accuracy", accuracy, nil)
	sm.collector.SetGauge("training_samples", float64(samples), nil)
}

// GetServiceStats 获取业务统计，后端按名称排序
func (sm *ServiceMetrics) GetServiceStats() map[string]interface{} {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	backends := make([]BackendStat, 0, len(sm.predictions))
	for _, stat := range sm.predictions {
		backends = append(backends, *stat)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i].Kind < backends[j].Kind })

	latency := make(map[string]interface{}, len(backends))
	for _, b := range backends {
		if summary, err := sm.collector.GetMetricSummary("prediction_latency_seconds", map[string]string{"kind": b.Kind}); err == nil {
			latency[b.Kind] = summary
		}
	}

	return map[string]interface{}{
		"training_runs": sm.trainings,
		"last_trained":  sm.lastTrained,
		"backends":      backends,
		"latency":       latency,
	}
}
