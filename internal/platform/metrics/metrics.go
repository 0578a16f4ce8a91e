package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总编排器对外暴露的 Prometheus 指标。
// 每个实例持有独立的 Registry，测试中可以并行构造多个而不冲突。
type Metrics struct {
	Registry *prometheus.Registry

	EvidenceCollected *prometheus.CounterVec
	BytesCollected    prometheus.Counter
	CollectionErrors  *prometheus.CounterVec
	JobsFinished      *prometheus.CounterVec
	ActiveJobs        prometheus.Gauge
	CapacityRejected  prometheus.Counter
	Verifications     *prometheus.CounterVec
	ActiveHolds       prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EvidenceCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "items_collected_total",
			Help:      "Evidence items registered, by evidence type.",
		}, []string{"type"}),
		BytesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "bytes_collected_total",
			Help:      "Payload bytes collected.",
		}),
		CollectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "collection_errors_total",
			Help:      "Captured collection errors, by code.",
		}, []string{"code"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "jobs_finished_total",
			Help:      "Job runs that reached a terminal state, by status.",
		}, []string{"status"}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evidence",
			Name:      "jobs_active",
			Help:      "Jobs currently collecting.",
		}),
		CapacityRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "jobs_capacity_rejected_total",
			Help:      "Job executions refused because the concurrency cap was reached.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "verifications_total",
			Help:      "Integrity verifications, by outcome.",
		}, []string{"valid"}),
		ActiveHolds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evidence",
			Name:      "legal_holds_active",
			Help:      "Active legal holds.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evidence",
			Name:      "http_requests_total",
			Help:      "API requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
	}
	reg.MustRegister(
		m.EvidenceCollected,
		m.BytesCollected,
		m.CollectionErrors,
		m.JobsFinished,
		m.ActiveJobs,
		m.CapacityRejected,
		m.Verifications,
		m.ActiveHolds,
		m.HTTPRequests,
	)
	return m
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
