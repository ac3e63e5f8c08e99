// Package metrics exposes Prometheus collectors for workflows, stages, the
// retrieval stores and ERP sync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	workflowsSubmitted prometheus.Counter
	workflowsFinished  *prometheus.CounterVec
	workflowDuration   prometheus.Histogram
	stagesFinished     *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageRetries       *prometheus.CounterVec
	documents          prometheus.Gauge
	graphNodes         *prometheus.GaugeVec
	graphEdges         *prometheus.GaugeVec
	syncRuns           *prometheus.CounterVec
	syncDocuments      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		workflowsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erpflow_workflows_submitted_total",
			Help: "Workflows accepted by the engine",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erpflow_workflows_finished_total",
			Help: "Workflows that reached a terminal state",
		}, []string{"state"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "erpflow_workflow_duration_seconds",
			Help:    "Time from submission to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		stagesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erpflow_stages_finished_total",
			Help: "Stages that reached a terminal status",
		}, []string{"role", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "erpflow_stage_duration_seconds",
			Help:    "Stage run time including retries",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"role"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erpflow_stage_retries_total",
			Help: "Stage attempts retried after a transient error",
		}, []string{"role", "kind"}),
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "erpflow_index_documents",
			Help: "Documents in the retrieval index",
		}),
		graphNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "erpflow_graph_nodes",
			Help: "Graph nodes by entity type",
		}, []string{"type"}),
		graphEdges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "erpflow_graph_edges",
			Help: "Graph edges by relation",
		}, []string{"relation"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "erpflow_erp_sync_runs_total",
			Help: "ERP sync passes by result",
		}, []string{"result"}),
		syncDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "erpflow_erp_sync_documents_total",
			Help: "ERP documents upserted by sync",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workflowsSubmitted, m.workflowsFinished, m.workflowDuration,
		m.stagesFinished, m.stageDuration, m.stageRetries,
		m.documents, m.graphNodes, m.graphEdges,
		m.syncRuns, m.syncDocuments,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) WorkflowSubmitted() { m.workflowsSubmitted.Inc() }

func (m *Metrics) WorkflowFinished(state string, elapsed time.Duration) {
	m.workflowsFinished.WithLabelValues(state).Inc()
	m.workflowDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) StageFinished(role, status string, _ int, elapsed time.Duration) {
	m.stagesFinished.WithLabelValues(role, status).Inc()
	if elapsed > 0 {
		m.stageDuration.WithLabelValues(role).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) StageRetried(role, kind string) {
	m.stageRetries.WithLabelValues(role, kind).Inc()
}

// SetStoreSizes replaces the index and graph gauges.
func (m *Metrics) SetStoreSizes(documents int, nodesByType, edgesByRelation map[string]int) {
	m.documents.Set(float64(documents))
	m.graphNodes.Reset()
	for t, n := range nodesByType {
		m.graphNodes.WithLabelValues(t).Set(float64(n))
	}
	m.graphEdges.Reset()
	for r, n := range edgesByRelation {
		m.graphEdges.WithLabelValues(r).Set(float64(n))
	}
}

// SyncFinished counts one ERP sync pass.
func (m *Metrics) SyncFinished(documents int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncRuns.WithLabelValues(result).Inc()
	m.syncDocuments.Add(float64(documents))
}
