package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "marlinbuild"

// PrometheusRecorder implements Recorder using Prometheus metrics
type PrometheusRecorder struct {
	once             sync.Once
	targetOutcomes   *prom.CounterVec
	targetDuration   prom.Histogram
	snapshotDuration *prom.HistogramVec
	runDuration      prom.Histogram
	runsTotal        prom.Counter
	lastRunBuilt     prom.Gauge
	concurrency      prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metrics on reg
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.targetOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "target_outcomes_total",
			Help:      "Per-target results by outcome",
		}, []string{"outcome"})
		pr.targetDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "target_build_duration_seconds",
			Help:      "Duration of toolchain runs per target",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		})
		pr.snapshotDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of mirror sync, checkout and archive",
			Buckets:   prom.DefBuckets,
		}, []string{"result"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Total duration of orchestrator runs",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		})
		pr.runsTotal = prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Number of finished orchestrator runs",
		})
		pr.lastRunBuilt = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_built_targets",
			Help:      "Targets built by the most recent run",
		})
		pr.concurrency = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "build_concurrency",
			Help:      "Configured number of build workers",
		})
		reg.MustRegister(pr.targetOutcomes, pr.targetDuration, pr.snapshotDuration,
			pr.runDuration, pr.runsTotal, pr.lastRunBuilt, pr.concurrency)
	})
	return pr
}

func (p *PrometheusRecorder) IncTargetOutcome(outcome Outcome) {
	if p == nil || p.targetOutcomes == nil {
		return
	}
	p.targetOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ObserveTargetDuration(d time.Duration) {
	if p == nil || p.targetDuration == nil {
		return
	}
	p.targetDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveSnapshotDuration(d time.Duration, success bool) {
	if p == nil || p.snapshotDuration == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.snapshotDuration.WithLabelValues(res).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration, built int) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
	p.runsTotal.Inc()
	p.lastRunBuilt.Set(float64(built))
}

func (p *PrometheusRecorder) SetBuildConcurrency(n int) {
	if p == nil || p.concurrency == nil {
		return
	}
	p.concurrency.Set(float64(n))
}
