package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct{}

var (
	transitionCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_transitions_total",
		Help: "Committed FSM transitions",
	})
	transitionRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_transitions_rejected_total",
		Help: "Transitions rejected by the FSM or lost to a concurrent writer",
	})
	anomalyCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_defense_anomalies_total",
		Help: "Fallback aggregate initializations fired by defense layers 2/3",
	})
	dispatchedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_outbox_dispatched_total",
		Help: "Outbox entries published to the queue",
	})
	retriedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_outbox_retried_total",
		Help: "Outbox publish attempts that failed transiently and were rescheduled",
	})
	deadCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_outbox_dead_total",
		Help: "Outbox entries dead-lettered",
	})
	backlogGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowbox_outbox_backlog",
		Help: "Pending outbox entries",
	})
	lastCycleGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flowbox_dispatcher_last_cycle_timestamp_seconds",
		Help: "Unix time of the dispatcher's last successful cycle",
	})
	executedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_worker_executed_total",
		Help: "Jobs executed to completion by workers",
	})
	workerFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_worker_failures_total",
		Help: "Job handler failures",
	})
	shortCircuitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowbox_worker_short_circuits_total",
		Help: "Duplicate or stale deliveries acknowledged without side effects",
	})
)

func NewPrometheusObserver() Observer {
	return &prometheusObserver{}
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) RecordTransition()         { transitionCounter.Inc() }
func (p *prometheusObserver) RecordTransitionRejected() { transitionRejected.Inc() }
func (p *prometheusObserver) RecordAnomaly()            { anomalyCounter.Inc() }
func (p *prometheusObserver) RecordDispatched()         { dispatchedCounter.Inc() }
func (p *prometheusObserver) RecordRetried()            { retriedCounter.Inc() }
func (p *prometheusObserver) RecordDead()               { deadCounter.Inc() }
func (p *prometheusObserver) SetBacklog(n int64)        { backlogGauge.Set(float64(n)) }
func (p *prometheusObserver) SetLastCycle(t time.Time)  { lastCycleGauge.Set(float64(t.Unix())) }
func (p *prometheusObserver) RecordExecuted()           { executedCounter.Inc() }
func (p *prometheusObserver) RecordWorkerFailure()      { workerFailureCounter.Inc() }
func (p *prometheusObserver) RecordShortCircuit()       { shortCircuitCounter.Inc() }
