// Package metrics define las métricas Prometheus del engine. Vive en un
// package propio para evitar import cycles entre engine, plugins y HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StepExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reauth_step_executions_total",
		Help: "Ejecuciones de steps por plugin, step y status",
	}, []string{"plugin", "step", "status"})

	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reauth_step_duration_ms",
		Help:    "Latencia de ExecuteStep en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"plugin", "step"})

	CleanupRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reauth_cleanup_runs_total",
		Help: "Corridas de cleanup tasks por plugin, task y resultado",
	}, []string{"plugin", "task", "result"})

	CleanupRowsDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reauth_cleanup_rows_deleted_total",
		Help: "Filas purgadas por cleanup task y categoría",
	}, []string{"plugin", "category"})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reauth_sessions_created_total_gauge",
		Help: "Sesiones emitidas menos destruidas (aproximado, por proceso)",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reauth_http_requests_total",
		Help: "Requests HTTP por método, ruta y código",
	}, []string{"method", "route", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reauth_http_request_duration_seconds",
		Help:    "Latencia HTTP por método y ruta",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Register registra las métricas en reg (o en el default si es nil).
// Tolera AlreadyRegisteredError para que tests y wiring repetido no fallen.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cs := []prometheus.Collector{
		StepExecutions, StepDuration, CleanupRuns, CleanupRowsDeleted, SessionsActive,
		HTTPRequests, HTTPDuration,
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
