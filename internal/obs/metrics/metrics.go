// Package metrics exposes Prometheus instrumentation for the plugin host.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PluginLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Name:      "plugin_loads_total",
		Help:      "Plugin load attempts by outcome.",
	}, []string{"outcome"})

	PluginExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Name:      "plugin_executions_total",
		Help:      "Plugin execute_plugin calls by outcome.",
	}, []string{"plugin_id", "outcome"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pluginhost",
		Name:      "plugin_execution_duration_seconds",
		Help:      "Plugin execution wall-clock duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"plugin_id"})

	FuelExhaustions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Name:      "fuel_exhaustions_total",
		Help:      "Number of times a plugin's fuel meter tripped exhausted.",
	}, []string{"plugin_id"})

	BrokerDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Name:      "broker_deliveries_total",
		Help:      "Messages delivered by the broker, by topic and outcome.",
	}, []string{"topic", "outcome"})

	ThreatAssessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Name:      "threat_assessments_total",
		Help:      "Threat assessments emitted, by severity.",
	}, []string{"severity"})

	QuotaViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pluginhost",
		Name:      "quota_violations_total",
		Help:      "Resource quota breaches, by resource kind.",
	}, []string{"resource"})
)
