package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pre-trade check metrics
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_gate_checks_total",
			Help: "Total number of pre-trade checks evaluated",
		},
		[]string{"check", "result"},
	)

	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_gate_validations_total",
			Help: "Total number of orders validated",
		},
		[]string{"result"},
	)

	validationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "risk_gate_validation_duration_seconds",
			Help:    "Distribution of full validation latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control state metrics
	killSwitchActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_gate_kill_switch_activations_total",
			Help: "Total number of kill switch activations",
		},
		[]string{"trigger_type"},
	)

	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_gate_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"to_state"},
	)

	drawdownStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "risk_gate_drawdown_percent",
			Help: "Current drawdown from peak per tenant",
		},
		[]string{"tenant_id"},
	)

	// Ingestion metrics
	riskEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_gate_risk_events_total",
			Help: "Total number of risk telemetry events ingested",
		},
		[]string{"event_type"},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "risk_gate_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type"},
	)
)

func init() {
	// Register metrics
	prometheus.MustRegister(checksTotal)
	prometheus.MustRegister(validationsTotal)
	prometheus.MustRegister(validationDuration)
	prometheus.MustRegister(killSwitchActivationsTotal)
	prometheus.MustRegister(breakerTransitionsTotal)
	prometheus.MustRegister(drawdownStatus)
	prometheus.MustRegister(riskEventsTotal)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler handles Prometheus metrics endpoint
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// ServeHTTP serves the Prometheus metrics endpoint
func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordCheck records one pre-trade check outcome
func RecordCheck(check string, passed bool) {
	result := "pass"
	if !passed {
		result = "fail"
	}
	checksTotal.WithLabelValues(check, result).Inc()
}

// RecordValidation records a full order validation outcome and latency
func RecordValidation(approved bool, seconds float64) {
	result := "approved"
	if !approved {
		result = "rejected"
	}
	validationsTotal.WithLabelValues(result).Inc()
	validationDuration.Observe(seconds)
}

// RecordKillSwitchActivation records a kill switch activation
func RecordKillSwitchActivation(triggerType string) {
	killSwitchActivationsTotal.WithLabelValues(triggerType).Inc()
}

// RecordBreakerTransition records a circuit breaker state change
func RecordBreakerTransition(toState string) {
	breakerTransitionsTotal.WithLabelValues(toState).Inc()
}

// UpdateDrawdown updates the drawdown gauge for a tenant
func UpdateDrawdown(tenantID string, percent float64) {
	drawdownStatus.WithLabelValues(tenantID).Set(percent)
}

// RecordRiskEvent records an ingested risk telemetry event
func RecordRiskEvent(eventType string) {
	riskEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordError records an error metric
func RecordError(errorType string) {
	errorsTotal.WithLabelValues(errorType).Inc()
}
