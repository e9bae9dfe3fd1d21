// Package metrics records operation and transport metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rezonia/nfse-client/internal/model"
)

// Recorder is the port the facade and transport report to
type Recorder interface {
	// ObserveOperation records one facade call. outcome is success,
	// rejected, unsupported or error.
	ObserveOperation(op model.Operation, family model.Family, outcome string, d time.Duration)

	// ObserveTransport records one HTTP exchange. status is the HTTP
	// status code, or timeout, canceled or error when no response arrived.
	ObserveTransport(op model.Operation, status string, d time.Duration)
}

// Operation outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeUnsupported = "unsupported"
	OutcomeError       = "error"
)

// Noop discards every observation
type Noop struct{}

// NewNoop creates a no-op recorder
func NewNoop() *Noop {
	return &Noop{}
}

// ObserveOperation is a no-op.
func (n *Noop) ObserveOperation(model.Operation, model.Family, string, time.Duration) {}

// ObserveTransport is a no-op.
func (n *Noop) ObserveTransport(model.Operation, string, time.Duration) {}

// Prometheus records metrics using Prometheus
type Prometheus struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	transportRequests *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
}

// NewPrometheus creates a recorder on the default registry
func NewPrometheus() *Prometheus {
	return NewPrometheusWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusWithRegistry creates a recorder on reg. Use this for testing.
func NewPrometheusWithRegistry(reg prometheus.Registerer) *Prometheus {
	operationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfse_operations_total",
		Help: "Total facade operations by outcome",
	}, []string{"operation", "family", "outcome"})

	operationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nfse_operation_duration_seconds",
		Help:    "Facade operation latency, from build to parsed result",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "family"})

	transportRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfse_transport_requests_total",
		Help: "Total HTTP exchanges with the authority by status",
	}, []string{"operation", "status"})

	transportDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nfse_transport_duration_seconds",
		Help:    "HTTP exchange latency with the authority",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"operation"})

	reg.MustRegister(operationsTotal, operationDuration, transportRequests, transportDuration)

	return &Prometheus{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		transportRequests: transportRequests,
		transportDuration: transportDuration,
	}
}

// ObserveOperation records one facade call
func (p *Prometheus) ObserveOperation(op model.Operation, family model.Family, outcome string, d time.Duration) {
	p.operationsTotal.WithLabelValues(string(op), string(family), outcome).Inc()
	p.operationDuration.WithLabelValues(string(op), string(family)).Observe(d.Seconds())
}

// ObserveTransport records one HTTP exchange
func (p *Prometheus) ObserveTransport(op model.Operation, status string, d time.Duration) {
	p.transportRequests.WithLabelValues(string(op), status).Inc()
	p.transportDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

// OutcomeOf classifies a facade result for the operations counter
func OutcomeOf(result *model.OperationResult, err error) string {
	switch {
	case err != nil:
		return OutcomeError
	case result == nil:
		return OutcomeError
	case result.IsUnsupported():
		return OutcomeUnsupported
	case result.Success:
		return OutcomeSuccess
	default:
		return OutcomeRejected
	}
}
