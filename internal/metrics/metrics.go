// Package metrics exposes the dispatcher's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the process-wide collector registry; internal/healthhttp
// serves it over /metrics.
var Registry = prometheus.NewRegistry()

var (
	// AssociationsOpened counts successful A-ASSOCIATE-AC negotiations.
	AssociationsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dicom_associations_opened_total",
		Help: "Total number of associations successfully established.",
	})

	// AssociationsAborted counts abort terminations by reason.
	AssociationsAborted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_associations_aborted_total",
		Help: "Total number of associations that ended in Aborted, by reason.",
	}, []string{"reason"})

	// AssociationsRejected counts peer A-ASSOCIATE-RJ outcomes.
	AssociationsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dicom_associations_rejected_total",
		Help: "Total number of associations rejected by the peer.",
	})

	// RequestsCompleted counts successfully terminated requests by DIMSE
	// command field.
	RequestsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_requests_completed_total",
		Help: "Total number of requests that reached a terminal non-timeout, non-failure status.",
	}, []string{"command"})

	// RequestsTimedOut counts requests failed by the timeout watchdog.
	RequestsTimedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_requests_timed_out_total",
		Help: "Total number of requests that exceeded request_timeout silence.",
	}, []string{"command"})

	// RequestsFailed counts requests failed for any other reason
	// (association abort, protocol violation, cancellation).
	RequestsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_requests_failed_total",
		Help: "Total number of requests that failed for a reason other than timeout.",
	}, []string{"command", "reason"})

	// RequestDuration tracks wall-clock time from a request's final PDU
	// being flushed by the client to its terminal outcome.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dicom_request_duration_seconds",
		Help:    "Request duration from final outbound PDU to terminal outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	// QueueDepth reports the dispatcher queue's current length.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dicom_dispatcher_queue_depth",
		Help: "Number of requests currently queued awaiting an association.",
	})

	// InFlightRequests reports requests currently awaiting a response on
	// the active association.
	InFlightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dicom_dispatcher_in_flight_requests",
		Help: "Number of requests currently in flight on the active association.",
	})
)

func init() {
	Registry.MustRegister(
		AssociationsOpened,
		AssociationsAborted,
		AssociationsRejected,
		RequestsCompleted,
		RequestsTimedOut,
		RequestsFailed,
		RequestDuration,
		QueueDepth,
		InFlightRequests,
	)
}
