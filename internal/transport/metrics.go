package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts the calls a Client makes.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
	UploadedBytes prometheus.Counter
}

// NewMetrics registers the transport metrics with reg. A nil reg registers
// with the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3console_transport_requests_total",
				Help: "Total number of signed requests sent to the storage service",
			},
			[]string{"method", "code"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3console_transport_request_duration_seconds",
				Help:    "Duration of signed requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UploadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3console_transport_uploaded_bytes_total",
				Help: "Total request body bytes sent to the storage service",
			},
		),
	}
}
