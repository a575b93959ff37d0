package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the browser console does on top of the transport.
type Metrics struct {
	Uploads       *prometheus.CounterVec
	UploadedBytes prometheus.Counter
}

// NewMetrics registers the console metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "s3console_web_uploads_total",
				Help: "Uploads started from the browser by result",
			},
			[]string{"result"},
		),
		UploadedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "s3console_web_uploaded_bytes_total",
				Help: "Bytes of uploads completed from the browser",
			},
		),
	}
}
