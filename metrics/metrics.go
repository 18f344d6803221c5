// Package metrics vends the prometheus collectors shared by snap service components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snap"

var (
	UploadsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_accepted_total",
		Help:      "Count of uploads acknowledged to senders, by media kind.",
	}, []string{"kind"})
	UploadsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_finished_total",
		Help:      "Count of background uploads by media kind and outcome.",
	}, []string{"kind", "outcome"})
	UploadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_duration_seconds",
		Help:      "Latency of background upload to blob store, by media kind.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})
	UploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploaded_bytes_total",
		Help:      "Cumulative encoded media size written to blob store.",
	})
	Views = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "views_total",
		Help:      "Count of view attempts by outcome.",
	}, []string{"outcome"})
	BlobDeletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_deletes_total",
		Help:      "Count of blob deletions by trigger and outcome.",
	}, []string{"trigger", "outcome"})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Count of delivery notifications by outcome.",
	}, []string{"outcome"})
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "push_connections",
		Help:      "Number of live push connections registered in this process.",
	})
	JobsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Number of supervised background jobs running, by supervisor.",
	}, []string{"supervisor"})
	SweptSnaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swept_snaps_total",
		Help:      "Count of expired snaps handled by the deleter, by outcome.",
	}, []string{"outcome"})
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Latency of HTTP requests by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})
)

// outcome label values
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeWon     = "won"
	OutcomeLost    = "rejected"
	OutcomeDropped = "dropped"
)

// Register registers all collectors with reg, tolerating collectors registered before so that multiple
// components sharing a process can call it.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		UploadsAccepted, UploadsFinished, UploadDuration, UploadedBytes, Views, BlobDeletes,
		Notifications, Connections, JobsInFlight, SweptSnaps, RequestDuration,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
