// Package metrics exposes Prometheus collectors for the credential engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "keygate"

// Registry holds every keygate collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var (
	// Authorizations counts /authorize outcomes by result code.
	Authorizations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_total",
		Help:      "Authorization requests by result.",
	}, []string{"result"})

	// CodeExchanges counts /token outcomes by result code.
	CodeExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "code_exchanges_total",
		Help:      "Authorization code exchanges by result.",
	}, []string{"result"})

	// SessionOps counts license session operations.
	SessionOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_operations_total",
		Help:      "License session operations by operation and result.",
	}, []string{"op", "result"})

	// LicenseOps counts license lifecycle operations.
	LicenseOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "license_operations_total",
		Help:      "License lifecycle operations by operation and result.",
	}, []string{"op", "result"})

	// StoreEntries reports entries per credential store after each sweep.
	StoreEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "credential_store_entries",
		Help:      "Entries held by each ephemeral credential store.",
	}, []string{"store"})

	// StoreSwept counts expired entries removed by the sweeper.
	StoreSwept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_store_swept_total",
		Help:      "Expired entries removed by the background sweeper.",
	}, []string{"store"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	}, []string{"route"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Authorizations, CodeExchanges, SessionOps, LicenseOps,
		StoreEntries, StoreSwept, RateLimited,
	)
}
