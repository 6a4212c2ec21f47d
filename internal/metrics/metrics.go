// Package metrics exposes the engine's operational counters on a
// Prometheus registry the embedding process can mount under its own
// /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds one engine instance's collectors. Every collector carries the
// instance id as a constant label so multiple embedded engines in one
// process stay distinguishable.
type Set struct {
	registry *prometheus.Registry

	Commits            prometheus.Counter
	Conflicts          prometheus.Counter
	PagesAllocated     prometheus.Counter
	WALRecordsReplayed prometheus.Counter
	VersionsReclaimed  prometheus.Counter
	ActiveTransactions prometheus.Gauge
}

func New(instanceID string) *Set {
	labels := prometheus.Labels{"instance": instanceID}
	s := &Set{
		registry: prometheus.NewRegistry(),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galdrdb", Name: "commits_total",
			Help:        "Transactions committed.",
			ConstLabels: labels,
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galdrdb", Name: "page_conflicts_total",
			Help:        "Commits rejected by write-set conflict detection.",
			ConstLabels: labels,
		}),
		PagesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galdrdb", Name: "pages_allocated_total",
			Help:        "Pages handed out by the page manager.",
			ConstLabels: labels,
		}),
		WALRecordsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galdrdb", Name: "wal_records_replayed_total",
			Help:        "Redo records applied during open.",
			ConstLabels: labels,
		}),
		VersionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "galdrdb", Name: "versions_reclaimed_total",
			Help:        "Document versions reclaimed by vacuum.",
			ConstLabels: labels,
		}),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "galdrdb", Name: "active_transactions",
			Help:        "Transactions currently active.",
			ConstLabels: labels,
		}),
	}
	s.registry.MustRegister(
		s.Commits, s.Conflicts, s.PagesAllocated,
		s.WALRecordsReplayed, s.VersionsReclaimed, s.ActiveTransactions,
	)
	return s
}

// Registry returns the instance's registry for mounting in an HTTP
// handler.
func (s *Set) Registry() *prometheus.Registry { return s.registry }
