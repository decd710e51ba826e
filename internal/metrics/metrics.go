// Package metrics exposes a replica's Prometheus instrumentation: counters
// for gossip traffic and updates applied, gauges for log size and current
// status. It is wired into the replica's debug HTTP listener, independent
// of the replica's RPC listener.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles a single replica's Prometheus instruments. Each field is
// a ready-to-use collector registered at construction time.
type Metrics struct {
	GossipSent     prometheus.Counter
	GossipReceived prometheus.Counter
	UpdatesApplied prometheus.Counter
	PendingQueries prometheus.Gauge
	LogSize        prometheus.Gauge
	Status         prometheus.Gauge
}

// New registers a full set of instruments for replicaID under reg.
func New(reg *prometheus.Registry, replicaID int) *Metrics {
	labels := prometheus.Labels{"replica": strconv.Itoa(replicaID)}
	factory := promauto.With(reg)
	return &Metrics{
		GossipSent: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gossipkv_gossip_sent_total",
			Help:        "Gossip rounds this replica has sent to a peer.",
			ConstLabels: labels,
		}),
		GossipReceived: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gossipkv_gossip_received_total",
			Help:        "Gossip rounds this replica has received from a peer.",
			ConstLabels: labels,
		}),
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name:        "gossipkv_updates_applied_total",
			Help:        "Updates applied to the domain store.",
			ConstLabels: labels,
		}),
		PendingQueries: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "gossipkv_pending_queries",
			Help:        "Queries currently blocked waiting for stability.",
			ConstLabels: labels,
		}),
		LogSize: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "gossipkv_update_log_size",
			Help:        "Records currently retained in the update log.",
			ConstLabels: labels,
		}),
		Status: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "gossipkv_replica_status",
			Help:        "Current replica status: 0=active, 1=overloaded, 2=offline.",
			ConstLabels: labels,
		}),
	}
}

// Handler returns the promhttp handler for reg, to be mounted on the
// replica's debug HTTP listener (commonly alongside pprof).
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
