package acn

import (
	"errors"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/metrics"
)

// Metric names reported by peers and clients.
const (
	MetricDHTOpLatencyStore  = "dht_op_latency_store"
	MetricDHTOpLatencyLookup = "dht_op_latency_lookup"
	MetricOpLatencyRegister  = "op_latency_register"
	MetricOpLatencyRoute     = "op_latency_route"
	MetricOpRouteCount       = "op_route_count"
	MetricOpRouteCountAll    = "op_route_count_all"
	MetricOpRouteCountOK     = "op_route_count_success"

	MetricDelegateClientsCount    = "service_delegate_clients_count"
	MetricDelegateClientsCountAll = "service_delegate_clients_count_all"
	MetricRelayClientsCount       = "service_relay_clients_count"
	MetricRelayClientsCountAll    = "service_relay_clients_count_all"
)

// Metrics holds the instruments of one node. Every field is usable even
// when no monitoring service is configured.
type Metrics struct {
	StoreLatency    metrics.Histogram
	LookupLatency   metrics.Histogram
	RegisterLatency metrics.Histogram
	RouteLatency    metrics.Histogram

	RouteCount        metrics.Gauge
	RouteCountAll     metrics.Counter
	RouteCountSuccess metrics.Counter

	DelegateClients    metrics.Gauge
	DelegateClientsAll metrics.Counter
	RelayClients       metrics.Gauge
	RelayClientsAll    metrics.Counter
}

// NewMetrics registers the node metrics on s, which may be nil. A metric
// already registered by another node sharing s is reused.
func NewMetrics(s metrics.Service) *Metrics {
	if s != nil {
		buckets := metrics.LatencyBucketsMicroseconds
		for _, h := range []struct{ name, help string }{
			{MetricDHTOpLatencyStore, "Latency of DHT provide operations in microseconds"},
			{MetricDHTOpLatencyLookup, "Latency of DHT provider lookups in microseconds"},
			{MetricOpLatencyRegister, "Latency of agent registrations in microseconds"},
			{MetricOpLatencyRoute, "Latency of envelope routing in microseconds"},
		} {
			_, err := s.NewHistogram(h.name, h.help, buckets)
			logRegisterErr(h.name, err)
		}
		for _, g := range []struct{ name, help string }{
			{MetricOpRouteCount, "Number of envelopes being routed"},
			{MetricDelegateClientsCount, "Number of connected delegate clients"},
			{MetricRelayClientsCount, "Number of registered relay clients"},
		} {
			_, err := s.NewGauge(g.name, g.help)
			logRegisterErr(g.name, err)
		}
		for _, c := range []struct{ name, help string }{
			{MetricOpRouteCountAll, "Total number of envelopes routed"},
			{MetricOpRouteCountOK, "Total number of envelopes routed successfully"},
			{MetricDelegateClientsCountAll, "Total number of delegate client registrations"},
			{MetricRelayClientsCountAll, "Total number of relay client registrations"},
		} {
			_, err := s.NewCounter(c.name, c.help)
			logRegisterErr(c.name, err)
		}
	}

	return &Metrics{
		StoreLatency:       metrics.HistogramOrDiscard(s, MetricDHTOpLatencyStore),
		LookupLatency:      metrics.HistogramOrDiscard(s, MetricDHTOpLatencyLookup),
		RegisterLatency:    metrics.HistogramOrDiscard(s, MetricOpLatencyRegister),
		RouteLatency:       metrics.HistogramOrDiscard(s, MetricOpLatencyRoute),
		RouteCount:         metrics.GaugeOrDiscard(s, MetricOpRouteCount),
		RouteCountAll:      metrics.CounterOrDiscard(s, MetricOpRouteCountAll),
		RouteCountSuccess:  metrics.CounterOrDiscard(s, MetricOpRouteCountOK),
		DelegateClients:    metrics.GaugeOrDiscard(s, MetricDelegateClientsCount),
		DelegateClientsAll: metrics.CounterOrDiscard(s, MetricDelegateClientsCountAll),
		RelayClients:       metrics.GaugeOrDiscard(s, MetricRelayClientsCount),
		RelayClientsAll:    metrics.CounterOrDiscard(s, MetricRelayClientsCountAll),
	}
}

func logRegisterErr(name string, err error) {
	if err != nil && !errors.Is(err, metrics.ErrDuplicateMetric) {
		logging.Warn("failed to register metric", "metric", name, logging.Err(err))
	}
}
