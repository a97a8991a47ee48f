package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
)

// PrometheusService registers metrics in a dedicated registry, so they do
// not interfere with the default global one, and serves them on /metrics.
type PrometheusService struct {
	namespace string
	addr      string
	registry  *prometheus.Registry

	mu         sync.RWMutex
	gauges     map[string]prometheus.Gauge
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram

	server   *http.Server
	listener net.Listener
}

// NewPrometheusService creates a service that will listen on addr
// (host:port) once started. Go runtime and process collectors are
// registered as well.
func NewPrometheusService(namespace, addr string) *PrometheusService {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	return &PrometheusService{
		namespace:  namespace,
		addr:       addr,
		registry:   reg,
		gauges:     make(map[string]prometheus.Gauge),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Registry returns the Prometheus registry used by this service. This is
// where libp2p and resource manager metrics are registered.
func (p *PrometheusService) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusService) NewGauge(name, help string) (Gauge, error) {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      help,
	})
	if err := p.register(name, g, func() { p.gauges[name] = g }); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *PrometheusService) NewCounter(name, help string) (Counter, error) {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      help,
	})
	if err := p.register(name, c, func() { p.counters[name] = c }); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PrometheusService) NewHistogram(name, help string, buckets []float64) (Histogram, error) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	if err := p.register(name, h, func() { p.histograms[name] = h }); err != nil {
		return nil, err
	}
	return h, nil
}

// register adds c to the registry and records it with store. A name is
// taken once across all metric kinds, whatever its help text; the
// registry alone only catches an identical descriptor.
func (p *PrometheusService) register(name string, c prometheus.Collector, store func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exists(name) {
		return fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
	}
	if err := p.registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
		}
		return fmt.Errorf("failed to register metric %s: %w", name, err)
	}
	store()
	return nil
}

func (p *PrometheusService) exists(name string) bool {
	_, g := p.gauges[name]
	_, c := p.counters[name]
	_, h := p.histograms[name]
	return g || c || h
}

func (p *PrometheusService) Gauge(name string) (Gauge, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.gauges[name]
	if !ok {
		return nil, false
	}
	return g, true
}

func (p *PrometheusService) Counter(name string) (Counter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.counters[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (p *PrometheusService) Histogram(name string) (Histogram, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.histograms[name]
	if !ok {
		return nil, false
	}
	return h, true
}

// Handler serves the registry in the Prometheus text exposition format.
func (p *PrometheusService) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Start binds the listener and serves /metrics in the background.
func (p *PrometheusService) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", p.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.listener = ln

	server := p.server
	util.SafeGoWithName("metrics-server", func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server stopped", logging.Err(err))
		}
	})
	logging.Info("metrics server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (p *PrometheusService) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.addr
}

func (p *PrometheusService) Stop(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.server = nil
	p.listener = nil
	p.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (p *PrometheusService) Info() string {
	return fmt.Sprintf("prometheus metrics (%s) on http://%s/metrics", p.namespace, p.Addr())
}
