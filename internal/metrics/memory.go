package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moltbunker/acn/internal/logging"
	"github.com/moltbunker/acn/internal/util"
)

// Collector is the in-memory Service. When a dump path is configured,
// Start writes a JSON snapshot there every interval until Stop.
type Collector struct {
	namespace string

	mu         sync.RWMutex
	gauges     map[string]*memGauge
	counters   map[string]*memGauge
	histograms map[string]*memHistogram

	dumpPath     string
	dumpInterval time.Duration
	stop         chan struct{}
	done         chan struct{}

	startTime time.Time
}

// NewCollector creates an in-memory collector. dumpPath may be empty.
func NewCollector(namespace, dumpPath string, dumpInterval time.Duration) *Collector {
	if dumpInterval <= 0 {
		dumpInterval = 10 * time.Second
	}
	return &Collector{
		namespace:    namespace,
		gauges:       make(map[string]*memGauge),
		counters:     make(map[string]*memGauge),
		histograms:   make(map[string]*memHistogram),
		dumpPath:     dumpPath,
		dumpInterval: dumpInterval,
		startTime:    time.Now(),
	}
}

func (c *Collector) NewGauge(name, help string) (Gauge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
	}
	g := &memGauge{}
	c.gauges[name] = g
	return g, nil
}

func (c *Collector) NewCounter(name, help string) (Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
	}
	g := &memGauge{}
	c.counters[name] = g
	return counterView{g}, nil
}

func (c *Collector) NewHistogram(name, help string, buckets []float64) (Histogram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMetric, name)
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	h := &memHistogram{bounds: bounds, counts: make([]uint64, len(bounds)+1)}
	c.histograms[name] = h
	return h, nil
}

func (c *Collector) exists(name string) bool {
	_, g := c.gauges[name]
	_, ct := c.counters[name]
	_, h := c.histograms[name]
	return g || ct || h
}

func (c *Collector) Gauge(name string) (Gauge, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.gauges[name]
	if !ok {
		return nil, false
	}
	return g, true
}

func (c *Collector) Counter(name string) (Counter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.counters[name]
	if !ok {
		return nil, false
	}
	return counterView{g}, true
}

func (c *Collector) Histogram(name string) (Histogram, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.histograms[name]
	if !ok {
		return nil, false
	}
	return h, true
}

// Start begins periodic snapshots when a dump path is set.
func (c *Collector) Start(ctx context.Context) error {
	if c.dumpPath == "" {
		return nil
	}
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return nil
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	util.SafeGoWithName("metrics-dump", func() {
		defer close(done)
		ticker := time.NewTicker(c.dumpInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.dump(); err != nil {
					logging.Warn("failed to write metrics snapshot",
						"path", c.dumpPath,
						logging.Err(err))
				}
			}
		}
	})
	return nil
}

// Stop ends periodic snapshots and writes a final one.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.dump()
}

func (c *Collector) Info() string {
	if c.dumpPath == "" {
		return fmt.Sprintf("in-memory metrics (%s)", c.namespace)
	}
	return fmt.Sprintf("in-memory metrics (%s), snapshots to %s every %s", c.namespace, c.dumpPath, c.dumpInterval)
}

// HistogramSnapshot is the exported state of a histogram.
type HistogramSnapshot struct {
	Buckets map[string]uint64 `json:"buckets"`
	Count   uint64            `json:"count"`
	Sum     float64           `json:"sum"`
}

// Snapshot is the exported state of a Collector.
type Snapshot struct {
	Namespace     string                       `json:"namespace"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Gauges        map[string]float64           `json:"gauges"`
	Counters      map[string]float64           `json:"counters"`
	Histograms    map[string]HistogramSnapshot `json:"histograms"`
	Timestamp     time.Time                    `json:"timestamp"`
}

func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Snapshot{
		Namespace:     c.namespace,
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Gauges:        make(map[string]float64, len(c.gauges)),
		Counters:      make(map[string]float64, len(c.counters)),
		Histograms:    make(map[string]HistogramSnapshot, len(c.histograms)),
		Timestamp:     time.Now(),
	}
	for name, g := range c.gauges {
		s.Gauges[name] = g.value()
	}
	for name, g := range c.counters {
		s.Counters[name] = g.value()
	}
	for name, h := range c.histograms {
		s.Histograms[name] = h.snapshot()
	}
	return s
}

func (c *Collector) SnapshotJSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}

func (c *Collector) dump() error {
	data, err := c.SnapshotJSON()
	if err != nil {
		return err
	}
	tmp := c.dumpPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.dumpPath)
}

// memGauge stores a float64 in an atomic word.
type memGauge struct {
	bits uint64
}

func (g *memGauge) value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

func (g *memGauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
}

func (g *memGauge) Add(v float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			return
		}
	}
}

func (g *memGauge) Sub(v float64) { g.Add(-v) }
func (g *memGauge) Inc()          { g.Add(1) }
func (g *memGauge) Dec()          { g.Add(-1) }

// counterView hides the decreasing methods of a gauge.
type counterView struct {
	g *memGauge
}

func (c counterView) Inc() { c.g.Add(1) }

// Add ignores negative values, counters only go up.
func (c counterView) Add(v float64) {
	if v > 0 {
		c.g.Add(v)
	}
}

type memHistogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // len(bounds)+1, last is +Inf
	count  uint64
	sum    float64
}

func (h *memHistogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.count++
	h.sum += v
	h.mu.Unlock()
}

func (h *memHistogram) snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HistogramSnapshot{
		Buckets: make(map[string]uint64, len(h.counts)),
		Count:   h.count,
		Sum:     h.sum,
	}
	var cumulative uint64
	for i, n := range h.counts {
		cumulative += n
		le := "+Inf"
		if i < len(h.bounds) {
			le = fmt.Sprintf("%g", h.bounds[i])
		}
		s.Buckets[le] = cumulative
	}
	return s
}
