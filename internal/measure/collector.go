package measure

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the measurers it holds to Prometheus. Values are read at
// scrape time so nothing runs on the render path.
type Collector struct {
	mu        sync.RWMutex
	measurers map[string]*Measurer

	usage  *prometheus.Desc
	peak   *prometheus.Desc
	cycles *prometheus.Desc
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	labels := []string{"unit"}
	return &Collector{
		measurers: make(map[string]*Measurer),
		usage: prometheus.NewDesc("rtkernel_render_cpu_usage_ratio",
			"Render time of the last cycle divided by the cycle duration", labels, nil),
		peak: prometheus.NewDesc("rtkernel_render_cpu_usage_peak_ratio",
			"Highest render usage ratio observed", labels, nil),
		cycles: prometheus.NewDesc("rtkernel_render_cycles_total",
			"Render cycles measured", labels, nil),
	}
}

// Add exports m under the unit label name, replacing any previous entry.
func (c *Collector) Add(name string, m *Measurer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.measurers[name] = m
}

func (c *Collector) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.measurers, name)
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usage
	ch <- c.peak
	ch <- c.cycles
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, m := range c.measurers {
		ch <- prometheus.MustNewConstMetric(c.usage, prometheus.GaugeValue, m.Usage(), name)
		ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, m.Peak(), name)
		ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(m.Cycles()), name)
	}
}
