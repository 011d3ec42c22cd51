package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// UsageSample is the resource reading for one instance.
type UsageSample struct {
	CPUPercent float64
	RSSBytes   uint64
}

// UsageSource lists the live instances (key -> pid) and samples one pid.
type UsageSource interface {
	Pids() map[int]int
	Sample(pid int) (UsageSample, bool)
}

// UsageCollector reports per-instance CPU and memory at scrape time; nothing
// is sampled between scrapes.
type UsageCollector struct {
	src UsageSource
	cpu *prometheus.Desc
	rss *prometheus.Desc
}

func NewUsageCollector(src UsageSource) *UsageCollector {
	return &UsageCollector{
		src: src,
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "instance", "cpu_percent"),
			"CPU usage of the instance process.", []string{"port"}, nil),
		rss: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "instance", "resident_memory_bytes"),
			"Resident memory of the instance process.", []string{"port"}, nil),
	}
}

func (c *UsageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
}

func (c *UsageCollector) Collect(ch chan<- prometheus.Metric) {
	for key, pid := range c.src.Pids() {
		s, ok := c.src.Sample(pid)
		if !ok {
			continue
		}
		port := strconv.Itoa(key)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUPercent, port)
		ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(s.RSSBytes), port)
	}
}
