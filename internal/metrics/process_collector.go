package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessCollector reports resource usage of the managed children at scrape
// time. PIDs returns the current kind -> pid map.
type ProcessCollector struct {
	PIDs func() map[string]int

	cpu     *prometheus.Desc
	rss     *prometheus.Desc
	threads *prometheus.Desc
}

func NewProcessCollector(pids func() map[string]int) *ProcessCollector {
	labels := []string{"kind", "pid"}
	return &ProcessCollector{
		PIDs:    pids,
		cpu:     prometheus.NewDesc(namespace+"_child_cpu_percent", "CPU usage of a managed child since it started.", labels, nil),
		rss:     prometheus.NewDesc(namespace+"_child_resident_bytes", "Resident memory of a managed child.", labels, nil),
		threads: prometheus.NewDesc(namespace+"_child_threads", "Thread count of a managed child.", labels, nil),
	}
}

func (c *ProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpu
	ch <- c.rss
	ch <- c.threads
}

func (c *ProcessCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, pid := range c.PIDs() {
		p, err := process.NewProcess(int32(pid))
		if err != nil {
			slog.Debug("child metrics unavailable", "kind", kind, "pid", pid, "err", err)
			continue
		}
		lv := []string{kind, strconv.Itoa(pid)}
		if v, err := p.CPUPercent(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, v, lv...)
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(mi.RSS), lv...)
		}
		if n, err := p.NumThreads(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n), lv...)
		}
	}
}
