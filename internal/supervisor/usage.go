package supervisor

import "github.com/loykin/mockvisor/internal/metrics"

type usageSource struct{ s *Supervisor }

// UsageSource exposes tracked instances to the metrics usage collector.
func (s *Supervisor) UsageSource() metrics.UsageSource { return usageSource{s} }

func (u usageSource) Pids() map[int]int { return u.s.Pids() }

func (u usageSource) Sample(pid int) (metrics.UsageSample, bool) {
	us, err := u.s.probe.Usage(pid)
	if err != nil {
		return metrics.UsageSample{}, false
	}
	return metrics.UsageSample{CPUPercent: us.CPUPercent, RSSBytes: us.RSSBytes}, true
}
