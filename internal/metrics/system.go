package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/paritytech/substrate-analytics/pkg/logging"
)

// SystemSampler copies host load and memory figures into the metric set on a
// fixed interval.
type SystemSampler struct {
	metrics  *Metrics
	interval time.Duration
	logger   logging.Logger
}

func NewSystemSampler(m *Metrics, interval time.Duration, logger logging.Logger) *SystemSampler {
	return &SystemSampler{metrics: m, interval: interval, logger: logger}
}

// Run blocks, sampling on each tick until the context is cancelled.
func (s *SystemSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	if avg, err := load.Avg(); err == nil {
		s.metrics.SystemLoad.WithLabelValues("1m").Set(avg.Load1)
		s.metrics.SystemLoad.WithLabelValues("5m").Set(avg.Load5)
		s.metrics.SystemLoad.WithLabelValues("15m").Set(avg.Load15)
	} else {
		s.logger.WithError(err).Debug("Failed to read load average")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.metrics.SystemMemory.WithLabelValues("used").Set(float64(vm.Used))
		s.metrics.SystemMemory.WithLabelValues("total").Set(float64(vm.Total))
		s.metrics.SystemMemory.WithLabelValues("free").Set(float64(vm.Free))
	} else {
		s.logger.WithError(err).Debug("Failed to read virtual memory")
	}

	if sw, err := mem.SwapMemory(); err == nil {
		s.metrics.SystemSwapUsed.WithLabelValues().Set(float64(sw.Used))
	} else {
		s.logger.WithError(err).Debug("Failed to read swap")
	}
}
