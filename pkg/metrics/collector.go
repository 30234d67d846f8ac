package metrics

import (
	"time"

	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// StatsSource exposes the scheduler-side numbers the collector samples.
// The coordinator implements it.
type StatsSource interface {
	StatusCounts() map[types.JobStatus]int
	WorkerCount() int
	QueueDepth() int
}

// Collector periodically samples a StatsSource into the Prometheus
// gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	JobsTotal.Reset()
	for status, n := range c.source.StatusCounts() {
		JobsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	WorkersTotal.Set(float64(c.source.WorkerCount()))
	ReadyQueueDepth.Set(float64(c.source.QueueDepth()))
}
