package metrics

import (
	"time"

	"github.com/cuemby/jobbroker/pkg/types"
)

// SubmissionSource is the subset of the Submission Registry the
// collector needs to derive the broker_submissions_total gauge. The
// registry package satisfies this interface; tests can fake it.
type SubmissionSource interface {
	ListSubmissions() []*types.Submission
}

// Collector periodically snapshots registry state into gauges.
type Collector struct {
	registry SubmissionSource
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector over the given registry.
func NewCollector(registry SubmissionSource) *Collector {
	return &Collector{
		registry: registry,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	submissions := c.registry.ListSubmissions()

	counts := make(map[types.Status]int)
	for _, s := range submissions {
		counts[s.Status]++
	}

	for _, status := range []types.Status{
		types.StatusCreated, types.StatusOngoing, types.StatusCompleted,
		types.StatusFailed, types.StatusTerminated, types.StatusStopped,
		types.StatusError, types.StatusNotFound,
	} {
		SubmissionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
