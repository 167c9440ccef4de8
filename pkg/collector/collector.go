package collector

import (
	"time"

	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/storage"
)

// Collector periodically snapshots gauge-style metrics out of storage.
// Counters and histograms are updated inline by the components that produce
// them (pkg/scheduler, pkg/preempter, pkg/cron); Collector exists only for
// metrics that are cheaper to recompute from a full scan than to maintain
// incrementally, mirroring the teacher's own ticker-driven collection loop.
type Collector struct {
	store  *storage.Storage
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store *storage.Storage) *Collector {
	return &Collector{store: store, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on a 15 second interval.
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
	_ = c.store.WeaklyConsistentRead("metrics_collect", func(provider storage.StoreProvider) error {
		tasks, err := provider.Tasks().Fetch(query.New())
		if err != nil {
			return err
		}

		counts := make(map[string]int)
		for _, t := range tasks {
			counts[string(t.Status)]++
		}
		metrics.TasksTotal.Reset()
		for status, count := range counts {
			metrics.TasksTotal.WithLabelValues(status).Set(float64(count))
		}

		updates, err := provider.Jobs().FetchJobs()
		if err != nil {
			return err
		}
		inProgress := 0
		for _, j := range updates {
			if _, ok, _ := provider.Updates().FetchUpdate(j.Key); ok {
				inProgress++
			}
		}
		metrics.UpdatesInProgress.Set(float64(inProgress))
		return nil
	})
}
