/*
Package scheduler matches PENDING tasks against incoming resource offers.
It owns port allocation and the scheduling order tasks are considered in;
the actual admission decision for any one (task, offer) pairing is
delegated to pkg/filter, and the resulting PENDING -> ASSIGNED transition
to pkg/state.
*/
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/cuemby/shardsched/pkg/filter"
	"github.com/cuemby/shardsched/pkg/log"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/ports"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/state"
	"github.com/cuemby/shardsched/pkg/storage"
	"github.com/cuemby/shardsched/pkg/types"
)

// Offer is a snapshot of unreserved resources on one worker host, as
// delivered by the driver.
type Offer struct {
	OfferID    string
	SlaveID    string
	Host       string
	Resources  types.Resources
	FreePorts  []uint16
}

// Scheduler assigns PENDING tasks to offered slots.
type Scheduler struct {
	store  *storage.Storage
	filter *filter.NotifyingFilter
	state  *state.Manager
	driver ports.Driver

	offers chan Offer
	stopCh chan struct{}
}

// New constructs a Scheduler.
func New(store *storage.Storage, f *filter.NotifyingFilter, st *state.Manager, driver ports.Driver) *Scheduler {
	return &Scheduler{
		store:  store,
		filter: f,
		state:  st,
		driver: driver,
		offers: make(chan Offer, 64),
		stopCh: make(chan struct{}),
	}
}

// Start begins the offer-processing loop on its own goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the offer-processing loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// OfferResources hands a freshly observed offer to the scheduler. It never
// blocks the caller for longer than it takes to enqueue.
func (s *Scheduler) OfferResources(offer Offer) {
	select {
	case s.offers <- offer:
	case <-s.stopCh:
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case offer := <-s.offers:
			if err := s.handleOffer(context.Background(), offer); err != nil {
				log.WithComponent("scheduler").Error().Err(err).Str("offer_id", offer.OfferID).Msg("offer handling failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// handleOffer walks PENDING tasks in scheduling order and assigns as many
// as fit into offer, consuming its resources and free ports as it goes. An
// offer unused in a cycle is left to the caller to cancel with the driver.
func (s *Scheduler) handleOffer(ctx context.Context, offer Offer) error {
	start := time.Now()
	defer func() { metrics.SchedulingLatency.Observe(time.Since(start).Seconds()) }()

	attrs, _, err := s.fetchHostAttributes(offer.Host)
	if err != nil {
		return err
	}

	pending, err := s.fetchPendingInSchedulingOrder()
	if err != nil {
		return err
	}

	remaining := offer.Resources
	freePorts := append([]uint16(nil), offer.FreePorts...)
	sort.Slice(freePorts, func(i, j int) bool { return freePorts[i] < freePorts[j] })

	for _, task := range pending {
		metrics.SchedulingAttempts.Inc()
		cfg := task.AssignedTask.Task

		slot := s.filter.ReserveExecutor(remaining)
		vetoes, err := s.filter.Evaluate(slot, offer.Host, attrs, cfg, task.ID())
		if err != nil {
			return err
		}
		if hasHardVeto(vetoes) {
			continue
		}

		allocated, newFree, ok := allocatePorts(cfg.RequestedPorts, freePorts)
		if !ok {
			continue
		}

		changed, err := s.state.AssignTask(task.ID(), offer.Host, offer.SlaveID, allocated)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}

		freePorts = newFree
		remaining = remaining.Sub(types.ResourcesFromTask(cfg))
		metrics.TasksScheduled.Inc()

		assigned := task.AssignedTask
		assigned.SlaveHost = offer.Host
		assigned.SlaveID = offer.SlaveID
		assigned.AssignedPorts = allocated
		if err := s.driver.LaunchTask(ctx, assigned); err != nil {
			log.Task("scheduler", task.ID()).Error().Err(err).Msg("launch dispatch failed")
		}
	}
	return nil
}

func hasHardVeto(vetoes []filter.Veto) bool {
	for _, v := range vetoes {
		if v.Hard() {
			return true
		}
	}
	return false
}

func (s *Scheduler) fetchHostAttributes(host string) (types.HostAttributes, bool, error) {
	var attrs types.HostAttributes
	var ok bool
	err := s.store.WeaklyConsistentRead("fetch_host_attrs", func(provider storage.StoreProvider) error {
		var err error
		attrs, ok, err = provider.Attributes().FetchHostAttributes(host)
		return err
	})
	return attrs, ok, err
}

func (s *Scheduler) fetchPendingInSchedulingOrder() ([]types.ScheduledTask, error) {
	var pending []types.ScheduledTask
	err := s.store.WeaklyConsistentRead("fetch_pending", func(provider storage.StoreProvider) error {
		var err error
		pending, err = provider.Tasks().Fetch(query.New().WithStatuses(types.ScheduleStatusPending))
		return err
	})
	if err != nil {
		return nil, err
	}
	SortSchedulingOrder(pending)
	return pending, nil
}

// SortSchedulingOrder orders tasks by (priority DESC, production DESC,
// firstEventTimestamp ASC, taskID ASC), stably, matching the fairness rule
// both the scheduler and the preempter rely on for reproducible behavior.
func SortSchedulingOrder(tasks []types.ScheduledTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.AssignedTask.Task.Priority != b.AssignedTask.Task.Priority {
			return a.AssignedTask.Task.Priority > b.AssignedTask.Task.Priority
		}
		if a.AssignedTask.Task.IsProduction != b.AssignedTask.Task.IsProduction {
			return a.AssignedTask.Task.IsProduction
		}
		if at, bt := firstEventTimestamp(a), firstEventTimestamp(b); at != bt {
			return at < bt
		}
		return a.ID() < b.ID()
	})
}

func firstEventTimestamp(t types.ScheduledTask) int64 {
	if len(t.TaskEvents) == 0 {
		return 0
	}
	return t.TaskEvents[0].TimestampMillis
}

// allocatePorts assigns the lowest-numbered free ports to requested port
// names in alphabetical order, so the result is deterministic for a given
// free-port set and requested-name set.
func allocatePorts(requested map[string]bool, free []uint16) (map[string]uint16, []uint16, bool) {
	if len(requested) == 0 {
		return nil, free, true
	}
	if len(free) < len(requested) {
		return nil, free, false
	}

	names := make([]string, 0, len(requested))
	for name := range requested {
		names = append(names, name)
	}
	sort.Strings(names)

	allocated := make(map[string]uint16, len(names))
	for i, name := range names {
		allocated[name] = free[i]
	}
	return allocated, append([]uint16(nil), free[len(names):]...), true
}

// HandleStatusUpdate feeds a driver-reported status update into the task
// state machine. A status update for a task id the scheduler does not
// track triggers a kill with no storage write, per the UNKNOWN handling
// rule.
func (s *Scheduler) HandleStatusUpdate(taskID string, newStatus types.ScheduleStatus, message string) error {
	exists, err := s.state.Exists(taskID)
	if err != nil {
		return err
	}
	if !exists {
		s.state.HandleUnknownStatusUpdate(taskID)
		return nil
	}
	_, err = s.state.ChangeState(taskID, newStatus, message)
	return err
}
