/*
Package storage is the scheduler's sole persistence boundary. Every other
package reaches task, job, update, quota, and host-attribute state through
a *Storage instance — never through a backend type directly.

Storage enforces the concurrency rule the rest of the core depends on: many
readers may run concurrently (consistentRead/weaklyConsistentRead), but
writes are strictly serialized through a single critical section (write).
Events raised while a write is in flight are queued and only handed to the
event broker after the write unlocks, so a subscriber that itself issues a
write from its handler does not deadlock against the writer that produced
the event it is reacting to.

Two backends satisfy StoreProvider: mem.go (in-memory, process lifetime
only) and bolt.go (go.etcd.io/bbolt, durable). Callers select one at
construction time; Storage itself is backend-agnostic.
*/
package storage

import (
	"sync"
	"time"

	"github.com/cuemby/shardsched/pkg/events"
	"github.com/cuemby/shardsched/pkg/log"
	"github.com/cuemby/shardsched/pkg/metrics"
	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/schederr"
	"github.com/cuemby/shardsched/pkg/types"
)

// TaskStore is the sub-store for ScheduledTask records, indexed primarily by
// task id with a secondary index over JobKey.
type TaskStore interface {
	Save(tasks ...types.ScheduledTask) error
	Fetch(q *query.Query) ([]types.ScheduledTask, error)
	Delete(taskIDs ...string) error
}

// JobStore is the sub-store for job templates, including cron schedules.
type JobStore interface {
	SaveJob(job types.JobConfiguration) error
	FetchJob(key types.JobKey) (types.JobConfiguration, bool, error)
	FetchJobs() ([]types.JobConfiguration, error)
	DeleteJob(key types.JobKey) error
}

// UpdateStore is the sub-store for in-flight/most-recent rolling update
// bookkeeping, one record per JobKey.
type UpdateStore interface {
	SaveUpdate(update types.UpdateConfiguration) error
	FetchUpdate(key types.JobKey) (types.UpdateConfiguration, bool, error)
	DeleteUpdate(key types.JobKey) error
}

// QuotaStore is the sub-store for per-role production quota ceilings.
type QuotaStore interface {
	SaveQuota(role string, quota types.Quota) error
	FetchQuota(role string) (types.Quota, bool, error)
}

// AttributeStore is the sub-store for per-host attributes and maintenance
// mode.
type AttributeStore interface {
	SaveHostAttributes(attrs types.HostAttributes) error
	FetchHostAttributes(host string) (types.HostAttributes, bool, error)
	FetchAllHostAttributes() ([]types.HostAttributes, error)
}

// StoreProvider aggregates the five sub-stores a backend must implement.
type StoreProvider interface {
	Tasks() TaskStore
	Jobs() JobStore
	Updates() UpdateStore
	Quotas() QuotaStore
	Attributes() AttributeStore
	Close() error
}

// Transactional is implemented by backends whose sub-stores need a single
// underlying transaction to span every call made during one Storage.Write
// invocation, rather than each sub-store call committing independently.
// BoltStore implements this over a *bolt.Tx; MemStore does not need to,
// since Storage's write lock already makes its mutations atomic from every
// other goroutine's perspective.
type Transactional interface {
	// BeginTx starts one write transaction and returns a StoreProvider
	// bound to it, plus the commit and rollback functions that end it.
	BeginTx() (provider StoreProvider, commit func() error, rollback func() error, err error)
}

// defaultSlowQueryThreshold is the read latency above which Storage logs a
// warning naming the caller-supplied label, used when New is called without
// an explicit threshold. 25ms matches the threshold the original task store
// used to flag pathological full scans.
const defaultSlowQueryThreshold = 25 * time.Millisecond

// Txn is handed to a Write work function. It exposes the backend's
// sub-stores plus Enqueue, which defers event publication until after the
// write's critical section has released its lock.
type Txn struct {
	StoreProvider
	storage *Storage
	events  []*events.Event
}

// Enqueue defers event to be published once the enclosing Write call
// returns and releases its lock.
func (t *Txn) Enqueue(event *events.Event) {
	t.events = append(t.events, event)
}

// Storage is the facade every component depends on.
type Storage struct {
	mu                 rwMutexLike
	backend            StoreProvider
	broker             *events.Broker
	slowQueryThreshold time.Duration
}

// rwMutexLike is satisfied by sync.RWMutex; kept as an interface only so
// tests can substitute an instrumented mutex if they need to observe lock
// ordering. Production code always uses sync.RWMutex via New.
type rwMutexLike interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

func newRWMutex() rwMutexLike {
	return &sync.RWMutex{}
}

// New constructs a Storage over backend, publishing events through broker.
// broker may be nil, in which case events raised by writes are discarded —
// useful for tests that don't care about the event bus. threshold overrides
// the slow-query log threshold (config.Config.SlowQueryLogThreshold); when
// omitted, defaultSlowQueryThreshold applies.
func New(backend StoreProvider, broker *events.Broker, threshold ...time.Duration) *Storage {
	t := defaultSlowQueryThreshold
	if len(threshold) > 0 {
		t = threshold[0]
	}
	return &Storage{mu: newRWMutex(), backend: backend, broker: broker, slowQueryThreshold: t}
}

// ConsistentRead runs work under a read lock held for the duration of the
// call, guaranteeing work observes a state no writer is concurrently
// mutating. The scheduler, preempter, filter, quota, cron and collector
// read paths call WeaklyConsistentRead instead, which today takes the same
// lock.
func (s *Storage) ConsistentRead(label string, work func(StoreProvider) error) error {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	err := work(s.backend)
	s.recordLatency(label, start)
	if err != nil {
		return &schederr.StorageError{Op: label, Err: err}
	}
	return nil
}

// WeaklyConsistentRead is the entry point for reads that tolerate a stale
// view. Go map/slice reads racing a writer are not memory-safe, so it takes
// the same read lock as ConsistentRead. The distinct entry point is kept because a
// future replicated backend would let weakly-consistent reads bypass
// leader-routing, and call sites should already be written against the
// right name.
func (s *Storage) WeaklyConsistentRead(label string, work func(StoreProvider) error) error {
	return s.ConsistentRead(label, work)
}

// Write runs work inside the single global write critical section. When the
// backend implements Transactional, every sub-store call work makes shares
// one underlying transaction, committed only if work returns nil and rolled
// back otherwise, so a multi-step mutation is all-or-nothing even against a
// durable backend. Events enqueued on the Txn during work are published
// only after the lock is released, so a subscriber reacting synchronously
// to one of them may itself call Write without deadlocking.
func (s *Storage) Write(label string, work func(*Txn) error) error {
	start := time.Now()
	s.mu.Lock()

	provider := s.backend
	var commit, rollback func() error
	if tx, ok := s.backend.(Transactional); ok {
		p, c, r, err := tx.BeginTx()
		if err != nil {
			s.mu.Unlock()
			return &schederr.StorageError{Op: label, Err: err}
		}
		provider, commit, rollback = p, c, r
	}

	txn := &Txn{StoreProvider: provider, storage: s}
	err := work(txn)

	if commit != nil {
		if err != nil {
			_ = rollback()
		} else if cerr := commit(); cerr != nil {
			err = cerr
		}
	}

	s.mu.Unlock()
	s.recordLatency(label, start)

	if err != nil {
		return &schederr.StorageError{Op: label, Err: err}
	}
	if s.broker != nil {
		for _, ev := range txn.events {
			s.broker.Publish(ev)
		}
	}
	return nil
}

func (s *Storage) recordLatency(label string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed > s.slowQueryThreshold {
		metrics.SlowQueriesTotal.Inc()
		log.WithComponent("storage").Warn().
			Str("op", label).
			Dur("elapsed", elapsed).
			Msg("slow storage operation")
	}
}

// Close releases backend resources.
func (s *Storage) Close() error {
	return s.backend.Close()
}
