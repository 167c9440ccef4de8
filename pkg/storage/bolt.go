package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/shardsched/pkg/query"
	"github.com/cuemby/shardsched/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks      = []byte("tasks")
	bucketJobs       = []byte("jobs")
	bucketUpdates    = []byte("updates")
	bucketQuotas     = []byte("quotas")
	bucketAttributes = []byte("host_attributes")
)

// BoltStore is a StoreProvider backed by a single go.etcd.io/bbolt file,
// one bucket per sub-store, JSON-encoded values keyed by each record's
// natural id. It gives the scheduler a restart-durable layout without
// committing to any particular wire format for the records themselves.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scheduler.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketJobs, bucketUpdates, bucketQuotas, bucketAttributes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Tasks() TaskStore           { return boltTasks{s.db} }
func (s *BoltStore) Jobs() JobStore             { return boltJobs{s.db} }
func (s *BoltStore) Updates() UpdateStore       { return boltUpdates{s.db} }
func (s *BoltStore) Quotas() QuotaStore         { return boltQuotas{s.db} }
func (s *BoltStore) Attributes() AttributeStore { return boltAttrs{s.db} }
func (s *BoltStore) Close() error               { return s.db.Close() }

// BeginTx opens a single writable bbolt transaction and returns a
// StoreProvider bound to it, along with the commit/rollback pair that ends
// it. Storage.Write uses this, when the backend supports it, so that every
// sub-store call inside one Write invocation lands in the same bbolt
// transaction instead of each committing independently.
func (s *BoltStore) BeginTx() (StoreProvider, func() error, func() error, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, nil, nil, err
	}
	return boltTxProvider{tx}, tx.Commit, tx.Rollback, nil
}

// boltTxProvider is the StoreProvider bound to one in-flight bbolt
// transaction. Every sub-store it returns reads and writes through that
// same *bolt.Tx rather than opening one of its own.
type boltTxProvider struct{ tx *bolt.Tx }

func (p boltTxProvider) Tasks() TaskStore           { return boltTasksTx{p.tx} }
func (p boltTxProvider) Jobs() JobStore             { return boltJobsTx{p.tx} }
func (p boltTxProvider) Updates() UpdateStore       { return boltUpdatesTx{p.tx} }
func (p boltTxProvider) Quotas() QuotaStore         { return boltQuotasTx{p.tx} }
func (p boltTxProvider) Attributes() AttributeStore { return boltAttrsTx{p.tx} }
func (p boltTxProvider) Close() error               { return nil }

type boltTasks struct{ db *bolt.DB }

func (b boltTasks) Save(tasks ...types.ScheduledTask) error {
	return b.db.Update(func(tx *bolt.Tx) error { return saveTasks(tx, tasks) })
}

func (b boltTasks) Fetch(q *query.Query) ([]types.ScheduledTask, error) {
	var out []types.ScheduledTask
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = fetchTasks(tx, q)
		return err
	})
	return out, err
}

func (b boltTasks) Delete(taskIDs ...string) error {
	return b.db.Update(func(tx *bolt.Tx) error { return deleteTasks(tx, taskIDs) })
}

type boltTasksTx struct{ tx *bolt.Tx }

func (b boltTasksTx) Save(tasks ...types.ScheduledTask) error { return saveTasks(b.tx, tasks) }
func (b boltTasksTx) Fetch(q *query.Query) ([]types.ScheduledTask, error) {
	return fetchTasks(b.tx, q)
}
func (b boltTasksTx) Delete(taskIDs ...string) error { return deleteTasks(b.tx, taskIDs) }

func saveTasks(tx *bolt.Tx, tasks []types.ScheduledTask) error {
	bk := tx.Bucket(bucketTasks)
	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := bk.Put([]byte(t.ID()), data); err != nil {
			return err
		}
	}
	return nil
}

func fetchTasks(tx *bolt.Tx, q *query.Query) ([]types.ScheduledTask, error) {
	var out []types.ScheduledTask
	err := tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
		var t types.ScheduledTask
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}
		if q == nil || q.Matches(t) {
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func deleteTasks(tx *bolt.Tx, taskIDs []string) error {
	bk := tx.Bucket(bucketTasks)
	for _, id := range taskIDs {
		if err := bk.Delete([]byte(id)); err != nil {
			return err
		}
	}
	return nil
}

type boltJobs struct{ db *bolt.DB }

func (b boltJobs) SaveJob(job types.JobConfiguration) error {
	return b.db.Update(func(tx *bolt.Tx) error { return saveJob(tx, job) })
}

func (b boltJobs) FetchJob(key types.JobKey) (types.JobConfiguration, bool, error) {
	var job types.JobConfiguration
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		job, found, err = fetchJob(tx, key)
		return err
	})
	return job, found, err
}

func (b boltJobs) FetchJobs() ([]types.JobConfiguration, error) {
	var out []types.JobConfiguration
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = fetchJobs(tx)
		return err
	})
	return out, err
}

func (b boltJobs) DeleteJob(key types.JobKey) error {
	return b.db.Update(func(tx *bolt.Tx) error { return deleteJob(tx, key) })
}

type boltJobsTx struct{ tx *bolt.Tx }

func (b boltJobsTx) SaveJob(job types.JobConfiguration) error { return saveJob(b.tx, job) }
func (b boltJobsTx) FetchJob(key types.JobKey) (types.JobConfiguration, bool, error) {
	return fetchJob(b.tx, key)
}
func (b boltJobsTx) FetchJobs() ([]types.JobConfiguration, error) { return fetchJobs(b.tx) }
func (b boltJobsTx) DeleteJob(key types.JobKey) error             { return deleteJob(b.tx, key) }

func saveJob(tx *bolt.Tx, job types.JobConfiguration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put([]byte(job.Key.ToPath()), data)
}

func fetchJob(tx *bolt.Tx, key types.JobKey) (types.JobConfiguration, bool, error) {
	var job types.JobConfiguration
	data := tx.Bucket(bucketJobs).Get([]byte(key.ToPath()))
	if data == nil {
		return job, false, nil
	}
	return job, true, json.Unmarshal(data, &job)
}

func fetchJobs(tx *bolt.Tx) ([]types.JobConfiguration, error) {
	var out []types.JobConfiguration
	err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
		var job types.JobConfiguration
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		out = append(out, job)
		return nil
	})
	return out, err
}

func deleteJob(tx *bolt.Tx, key types.JobKey) error {
	return tx.Bucket(bucketJobs).Delete([]byte(key.ToPath()))
}

type boltUpdates struct{ db *bolt.DB }

func (b boltUpdates) SaveUpdate(update types.UpdateConfiguration) error {
	return b.db.Update(func(tx *bolt.Tx) error { return saveUpdate(tx, update) })
}

func (b boltUpdates) FetchUpdate(key types.JobKey) (types.UpdateConfiguration, bool, error) {
	var update types.UpdateConfiguration
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		update, found, err = fetchUpdate(tx, key)
		return err
	})
	return update, found, err
}

func (b boltUpdates) DeleteUpdate(key types.JobKey) error {
	return b.db.Update(func(tx *bolt.Tx) error { return deleteUpdate(tx, key) })
}

type boltUpdatesTx struct{ tx *bolt.Tx }

func (b boltUpdatesTx) SaveUpdate(update types.UpdateConfiguration) error {
	return saveUpdate(b.tx, update)
}
func (b boltUpdatesTx) FetchUpdate(key types.JobKey) (types.UpdateConfiguration, bool, error) {
	return fetchUpdate(b.tx, key)
}
func (b boltUpdatesTx) DeleteUpdate(key types.JobKey) error { return deleteUpdate(b.tx, key) }

func saveUpdate(tx *bolt.Tx, update types.UpdateConfiguration) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUpdates).Put([]byte(update.JobKey.ToPath()), data)
}

func fetchUpdate(tx *bolt.Tx, key types.JobKey) (types.UpdateConfiguration, bool, error) {
	var update types.UpdateConfiguration
	data := tx.Bucket(bucketUpdates).Get([]byte(key.ToPath()))
	if data == nil {
		return update, false, nil
	}
	return update, true, json.Unmarshal(data, &update)
}

func deleteUpdate(tx *bolt.Tx, key types.JobKey) error {
	return tx.Bucket(bucketUpdates).Delete([]byte(key.ToPath()))
}

type boltQuotas struct{ db *bolt.DB }

func (b boltQuotas) SaveQuota(role string, quota types.Quota) error {
	return b.db.Update(func(tx *bolt.Tx) error { return saveQuota(tx, role, quota) })
}

func (b boltQuotas) FetchQuota(role string) (types.Quota, bool, error) {
	var quota types.Quota
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		quota, found, err = fetchQuota(tx, role)
		return err
	})
	return quota, found, err
}

type boltQuotasTx struct{ tx *bolt.Tx }

func (b boltQuotasTx) SaveQuota(role string, quota types.Quota) error {
	return saveQuota(b.tx, role, quota)
}
func (b boltQuotasTx) FetchQuota(role string) (types.Quota, bool, error) {
	return fetchQuota(b.tx, role)
}

func saveQuota(tx *bolt.Tx, role string, quota types.Quota) error {
	data, err := json.Marshal(quota)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketQuotas).Put([]byte(role), data)
}

func fetchQuota(tx *bolt.Tx, role string) (types.Quota, bool, error) {
	var quota types.Quota
	data := tx.Bucket(bucketQuotas).Get([]byte(role))
	if data == nil {
		return quota, false, nil
	}
	return quota, true, json.Unmarshal(data, &quota)
}

type boltAttrs struct{ db *bolt.DB }

func (b boltAttrs) SaveHostAttributes(attrs types.HostAttributes) error {
	return b.db.Update(func(tx *bolt.Tx) error { return saveHostAttributes(tx, attrs) })
}

func (b boltAttrs) FetchHostAttributes(host string) (types.HostAttributes, bool, error) {
	var attrs types.HostAttributes
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		attrs, found, err = fetchHostAttributes(tx, host)
		return err
	})
	return attrs, found, err
}

func (b boltAttrs) FetchAllHostAttributes() ([]types.HostAttributes, error) {
	var out []types.HostAttributes
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = fetchAllHostAttributes(tx)
		return err
	})
	return out, err
}

type boltAttrsTx struct{ tx *bolt.Tx }

func (b boltAttrsTx) SaveHostAttributes(attrs types.HostAttributes) error {
	return saveHostAttributes(b.tx, attrs)
}
func (b boltAttrsTx) FetchHostAttributes(host string) (types.HostAttributes, bool, error) {
	return fetchHostAttributes(b.tx, host)
}
func (b boltAttrsTx) FetchAllHostAttributes() ([]types.HostAttributes, error) {
	return fetchAllHostAttributes(b.tx)
}

func saveHostAttributes(tx *bolt.Tx, attrs types.HostAttributes) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketAttributes).Put([]byte(attrs.Host), data)
}

func fetchHostAttributes(tx *bolt.Tx, host string) (types.HostAttributes, bool, error) {
	var attrs types.HostAttributes
	data := tx.Bucket(bucketAttributes).Get([]byte(host))
	if data == nil {
		return attrs, false, nil
	}
	return attrs, true, json.Unmarshal(data, &attrs)
}

func fetchAllHostAttributes(tx *bolt.Tx) ([]types.HostAttributes, error) {
	var out []types.HostAttributes
	err := tx.Bucket(bucketAttributes).ForEach(func(k, v []byte) error {
		var attrs types.HostAttributes
		if err := json.Unmarshal(v, &attrs); err != nil {
			return err
		}
		out = append(out, attrs)
		return nil
	})
	return out, err
}
