package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"binance-algo-executor/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	planPrefix     = []byte("plan/")
	strategyPrefix = []byte("strategy/")
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
// With inMemory set, dbPath is ignored and nothing touches the disk.
func NewBadgerRepository(dbPath string, inMemory bool) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger's own logging is noisy; errors still come back from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) SavePlan(plan *models.ExecutionPlan) error {
	if plan == nil || plan.ID == "" {
		return errors.New("plan without id cannot be saved")
	}
	return r.put(append(append([]byte{}, planPrefix...), plan.ID...), plan)
}

func (r *badgerRepository) LoadPlans() ([]*models.ExecutionPlan, error) {
	var plans []*models.ExecutionPlan
	err := r.scan(planPrefix, func(val []byte) error {
		var p models.ExecutionPlan
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		plans = append(plans, &p)
		return nil
	})
	return plans, err
}

func (r *badgerRepository) SaveStrategy(status *models.StrategyStatus) error {
	if status == nil || status.Name == "" {
		return errors.New("strategy status without name cannot be saved")
	}
	return r.put(append(append([]byte{}, strategyPrefix...), status.Name...), status)
}

func (r *badgerRepository) LoadStrategies() ([]*models.StrategyStatus, error) {
	var statuses []*models.StrategyStatus
	err := r.scan(strategyPrefix, func(val []byte) error {
		var s models.StrategyStatus
		if err := json.Unmarshal(val, &s); err != nil {
			return err
		}
		statuses = append(statuses, &s)
		return nil
	})
	return statuses, err
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

// put marshals v into JSON and saves it under key in a single transaction.
func (r *badgerRepository) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// scan calls fn with the value of every key under prefix, in key order.
func (r *badgerRepository) scan(prefix []byte, fn func(val []byte) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				if len(val) == 0 {
					return fmt.Errorf("empty value for key %s", item.Key())
				}
				return fn(val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
