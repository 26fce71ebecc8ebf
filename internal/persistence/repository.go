package persistence

import "binance-algo-executor/internal/models"

// StateRepository defines the interface for state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SavePlan stores the latest snapshot of an execution plan, replacing any previous one.
	SavePlan(plan *models.ExecutionPlan) error

	// LoadPlans returns every stored plan. An empty store returns (nil, nil).
	LoadPlans() ([]*models.ExecutionPlan, error)

	// SaveStrategy stores the latest status of a strategy, keyed by name.
	SaveStrategy(status *models.StrategyStatus) error

	// LoadStrategies returns every stored strategy status.
	LoadStrategies() ([]*models.StrategyStatus, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
