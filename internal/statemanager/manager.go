package statemanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/persistence"

	"go.uber.org/zap"
)

const interruptedMessage = "interrupted by restart"

// StateManager owns the plan and strategy-status registries.
// Every read returns a deep copy; every mutation goes through UpdatePlan or
// UpdateStrategy under the lock. Mutated records are persisted asynchronously
// so a slow disk never blocks a plan task.
type StateManager struct {
	mu         sync.RWMutex
	plans      map[string]*models.ExecutionPlan
	strategies map[string]*models.StrategyStatus

	repo   persistence.StateRepository
	logger *zap.Logger

	// latest unsaved snapshot per record; persistenceLoop drains it
	pendingMu         sync.Mutex
	pendingPlans      map[string]*models.ExecutionPlan
	pendingStrategies map[string]*models.StrategyStatus
	persistenceChan   chan struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewStateManager creates a new StateManager. repo may be nil, in which case
// nothing is persisted.
func NewStateManager(repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		plans:             make(map[string]*models.ExecutionPlan),
		strategies:        make(map[string]*models.StrategyStatus),
		repo:              repo,
		logger:            logger,
		pendingPlans:      make(map[string]*models.ExecutionPlan),
		pendingStrategies: make(map[string]*models.StrategyStatus),
		persistenceChan:   make(chan struct{}, 1),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}
}

// Start begins the persistence loop.
func (sm *StateManager) Start() {
	sm.wg.Add(1)
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started.")
}

// Stop shuts down the persistence loop and writes out anything still pending.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.flush()
		sm.logger.Info("StateManager stopped.")
	})
}

// Restore loads previously persisted records. Plans that were still running
// when the previous process exited can no longer make progress and are marked
// as errored; strategies are restored as stopped.
func (sm *StateManager) Restore() error {
	if sm.repo == nil {
		return nil
	}
	plans, err := sm.repo.LoadPlans()
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	statuses, err := sm.repo.LoadStrategies()
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, p := range plans {
		if p.Status == models.PlanActive || p.Status == models.PlanPending {
			p.Status = models.PlanError
			p.Message = interruptedMessage
			p.UpdatedAt = sm.now()
			sm.enqueuePlan(p.Clone())
		}
		sm.plans[p.ID] = p
	}
	for _, s := range statuses {
		if s.Active || s.Phase != models.PhaseStopped {
			s.Active = false
			s.Phase = models.PhaseStopped
			s.Message = "stopped: " + interruptedMessage
			s.LastUpdate = sm.now()
			cpy := *s
			sm.enqueueStrategy(&cpy)
		}
		sm.strategies[s.Name] = s
	}
	sm.logger.Info("State restored.", zap.Int("plans", len(plans)), zap.Int("strategies", len(statuses)))
	return nil
}

// AddPlan registers a new plan. Plan ids are unique.
func (sm *StateManager) AddPlan(plan *models.ExecutionPlan) (*models.ExecutionPlan, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.plans[plan.ID]; exists {
		return nil, fmt.Errorf("plan %s already registered", plan.ID)
	}
	stored := plan.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = sm.now()
	}
	sm.plans[plan.ID] = stored
	sm.enqueuePlan(stored.Clone())
	return stored.Clone(), nil
}

// GetPlan returns a snapshot of the plan with the given id.
func (sm *StateManager) GetPlan(id string) (*models.ExecutionPlan, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	p, ok := sm.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	return p.Clone(), nil
}

// Plans returns snapshots of every plan, oldest first.
func (sm *StateManager) Plans() []*models.ExecutionPlan {
	sm.mu.RLock()
	out := make([]*models.ExecutionPlan, 0, len(sm.plans))
	for _, p := range sm.plans {
		out = append(out, p.Clone())
	}
	sm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdatePlan applies fn to the stored plan under the lock and returns the
// resulting snapshot.
func (sm *StateManager) UpdatePlan(id string, fn func(p *models.ExecutionPlan)) (*models.ExecutionPlan, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	p, ok := sm.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, models.ErrNotFound)
	}
	fn(p)
	p.UpdatedAt = sm.now()
	sm.enqueuePlan(p.Clone())
	return p.Clone(), nil
}

// PutStrategy inserts or replaces the status record for status.Name.
func (sm *StateManager) PutStrategy(status models.StrategyStatus) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if status.LastUpdate.IsZero() {
		status.LastUpdate = sm.now()
	}
	stored := status
	sm.strategies[status.Name] = &stored
	cpy := stored
	sm.enqueueStrategy(&cpy)
}

// GetStrategy returns the latest status of the named strategy.
func (sm *StateManager) GetStrategy(name string) (models.StrategyStatus, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	s, ok := sm.strategies[name]
	if !ok {
		return models.StrategyStatus{}, fmt.Errorf("strategy %s: %w", name, models.ErrNotFound)
	}
	return *s, nil
}

// Strategies returns every known strategy status ordered by name.
func (sm *StateManager) Strategies() []models.StrategyStatus {
	sm.mu.RLock()
	out := make([]models.StrategyStatus, 0, len(sm.strategies))
	for _, s := range sm.strategies {
		out = append(out, *s)
	}
	sm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// UpdateStrategy applies fn to the named status under the lock. LastUpdate is
// stamped automatically.
func (sm *StateManager) UpdateStrategy(name string, fn func(s *models.StrategyStatus)) (models.StrategyStatus, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.strategies[name]
	if !ok {
		return models.StrategyStatus{}, fmt.Errorf("strategy %s: %w", name, models.ErrNotFound)
	}
	fn(s)
	s.LastUpdate = sm.now()
	cpy := *s
	sm.enqueueStrategy(&cpy)
	return *s, nil
}

func (sm *StateManager) enqueuePlan(p *models.ExecutionPlan) {
	if sm.repo == nil {
		return
	}
	sm.pendingMu.Lock()
	sm.pendingPlans[p.ID] = p
	sm.pendingMu.Unlock()
	sm.signal()
}

func (sm *StateManager) enqueueStrategy(s *models.StrategyStatus) {
	if sm.repo == nil {
		return
	}
	sm.pendingMu.Lock()
	sm.pendingStrategies[s.Name] = s
	sm.pendingMu.Unlock()
	sm.signal()
}

func (sm *StateManager) signal() {
	select {
	case sm.persistenceChan <- struct{}{}:
	default:
	}
}

// persistenceLoop handles the asynchronous saving of snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case <-sm.persistenceChan:
			sm.flush()
		case <-sm.stopChan:
			return
		}
	}
}

// flush writes every pending snapshot to the repository.
func (sm *StateManager) flush() {
	if sm.repo == nil {
		return
	}
	sm.pendingMu.Lock()
	plans := sm.pendingPlans
	strategies := sm.pendingStrategies
	sm.pendingPlans = make(map[string]*models.ExecutionPlan)
	sm.pendingStrategies = make(map[string]*models.StrategyStatus)
	sm.pendingMu.Unlock()

	for _, p := range plans {
		if err := sm.repo.SavePlan(p); err != nil {
			sm.logger.Error("CRITICAL: Failed to save plan", zap.String("plan_id", p.ID), zap.Error(err))
		}
	}
	for _, s := range strategies {
		if err := sm.repo.SaveStrategy(s); err != nil {
			sm.logger.Error("CRITICAL: Failed to save strategy status", zap.String("strategy", s.Name), zap.Error(err))
		}
	}
}
