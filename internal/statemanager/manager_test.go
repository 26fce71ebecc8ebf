package statemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockStateRepository is a mock implementation of the StateRepository interface for testing.
type mockStateRepository struct {
	sync.Mutex
	savedPlans      map[string]*models.ExecutionPlan
	savedStrategies map[string]*models.StrategyStatus
	loadPlans       []*models.ExecutionPlan
	loadStrategies  []*models.StrategyStatus
	loadError       error
	saveError       error
	saveDoneChan    chan string // receives the key of every completed save
}

func newMockStateRepository() *mockStateRepository {
	return &mockStateRepository{
		savedPlans:      make(map[string]*models.ExecutionPlan),
		savedStrategies: make(map[string]*models.StrategyStatus),
		saveDoneChan:    make(chan string, 64),
	}
}

func (m *mockStateRepository) SavePlan(plan *models.ExecutionPlan) error {
	m.Lock()
	m.savedPlans[plan.ID] = plan.Clone()
	m.Unlock()
	m.saveDoneChan <- "plan/" + plan.ID
	return m.saveError
}

func (m *mockStateRepository) LoadPlans() ([]*models.ExecutionPlan, error) {
	m.Lock()
	defer m.Unlock()
	return m.loadPlans, m.loadError
}

func (m *mockStateRepository) SaveStrategy(status *models.StrategyStatus) error {
	m.Lock()
	cpy := *status
	m.savedStrategies[status.Name] = &cpy
	m.Unlock()
	m.saveDoneChan <- "strategy/" + status.Name
	return m.saveError
}

func (m *mockStateRepository) LoadStrategies() ([]*models.StrategyStatus, error) {
	m.Lock()
	defer m.Unlock()
	return m.loadStrategies, m.loadError
}

func (m *mockStateRepository) Close() error {
	return nil
}

func (m *mockStateRepository) getSavedPlan(id string) *models.ExecutionPlan {
	m.Lock()
	defer m.Unlock()
	return m.savedPlans[id]
}

func waitForSave(t *testing.T, repo *mockStateRepository, key string) {
	t.Helper()
	deadline := time.After(1 * time.Second)
	for {
		select {
		case got := <-repo.saveDoneChan:
			if got == key {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for save of %s", key)
		}
	}
}

func TestAddAndUpdatePlanPersistsSnapshot(t *testing.T) {
	repo := newMockStateRepository()
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	_, err := sm.AddPlan(&models.ExecutionPlan{ID: "p1", Type: models.PlanTWAP, Status: models.PlanActive, SliceCount: 2})
	require.NoError(t, err)
	waitForSave(t, repo, "plan/p1")

	updated, err := sm.UpdatePlan("p1", func(p *models.ExecutionPlan) {
		p.CurrentSlice = 1
		p.Orders = append(p.Orders, models.PlacedOrder{Slice: 1, Quantity: "0.5"})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.CurrentSlice)

	require.Eventually(t, func() bool {
		saved := repo.getSavedPlan("p1")
		return saved != nil && saved.CurrentSlice == 1 && len(saved.Orders) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAddPlanRejectsDuplicateID(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	_, err := sm.AddPlan(&models.ExecutionPlan{ID: "p1"})
	require.NoError(t, err)
	_, err = sm.AddPlan(&models.ExecutionPlan{ID: "p1"})
	assert.Error(t, err)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	_, err := sm.AddPlan(&models.ExecutionPlan{ID: "p1", Orders: []models.PlacedOrder{{Slice: 1}}})
	require.NoError(t, err)

	snap, err := sm.GetPlan("p1")
	require.NoError(t, err)
	snap.Orders[0].Slice = 99
	snap.Status = models.PlanCancelled

	again, err := sm.GetPlan("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Orders[0].Slice)
	assert.NotEqual(t, models.PlanCancelled, again.Status)
}

func TestNotFound(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())

	_, err := sm.GetPlan("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = sm.UpdatePlan("missing", func(*models.ExecutionPlan) {})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = sm.GetStrategy("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = sm.UpdateStrategy("missing", func(*models.StrategyStatus) {})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStrategyRegistry(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	sm.PutStrategy(models.StrategyStatus{Name: "b", Phase: models.PhaseStarting, Active: true})
	sm.PutStrategy(models.StrategyStatus{Name: "a", Phase: models.PhaseStopped})

	before, err := sm.GetStrategy("b")
	require.NoError(t, err)

	after, err := sm.UpdateStrategy("b", func(s *models.StrategyStatus) {
		s.Phase = models.PhaseRunning
		s.Iterations++
	})
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRunning, after.Phase)
	assert.Equal(t, 1, after.Iterations)
	assert.False(t, after.LastUpdate.Before(before.LastUpdate))

	all := sm.Strategies()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
}

func TestPlansOrderedByCreation(t *testing.T) {
	sm := NewStateManager(nil, zap.NewNop())
	t0 := time.Now()
	_, _ = sm.AddPlan(&models.ExecutionPlan{ID: "late", CreatedAt: t0.Add(time.Second)})
	_, _ = sm.AddPlan(&models.ExecutionPlan{ID: "early", CreatedAt: t0})

	plans := sm.Plans()
	require.Len(t, plans, 2)
	assert.Equal(t, "early", plans[0].ID)
	assert.Equal(t, "late", plans[1].ID)
}

func TestRestoreMarksInterruptedRecords(t *testing.T) {
	repo := newMockStateRepository()
	repo.loadPlans = []*models.ExecutionPlan{
		{ID: "running", Status: models.PlanActive},
		{ID: "done", Status: models.PlanCompleted},
	}
	repo.loadStrategies = []*models.StrategyStatus{
		{Name: "ma", Active: true, Phase: models.PhaseRunning},
	}
	sm := NewStateManager(repo, zap.NewNop())
	require.NoError(t, sm.Restore())

	running, err := sm.GetPlan("running")
	require.NoError(t, err)
	assert.Equal(t, models.PlanError, running.Status)
	assert.Equal(t, interruptedMessage, running.Message)

	done, err := sm.GetPlan("done")
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, done.Status)

	ma, err := sm.GetStrategy("ma")
	require.NoError(t, err)
	assert.False(t, ma.Active)
	assert.Equal(t, models.PhaseStopped, ma.Phase)

	// Stop flushes the corrected records even though Start was never called.
	sm.Stop()
	saved := repo.getSavedPlan("running")
	require.NotNil(t, saved)
	assert.Equal(t, models.PlanError, saved.Status)
	assert.Nil(t, repo.getSavedPlan("done"))
}

func TestRestoreLoadError(t *testing.T) {
	repo := newMockStateRepository()
	repo.loadError = errors.New("disk gone")
	sm := NewStateManager(repo, zap.NewNop())
	assert.Error(t, sm.Restore())
}

func TestSaveErrorsDoNotBlock(t *testing.T) {
	repo := newMockStateRepository()
	repo.saveError = errors.New("disk full")
	sm := NewStateManager(repo, zap.NewNop())
	sm.Start()

	for i := 0; i < 10; i++ {
		sm.PutStrategy(models.StrategyStatus{Name: "s", Iterations: i})
	}
	done := make(chan struct{})
	go func() {
		sm.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked")
	}
}
