package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
	"github.com/odyssey-erp/odyssey-consol/internal/testing/memstore"
)

type memoryRepo struct {
	mu        sync.Mutex
	store     *memstore.Store
	scenarios map[int64]Scenario
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: memstore.New(), scenarios: make(map[int64]Scenario)}
}

type memoryTx struct {
	*memstore.Tx
	scenarios map[int64]Scenario
	nextID    *int64
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scenarios := make(map[int64]Scenario, len(m.scenarios))
	for k, v := range m.scenarios {
		scenarios[k] = v
	}
	nextID := m.nextID
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *memstore.Tx) error {
		return fn(ctx, &memoryTx{Tx: tx, scenarios: scenarios, nextID: &nextID})
	})
	if err != nil {
		return err
	}
	m.scenarios, m.nextID = scenarios, nextID
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scenarios[id]
	if !ok {
		return Scenario{}, ErrNotFound
	}
	return sc, nil
}

func (m *memoryRepo) ListByYear(_ context.Context, yearID int64) ([]Scenario, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Scenario
	for _, sc := range m.scenarios {
		if sc.FiscalYearID == yearID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) LockScenario(_ context.Context, id int64) (Scenario, error) {
	sc, ok := t.scenarios[id]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return sc, nil
}

func (t *memoryTx) ParentOf(_ context.Context, id int64) (*int64, error) {
	sc, ok := t.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return sc.ParentID, nil
}

func (t *memoryTx) CodeExists(_ context.Context, yearID int64, code string) (bool, error) {
	for _, sc := range t.scenarios {
		if sc.FiscalYearID == yearID && strings.EqualFold(sc.Code, code) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertScenario(_ context.Context, sc Scenario) (int64, error) {
	*t.nextID++
	sc.ID = *t.nextID
	t.scenarios[sc.ID] = sc
	t.SetScenarioStatus(sc.ID, string(sc.Status))
	return sc.ID, nil
}

func (t *memoryTx) UpdateStatus(_ context.Context, id int64, status Status, revision int) error {
	sc := t.scenarios[id]
	sc.Status, sc.Revision = status, revision
	t.scenarios[id] = sc
	t.SetScenarioStatus(id, string(status))
	return nil
}

func (t *memoryTx) UpdateParent(_ context.Context, id int64, parentID *int64, revision int) error {
	sc := t.scenarios[id]
	sc.ParentID, sc.Revision = parentID, revision
	t.scenarios[id] = sc
	return nil
}

func (t *memoryTx) ClearBaseline(_ context.Context, yearID int64) error {
	for id, sc := range t.scenarios {
		if sc.FiscalYearID == yearID && sc.IsBaseline {
			sc.IsBaseline = false
			t.scenarios[id] = sc
		}
	}
	return nil
}

func (t *memoryTx) MarkBaseline(_ context.Context, id int64) error {
	sc := t.scenarios[id]
	sc.IsBaseline = true
	t.scenarios[id] = sc
	return nil
}

func create(t *testing.T, svc *Service, code string, parent *int64) Scenario {
	t.Helper()
	sc, err := svc.Create(context.Background(), CreateInput{
		FiscalYearID: 1, Code: code, Name: code, Type: TypeBudget, ParentID: parent, Actor: "planner",
	})
	require.NoError(t, err)
	return sc
}

func seedData(t *testing.T, repo *memoryRepo, scenarioID int64) {
	t.Helper()
	require.NoError(t, repo.store.WithTx(context.Background(), func(ctx context.Context, tx *memstore.Tx) error {
		w := scenariodata.NewWriter(tx)
		for i, amount := range []string{"1000", "-1000", "250.75"} {
			_, err := w.Apply(ctx, scenariodata.Write{
				Key:      scenariodata.Key{ScenarioID: scenarioID, PeriodID: 10, EntityID: 1, AccountID: int64(100 + i)},
				Amount:   decimal.RequireFromString(amount),
				Currency: "USD",
				Policy:   scenariodata.PolicyAccumulate,
				Source:   scenariodata.SourceJournal,
				SourceID: 42,
				RunID:    uuid.New(),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestCreateScenario(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	base := create(t, svc, "BUD", nil)
	require.Equal(t, StatusDraft, base.Status)
	require.Equal(t, 1, base.Revision)

	_, err := svc.Create(ctx, CreateInput{FiscalYearID: 1, Code: "bud", Name: "dup", Type: TypeBudget, Actor: "planner"})
	require.ErrorIs(t, err, ErrDuplicateCode)

	missing := int64(99)
	_, err = svc.Create(ctx, CreateInput{FiscalYearID: 1, Code: "X", Name: "x", Type: TypeBudget, ParentID: &missing, Actor: "planner"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Create(ctx, CreateInput{FiscalYearID: 1, Code: "Y", Name: "y", Type: "plan", Actor: "planner"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCloneCopiesEveryRow(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	source := create(t, svc, "ACT", nil)
	seedData(t, repo, source.ID)

	clone, err := svc.Clone(context.Background(), CloneInput{SourceID: source.ID, NewCode: "ACT-V2", Actor: "planner"})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, clone.Status)
	require.Equal(t, 1, clone.Revision)
	require.NotNil(t, clone.ParentID)
	require.Equal(t, source.ID, *clone.ParentID)

	var sourceRows, cloneRows []scenariodata.Row
	for _, row := range repo.store.Rows() {
		switch row.ScenarioID {
		case source.ID:
			sourceRows = append(sourceRows, row)
		case clone.ID:
			cloneRows = append(cloneRows, row)
		}
	}
	require.Len(t, cloneRows, len(sourceRows))
	for i := range sourceRows {
		require.Equal(t, sourceRows[i].AccountID, cloneRows[i].AccountID)
		require.True(t, sourceRows[i].Amount.Equal(cloneRows[i].Amount))
	}
	require.Equal(t, 6, repo.store.LineageCount())
}

func TestCloneFailureLeavesNothingVisible(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	source := create(t, svc, "ACT", nil)
	seedData(t, repo, source.ID)
	repo.store.FailCopy = true

	_, err := svc.Clone(context.Background(), CloneInput{SourceID: source.ID, NewCode: "ACT-V2", Actor: "planner"})
	require.ErrorIs(t, err, ErrCloneIncomplete)

	list, err := svc.ListByYear(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, repo.store.Rows(), 3)
}

func TestSetBaselineKeepsSingleBaseline(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	a := create(t, svc, "A", nil)
	b := create(t, svc, "B", nil)

	require.NoError(t, svc.SetBaseline(ctx, a.ID, "cfo"))
	require.NoError(t, svc.SetBaseline(ctx, b.ID, "cfo"))

	list, err := svc.ListByYear(ctx, 1)
	require.NoError(t, err)
	baselines := 0
	for _, sc := range list {
		if sc.IsBaseline {
			baselines++
			require.Equal(t, b.ID, sc.ID)
		}
	}
	require.Equal(t, 1, baselines)
}

func TestTransitionBumpsRevisionAndLocksData(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	sc := create(t, svc, "FC", nil)

	steps := []Status{StatusActive, StatusFinal, StatusLocked}
	for i, status := range steps {
		updated, err := svc.Transition(ctx, TransitionInput{ScenarioID: sc.ID, Status: status, Actor: "cfo"})
		require.NoError(t, err)
		require.Equal(t, i+2, updated.Revision)
	}

	err := repo.store.WithTx(ctx, func(ctx context.Context, tx *memstore.Tx) error {
		_, err := scenariodata.NewWriter(tx).Apply(ctx, scenariodata.Write{
			Key:      scenariodata.Key{ScenarioID: sc.ID, PeriodID: 10, EntityID: 1, AccountID: 100},
			Amount:   decimal.NewFromInt(1),
			Currency: "USD",
			Policy:   scenariodata.PolicyAccumulate,
			Source:   scenariodata.SourceManual,
		})
		return err
	})
	require.ErrorIs(t, err, scenariodata.ErrScenarioLocked)

	_, err = svc.Transition(ctx, TransitionInput{ScenarioID: sc.ID, Status: StatusFinal, Actor: "cfo"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	unlocked, err := svc.Transition(ctx, TransitionInput{ScenarioID: sc.ID, Status: StatusFinal, Actor: "admin", Override: true})
	require.NoError(t, err)
	require.Equal(t, 5, unlocked.Revision)

	audits := repo.store.Audits()
	require.Equal(t, "scenario.unlock", audits[len(audits)-1].Action)
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatusDraft, StatusArchived, false))
	require.False(t, CanTransition(StatusArchived, StatusDraft, true))
	require.False(t, CanTransition(StatusFinal, StatusActive, false))
	require.False(t, CanTransition(StatusLocked, StatusActive, true))
}

func TestReparentRejectsCycles(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	root := create(t, svc, "ROOT", nil)
	child := create(t, svc, "CHILD", &root.ID)
	grandchild := create(t, svc, "GRAND", &child.ID)

	err := svc.Reparent(ctx, root.ID, &grandchild.ID, "planner")
	require.ErrorIs(t, err, shared.ErrCycle)
	err = svc.Reparent(ctx, child.ID, &child.ID, "planner")
	require.ErrorIs(t, err, shared.ErrCycle)

	require.NoError(t, svc.Reparent(ctx, grandchild.ID, &root.ID, "planner"))
	got, err := svc.Get(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, *got.ParentID)
	require.Equal(t, 2, got.Revision)
}
