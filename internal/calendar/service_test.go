package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	years    map[int64]FiscalYear
	periods  map[int64]Period
	inFlight map[int64]int
	audits   []shared.AuditLog
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		years:    make(map[int64]FiscalYear),
		periods:  make(map[int64]Period),
		inFlight: make(map[int64]int),
	}
}

type memoryTx struct {
	repo    *memoryRepo
	years   map[int64]FiscalYear
	periods map[int64]Period
	audits  []shared.AuditLog
	nextID  int64
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{
		repo:    m,
		years:   make(map[int64]FiscalYear, len(m.years)),
		periods: make(map[int64]Period, len(m.periods)),
		audits:  append([]shared.AuditLog(nil), m.audits...),
		nextID:  m.nextID,
	}
	for k, v := range m.years {
		tx.years[k] = v
	}
	for k, v := range m.periods {
		tx.periods[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.years, m.periods, m.audits, m.nextID = tx.years, tx.periods, tx.audits, tx.nextID
	return nil
}

func (m *memoryRepo) GetFiscalYear(_ context.Context, id int64) (FiscalYear, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	y, ok := m.years[id]
	if !ok {
		return FiscalYear{}, ErrNotFound
	}
	return y, nil
}

func (m *memoryRepo) GetPeriod(_ context.Context, id int64) (Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return Period{}, ErrNotFound
	}
	return p, nil
}

func (m *memoryRepo) ListPeriods(_ context.Context, yearID int64) ([]Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return periodsOf(m.periods, yearID), nil
}

func periodsOf(all map[int64]Period, yearID int64) []Period {
	var out []Period
	for _, p := range all {
		if p.FiscalYearID == yearID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memoryTx) LockFiscalYear(_ context.Context, id int64) (FiscalYear, error) {
	y, ok := t.years[id]
	if !ok {
		return FiscalYear{}, fmt.Errorf("%w: fiscal year %d", ErrNotFound, id)
	}
	return y, nil
}

func (t *memoryTx) LockPeriod(_ context.Context, id int64) (Period, error) {
	p, ok := t.periods[id]
	if !ok {
		return Period{}, fmt.Errorf("%w: period %d", ErrNotFound, id)
	}
	return p, nil
}

func (t *memoryTx) FiscalYearCodeExists(_ context.Context, code string) (bool, error) {
	for _, y := range t.years {
		if y.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *memoryTx) InsertFiscalYear(_ context.Context, year FiscalYear) (int64, error) {
	t.nextID++
	year.ID = t.nextID
	t.years[year.ID] = year
	return year.ID, nil
}

func (t *memoryTx) UpdateFiscalYearStatus(_ context.Context, id int64, status YearStatus) error {
	y := t.years[id]
	y.Status = status
	t.years[id] = y
	return nil
}

func (t *memoryTx) ListPeriodsForYear(_ context.Context, yearID int64) ([]Period, error) {
	return periodsOf(t.periods, yearID), nil
}

func (t *memoryTx) InsertPeriod(_ context.Context, period Period) (int64, error) {
	t.nextID++
	period.ID = t.nextID
	t.periods[period.ID] = period
	return period.ID, nil
}

func (t *memoryTx) UpdatePeriodStatus(_ context.Context, id int64, status PeriodStatus, closedAt *time.Time, lockedBy string) error {
	p := t.periods[id]
	p.Status, p.ClosedAt, p.LockedBy = status, closedAt, lockedBy
	t.periods[id] = p
	return nil
}

func (t *memoryTx) UpdatePeriodParent(_ context.Context, id int64, parentID *int64) error {
	p := t.periods[id]
	p.ParentID = parentID
	t.periods[id] = p
	return nil
}

func (t *memoryTx) CountInFlightBatches(_ context.Context, periodID int64) (int, error) {
	return t.repo.inFlight[periodID], nil
}

func (t *memoryTx) RecordAudit(_ context.Context, entry shared.AuditLog) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	t.audits = append(t.audits, entry)
	return nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func setupYear(t *testing.T) (*Service, *memoryRepo, FiscalYear) {
	t.Helper()
	repo := newMemoryRepo()
	svc := NewService(repo)
	year, err := svc.CreateFiscalYear(context.Background(), CreateYearInput{
		Code: "FY2025", Name: "Fiscal 2025", StartDate: date(2025, 1, 1), EndDate: date(2025, 12, 31), Actor: "admin",
	})
	require.NoError(t, err)
	return svc, repo, year
}

func TestCreateFiscalYearValidation(t *testing.T) {
	svc, _, _ := setupYear(t)
	ctx := context.Background()

	_, err := svc.CreateFiscalYear(ctx, CreateYearInput{
		Code: "FY2025", Name: "dup", StartDate: date(2025, 1, 1), EndDate: date(2025, 12, 31), Actor: "admin",
	})
	require.ErrorIs(t, err, ErrDuplicateCode)

	_, err = svc.CreateFiscalYear(ctx, CreateYearInput{
		Code: "FY2026", Name: "bad", StartDate: date(2026, 12, 31), EndDate: date(2026, 1, 1), Actor: "admin",
	})
	require.ErrorIs(t, err, ErrRangeViolation)

	_, err = svc.CreateFiscalYear(ctx, CreateYearInput{Code: "FY2027", Name: "no actor", StartDate: date(2027, 1, 1), EndDate: date(2027, 12, 31)})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreatePeriodRangeRules(t *testing.T) {
	svc, repo, year := setupYear(t)
	ctx := context.Background()

	q1, err := svc.CreatePeriod(ctx, CreatePeriodInput{
		FiscalYearID: year.ID, Code: "2025-Q1", Name: "Q1", Type: PeriodQuarter,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 3, 31), Actor: "admin",
	})
	require.NoError(t, err)
	require.Equal(t, PeriodOpen, q1.Status)

	_, err = svc.CreatePeriod(ctx, CreatePeriodInput{
		FiscalYearID: year.ID, Code: "2025-01", Name: "Jan", Type: PeriodMonth,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 31), ParentID: &q1.ID, Actor: "admin",
	})
	require.NoError(t, err)

	cases := map[string]struct {
		input CreatePeriodInput
		want  error
	}{
		"outside year": {CreatePeriodInput{FiscalYearID: year.ID, Code: "X1", Name: "x", Type: PeriodCustom,
			StartDate: date(2024, 12, 1), EndDate: date(2025, 1, 15), Actor: "admin"}, ErrRangeViolation},
		"overlapping sibling": {CreatePeriodInput{FiscalYearID: year.ID, Code: "2025-Q1b", Name: "x", Type: PeriodQuarter,
			StartDate: date(2025, 3, 1), EndDate: date(2025, 5, 31), Actor: "admin"}, ErrRangeViolation},
		"duplicate code": {CreatePeriodInput{FiscalYearID: year.ID, Code: "2025-Q1", Name: "x", Type: PeriodCustom,
			StartDate: date(2025, 6, 1), EndDate: date(2025, 6, 30), Actor: "admin"}, ErrDuplicateCode},
		"child outside parent": {CreatePeriodInput{FiscalYearID: year.ID, Code: "2025-04", Name: "Apr", Type: PeriodMonth,
			StartDate: date(2025, 4, 1), EndDate: date(2025, 4, 30), ParentID: &q1.ID, Actor: "admin"}, ErrRangeViolation},
		"unknown type": {CreatePeriodInput{FiscalYearID: year.ID, Code: "W1", Name: "x", Type: "week",
			StartDate: date(2025, 6, 1), EndDate: date(2025, 6, 7), Actor: "admin"}, ErrInvalidInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreatePeriod(ctx, tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}

	// Different period types may overlap.
	_, err = svc.CreatePeriod(ctx, CreatePeriodInput{
		FiscalYearID: year.ID, Code: "H1", Name: "H1", Type: PeriodCustom,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 6, 30), Actor: "admin",
	})
	require.NoError(t, err)
	require.Len(t, repo.audits, 4)
}

func TestCreatePeriodRejectsLockedYear(t *testing.T) {
	svc, repo, year := setupYear(t)
	y := repo.years[year.ID]
	y.Status = YearArchived
	repo.years[year.ID] = y

	_, err := svc.CreatePeriod(context.Background(), CreatePeriodInput{
		FiscalYearID: year.ID, Code: "P1", Name: "P1", Type: PeriodMonth,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 31), Actor: "admin",
	})
	require.ErrorIs(t, err, ErrYearClosed)
}

func TestTransitionPeriod(t *testing.T) {
	svc, repo, year := setupYear(t)
	ctx := context.Background()
	jan, err := svc.CreatePeriod(ctx, CreatePeriodInput{
		FiscalYearID: year.ID, Code: "2025-01", Name: "Jan", Type: PeriodMonth,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 31), Actor: "admin",
	})
	require.NoError(t, err)

	closed, err := svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodClosed, Actor: "controller"})
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)

	repo.inFlight[jan.ID] = 2
	_, err = svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodLocked, Actor: "controller"})
	require.ErrorIs(t, err, ErrPostingInProgress)

	repo.inFlight[jan.ID] = 0
	locked, err := svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodLocked, Actor: "controller"})
	require.NoError(t, err)
	require.Equal(t, "controller", locked.LockedBy)

	_, err = svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodOpen, Actor: "controller"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodClosed, Actor: "controller"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodClosed, Actor: "admin", Override: true})
	require.NoError(t, err)
	last := repo.audits[len(repo.audits)-1]
	require.Equal(t, "period.unlock", last.Action)
	require.Equal(t, "admin", last.Actor)
}

func TestTransitionYearRequiresClosedPeriods(t *testing.T) {
	svc, repo, year := setupYear(t)
	ctx := context.Background()
	jan, err := svc.CreatePeriod(ctx, CreatePeriodInput{
		FiscalYearID: year.ID, Code: "2025-01", Name: "Jan", Type: PeriodMonth,
		StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 31), Actor: "admin",
	})
	require.NoError(t, err)

	_, err = svc.TransitionYear(ctx, TransitionYearInput{FiscalYearID: year.ID, Status: YearLocked, Actor: "cfo"})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.TransitionYear(ctx, TransitionYearInput{FiscalYearID: year.ID, Status: YearActive, Actor: "cfo"})
	require.NoError(t, err)
	_, err = svc.TransitionYear(ctx, TransitionYearInput{FiscalYearID: year.ID, Status: YearLocked, Actor: "cfo"})
	require.ErrorIs(t, err, ErrIncompletePeriods)

	_, err = svc.TransitionPeriod(ctx, TransitionPeriodInput{PeriodID: jan.ID, Status: PeriodClosed, Actor: "cfo"})
	require.NoError(t, err)
	_, err = svc.TransitionYear(ctx, TransitionYearInput{FiscalYearID: year.ID, Status: YearLocked, Actor: "cfo"})
	require.NoError(t, err)

	_, err = svc.TransitionYear(ctx, TransitionYearInput{FiscalYearID: year.ID, Status: YearActive, Actor: "cfo"})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = svc.TransitionYear(ctx, TransitionYearInput{FiscalYearID: year.ID, Status: YearActive, Actor: "admin", Override: true})
	require.NoError(t, err)
	require.Equal(t, "fiscal_year.unlock", repo.audits[len(repo.audits)-1].Action)
}

func TestReparentAndRollup(t *testing.T) {
	svc, _, year := setupYear(t)
	ctx := context.Background()
	mk := func(code string, typ PeriodType, start, end time.Time, parent *int64) Period {
		p, err := svc.CreatePeriod(ctx, CreatePeriodInput{
			FiscalYearID: year.ID, Code: code, Name: code, Type: typ, StartDate: start, EndDate: end, ParentID: parent, Actor: "admin",
		})
		require.NoError(t, err)
		return p
	}
	h1 := mk("H1", PeriodCustom, date(2025, 1, 1), date(2025, 6, 30), nil)
	q1 := mk("Q1", PeriodQuarter, date(2025, 1, 1), date(2025, 3, 31), &h1.ID)
	jan := mk("JAN", PeriodMonth, date(2025, 1, 1), date(2025, 1, 31), &q1.ID)
	feb := mk("FEB", PeriodMonth, date(2025, 2, 1), date(2025, 2, 28), &q1.ID)

	ids, err := svc.Rollup(ctx, h1.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{h1.ID, q1.ID, jan.ID, feb.ID}, ids)

	err = svc.ReparentPeriod(ctx, h1.ID, &jan.ID, "admin")
	require.ErrorIs(t, err, shared.ErrCycle)
	err = svc.ReparentPeriod(ctx, q1.ID, &q1.ID, "admin")
	require.ErrorIs(t, err, shared.ErrCycle)

	require.NoError(t, svc.ReparentPeriod(ctx, feb.ID, nil, "admin"))
	ids, err = svc.Rollup(ctx, q1.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{q1.ID, jan.ID}, ids)
}

func TestPeriodContains(t *testing.T) {
	p := Period{StartDate: date(2025, 1, 1), EndDate: date(2025, 1, 31)}
	require.True(t, p.Contains(time.Date(2025, 1, 31, 18, 0, 0, 0, time.UTC)))
	require.False(t, p.Contains(date(2025, 2, 1)))
}
