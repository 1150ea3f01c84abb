package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
	"github.com/odyssey-erp/odyssey-consol/internal/testing/memstore"
)

const (
	cash     int64 = 1001
	revenue  int64 = 4001
	expense  int64 = 5001
	accruals int64 = 2101
)

type journalState struct {
	periods   map[int64]Period
	batches   map[int64]Batch
	lines     map[int64][]Line
	approvals []shared.ApprovalLog
	rules     []ApprovalRule
	templates map[int64]Template
	seq       map[int]int64
	nextBatch int64
}

func (s *journalState) clone() *journalState {
	out := &journalState{
		periods:   make(map[int64]Period, len(s.periods)),
		batches:   make(map[int64]Batch, len(s.batches)),
		lines:     make(map[int64][]Line, len(s.lines)),
		approvals: append([]shared.ApprovalLog(nil), s.approvals...),
		rules:     append([]ApprovalRule(nil), s.rules...),
		templates: make(map[int64]Template, len(s.templates)),
		seq:       make(map[int]int64, len(s.seq)),
		nextBatch: s.nextBatch,
	}
	for k, v := range s.periods {
		out.periods[k] = v
	}
	for k, v := range s.batches {
		out.batches[k] = v
	}
	for k, v := range s.lines {
		out.lines[k] = append([]Line(nil), v...)
	}
	for k, v := range s.templates {
		out.templates[k] = v
	}
	for k, v := range s.seq {
		out.seq[k] = v
	}
	return out
}

type memoryRepo struct {
	mu    sync.Mutex
	store *memstore.Store
	st    *journalState
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{store: memstore.New(), st: &journalState{
		periods:   make(map[int64]Period),
		batches:   make(map[int64]Batch),
		lines:     make(map[int64][]Line),
		templates: make(map[int64]Template),
		seq:       make(map[int]int64),
	}}
}

type memoryTx struct {
	*memstore.Tx
	st *journalState
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.st.clone()
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *memstore.Tx) error {
		return fn(ctx, &memoryTx{Tx: tx, st: st})
	})
	if err != nil {
		return err
	}
	m.st = st
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.st.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	return b, nil
}

func (m *memoryRepo) Lines(_ context.Context, batchID int64) ([]Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Line(nil), m.st.lines[batchID]...), nil
}

func (m *memoryRepo) List(_ context.Context, filter ListFilter) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.st.batches {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.PeriodID != 0 && b.PeriodID != filter.PeriodID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryRepo) DueAutoReversals(_ context.Context, asOf time.Time) ([]Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.st.batches {
		if b.Status == StatusPosted && b.AutoReverseDate != nil && !b.AutoReverseDate.After(asOf) &&
			b.ReversedBy == nil && b.ReversalOf == nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) DueTemplates(_ context.Context, asOf time.Time) ([]Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Template
	for _, t := range m.st.templates {
		if t.Active && t.Recurrence != RecurrenceNone && t.NextRunDate != nil && !t.NextRunDate.After(asOf) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryRepo) CurrencyUsage(_ context.Context, periodID int64) ([]CurrencyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]*CurrencyUsage)
	for id, b := range m.st.batches {
		if b.PeriodID != periodID {
			continue
		}
		for _, l := range m.st.lines[id] {
			month := time.Date(l.TransactionDate.Year(), l.TransactionDate.Month(), 1, 0, 0, 0, 0, time.UTC)
			key := month.Format("2006-01") + l.Currency
			if counts[key] == nil {
				counts[key] = &CurrencyUsage{Month: month, Currency: l.Currency}
			}
			counts[key].Lines++
		}
	}
	out := make([]CurrencyUsage, 0, len(counts))
	for _, u := range counts {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (m *memoryRepo) PeriodForDate(_ context.Context, date time.Time) (Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.st.periods {
		if p.Contains(date) {
			return p, nil
		}
	}
	return Period{}, fmt.Errorf("%w: period for %s", ErrNotFound, date.Format(time.DateOnly))
}

func (t *memoryTx) LockPeriod(_ context.Context, id int64) (Period, error) {
	p, ok := t.st.periods[id]
	if !ok {
		return Period{}, fmt.Errorf("%w: period %d", ErrNotFound, id)
	}
	return p, nil
}

func (t *memoryTx) NextBatchSequence(_ context.Context, year int) (int64, error) {
	t.st.seq[year]++
	return t.st.seq[year], nil
}

func (t *memoryTx) InsertBatch(_ context.Context, b Batch) (int64, error) {
	t.st.nextBatch++
	b.ID = t.st.nextBatch
	t.st.batches[b.ID] = b
	return b.ID, nil
}

func (t *memoryTx) LockBatch(_ context.Context, id int64) (Batch, error) {
	b, ok := t.st.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("%w: batch %d", ErrNotFound, id)
	}
	return b, nil
}

func (t *memoryTx) UpdateBatch(_ context.Context, b Batch) error {
	t.st.batches[b.ID] = b
	return nil
}

func (t *memoryTx) ListLines(_ context.Context, batchID int64) ([]Line, error) {
	return append([]Line(nil), t.st.lines[batchID]...), nil
}

func (t *memoryTx) ReplaceLines(_ context.Context, batchID int64, lines []Line) error {
	stored := make([]Line, len(lines))
	for i, l := range lines {
		l.BatchID = batchID
		stored[i] = l
	}
	t.st.lines[batchID] = stored
	return nil
}

func (t *memoryTx) InsertApproval(_ context.Context, log shared.ApprovalLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	log.ID = int64(len(t.st.approvals) + 1)
	t.st.approvals = append(t.st.approvals, log)
	return nil
}

func (t *memoryTx) ListApprovals(_ context.Context, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	var out []shared.ApprovalLog
	for _, l := range t.st.approvals {
		if l.Module == approvalModule && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memoryTx) ApprovalRules(context.Context) ([]ApprovalRule, error) {
	return append([]ApprovalRule(nil), t.st.rules...), nil
}

func (t *memoryTx) LockTemplate(_ context.Context, id int64) (Template, error) {
	tmpl, ok := t.st.templates[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: template %d", ErrNotFound, id)
	}
	return tmpl, nil
}

func (t *memoryTx) UpdateTemplateNextRun(_ context.Context, id int64, next *time.Time) error {
	tmpl := t.st.templates[id]
	tmpl.NextRunDate = next
	t.st.templates[id] = tmpl
	return nil
}

type staticRates map[string]decimal.Decimal

func (r staticRates) Resolve(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	rate, ok := r[from+to]
	if !ok {
		return decimal.Decimal{}, errors.New("no quote")
	}
	return rate, nil
}

type fixture struct {
	repo *memoryRepo
	svc  *Service
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func id(v int64) *int64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	repo.st.periods[1] = Period{ID: 1, Code: "2026-01", StartDate: date(2026, 1, 1), EndDate: date(2026, 1, 31), Status: "open"}
	repo.st.periods[2] = Period{ID: 2, Code: "2026-02", StartDate: date(2026, 2, 1), EndDate: date(2026, 2, 28), Status: "open"}
	repo.store.SetScenarioStatus(10, "draft")
	svc := NewService(repo, nil, staticRates{"EURUSD": dec("1.10")}, Config{Tenant: "acme", BaseCurrency: "USD"})
	svc.WithNow(func() time.Time { return date(2026, 1, 31) })
	return &fixture{repo: repo, svc: svc}
}

func (f *fixture) draft(t *testing.T, amount string) Batch {
	t.Helper()
	ctx := context.Background()
	batch, err := f.svc.CreateBatch(ctx, CreateBatchInput{
		PeriodID: 1, ScenarioID: 10, EntityID: id(1), JournalType: TypeManual, Actor: "alice",
	})
	require.NoError(t, err)
	batch, err = f.svc.AddLine(ctx, batch.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 15),
		DebitAccountID:  id(cash),
		CreditAccountID: id(revenue),
		Amount:          dec(amount),
	})
	require.NoError(t, err)
	return batch
}

func (f *fixture) posted(t *testing.T, amount string) Batch {
	t.Helper()
	ctx := context.Background()
	batch := f.draft(t, amount)
	_, err := f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)
	batch, err = f.svc.Post(ctx, batch.ID, "bob")
	require.NoError(t, err)
	return batch
}

func (f *fixture) amount(t *testing.T, periodID, account int64) decimal.Decimal {
	t.Helper()
	for _, row := range f.repo.store.Rows() {
		if row.PeriodID == periodID && row.AccountID == account && !row.Key.Derived() {
			return row.Amount
		}
	}
	return decimal.Zero
}

func (f *fixture) auditActions() []string {
	var out []string
	for _, a := range f.repo.store.Audits() {
		out = append(out, a.Action)
	}
	return out
}

func TestPostWritesSignedAmounts(t *testing.T) {
	f := newFixture(t)
	batch := f.posted(t, "1000")

	require.Equal(t, StatusPosted, batch.Status)
	require.Equal(t, "JB-2026-000001", batch.Number)
	require.True(t, dec("1000").Equal(f.amount(t, 1, cash)))
	require.True(t, dec("-1000").Equal(f.amount(t, 1, revenue)))
	require.Equal(t, []string{
		"journal.create", "journal.line.add", "journal.submit", "journal.approve", "journal.post",
	}, f.auditActions())
}

func TestSubmitRejectsUnbalancedAndEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.svc.CreateBatch(ctx, CreateBatchInput{PeriodID: 1, ScenarioID: 10, EntityID: id(1), JournalType: TypeManual, Actor: "alice"})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, empty.ID, "alice")
	require.ErrorIs(t, err, ErrEmptyBatch)

	oneSided, err := f.svc.AddLine(ctx, empty.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 10), DebitAccountID: id(expense), Amount: dec("50"),
	})
	require.NoError(t, err)
	require.False(t, oneSided.IsBalanced)
	_, err = f.svc.Submit(ctx, empty.ID, "alice")
	require.ErrorIs(t, err, ErrUnbalanced)

	balanced, err := f.svc.AddLine(ctx, empty.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 10), CreditAccountID: id(accruals), Amount: dec("50"),
	})
	require.NoError(t, err)
	require.True(t, balanced.IsBalanced)
	submitted, err := f.svc.Submit(ctx, empty.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, submitted.Status)
}

func TestLineValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch, err := f.svc.CreateBatch(ctx, CreateBatchInput{PeriodID: 1, ScenarioID: 10, EntityID: id(1), JournalType: TypeManual, Actor: "alice"})
	require.NoError(t, err)

	cases := []struct {
		name string
		in   LineInput
		err  error
	}{
		{"zero amount", LineInput{TransactionDate: date(2026, 1, 2), DebitAccountID: id(cash), Amount: decimal.Zero}, ErrInvalidLine},
		{"no accounts", LineInput{TransactionDate: date(2026, 1, 2), Amount: dec("1")}, ErrInvalidLine},
		{"same account", LineInput{TransactionDate: date(2026, 1, 2), DebitAccountID: id(cash), CreditAccountID: id(cash), Amount: dec("1")}, ErrInvalidLine},
		{"outside period", LineInput{TransactionDate: date(2026, 2, 2), DebitAccountID: id(cash), Amount: dec("1")}, ErrDateOutOfRange},
		{"bad currency", LineInput{TransactionDate: date(2026, 1, 2), DebitAccountID: id(cash), Amount: dec("1"), Currency: "XYZW"}, ErrInvalidCurrency},
		{"missing quote", LineInput{TransactionDate: date(2026, 1, 2), DebitAccountID: id(cash), Amount: dec("1"), Currency: "JPY"}, ErrRateUnavailable},
		{"base rate not one", LineInput{TransactionDate: date(2026, 1, 2), DebitAccountID: id(cash), Amount: dec("1"), ExchangeRate: decPtr("2")}, ErrInvalidLine},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AddLine(ctx, batch.ID, "alice", tc.in)
			require.ErrorIs(t, err, tc.err)
		})
	}
	lines, err := f.svc.Lines(ctx, batch.ID)
	require.NoError(t, err)
	require.Empty(t, lines)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestForeignCurrencyLineUsesResolvedRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch, err := f.svc.CreateBatch(ctx, CreateBatchInput{PeriodID: 1, ScenarioID: 10, EntityID: id(1), JournalType: TypeManual, Actor: "alice"})
	require.NoError(t, err)

	batch, err = f.svc.AddLine(ctx, batch.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 5), DebitAccountID: id(cash), CreditAccountID: id(revenue),
		Amount: dec("100"), Currency: "eur",
	})
	require.NoError(t, err)
	lines, err := f.svc.Lines(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "EUR", lines[0].Currency)
	require.True(t, dec("1.10").Equal(lines[0].ExchangeRate))
	require.True(t, dec("110").Equal(lines[0].BaseAmount))
	require.True(t, dec("110").Equal(batch.TotalDebits))
}

func TestLineEditsRenumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.draft(t, "10")
	_, err := f.svc.AddLine(ctx, batch.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 6), DebitAccountID: id(expense), CreditAccountID: id(accruals), Amount: dec("20"),
	})
	require.NoError(t, err)

	batch, err = f.svc.UpdateLine(ctx, batch.ID, 2, "alice", LineInput{
		TransactionDate: date(2026, 1, 6), DebitAccountID: id(expense), CreditAccountID: id(accruals), Amount: dec("25"),
	})
	require.NoError(t, err)
	require.True(t, dec("35").Equal(batch.TotalDebits))

	batch, err = f.svc.RemoveLine(ctx, batch.ID, 1, "alice")
	require.NoError(t, err)
	lines, err := f.svc.Lines(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, 1, lines[0].LineNumber)
	require.True(t, dec("25").Equal(lines[0].Amount))

	_, err = f.svc.RemoveLine(ctx, batch.ID, 7, "alice")
	require.Error(t, err)
}

func TestApprovalRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.st.rules = []ApprovalRule{
		{ID: 1, MinAmount: dec("500"), RequiredApprovers: 2, Active: true},
		{ID: 2, MinAmount: dec("0"), RequiredApprovers: 5, Active: false},
	}
	batch := f.draft(t, "1000")
	_, err := f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, batch.ID, "alice")
	require.ErrorIs(t, err, ErrSelfApproval)

	batch, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, batch.Status)

	_, err = f.svc.Approve(ctx, batch.ID, "BOB")
	require.ErrorIs(t, err, ErrDuplicateApproval)

	batch, err = f.svc.Approve(ctx, batch.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, batch.Status)
	require.Equal(t, "carol", batch.ApprovedBy)
}

func TestRejectReturnsToDraftAndResetsApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.st.rules = []ApprovalRule{{ID: 1, MinAmount: decimal.Zero, RequiredApprovers: 2, Active: true}}
	batch := f.draft(t, "10")
	_, err := f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)

	batch, err = f.svc.Reject(ctx, batch.ID, "carol", "wrong account")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, batch.Status)
	require.Empty(t, batch.SubmittedBy)
	require.Nil(t, batch.SubmittedAt)

	_, err = f.svc.Post(ctx, batch.ID, "carol")
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)
	batch, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, batch.Status, "approvals from the rejected round do not count")
}

func TestPostRejectsLockedPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.draft(t, "10")
	_, err := f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)

	p := f.repo.st.periods[1]
	p.Status = "locked"
	f.repo.st.periods[1] = p

	_, err = f.svc.Post(ctx, batch.ID, "bob")
	require.ErrorIs(t, err, ErrPeriodLocked)
	current, err := f.svc.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, current.Status)
	require.Empty(t, f.repo.store.Rows())
}

func TestPostRejectsClosedPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.draft(t, "10")

	p := f.repo.st.periods[1]
	p.Status = "closed"
	f.repo.st.periods[1] = p

	_, err := f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err, "a closed period still takes submissions")
	_, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, batch.ID, "bob")
	require.ErrorIs(t, err, ErrPeriodClosed)
	require.Empty(t, f.repo.store.Rows())

	p.Status = "open"
	f.repo.st.periods[1] = p
	posted, err := f.svc.Post(ctx, batch.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
}

func TestPostTwiceIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.posted(t, "250")
	audits := len(f.repo.store.Audits())
	rows := len(f.repo.store.Rows())

	_, err := f.svc.Post(ctx, batch.ID, "bob")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.True(t, dec("250").Equal(f.amount(t, 1, cash)))
	require.True(t, dec("-250").Equal(f.amount(t, 1, revenue)))
	require.Len(t, f.repo.store.Rows(), rows)
	require.Len(t, f.repo.store.Audits(), audits)
	current, err := f.svc.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, current.Status)
}

func TestPostRejectsLockedScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.draft(t, "10")
	_, err := f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)
	f.repo.store.SetScenarioStatus(10, "locked")

	_, err = f.svc.Post(ctx, batch.ID, "bob")
	require.ErrorIs(t, err, scenariodata.ErrScenarioLocked)
}

func TestReverseNetsToZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.posted(t, "1000")

	mirror, err := f.svc.Reverse(ctx, ReverseInput{BatchID: batch.ID, Actor: "bob", Reason: "duplicate"})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, mirror.Status)
	require.Equal(t, batch.ID, *mirror.ReversalOf)
	require.Equal(t, "Reversal of JB-2026-000001: duplicate", mirror.Description)

	require.True(t, f.amount(t, 1, cash).IsZero())
	require.True(t, f.amount(t, 1, revenue).IsZero())

	original, err := f.svc.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReversed, original.Status)
	require.Equal(t, mirror.ID, *original.ReversedBy)

	lines, err := f.svc.Lines(ctx, mirror.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, revenue, *lines[0].DebitAccountID)
	require.Equal(t, cash, *lines[0].CreditAccountID)

	_, err = f.svc.Reverse(ctx, ReverseInput{BatchID: batch.ID, Actor: "bob"})
	require.ErrorIs(t, err, ErrAlreadyReversed)

	require.Equal(t, []string{
		"journal.create", "journal.line.add", "journal.submit", "journal.approve", "journal.post", "journal.reverse",
	}, f.auditActions())
	audits := f.repo.store.Audits()
	last := audits[len(audits)-1]
	require.Equal(t, strconv.FormatInt(batch.ID, 10), last.EntityID)
	require.Equal(t, mirror.ID, last.Meta["reversal_id"])
	require.Equal(t, mirror.Number, last.Meta["reversal_number"])
}

func TestReverseIntoLaterPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.posted(t, "300")

	when := date(2026, 2, 1)
	mirror, err := f.svc.Reverse(ctx, ReverseInput{BatchID: batch.ID, Actor: "bob", Date: &when})
	require.NoError(t, err)
	require.Equal(t, int64(2), mirror.PeriodID)
	require.True(t, dec("300").Equal(f.amount(t, 1, cash)))
	require.True(t, dec("-300").Equal(f.amount(t, 2, cash)))
	require.True(t, dec("300").Equal(f.amount(t, 2, revenue)))
}

func TestReverseIntoClosedPeriodRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.posted(t, "300")
	p := f.repo.st.periods[2]
	p.Status = "closed"
	f.repo.st.periods[2] = p

	when := date(2026, 2, 1)
	_, err := f.svc.Reverse(ctx, ReverseInput{BatchID: batch.ID, Actor: "bob", Date: &when})
	require.ErrorIs(t, err, ErrPeriodClosed)
	original, err := f.svc.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, original.Status)
	require.True(t, dec("300").Equal(f.amount(t, 1, cash)))
	require.True(t, f.amount(t, 2, cash).IsZero())
}

func TestForeignCurrencyUsageSkipsBase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := f.draft(t, "10")
	_, err := f.svc.AddLine(ctx, batch.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 5), DebitAccountID: id(cash), CreditAccountID: id(revenue),
		Amount: dec("100"), Currency: "EUR",
	})
	require.NoError(t, err)
	_, err = f.svc.AddLine(ctx, batch.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 20), DebitAccountID: id(expense), CreditAccountID: id(accruals),
		Amount: dec("40"), Currency: "EUR",
	})
	require.NoError(t, err)

	usage, err := f.svc.ForeignCurrencyUsage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []CurrencyUsage{{Month: date(2026, 1, 1), Currency: "EUR", Lines: 2}}, usage)

	usage, err = f.svc.ForeignCurrencyUsage(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, usage)
}

func TestReverseRequiresPosted(t *testing.T) {
	f := newFixture(t)
	batch := f.draft(t, "10")
	_, err := f.svc.Reverse(context.Background(), ReverseInput{BatchID: batch.ID, Actor: "bob"})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAutoReverseDateMustFollowPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inside := date(2026, 1, 20)
	_, err := f.svc.CreateBatch(ctx, CreateBatchInput{
		PeriodID: 1, ScenarioID: 10, JournalType: TypeAccrual, AutoReverseDate: &inside, Actor: "alice",
	})
	require.ErrorIs(t, err, ErrInvalidInput)

	after := date(2026, 2, 1)
	batch, err := f.svc.CreateBatch(ctx, CreateBatchInput{
		PeriodID: 1, ScenarioID: 10, EntityID: id(1), JournalType: TypeAccrual, AutoReverseDate: &after, Actor: "alice",
	})
	require.NoError(t, err)
	_, err = f.svc.AddLine(ctx, batch.ID, "alice", LineInput{
		TransactionDate: date(2026, 1, 31), DebitAccountID: id(expense), CreditAccountID: id(accruals), Amount: dec("75"),
	})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, batch.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, batch.ID, "bob")
	require.NoError(t, err)
	_, err = f.svc.Post(ctx, batch.ID, "bob")
	require.NoError(t, err)

	due, err := f.svc.DueAutoReversals(ctx, date(2026, 1, 31))
	require.NoError(t, err)
	require.Empty(t, due)
	due, err = f.svc.DueAutoReversals(ctx, date(2026, 2, 1))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, batch.ID, due[0].ID)
}

func TestGenerateFromTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	next := date(2026, 1, 15)
	f.repo.st.templates[7] = Template{
		ID: 7, Name: "rent", Category: "opex", ScenarioID: 10, EntityID: id(1),
		Recurrence: RecurrenceMonthly, NextRunDate: &next, Active: true,
		Lines: []TemplateLine{
			{DebitAccountID: id(expense), Amount: dec("400")},
			{CreditAccountID: id(accruals), Amount: dec("400")},
		},
	}

	due, err := f.svc.DueTemplates(ctx, date(2026, 1, 31))
	require.NoError(t, err)
	require.Len(t, due, 1)

	batch, err := f.svc.GenerateFromTemplate(ctx, GenerateInput{
		TemplateID: 7, PeriodID: 1, TransactionDate: next, Actor: "scheduler", Advance: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, batch.Status)
	require.Equal(t, TypeRecurring, batch.JournalType)
	require.Equal(t, int64(7), *batch.TemplateID)
	require.True(t, batch.IsBalanced)
	require.True(t, dec("400").Equal(batch.TotalDebits))

	lines, err := f.svc.Lines(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, int64(1), lines[0].EntityID)

	tmpl := f.repo.st.templates[7]
	require.Equal(t, date(2026, 2, 15), *tmpl.NextRunDate)

	tmpl.Active = false
	f.repo.st.templates[7] = tmpl
	_, err = f.svc.GenerateFromTemplate(ctx, GenerateInput{TemplateID: 7, PeriodID: 2, TransactionDate: date(2026, 2, 15), Actor: "scheduler"})
	require.ErrorIs(t, err, ErrTemplateInactive)
}

func TestGenerateFromTemplateRollsBackOnBadLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.st.templates[8] = Template{
		ID: 8, ScenarioID: 10, EntityID: id(1), Recurrence: RecurrenceNone, Active: true,
		Lines: []TemplateLine{{DebitAccountID: id(expense), Amount: dec("10"), Currency: "JPY"}},
	}
	_, err := f.svc.GenerateFromTemplate(ctx, GenerateInput{TemplateID: 8, PeriodID: 1, TransactionDate: date(2026, 1, 3), Actor: "alice"})
	require.ErrorIs(t, err, ErrRateUnavailable)
	batches, err := f.svc.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Empty(t, batches)
	require.Empty(t, f.repo.store.Audits())
}

func TestRecurrenceNext(t *testing.T) {
	from := date(2026, 1, 15)
	next, ok := RecurrenceQuarterly.Next(from)
	require.True(t, ok)
	require.Equal(t, date(2026, 4, 15), next)
	_, ok = RecurrenceNone.Next(from)
	require.False(t, ok)
}
