package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-consol/internal/consol"
	"github.com/odyssey-erp/odyssey-consol/internal/journal"
	jobmetrics "github.com/odyssey-erp/odyssey-consol/internal/jobs"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
	"github.com/odyssey-erp/odyssey-consol/internal/tenant"
)

type stubRules struct {
	input  consol.RunInput
	report consol.RunReport
	err    error
}

func (s *stubRules) RunRules(ctx context.Context, input consol.RunInput) (consol.RunReport, error) {
	s.input = input
	return s.report, s.err
}

type stubJournal struct {
	due        []journal.Batch
	reverseErr map[int64]error
	reversed   []journal.ReverseInput
	templates  []journal.Template
	generated  []journal.GenerateInput
	genErr     error
}

func (s *stubJournal) DueAutoReversals(ctx context.Context, asOf time.Time) ([]journal.Batch, error) {
	return s.due, nil
}

func (s *stubJournal) Reverse(ctx context.Context, input journal.ReverseInput) (journal.Batch, error) {
	if err := s.reverseErr[input.BatchID]; err != nil {
		return journal.Batch{}, err
	}
	s.reversed = append(s.reversed, input)
	return journal.Batch{ID: input.BatchID + 100}, nil
}

func (s *stubJournal) DueTemplates(ctx context.Context, asOf time.Time) ([]journal.Template, error) {
	return s.templates, nil
}

func (s *stubJournal) PeriodForDate(ctx context.Context, date time.Time) (journal.Period, error) {
	return journal.Period{ID: int64(date.Month())}, nil
}

func (s *stubJournal) GenerateFromTemplate(ctx context.Context, input journal.GenerateInput) (journal.Batch, error) {
	if s.genErr != nil {
		return journal.Batch{}, s.genErr
	}
	s.generated = append(s.generated, input)
	return journal.Batch{ID: input.TemplateID, Number: "JB-2026-000001"}, nil
}

type memoryIdempotency struct {
	keys    map[string]struct{}
	deleted []string
	pruned  []time.Duration
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	delete(m.keys, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memoryIdempotency) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.pruned = append(m.pruned, olderThan)
	return nil
}

func newHandlers(t *testing.T, svc Services) *Handlers {
	t.Helper()
	h := NewHandlers(func(ctx context.Context, id string) (Services, error) {
		if _, err := tenant.NormalizeID(id); err != nil {
			return Services{}, err
		}
		return svc, nil
	}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	h.WithClock(func() time.Time { return time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC) })
	return h
}

func mustTask(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return asynq.NewTask(typ, body)
}

func TestRunRulesTask(t *testing.T) {
	rules := &stubRules{report: consol.RunReport{RunID: uuid.New(), Executed: []consol.RuleResult{{RuleID: 1}}}}
	h := newHandlers(t, Services{Rules: rules})

	task, err := NewRunRulesTask(RunRulesPayload{Tenant: "acme", ScenarioID: 10, PeriodID: 3})
	require.NoError(t, err)
	require.NoError(t, h.HandleRunRules(context.Background(), task))
	require.Equal(t, consol.RunInput{ScenarioID: 10, PeriodID: 3, Actor: systemActor}, rules.input)

	_, err = NewRunRulesTask(RunRulesPayload{Tenant: "acme"})
	require.Error(t, err)
}

func TestRunRulesSkipsRetryOnCallerErrors(t *testing.T) {
	rules := &stubRules{err: &consol.RuleEvaluationError{RuleID: 4, Err: errors.New("division by zero")}}
	h := newHandlers(t, Services{Rules: rules})

	err := h.HandleRunRules(context.Background(), mustTask(t, TaskConsolRunRules, RunRulesPayload{Tenant: "acme", ScenarioID: 1, PeriodID: 1}))
	require.ErrorIs(t, err, asynq.SkipRetry)

	rules.err = errors.New("connection reset")
	err = h.HandleRunRules(context.Background(), mustTask(t, TaskConsolRunRules, RunRulesPayload{Tenant: "acme", ScenarioID: 1, PeriodID: 1}))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleRunRules(context.Background(), mustTask(t, TaskConsolRunRules, RunRulesPayload{Tenant: "bad tenant!", ScenarioID: 1, PeriodID: 1}))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = h.HandleRunRules(context.Background(), asynq.NewTask(TaskConsolRunRules, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAutoReverseContinuesPastBusinessErrors(t *testing.T) {
	date := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	j := &stubJournal{
		due: []journal.Batch{
			{ID: 1, AutoReverseDate: &date},
			{ID: 2, AutoReverseDate: &date},
			{ID: 3, AutoReverseDate: &date},
		},
		reverseErr: map[int64]error{2: journal.ErrPeriodLocked},
	}
	h := newHandlers(t, Services{Journal: j})

	task, err := NewAutoReverseTask("acme", "")
	require.NoError(t, err)
	require.NoError(t, h.HandleAutoReverse(context.Background(), task))
	require.Len(t, j.reversed, 2)
	require.Equal(t, int64(1), j.reversed[0].BatchID)
	require.Equal(t, &date, j.reversed[0].Date)
	require.Equal(t, int64(3), j.reversed[1].BatchID)

	j.reverseErr[3] = errors.New("connection reset")
	require.Error(t, h.HandleAutoReverse(context.Background(), task))
}

func TestRecurringGeneratesOncePerRunDate(t *testing.T) {
	next := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	j := &stubJournal{templates: []journal.Template{{ID: 7, Recurrence: journal.RecurrenceMonthly, NextRunDate: &next, Active: true}}}
	idem := &memoryIdempotency{keys: map[string]struct{}{}}
	h := newHandlers(t, Services{Journal: j, Idempotency: idem})

	task, err := NewRecurringTask("acme", "2026-01-31")
	require.NoError(t, err)
	require.NoError(t, h.HandleRecurring(context.Background(), task))
	require.Len(t, j.generated, 1)
	got := j.generated[0]
	require.Equal(t, int64(7), got.TemplateID)
	require.Equal(t, int64(1), got.PeriodID)
	require.Equal(t, next, got.TransactionDate)
	require.True(t, got.Advance)

	// redelivery before the template advanced
	require.NoError(t, h.HandleRecurring(context.Background(), task))
	require.Len(t, j.generated, 1)
	require.Equal(t, []time.Duration{recurringKeyRetention, recurringKeyRetention}, idem.pruned)
}

func TestRecurringReleasesKeyOnFailure(t *testing.T) {
	next := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	j := &stubJournal{
		templates: []journal.Template{{ID: 7, Recurrence: journal.RecurrenceMonthly, NextRunDate: &next, Active: true}},
		genErr:    errors.New("connection reset"),
	}
	idem := &memoryIdempotency{keys: map[string]struct{}{}}
	h := newHandlers(t, Services{Journal: j, Idempotency: idem})

	task, err := NewRecurringTask("acme", "")
	require.NoError(t, err)
	require.Error(t, h.HandleRecurring(context.Background(), task))
	require.Equal(t, []string{"recurring:acme:7:2026-01-15"}, idem.deleted)
	require.Empty(t, idem.keys)
}

func TestScheduleTaskValidation(t *testing.T) {
	_, err := NewRecurringTask("", "")
	require.Error(t, err)
	_, err = NewAutoReverseTask("acme", "31/01/2026")
	require.Error(t, err)

	regs, err := ScheduledTasks([]string{"acme", "globex"})
	require.NoError(t, err)
	require.Len(t, regs, 4)
	require.Equal(t, TaskJournalAutoReverse, regs[0].Task.Type())
	require.Equal(t, TaskJournalRecurring, regs[3].Task.Type())
}
