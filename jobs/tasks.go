package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-consol/internal/consol"
	"github.com/odyssey-erp/odyssey-consol/internal/journal"
	jobmetrics "github.com/odyssey-erp/odyssey-consol/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskConsolRunRules executes the active rules for one scope.
	TaskConsolRunRules = "consol:run-rules"
	// TaskJournalAutoReverse reverses posted batches whose auto reverse date passed.
	TaskJournalAutoReverse = "journal:auto-reverse"
	// TaskJournalRecurring generates draft batches from due recurring templates.
	TaskJournalRecurring = "journal:recurring"

	systemActor = "system:scheduler"
	dateLayout  = "2006-01-02"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RuleRunner executes consolidation rule runs.
type RuleRunner interface {
	RunRules(ctx context.Context, input consol.RunInput) (consol.RunReport, error)
}

// JournalScheduler is the journal surface used by the scheduled jobs.
type JournalScheduler interface {
	DueAutoReversals(ctx context.Context, asOf time.Time) ([]journal.Batch, error)
	Reverse(ctx context.Context, input journal.ReverseInput) (journal.Batch, error)
	DueTemplates(ctx context.Context, asOf time.Time) ([]journal.Template, error)
	PeriodForDate(ctx context.Context, date time.Time) (journal.Period, error)
	GenerateFromTemplate(ctx context.Context, input journal.GenerateInput) (journal.Batch, error)
}

// Idempotency guards scheduled generation against duplicate deliveries.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// recurringKeyRetention bounds how long generated-template keys are kept.
const recurringKeyRetention = 400 * 24 * time.Hour

// Services are the tenant-bound dependencies of a job.
type Services struct {
	Rules       RuleRunner
	Journal     JournalScheduler
	Idempotency Idempotency
}

// TenantResolver opens the services of a tenant.
type TenantResolver func(ctx context.Context, tenant string) (Services, error)

// RunRulesPayload scopes a rule run.
type RunRulesPayload struct {
	Tenant     string `json:"tenant"`
	ScenarioID int64  `json:"scenario_id"`
	PeriodID   int64  `json:"period_id"`
	Actor      string `json:"actor"`
}

// SchedulePayload drives the date-based journal jobs. An empty AsOf means today.
type SchedulePayload struct {
	Tenant string `json:"tenant"`
	AsOf   string `json:"as_of,omitempty"`
}

// NewRunRulesTask creates an Asynq task for a rule run.
func NewRunRulesTask(payload RunRulesPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.Tenant) == "" || payload.ScenarioID <= 0 || payload.PeriodID <= 0 {
		return nil, errors.New("run rules: tenant, scenario and period required")
	}
	if payload.Actor == "" {
		payload.Actor = systemActor
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConsolRunRules, body, asynq.Queue(QueueDefault)), nil
}

// RunRulesTaskID is shared by runs of the same scope so a duplicate enqueue is
// rejected while one is pending.
func RunRulesTaskID(payload RunRulesPayload) string {
	return fmt.Sprintf("%s:%s:%d:%d", TaskConsolRunRules, payload.Tenant, payload.ScenarioID, payload.PeriodID)
}

// NewAutoReverseTask creates an auto reverse task.
func NewAutoReverseTask(tenant, asOf string) (*asynq.Task, error) {
	return newScheduleTask(TaskJournalAutoReverse, tenant, asOf)
}

// NewRecurringTask creates a recurring template task.
func NewRecurringTask(tenant, asOf string) (*asynq.Task, error) {
	return newScheduleTask(TaskJournalRecurring, tenant, asOf)
}

func newScheduleTask(typ, tenant, asOf string) (*asynq.Task, error) {
	if strings.TrimSpace(tenant) == "" {
		return nil, fmt.Errorf("%s: tenant required", typ)
	}
	if asOf != "" {
		if _, err := time.Parse(dateLayout, asOf); err != nil {
			return nil, fmt.Errorf("%s: invalid as_of %q", typ, asOf)
		}
	}
	body, err := json.Marshal(SchedulePayload{Tenant: tenant, AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}

func (p SchedulePayload) date(now time.Time) (time.Time, error) {
	if p.AsOf == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Parse(dateLayout, p.AsOf)
}

// callerError reports errors that a retry cannot fix.
func callerError(err error) bool {
	for _, target := range []error{
		consol.ErrInvalidInput, consol.ErrMissingParam, consol.ErrMissingTarget, consol.ErrNotFound,
		journal.ErrInvalidInput, journal.ErrNotFound, journal.ErrPeriodLocked, journal.ErrPeriodClosed, journal.ErrAlreadyReversed,
		journal.ErrInvalidTransition, journal.ErrTemplateInactive, journal.ErrInvalidLine,
		journal.ErrDateOutOfRange, journal.ErrInvalidCurrency,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var evalErr *consol.RuleEvaluationError
	return errors.As(err, &evalErr)
}

// ScheduledTasks builds the daily cron registrations for each tenant.
func ScheduledTasks(tenants []string) ([]CronRegistration, error) {
	var out []CronRegistration
	for _, tenant := range tenants {
		reverse, err := NewAutoReverseTask(tenant, "")
		if err != nil {
			return nil, err
		}
		recurring, err := NewRecurringTask(tenant, "")
		if err != nil {
			return nil, err
		}
		out = append(out,
			CronRegistration{Spec: "0 1 * * *", Task: reverse, Options: []asynq.Option{asynq.MaxRetry(3)}},
			CronRegistration{Spec: "30 1 * * *", Task: recurring, Options: []asynq.Option{asynq.MaxRetry(3)}},
		)
	}
	return out, nil
}
