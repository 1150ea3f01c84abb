package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-consol/internal/consol"
	"github.com/odyssey-erp/odyssey-consol/internal/journal"
	jobmetrics "github.com/odyssey-erp/odyssey-consol/internal/jobs"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
	"github.com/odyssey-erp/odyssey-consol/internal/tenant"
)

// Handlers processes the consolidation and journal tasks.
type Handlers struct {
	Resolve TenantResolver
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewHandlers constructs the task handlers.
func NewHandlers(resolve TenantResolver, logger *slog.Logger, metrics *jobmetrics.Metrics) *Handlers {
	return &Handlers{
		Resolve: resolve,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// TaskHandlers lists the handlers for worker registration.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskConsolRunRules, Handler: h.HandleRunRules},
		{Type: TaskJournalAutoReverse, Handler: h.HandleAutoReverse},
		{Type: TaskJournalRecurring, Handler: h.HandleRecurring},
	}
}

// HandleRunRules executes a rule run for the payload scope.
func (h *Handlers) HandleRunRules(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload RunRulesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Actor == "" {
		payload.Actor = systemActor
	}
	tracker := h.metrics().Track(TaskConsolRunRules)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	log := h.log(TaskConsolRunRules).With(slog.String("tenant", payload.Tenant),
		slog.Int64("scenario_id", payload.ScenarioID), slog.Int64("period_id", payload.PeriodID))

	svc, err := h.resolve(ctx, payload.Tenant)
	if err != nil {
		log.Error("resolve tenant", slog.Any("error", err))
		return h.classify(err)
	}
	if svc.Rules == nil {
		return errors.New("run rules: rule service not configured")
	}
	report, err := svc.Rules.RunRules(ctx, consol.RunInput{
		ScenarioID: payload.ScenarioID,
		PeriodID:   payload.PeriodID,
		Actor:      payload.Actor,
	})
	h.metrics().AddRules(payload.Tenant, "executed", len(report.Executed))
	h.metrics().AddRules(payload.Tenant, "failed", len(report.Failed))
	h.metrics().AddRules(payload.Tenant, "skipped", len(report.Skipped))
	h.metrics().AddRules(payload.Tenant, "not_run", len(report.NotRun))
	if err != nil {
		log.Error("run rules", slog.Any("failed", report.Failed), slog.Any("error", err))
		return h.classify(err)
	}
	log.Info("rules executed", slog.String("run_id", report.RunID.String()),
		slog.Int("executed", len(report.Executed)), slog.Int("skipped", len(report.Skipped)))
	return nil
}

// HandleAutoReverse reverses every posted batch whose auto reverse date is due.
// A batch that cannot be reversed for a business reason is logged and left for
// an operator; infrastructure errors fail the task so it is retried.
func (h *Handlers) HandleAutoReverse(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload SchedulePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := payload.date(h.now())
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	tracker := h.metrics().Track(TaskJournalAutoReverse)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	log := h.log(TaskJournalAutoReverse).With(slog.String("tenant", payload.Tenant), slog.String("as_of", asOf.Format(dateLayout)))

	svc, err := h.resolve(ctx, payload.Tenant)
	if err != nil {
		log.Error("resolve tenant", slog.Any("error", err))
		return h.classify(err)
	}
	if svc.Journal == nil {
		return errors.New("auto reverse: journal service not configured")
	}
	due, err := svc.Journal.DueAutoReversals(ctx, asOf)
	if err != nil {
		return err
	}
	reversed, skipped := 0, 0
	for _, batch := range due {
		_, err := svc.Journal.Reverse(ctx, journal.ReverseInput{
			BatchID: batch.ID,
			Actor:   systemActor,
			Reason:  "auto reverse",
			Date:    batch.AutoReverseDate,
		})
		switch {
		case err == nil:
			reversed++
		case callerError(err):
			skipped++
			log.Warn("auto reverse skipped", slog.Int64("batch_id", batch.ID), slog.Any("error", err))
		default:
			resultErr = err
			log.Error("auto reverse", slog.Int64("batch_id", batch.ID), slog.Any("error", err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	h.metrics().AddItems(TaskJournalAutoReverse, "reversed", reversed)
	h.metrics().AddItems(TaskJournalAutoReverse, "skipped", skipped)
	log.Info("auto reverse finished", slog.Int("due", len(due)), slog.Int("reversed", reversed), slog.Int("skipped", skipped))
	return resultErr
}

// HandleRecurring generates one draft batch per due recurring template and
// advances the template's next run date.
func (h *Handlers) HandleRecurring(ctx context.Context, task *asynq.Task) (resultErr error) {
	var payload SchedulePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf, err := payload.date(h.now())
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	tracker := h.metrics().Track(TaskJournalRecurring)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	log := h.log(TaskJournalRecurring).With(slog.String("tenant", payload.Tenant), slog.String("as_of", asOf.Format(dateLayout)))

	svc, err := h.resolve(ctx, payload.Tenant)
	if err != nil {
		log.Error("resolve tenant", slog.Any("error", err))
		return h.classify(err)
	}
	if svc.Journal == nil {
		return errors.New("recurring: journal service not configured")
	}
	templates, err := svc.Journal.DueTemplates(ctx, asOf)
	if err != nil {
		return err
	}
	generated, skipped := 0, 0
	for _, tmpl := range templates {
		if tmpl.NextRunDate == nil {
			continue
		}
		runDate := *tmpl.NextRunDate
		key := recurringKey(payload.Tenant, tmpl.ID, runDate)
		if svc.Idempotency != nil {
			if err := svc.Idempotency.CheckAndInsert(ctx, key, TaskJournalRecurring); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					skipped++
					continue
				}
				resultErr = err
				continue
			}
		}
		batch, err := h.generate(ctx, svc.Journal, tmpl, runDate)
		if err != nil {
			if svc.Idempotency != nil {
				if delErr := svc.Idempotency.Delete(ctx, key); delErr != nil {
					log.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
				}
			}
			if callerError(err) {
				skipped++
				log.Warn("template skipped", slog.Int64("template_id", tmpl.ID), slog.Any("error", err))
				continue
			}
			resultErr = err
			log.Error("generate from template", slog.Int64("template_id", tmpl.ID), slog.Any("error", err))
			continue
		}
		generated++
		log.Info("batch generated", slog.Int64("template_id", tmpl.ID), slog.String("batch", batch.Number))
	}
	if svc.Idempotency != nil {
		if err := svc.Idempotency.Cleanup(ctx, recurringKeyRetention); err != nil {
			log.Warn("prune idempotency keys", slog.Any("error", err))
		}
	}
	h.metrics().AddItems(TaskJournalRecurring, "generated", generated)
	h.metrics().AddItems(TaskJournalRecurring, "skipped", skipped)
	return resultErr
}

func (h *Handlers) generate(ctx context.Context, svc JournalScheduler, tmpl journal.Template, runDate time.Time) (journal.Batch, error) {
	period, err := svc.PeriodForDate(ctx, runDate)
	if err != nil {
		return journal.Batch{}, err
	}
	return svc.GenerateFromTemplate(ctx, journal.GenerateInput{
		TemplateID:      tmpl.ID,
		PeriodID:        period.ID,
		TransactionDate: runDate,
		Actor:           systemActor,
		Advance:         true,
	})
}

func recurringKey(tenantID string, templateID int64, runDate time.Time) string {
	return "recurring:" + tenantID + ":" + strconv.FormatInt(templateID, 10) + ":" + runDate.Format(dateLayout)
}

func (h *Handlers) resolve(ctx context.Context, tenantID string) (Services, error) {
	if h == nil || h.Resolve == nil {
		return Services{}, errors.New("jobs: tenant resolver not configured")
	}
	svc, err := h.Resolve(ctx, tenantID)
	if err != nil {
		return Services{}, err
	}
	if svc.Journal == nil && svc.Rules == nil {
		return Services{}, fmt.Errorf("jobs: tenant %s has no services", tenantID)
	}
	return svc, nil
}

// classify stops retries for errors a retry cannot fix.
func (h *Handlers) classify(err error) error {
	if errors.Is(err, tenant.ErrInvalidTenant) || callerError(err) {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	return err
}

func (h *Handlers) metrics() *jobmetrics.Metrics {
	if h != nil && h.Metrics != nil {
		return h.Metrics
	}
	return defaultJobMetrics
}

func (h *Handlers) log(job string) *slog.Logger {
	if h != nil && h.Logger != nil {
		return h.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (h *Handlers) now() time.Time {
	if h != nil && h.clock != nil {
		return h.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (h *Handlers) WithClock(clock func() time.Time) {
	if h != nil && clock != nil {
		h.clock = clock
	}
}
