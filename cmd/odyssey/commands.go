package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/subcommands"

	"github.com/odyssey-erp/odyssey-consol/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-consol/internal/app"
	"github.com/odyssey-erp/odyssey-consol/internal/audit"
	"github.com/odyssey-erp/odyssey-consol/internal/migration"
	"github.com/odyssey-erp/odyssey-consol/internal/tenant"
	"github.com/odyssey-erp/odyssey-consol/jobs"
)

type environment struct {
	cfg    *app.Config
	logger *slog.Logger
}

// openTenant opens a single tenant store for direct commands.
func (e *environment) openTenant(ctx context.Context, id string) (*tenant.Unit, func(), error) {
	registry := tenant.NewRegistry(tenant.Config{
		DSNTemplate:     e.cfg.PGDSNTemplate,
		BaseCurrency:    e.cfg.BaseCurrency,
		RuleParallelism: e.cfg.RuleParallelism,
		Logger:          e.logger,
	}, nil)
	unit, err := registry.Open(ctx, id)
	if err != nil {
		registry.Close()
		return nil, nil, err
	}
	return unit, registry.Close, nil
}

func commands(env *environment) []subcommands.Command {
	return []subcommands.Command{
		&runRulesCmd{env: env},
		&journalJobCmd{env: env, name: "auto-reverse", task: jobs.TaskJournalAutoReverse,
			synopsis: "enqueue reversal of posted batches whose auto reverse date has passed"},
		&journalJobCmd{env: env, name: "recurring", task: jobs.TaskJournalRecurring,
			synopsis: "enqueue generation of draft batches from due recurring templates"},
		&queueCmd{env: env},
		&fxValidateCmd{env: env},
		&fxBackfillCmd{env: env},
		&auditExportCmd{env: env},
		&migrateCmd{env: env},
	}
}

type runRulesCmd struct {
	env      *environment
	tenant   string
	scenario int64
	period   int64
	actor    string
}

func (*runRulesCmd) Name() string     { return "run-rules" }
func (*runRulesCmd) Synopsis() string { return "enqueue a consolidation rule run for a scenario and period" }
func (*runRulesCmd) Usage() string {
	return `odyssey run-rules -tenant <id> -scenario <id> -period <id> [-actor <name>]

  Enqueues a consol:run-rules task. The worker executes the active rules of the
  scenario in execution order under the scope lock.
`
}

func (c *runRulesCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tenant, "tenant", "", "Tenant id.")
	f.Int64Var(&c.scenario, "scenario", 0, "Scenario id.")
	f.Int64Var(&c.period, "period", 0, "Period id; child periods are read through the rollup.")
	f.StringVar(&c.actor, "actor", currentUser(), "Actor recorded in the audit trail.")
}

func (c *runRulesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ops, err := cli.NewConsolOpsCLI(c.env.cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer ops.Close()
	info, err := ops.TriggerRun(ctx, jobs.RunRulesPayload{
		Tenant:     c.tenant,
		ScenarioID: c.scenario,
		PeriodID:   c.period,
		Actor:      c.actor,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run-rules: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("enqueued %s (%s)\n", info.ID, info.Queue)
	return subcommands.ExitSuccess
}

type journalJobCmd struct {
	env      *environment
	name     string
	task     string
	synopsis string
	tenant   string
	asOf     string
}

func (c *journalJobCmd) Name() string     { return c.name }
func (c *journalJobCmd) Synopsis() string { return c.synopsis }
func (c *journalJobCmd) Usage() string {
	return fmt.Sprintf("odyssey %s -tenant <id> [-as-of YYYY-MM-DD]\n", c.name)
}

func (c *journalJobCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tenant, "tenant", "", "Tenant id.")
	f.StringVar(&c.asOf, "as-of", "", "Business date (defaults to the worker's current date).")
}

func (c *journalJobCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ops, err := cli.NewJobsCLI(c.env.cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer ops.Close()
	info, err := ops.Trigger(ctx, c.task, c.tenant, c.asOf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", c.name, err)
		return subcommands.ExitFailure
	}
	fmt.Printf("enqueued %s (%s)\n", info.ID, info.Queue)
	return subcommands.ExitSuccess
}

type queueCmd struct {
	env       *environment
	scheduled int
}

func (*queueCmd) Name() string     { return "queue" }
func (*queueCmd) Synopsis() string { return "show default queue statistics" }
func (*queueCmd) Usage() string    { return "odyssey queue [-scheduled N]\n" }

func (c *queueCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.scheduled, "scheduled", 0, "Also list up to N scheduled tasks.")
}

func (c *queueCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ops, err := cli.NewJobsCLI(c.env.cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer ops.Close()
	stats, err := ops.InspectQueue(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	if c.scheduled > 0 {
		tasks, err := ops.ListScheduled(ctx, c.scheduled)
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return subcommands.ExitFailure
		}
		for _, t := range tasks {
			fmt.Printf(" - %s %s at %s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
	}
	return subcommands.ExitSuccess
}

type fxValidateCmd struct {
	env      *environment
	tenant   string
	periodID int64
	json     bool
}

func (*fxValidateCmd) Name() string { return "fx-validate" }
func (*fxValidateCmd) Synopsis() string {
	return "check that every foreign currency journal line in a period has a rate"
}
func (*fxValidateCmd) Usage() string {
	return "odyssey fx-validate -tenant <id> -period <id> [-json]\n"
}

func (c *fxValidateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tenant, "tenant", "", "Tenant id.")
	f.Int64Var(&c.periodID, "period", 0, "Fiscal period id.")
	f.BoolVar(&c.json, "json", false, "Print JSON output.")
}

func (c *fxValidateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	unit, closeFn, err := c.env.openTenant(ctx, c.tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fx-validate: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeFn()
	ops, err := cli.NewFXOpsCLI(unit.ConsolRepo, unit.Journal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitStatus(ops.ValidateCommand(ctx, cli.FXValidateOptions{
		PeriodID:   c.periodID,
		JSONOutput: c.json,
	}))
}

type fxBackfillCmd struct {
	env      *environment
	tenant   string
	periodID int64
	source   string
	apply    bool
	json     bool
}

func (*fxBackfillCmd) Name() string     { return "fx-backfill" }
func (*fxBackfillCmd) Synopsis() string { return "fill the fx gaps of a period from a csv source" }
func (*fxBackfillCmd) Usage() string {
	return `odyssey fx-backfill -tenant <id> -period <id> -source file|- [-apply] [-json]

  The source csv needs month, currency and average columns; closing is
  optional. Without -apply the command only previews. -apply writes nothing
  unless every gap has a source row.
`
}

func (c *fxBackfillCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tenant, "tenant", "", "Tenant id.")
	f.Int64Var(&c.periodID, "period", 0, "Fiscal period id.")
	f.StringVar(&c.source, "source", "", "CSV file, or - for stdin.")
	f.BoolVar(&c.apply, "apply", false, "Write the sourced rates.")
	f.BoolVar(&c.json, "json", false, "Print JSON output.")
}

func (c *fxBackfillCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	unit, closeFn, err := c.env.openTenant(ctx, c.tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fx-backfill: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeFn()
	ops, err := cli.NewFXOpsCLI(unit.ConsolRepo, unit.Journal)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitStatus(ops.BackfillCommand(ctx, cli.FXBackfillOptions{
		PeriodID:   c.periodID,
		Source:     c.source,
		Apply:      c.apply,
		JSONOutput: c.json,
	}))
}

type auditExportCmd struct {
	env      *environment
	tenant   string
	from     string
	to       string
	actor    string
	entity   string
	entityID string
	action   string
}

func (*auditExportCmd) Name() string     { return "audit-export" }
func (*auditExportCmd) Synopsis() string { return "export the audit trail as csv" }
func (*auditExportCmd) Usage() string {
	return "odyssey audit-export -tenant <id> [-from YYYY-MM-DD] [-to YYYY-MM-DD] [-actor a] [-entity e] [-entity-id id] [-action x]\n"
}

func (c *auditExportCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tenant, "tenant", "", "Tenant id.")
	f.StringVar(&c.from, "from", "", "Earliest date (YYYY-MM-DD).")
	f.StringVar(&c.to, "to", "", "Latest date (YYYY-MM-DD), inclusive.")
	f.StringVar(&c.actor, "actor", "", "Filter by actor.")
	f.StringVar(&c.entity, "entity", "", "Filter by entity type.")
	f.StringVar(&c.entityID, "entity-id", "", "Filter by entity id.")
	f.StringVar(&c.action, "action", "", "Filter by action.")
}

func (c *auditExportCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	filters := audit.TimelineFilters{Actor: c.actor, Entity: c.entity, EntityID: c.entityID, Action: c.action}
	var err error
	if filters.From, err = parseDay(c.from); err != nil {
		fmt.Fprintf(os.Stderr, "audit-export: invalid -from: %v\n", err)
		return subcommands.ExitUsageError
	}
	if filters.To, err = parseDay(c.to); err != nil {
		fmt.Fprintf(os.Stderr, "audit-export: invalid -to: %v\n", err)
		return subcommands.ExitUsageError
	}
	if !filters.To.IsZero() {
		filters.To = filters.To.Add(24*time.Hour - time.Nanosecond)
	}
	unit, closeFn, err := c.env.openTenant(ctx, c.tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit-export: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeFn()
	if err := unit.Audit.ExportCSV(ctx, os.Stdout, filters); err != nil {
		fmt.Fprintf(os.Stderr, "audit-export: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type migrateCmd struct {
	env    *environment
	tenant string
}

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply schema migrations to a tenant database" }
func (*migrateCmd) Usage() string    { return "odyssey migrate -tenant <id>\n" }

func (c *migrateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.tenant, "tenant", "", "Tenant id.")
}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	unit, closeFn, err := c.env.openTenant(ctx, c.tenant)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return subcommands.ExitFailure
	}
	defer closeFn()
	if err := migration.RunOnPool(unit.Pool); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return subcommands.ExitFailure
	}
	c.env.logger.Info("migrations applied", slog.String("tenant", unit.Tenant))
	return subcommands.ExitSuccess
}

func parseDay(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", strings.TrimSpace(raw))
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
