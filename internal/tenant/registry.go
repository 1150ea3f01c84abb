package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-consol/internal/audit"
	"github.com/odyssey-erp/odyssey-consol/internal/calendar"
	"github.com/odyssey-erp/odyssey-consol/internal/consol"
	"github.com/odyssey-erp/odyssey-consol/internal/consol/fx"
	"github.com/odyssey-erp/odyssey-consol/internal/journal"
	"github.com/odyssey-erp/odyssey-consol/internal/platform/db"
	"github.com/odyssey-erp/odyssey-consol/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-consol/internal/scenario"
	"github.com/odyssey-erp/odyssey-consol/internal/scenariodata"
	"github.com/odyssey-erp/odyssey-consol/internal/shared"
)

var (
	// ErrInvalidTenant indicates an id unusable as a database name suffix.
	ErrInvalidTenant = errors.New("tenant: invalid tenant id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tenant: registry closed")
)

var tenantIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,62}$`)

// Config configures the services opened for every tenant.
type Config struct {
	DSNTemplate     string
	BaseCurrency    string
	RuleParallelism int
	Locker          lock.Locker
	Logger          *slog.Logger
}

// Dialer opens a pool for a DSN.
type Dialer func(ctx context.Context, dsn string) (*pgxpool.Pool, error)

// Unit bundles the services bound to one tenant store. Every operation of a
// unit stays inside that tenant's database.
type Unit struct {
	Tenant      string
	Pool        *pgxpool.Pool
	Calendar    *calendar.Service
	Scenarios   *scenario.Service
	Data        *scenariodata.Service
	Journal     *journal.Service
	Consol      *consol.Service
	ConsolRepo  *consol.PgRepository
	Audit       *audit.Service
	Idempotency *shared.IdempotencyStore
}

// Registry lazily opens one pool per tenant.
type Registry struct {
	cfg    Config
	dial   Dialer
	mu     sync.Mutex
	units  map[string]*Unit
	closed bool
}

// NewRegistry constructs a registry. A nil dialer uses db.New.
func NewRegistry(cfg Config, dial Dialer) *Registry {
	if dial == nil {
		dial = db.New
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocalLocker(0)
	}
	return &Registry{cfg: cfg, dial: dial, units: make(map[string]*Unit)}
}

// NormalizeID validates and lowercases a tenant id.
func NormalizeID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !tenantIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, id)
	}
	return id, nil
}

// DSN substitutes the tenant into the template.
func DSN(template, tenant string) (string, error) {
	id, err := NormalizeID(tenant)
	if err != nil {
		return "", err
	}
	if strings.Count(template, "%s") != 1 {
		return "", errors.New("tenant: dsn template needs exactly one %s placeholder")
	}
	return fmt.Sprintf(template, id), nil
}

// Open returns the unit for tenant, dialing on first use.
func (r *Registry) Open(ctx context.Context, tenant string) (*Unit, error) {
	id, err := NormalizeID(tenant)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if unit, ok := r.units[id]; ok {
		return unit, nil
	}
	dsn, err := DSN(r.cfg.DSNTemplate, id)
	if err != nil {
		return nil, err
	}
	pool, err := r.dial(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}
	unit := r.build(id, pool)
	r.units[id] = unit
	r.cfg.Logger.Info("tenant store opened", slog.String("tenant", id))
	return unit, nil
}

func (r *Registry) build(id string, pool *pgxpool.Pool) *Unit {
	logger := r.cfg.Logger.With(slog.String("tenant", id))
	calendarSvc := calendar.NewService(calendar.NewRepository(pool))
	consolRepo := consol.NewRepository(pool)
	rates := fx.NewResolver(consolRepo, fx.MethodAverage)
	return &Unit{
		Tenant:    id,
		Pool:      pool,
		Calendar:  calendarSvc,
		Scenarios: scenario.NewService(scenario.NewRepository(pool)),
		Data:      scenariodata.NewService(scenariodata.NewRepository(pool)),
		Journal: journal.NewService(journal.NewRepository(pool), r.cfg.Locker, rates, journal.Config{
			Tenant:       id,
			BaseCurrency: r.cfg.BaseCurrency,
			Logger:       logger,
		}),
		Consol: consol.NewService(consolRepo, r.cfg.Locker, calendarSvc, consol.Config{
			Tenant:       id,
			BaseCurrency: r.cfg.BaseCurrency,
			Parallelism:  r.cfg.RuleParallelism,
			Logger:       logger,
		}),
		ConsolRepo:  consolRepo,
		Audit:       audit.NewService(audit.NewRepository(pool)),
		Idempotency: shared.NewIdempotencyStore(pool),
	}
}

// Tenants lists the tenants opened so far.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.units))
	for id := range r.units {
		out = append(out, id)
	}
	return out
}

// Close closes every pool.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, unit := range r.units {
		unit.Pool.Close()
		delete(r.units, id)
	}
	r.closed = true
}
