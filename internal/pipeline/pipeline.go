// Package pipeline orchestrates one batch run: dimension resolution and fact
// loading in a single warehouse transaction, then per-tenant mart
// materialization fanned out over a bounded worker pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaredapon/integreat-analytics/internal/tenant"
	"github.com/jaredapon/integreat-analytics/internal/tracing"
	"github.com/jaredapon/integreat-analytics/internal/warehouse"
)

// ErrPartialFailure is returned alongside a summary when at least one tenant
// mart failed while the dimension and fact stages committed.
var ErrPartialFailure = errors.New("one or more tenant marts failed")

// DefaultWorkers bounds mart materialization concurrency when the caller does
// not configure it.
const DefaultWorkers = 4

// State is the orchestrator's position in a run.
type State string

const (
	StateIdle                = State("idle")
	StateResolvingDimensions = State("resolving_dimensions")
	StateLoadingFacts        = State("loading_facts")
	StateMaterializingMarts  = State("materializing_marts")
	StateDone                = State("done")
	StateFailed              = State("failed")
)

// Request identifies the work for one run. An empty Date means yesterday in
// the runner's reference location. A non-empty Tenant restricts mart
// materialization to that tenant; dimensions and facts always cover the full
// window.
type Request struct {
	Date   string
	Tenant string
}

// MartResult is the outcome of one tenant's mart materialization.
type MartResult struct {
	Tenant string
	Rows   int64
	Err    error
}

// Summary reports what one run did.
type Summary struct {
	RunID      string
	Window     warehouse.Window
	Dimensions warehouse.DimensionCounts
	Facts      int64
	Marts      []MartResult
	Started    time.Time
	Duration   time.Duration
}

// FailedMarts counts the tenants whose materialization failed.
func (s *Summary) FailedMarts() int {
	n := 0
	for _, m := range s.Marts {
		if m.Err != nil {
			n++
		}
	}
	return n
}

// Runner drives the batch state machine over a warehouse.
type Runner struct {
	warehouse warehouse.Warehouse
	tenants   *tenant.Registry
	location  *time.Location
	workers   int
	logger    *slog.Logger
	metrics   *Metrics

	mu    sync.Mutex
	state State

	// now is overridable in tests for default-date resolution.
	now func() time.Time
}

// NewRunner creates a runner over the given warehouse and tenant registry.
// A nil location defaults to UTC, non-positive workers to DefaultWorkers, a
// nil logger to slog.Default(), and nil metrics to an unregistered instance.
func NewRunner(wh warehouse.Warehouse, tenants *tenant.Registry, location *time.Location, workers int, logger *slog.Logger, metrics *Metrics) *Runner {
	if location == nil {
		location = time.UTC
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Runner{
		warehouse: wh,
		tenants:   tenants,
		location:  location,
		workers:   workers,
		logger:    logger,
		metrics:   metrics,
		state:     StateIdle,
		now:       time.Now,
	}
}

// State reports the orchestrator's most recent position. It is updated as a
// run progresses and left at StateDone or StateFailed afterwards.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run executes one batch over the requested window. Input errors and
// dimension/fact failures return a nil summary; after the window commits, a
// summary is always returned, with ErrPartialFailure when any mart failed.
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	started := r.now()

	window, err := resolveWindow(req.Date, started, r.location)
	if err != nil {
		return nil, err
	}

	martTenants := r.tenants.All()
	if req.Tenant != "" {
		t, err := r.tenants.Get(req.Tenant)
		if err != nil {
			return nil, err
		}
		martTenants = []tenant.Tenant{t}
	}

	runID := uuid.New().String()
	logger := r.logger.With(
		slog.String("run_id", runID),
		slog.String("window", window.Date()))
	logger.Info("starting pipeline run", slog.Int("tenants", len(martTenants)))

	summary, err := r.run(ctx, logger, window, martTenants)
	elapsed := r.now().Sub(started)
	if err != nil {
		r.setState(StateFailed)
		r.metrics.ObserveRun(StatusFailure, elapsed.Seconds())
		logger.Error("pipeline run failed", slog.Any("error", err))
		return nil, err
	}

	summary.RunID = runID
	summary.Started = started
	summary.Duration = elapsed

	status := StatusSuccess
	if failed := summary.FailedMarts(); failed > 0 {
		status = StatusPartial
		err = fmt.Errorf("%w: %d of %d", ErrPartialFailure, failed, len(summary.Marts))
	}
	r.setState(StateDone)
	r.metrics.ObserveRun(status, elapsed.Seconds())
	logger.Info("pipeline run finished",
		slog.String("status", status),
		slog.Int64("dimension_rows", summary.Dimensions.Total()),
		slog.Int64("fact_rows", summary.Facts),
		slog.Int("failed_marts", summary.FailedMarts()),
		slog.Duration("elapsed", elapsed))
	return summary, err
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, window warehouse.Window, martTenants []tenant.Tenant) (*Summary, error) {
	tx, err := r.warehouse.BeginWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin window: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, warehouse.ErrTxClosed) {
			logger.Error("window rollback failed", slog.Any("error", rbErr))
		}
	}()

	r.setState(StateResolvingDimensions)
	dimCtx, endDims := tracing.StartSpan(ctx, "resolve_dimensions")
	dims, err := tx.EnsureDimensions(dimCtx, window)
	endDims(err)
	if err != nil {
		return nil, fmt.Errorf("resolve dimensions: %w", err)
	}
	r.metrics.AddDimensionRows("time", dims.Time)
	r.metrics.AddDimensionRows("location", dims.Location)
	r.metrics.AddDimensionRows("user", dims.User)
	r.metrics.AddDimensionRows("service", dims.Service)

	r.setState(StateLoadingFacts)
	factCtx, endFacts := tracing.StartSpan(ctx, "load_facts")
	facts, err := tx.LoadFacts(factCtx, window)
	if err != nil {
		endFacts(err)
		return nil, fmt.Errorf("load facts: %w", err)
	}
	err = tx.Commit()
	endFacts(err)
	if err != nil {
		return nil, fmt.Errorf("commit window: %w", err)
	}
	r.metrics.AddFactRows(facts)

	r.setState(StateMaterializingMarts)
	martCtx, endMarts := tracing.StartSpan(ctx, "materialize_marts")
	results := r.materializeMarts(martCtx, logger, window, martTenants)
	endMarts(nil)

	return &Summary{
		Window:     window,
		Dimensions: dims,
		Facts:      facts,
		Marts:      results,
	}, nil
}

// materializeMarts runs one materialization per tenant on a bounded pool.
// Workers share nothing; each writes only its own result slot. A tenant's
// failure never cancels its siblings.
func (r *Runner) materializeMarts(ctx context.Context, logger *slog.Logger, window warehouse.Window, tenants []tenant.Tenant) []MartResult {
	results := make([]MartResult, len(tenants))
	sem := make(chan struct{}, r.workers)

	var wg sync.WaitGroup
	for i, t := range tenants {
		wg.Add(1)
		go func(i int, t tenant.Tenant) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = MartResult{Tenant: t.Key, Err: ctx.Err()}
				return
			}

			martCtx, endSpan := tracing.StartDBSpan(ctx, warehouse.MartSchema+"."+t.MartTable(), tracing.DBOperationExec)
			rows, err := r.warehouse.MaterializeMart(martCtx, t, window)
			endSpan(err)
			results[i] = MartResult{Tenant: t.Key, Rows: rows, Err: err}
			if err != nil {
				r.metrics.IncMartErrors(t.Key)
				logger.Error("mart materialization failed",
					slog.String("tenant", t.Key),
					slog.Any("error", err))
				return
			}
			r.metrics.AddMartRows(t.Key, rows)
		}(i, t)
	}
	wg.Wait()

	return results
}
