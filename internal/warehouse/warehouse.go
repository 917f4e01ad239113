// Package warehouse implements the dimensional store the ETL engine writes
// to: the four dimension tables, the transaction fact table and the
// per-tenant mart tables. A PostgreSQL implementation does the real work with
// set-based SQL; an in-memory twin mirrors its semantics for tests.
package warehouse

import (
	"context"
	"errors"
	"time"

	"github.com/jaredapon/integreat-analytics/internal/tenant"
)

// Schema-qualified table names.
const (
	SourceTable   = "oltp.api_transactions"
	TimeTable     = "olap.dim_time"
	LocationTable = "olap.dim_location"
	UserTable     = "olap.dim_user"
	ServiceTable  = "olap.dim_service"
	FactTable     = "olap.fact_log_transactions"
	MartSchema    = "olap"
)

// ErrTxClosed is returned when a window transaction is used after Commit or
// Rollback.
var ErrTxClosed = errors.New("window transaction already closed")

// Window is the half-open time range [Start, End) that scopes every stage of
// the pipeline. End is always Start plus one calendar day.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowForDate builds the calendar-day window containing midnight of the
// given date in its own location.
func WindowForDate(d time.Time) Window {
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	return Window{Start: start, End: start.AddDate(0, 0, 1)}
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Date returns the window's date formatted as YYYY-MM-DD.
func (w Window) Date() string {
	return w.Start.Format("2006-01-02")
}

// DimensionCounts reports how many rows each dimension gained for a window.
type DimensionCounts struct {
	Time     int64
	Location int64
	User     int64
	Service  int64
}

// Total returns the number of dimension rows created across all four tables.
func (c DimensionCounts) Total() int64 {
	return c.Time + c.Location + c.User + c.Service
}

// Warehouse is the write interface of the analytical store.
type Warehouse interface {
	// BeginWindow opens the transactional scope covering dimension
	// resolution and fact loading for one window. A failure partway rolls
	// back the whole window's dimension and fact work.
	BeginWindow(ctx context.Context) (WindowTx, error)

	// MaterializeMart atomically replaces the tenant's mart rows for the
	// window with the recomputed fact+dimension join, inside its own
	// transaction. Returns the number of rows inserted; zero is a valid
	// outcome.
	MaterializeMart(ctx context.Context, t tenant.Tenant, w Window) (int64, error)
}

// WindowTx is one transactional pass over a window. EnsureDimensions must run
// before LoadFacts: facts join against dimension rows by natural key, and a
// record whose keys match no row is silently excluded from the load.
type WindowTx interface {
	// EnsureDimensions inserts every distinct dimension natural key observed
	// in the window, skipping keys that already exist. Existing rows are
	// never touched.
	EnsureDimensions(ctx context.Context, w Window) (DimensionCounts, error)

	// LoadFacts inserts one fact row per raw record in the window that does
	// not already have one, resolving dimension references by natural-key
	// join. Idempotent on the raw record's log ID.
	LoadFacts(ctx context.Context, w Window) (int64, error)

	Commit() error
	Rollback() error
}
