package warehouse

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jaredapon/integreat-analytics/internal/dimension"
	"github.com/jaredapon/integreat-analytics/internal/rawlog"
	"github.com/jaredapon/integreat-analytics/internal/tenant"
)

// Memory is an in-memory implementation of Warehouse backed by a rawlog
// store. It mirrors the PostgreSQL semantics: natural-key deduplication on
// insert, idempotent fact loading keyed by log ID, window-level mart replace,
// and surrogate IDs that keep advancing even when a transaction rolls back
// (the way database sequences behave).
// Thread-safe via Mutex. Used for testing and development.
type Memory struct {
	mu     sync.Mutex
	source rawlog.Store
	logger *slog.Logger

	timeIDs     map[dimension.TimeKey]int64
	locationIDs map[dimension.LocationKey]int64
	userIDs     map[dimension.UserKey]int64
	serviceIDs  map[dimension.ServiceKey]int64

	timeByID     map[int64]dimension.TimeKey
	locationByID map[int64]dimension.LocationKey
	userByID     map[int64]dimension.UserKey
	serviceByID  map[int64]dimension.ServiceKey

	nextTimeID     int64
	nextLocationID int64
	nextUserID     int64
	nextServiceID  int64

	facts map[int64]FactRow
	marts map[string][]MartRow
}

// NewMemory creates a new in-memory warehouse reading from the given source.
func NewMemory(source rawlog.Store, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		source:       source,
		logger:       logger,
		timeIDs:      make(map[dimension.TimeKey]int64),
		locationIDs:  make(map[dimension.LocationKey]int64),
		userIDs:      make(map[dimension.UserKey]int64),
		serviceIDs:   make(map[dimension.ServiceKey]int64),
		timeByID:     make(map[int64]dimension.TimeKey),
		locationByID: make(map[int64]dimension.LocationKey),
		userByID:     make(map[int64]dimension.UserKey),
		serviceByID:  make(map[int64]dimension.ServiceKey),
		facts:        make(map[int64]FactRow),
		marts:        make(map[string][]MartRow),
	}
}

// BeginWindow opens a staged transaction over the warehouse. Staged rows
// become visible only on Commit; Rollback discards them.
func (m *Memory) BeginWindow(ctx context.Context) (WindowTx, error) {
	return &memoryWindowTx{
		wh:          m,
		stagedTime:  make(map[dimension.TimeKey]int64),
		stagedLoc:   make(map[dimension.LocationKey]int64),
		stagedUser:  make(map[dimension.UserKey]int64),
		stagedSvc:   make(map[dimension.ServiceKey]int64),
		stagedFacts: make(map[int64]FactRow),
	}, nil
}

type memoryWindowTx struct {
	wh     *Memory
	closed bool

	stagedTime  map[dimension.TimeKey]int64
	stagedLoc   map[dimension.LocationKey]int64
	stagedUser  map[dimension.UserKey]int64
	stagedSvc   map[dimension.ServiceKey]int64
	stagedFacts map[int64]FactRow
}

func timeKeyFor(tx rawlog.Transaction) dimension.TimeKey {
	// UTC, matching the AT TIME ZONE 'UTC' pin in the SQL derivation.
	at := tx.CreatedAt.UTC()
	return dimension.TimeKey{
		Hour:  at.Hour(),
		Day:   at.Day(),
		Month: int(at.Month()),
		Year:  at.Year(),
	}
}

func locationKeyFor(tx rawlog.Transaction) dimension.LocationKey {
	return dimension.LocationKey{
		Country:   tx.Country,
		Region:    tx.Region,
		City:      tx.City,
		ZipCode:   tx.ZipCode,
		Latitude:  tx.Latitude,
		Longitude: tx.Longitude,
	}
}

func (t *memoryWindowTx) EnsureDimensions(ctx context.Context, w Window) (DimensionCounts, error) {
	if t.closed {
		return DimensionCounts{}, ErrTxClosed
	}

	rows, err := t.wh.source.ListWindow(w.Start, w.End)
	if err != nil {
		return DimensionCounts{}, err
	}

	t.wh.mu.Lock()
	defer t.wh.mu.Unlock()

	var counts DimensionCounts
	for _, row := range rows {
		tk := timeKeyFor(row)
		if _, ok := t.wh.timeIDs[tk]; !ok {
			if _, staged := t.stagedTime[tk]; !staged {
				t.wh.nextTimeID++
				t.stagedTime[tk] = t.wh.nextTimeID
				counts.Time++
			}
		}

		lk := locationKeyFor(row)
		if _, ok := t.wh.locationIDs[lk]; !ok {
			if _, staged := t.stagedLoc[lk]; !staged {
				t.wh.nextLocationID++
				t.stagedLoc[lk] = t.wh.nextLocationID
				counts.Location++
			}
		}

		uk := dimension.UserKeyFor(row.Role, row.Origin)
		if _, ok := t.wh.userIDs[uk]; !ok {
			if _, staged := t.stagedUser[uk]; !staged {
				t.wh.nextUserID++
				t.stagedUser[uk] = t.wh.nextUserID
				counts.User++
			}
		}

		sk := dimension.ServiceKeyFor(row.Destination, row.APIVersion)
		if _, ok := t.wh.serviceIDs[sk]; !ok {
			if _, staged := t.stagedSvc[sk]; !staged {
				t.wh.nextServiceID++
				t.stagedSvc[sk] = t.wh.nextServiceID
				counts.Service++
			}
		}
	}

	return counts, nil
}

func (t *memoryWindowTx) LoadFacts(ctx context.Context, w Window) (int64, error) {
	if t.closed {
		return 0, ErrTxClosed
	}

	rows, err := t.wh.source.ListWindow(w.Start, w.End)
	if err != nil {
		return 0, err
	}

	t.wh.mu.Lock()
	defer t.wh.mu.Unlock()

	var inserted int64
	for _, row := range rows {
		if _, ok := t.wh.facts[row.LogID]; ok {
			continue
		}
		if _, ok := t.stagedFacts[row.LogID]; ok {
			continue
		}

		timeID, okT := t.resolveTime(timeKeyFor(row))
		locID, okL := t.resolveLocation(locationKeyFor(row))
		userID, okU := t.resolveUser(dimension.UserKeyFor(row.Role, row.Origin))
		svcID, okS := t.resolveService(dimension.ServiceKeyFor(row.Destination, row.APIVersion))
		if !okT || !okL || !okU || !okS {
			// Mirrors the SQL join: unmatched keys exclude the record.
			t.wh.logger.Warn("raw record excluded from fact load",
				slog.Int64("log_id", row.LogID),
				slog.String("window", w.Date()))
			continue
		}

		t.stagedFacts[row.LogID] = FactRow{
			LogID:              row.LogID,
			TimeID:             timeID,
			LocationID:         locID,
			UserID:             userID,
			ServiceID:          svcID,
			CreatedAt:          row.CreatedAt,
			RequestMethod:      row.RequestMethod,
			RequestURL:         row.RequestURL,
			RequestHeaders:     row.RequestHeaders,
			RequestBody:        row.RequestBody,
			ResponseStatusCode: row.ResponseStatusCode,
			ResponseBody:       row.ResponseBody,
			ExecutionTimeMS:    row.ExecutionTimeMS,
			ErrorMessage:       row.ErrorMessage,
		}
		inserted++
	}

	t.wh.logger.Info("facts loaded",
		slog.String("window", w.Date()),
		slog.Int64("source_rows", int64(len(rows))),
		slog.Int64("inserted", inserted),
		slog.Int64("skipped", int64(len(rows))-inserted))

	return inserted, nil
}

// resolve* check staged keys first, then committed ones. Caller holds wh.mu.

func (t *memoryWindowTx) resolveTime(k dimension.TimeKey) (int64, bool) {
	if id, ok := t.stagedTime[k]; ok {
		return id, true
	}
	id, ok := t.wh.timeIDs[k]
	return id, ok
}

func (t *memoryWindowTx) resolveLocation(k dimension.LocationKey) (int64, bool) {
	if id, ok := t.stagedLoc[k]; ok {
		return id, true
	}
	id, ok := t.wh.locationIDs[k]
	return id, ok
}

func (t *memoryWindowTx) resolveUser(k dimension.UserKey) (int64, bool) {
	if id, ok := t.stagedUser[k]; ok {
		return id, true
	}
	id, ok := t.wh.userIDs[k]
	return id, ok
}

func (t *memoryWindowTx) resolveService(k dimension.ServiceKey) (int64, bool) {
	if id, ok := t.stagedSvc[k]; ok {
		return id, true
	}
	id, ok := t.wh.serviceIDs[k]
	return id, ok
}

func (t *memoryWindowTx) Commit() error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true

	t.wh.mu.Lock()
	defer t.wh.mu.Unlock()

	for k, id := range t.stagedTime {
		t.wh.timeIDs[k] = id
		t.wh.timeByID[id] = k
	}
	for k, id := range t.stagedLoc {
		t.wh.locationIDs[k] = id
		t.wh.locationByID[id] = k
	}
	for k, id := range t.stagedUser {
		t.wh.userIDs[k] = id
		t.wh.userByID[id] = k
	}
	for k, id := range t.stagedSvc {
		t.wh.serviceIDs[k] = id
		t.wh.serviceByID[id] = k
	}
	for id, f := range t.stagedFacts {
		t.wh.facts[id] = f
	}

	return nil
}

func (t *memoryWindowTx) Rollback() error {
	// Staged rows are simply dropped; already-advanced surrogate IDs stay
	// consumed, like sequence values after a database rollback.
	t.closed = true
	return nil
}

// MaterializeMart replaces the tenant's mart rows for the window with the
// recomputed fact+dimension join, holding the lock for the whole swap so no
// reader observes a half-replaced window.
func (m *Memory) MaterializeMart(ctx context.Context, t tenant.Tenant, w Window) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []MartRow
	for _, row := range m.marts[t.Key] {
		if !w.Contains(row.CreatedAt) {
			kept = append(kept, row)
		}
	}

	var fresh []MartRow
	for _, f := range m.facts {
		if !w.Contains(f.CreatedAt) {
			continue
		}
		tk := m.timeByID[f.TimeID]
		lk := m.locationByID[f.LocationID]
		uk := m.userByID[f.UserID]
		sk := m.serviceByID[f.ServiceID]

		if strings.ToLower(uk.Origin) != t.Key && strings.ToLower(sk.Destination) != t.Key {
			continue
		}

		fresh = append(fresh, MartRow{
			LogID:              f.LogID,
			CreatedAt:          f.CreatedAt,
			Hour:               tk.Hour,
			Day:                tk.Day,
			Month:              tk.Month,
			Year:               tk.Year,
			Country:            lk.Country,
			Region:             lk.Region,
			City:               lk.City,
			ZipCode:            lk.ZipCode,
			Latitude:           lk.Latitude,
			Longitude:          lk.Longitude,
			Role:               uk.Role,
			Origin:             uk.Origin,
			Destination:        sk.Destination,
			APIVersion:         sk.APIVersion,
			ServiceType:        sk.ServiceType,
			RequestMethod:      f.RequestMethod,
			RequestURL:         f.RequestURL,
			RequestBody:        f.RequestBody,
			ResponseStatusCode: f.ResponseStatusCode,
			ResponseBody:       f.ResponseBody,
			ExecutionTimeMS:    f.ExecutionTimeMS,
			ErrorMessage:       f.ErrorMessage,
		})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].LogID < fresh[j].LogID })

	m.marts[t.Key] = append(kept, fresh...)

	m.logger.Info("mart materialized",
		slog.String("tenant", t.Key),
		slog.String("window", w.Date()),
		slog.Int64("inserted", int64(len(fresh))))

	return int64(len(fresh)), nil
}

// Facts returns a copy of all fact rows ordered by log ID.
func (m *Memory) Facts() []FactRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FactRow, 0, len(m.facts))
	for _, f := range m.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogID < out[j].LogID })
	return out
}

// MartRows returns a copy of the tenant's mart ordered by log ID.
func (m *Memory) MartRows(tenantKey string) []MartRow {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.marts[tenantKey]
	out := make([]MartRow, len(rows))
	copy(out, rows)
	sort.Slice(out, func(i, j int) bool { return out[i].LogID < out[j].LogID })
	return out
}

// DimensionSizes reports how many rows each dimension currently holds.
func (m *Memory) DimensionSizes() DimensionCounts {
	m.mu.Lock()
	defer m.mu.Unlock()

	return DimensionCounts{
		Time:     int64(len(m.timeIDs)),
		Location: int64(len(m.locationIDs)),
		User:     int64(len(m.userIDs)),
		Service:  int64(len(m.serviceIDs)),
	}
}

// Reverse lookups used by tests to check referential completeness.

// TimeKeyByID returns the natural key behind a time surrogate ID.
func (m *Memory) TimeKeyByID(id int64) (dimension.TimeKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.timeByID[id]
	return k, ok
}

// LocationKeyByID returns the natural key behind a location surrogate ID.
func (m *Memory) LocationKeyByID(id int64) (dimension.LocationKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.locationByID[id]
	return k, ok
}

// UserKeyByID returns the natural key behind a user surrogate ID.
func (m *Memory) UserKeyByID(id int64) (dimension.UserKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.userByID[id]
	return k, ok
}

// ServiceKeyByID returns the natural key behind a service surrogate ID.
func (m *Memory) ServiceKeyByID(id int64) (dimension.ServiceKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.serviceByID[id]
	return k, ok
}
