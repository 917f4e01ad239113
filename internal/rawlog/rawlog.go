// Package rawlog models the append-only operational log of API transactions
// that feeds the warehouse. The engine never mutates this data; it only reads
// it with half-open time-window predicates.
package rawlog

import (
	"sort"
	"sync"
	"time"
)

// Transaction is one completed API call as recorded by the operational store.
// Origin and the request/response payload fields are nullable at the source
// and therefore pointers here.
type Transaction struct {
	LogID              int64
	CreatedAt          time.Time
	Country            string
	Region             string
	City               string
	ZipCode            string
	Latitude           float64
	Longitude          float64
	Role               string
	Origin             *string
	Destination        string
	APIVersion         string
	RequestMethod      *string
	RequestURL         *string
	RequestHeaders     *string
	RequestBody        *string
	ResponseStatusCode *int
	ResponseBody       *string
	ExecutionTimeMS    *int
	ErrorMessage       *string
}

// Store provides read access to raw transactions for one time window.
type Store interface {
	// ListWindow returns all transactions with start <= created_at < end,
	// ordered by log ID.
	ListWindow(start, end time.Time) ([]Transaction, error)
}

// InMemoryStore is an in-memory implementation of Store.
// Thread-safe via RWMutex. Used for testing and development.
type InMemoryStore struct {
	mu   sync.RWMutex
	rows []Transaction
}

// NewInMemoryStore creates a new in-memory raw transaction store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Add appends a transaction to the store.
func (s *InMemoryStore) Add(tx Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, tx)
}

// Update replaces the stored transaction with the same log ID, if present.
// This exists so tests can simulate upstream corrections between runs.
func (s *InMemoryStore) Update(tx Transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].LogID == tx.LogID {
			s.rows[i] = tx
			return true
		}
	}
	return false
}

// ListWindow returns all transactions inside [start, end), ordered by log ID.
func (s *InMemoryStore) ListWindow(start, end time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.rows {
		if !tx.CreatedAt.Before(start) && tx.CreatedAt.Before(end) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogID < out[j].LogID })
	return out, nil
}
