// Package tenant provides the registry of tenants whose marts the engine
// materializes. Tenant identifiers are canonical lowercase strings; each
// tenant owns one mart table named after it.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Registry errors.
var (
	ErrUnknownTenant     = errors.New("unknown tenant")
	ErrInvalidIdentifier = errors.New("invalid tenant identifier")
)

// DefaultTenants are the platform tenants provisioned out of the box.
var DefaultTenants = []string{"campus", "evntgarde", "pillars", "teleo"}

// identifierPattern constrains tenant identifiers so that mart table names
// built from them are always safe SQL identifiers.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var titleCaser = cases.Title(language.English)

// Tenant is one registered tenant.
type Tenant struct {
	// Key is the canonical lowercase identifier, e.g. "pillars".
	Key string
	// DisplayName is the title-cased name used as a service destination,
	// e.g. "Pillars".
	DisplayName string
}

// MartTable returns the tenant's mart table name without schema qualifier.
func (t Tenant) MartTable() string {
	return "mart_" + t.Key
}

// Registry holds the known tenants, sorted by key.
type Registry struct {
	tenants []Tenant
	byKey   map[string]Tenant
}

// NewRegistry builds a registry from tenant identifiers. Identifiers are
// lowercased before validation; duplicates collapse to one entry. An empty
// list falls back to DefaultTenants.
func NewRegistry(keys []string) (*Registry, error) {
	if len(keys) == 0 {
		keys = DefaultTenants
	}

	byKey := make(map[string]Tenant, len(keys))
	for _, raw := range keys {
		key := strings.ToLower(strings.TrimSpace(raw))
		if !identifierPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, raw)
		}
		byKey[key] = Tenant{Key: key, DisplayName: titleCaser.String(key)}
	}

	tenants := make([]Tenant, 0, len(byKey))
	for _, t := range byKey {
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Key < tenants[j].Key })

	return &Registry{tenants: tenants, byKey: byKey}, nil
}

// All returns the registered tenants in key order.
func (r *Registry) All() []Tenant {
	out := make([]Tenant, len(r.tenants))
	copy(out, r.tenants)
	return out
}

// Get resolves a tenant identifier case-insensitively.
func (r *Registry) Get(key string) (Tenant, error) {
	t, ok := r.byKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %q", ErrUnknownTenant, key)
	}
	return t, nil
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int { return len(r.tenants) }
