// Package dimension defines the natural keys of the four warehouse dimensions
// and the pure derivation rules that map raw transaction attributes onto them.
// The same rules are applied twice per window: once when ensuring dimension
// rows exist and once when joining facts back to them, so they live here as
// data-driven lookup tables rather than inline query logic.
package dimension

import (
	"strings"
	"unicode"
)

// Unknown is the sentinel value for origins and roles that fail derivation.
const Unknown = "Unknown"

// Service type classifications for dim_service.
const (
	ServiceTypeInternal   = "System-to-System"
	ServiceTypeThirdParty = "3rd-Party"
)

// RoleAllowList maps a lowercase origin to the set of roles considered valid
// for that origin. A (role, origin) pair outside this table canonicalizes the
// role to Unknown while keeping the normalized origin.
var RoleAllowList = map[string][]string{
	"teleo":     {"Normal_User", "Guest", "Church_Admin", "Pastor"},
	"campus":    {"Student", "Professor", "Admin"},
	"evntgarde": {"Customer", "Organizer", "Vendor"},
	"pillars":   {"Employer", "Dean", "Professor", "Student"},
}

// InternalDestinations is the set of destinations classified as
// system-to-system traffic. Everything else is third-party.
var InternalDestinations = []string{"Pillars", "Evntgarde", "Teleo", "Campus"}

// TimeKey is the natural key of dim_time. Granularity is hour-of-day, so
// multiple calendar days can share a row when operating across years.
type TimeKey struct {
	Hour  int
	Day   int
	Month int
	Year  int
}

// LocationKey is the natural key of dim_location. No fuzzy matching: the full
// 6-tuple must match exactly.
type LocationKey struct {
	Country   string
	Region    string
	City      string
	ZipCode   string
	Latitude  float64
	Longitude float64
}

// UserKey is the natural key of dim_user after normalization and validation.
type UserKey struct {
	Role   string
	Origin string
}

// ServiceKey is the natural key of dim_service. ServiceType is derived, never
// taken from input.
type ServiceKey struct {
	Destination string
	APIVersion  string
	ServiceType string
}

// NormalizeOrigin maps a nullable raw origin onto its canonical dimension
// value: nil becomes Unknown, everything else is title-cased the way
// PostgreSQL INITCAP does it (every alphanumeric run starts a new word).
func NormalizeOrigin(origin *string) string {
	if origin == nil {
		return Unknown
	}
	return initcap(*origin)
}

// ValidateRole returns the role if it is on the allow-list for the given raw
// origin, and Unknown otherwise. Origin matching is case-insensitive; a nil
// origin never validates any role.
func ValidateRole(role string, origin *string) string {
	if origin == nil {
		return Unknown
	}
	allowed, ok := RoleAllowList[strings.ToLower(*origin)]
	if !ok {
		return Unknown
	}
	for _, r := range allowed {
		if role == r {
			return role
		}
	}
	return Unknown
}

// ServiceTypeFor classifies a destination as internal or third-party traffic.
// Destination matching is exact: the internal set holds canonical names.
func ServiceTypeFor(destination string) string {
	for _, d := range InternalDestinations {
		if destination == d {
			return ServiceTypeInternal
		}
	}
	return ServiceTypeThirdParty
}

// UserKeyFor applies origin normalization and role validation in one step.
func UserKeyFor(role string, origin *string) UserKey {
	return UserKey{
		Role:   ValidateRole(role, origin),
		Origin: NormalizeOrigin(origin),
	}
}

// ServiceKeyFor derives the full dim_service natural key.
func ServiceKeyFor(destination, apiVersion string) ServiceKey {
	return ServiceKey{
		Destination: destination,
		APIVersion:  apiVersion,
		ServiceType: ServiceTypeFor(destination),
	}
}

// initcap mirrors PostgreSQL's INITCAP: the first letter of every word is
// uppercased and the rest lowercased, where a word is a maximal run of
// alphanumeric characters. This must stay byte-for-byte compatible with the
// SQL expression used by the resolver and loader, otherwise in-memory and
// database derivations would disagree on natural keys.
func initcap(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inWord := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if inWord {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			inWord = true
		} else {
			b.WriteRune(r)
			inWord = false
		}
	}
	return b.String()
}
