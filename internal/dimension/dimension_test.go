package dimension

import (
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin *string
		want   string
	}{
		{"nil origin becomes sentinel", nil, "Unknown"},
		{"lowercase is title-cased", strPtr("evntgarde"), "Evntgarde"},
		{"uppercase is folded", strPtr("TELEO"), "Teleo"},
		{"mixed case", strPtr("piLLars"), "Pillars"},
		{"already canonical", strPtr("Campus"), "Campus"},
		{"unrecognized origin is still normalized", strPtr("some partner"), "Some Partner"},
		{"underscore starts a new word like INITCAP", strPtr("acme_labs"), "Acme_Labs"},
		{"empty string stays empty", strPtr(""), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeOrigin(tt.origin); got != tt.want {
				t.Errorf("NormalizeOrigin(%v) = %q, want %q", tt.origin, got, tt.want)
			}
		})
	}
}

func TestValidateRole(t *testing.T) {
	tests := []struct {
		name   string
		role   string
		origin *string
		want   string
	}{
		{"valid role for campus", "Professor", strPtr("campus"), "Professor"},
		{"origin match is case-insensitive", "Professor", strPtr("Campus"), "Professor"},
		{"valid role for wrong origin", "Professor", strPtr("evntgarde"), "Unknown"},
		{"role shared by two origins", "Student", strPtr("pillars"), "Student"},
		{"unknown origin", "Student", strPtr("acme"), "Unknown"},
		{"nil origin", "Student", nil, "Unknown"},
		{"role comparison is case-sensitive", "student", strPtr("campus"), "Unknown"},
		{"teleo roles", "Church_Admin", strPtr("teleo"), "Church_Admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateRole(tt.role, tt.origin); got != tt.want {
				t.Errorf("ValidateRole(%q, %v) = %q, want %q", tt.role, tt.origin, got, tt.want)
			}
		})
	}
}

func TestServiceTypeFor(t *testing.T) {
	tests := []struct {
		destination string
		want        string
	}{
		{"Teleo", ServiceTypeInternal},
		{"Pillars", ServiceTypeInternal},
		{"Evntgarde", ServiceTypeInternal},
		{"Campus", ServiceTypeInternal},
		{"teleo", ServiceTypeThirdParty}, // exact match only
		{"Stripe", ServiceTypeThirdParty},
		{"", ServiceTypeThirdParty},
	}

	for _, tt := range tests {
		if got := ServiceTypeFor(tt.destination); got != tt.want {
			t.Errorf("ServiceTypeFor(%q) = %q, want %q", tt.destination, got, tt.want)
		}
	}
}

func TestUserKeyFor(t *testing.T) {
	// Professor@campus is preserved, Professor@evntgarde
	// canonicalizes the role while keeping the normalized origin.
	key := UserKeyFor("Professor", strPtr("campus"))
	if key != (UserKey{Role: "Professor", Origin: "Campus"}) {
		t.Errorf("UserKeyFor campus = %+v", key)
	}

	key = UserKeyFor("Professor", strPtr("evntgarde"))
	if key != (UserKey{Role: "Unknown", Origin: "Evntgarde"}) {
		t.Errorf("UserKeyFor evntgarde = %+v", key)
	}

	key = UserKeyFor("Guest", nil)
	if key != (UserKey{Role: "Unknown", Origin: "Unknown"}) {
		t.Errorf("UserKeyFor nil origin = %+v", key)
	}
}

func TestServiceKeyFor(t *testing.T) {
	key := ServiceKeyFor("Teleo", "v2")
	want := ServiceKey{Destination: "Teleo", APIVersion: "v2", ServiceType: ServiceTypeInternal}
	if key != want {
		t.Errorf("ServiceKeyFor = %+v, want %+v", key, want)
	}
}

func TestRoleSQLIsStableAndCoversAllOrigins(t *testing.T) {
	first := RoleSQL("s")
	for i := 0; i < 10; i++ {
		if got := RoleSQL("s"); got != first {
			t.Fatal("RoleSQL output is not deterministic")
		}
	}

	for origin := range RoleAllowList {
		if !strings.Contains(first, "'"+origin+"'") {
			t.Errorf("RoleSQL missing origin %q", origin)
		}
	}
	if !strings.Contains(first, "ELSE 'Unknown' END") {
		t.Errorf("RoleSQL missing sentinel fallback: %s", first)
	}
}

func TestOriginSQL(t *testing.T) {
	got := OriginSQL("src")
	want := "CASE WHEN src.origin IS NULL THEN 'Unknown' ELSE INITCAP(src.origin) END"
	if got != want {
		t.Errorf("OriginSQL = %q, want %q", got, want)
	}
}

func TestServiceTypeSQL(t *testing.T) {
	got := ServiceTypeSQL("s")
	want := "CASE WHEN s.destination IN ('Pillars', 'Evntgarde', 'Teleo', 'Campus') THEN 'System-to-System' ELSE '3rd-Party' END"
	if got != want {
		t.Errorf("ServiceTypeSQL = %q, want %q", got, want)
	}
}

func TestTimePartSQL(t *testing.T) {
	got := TimePartSQL("s", "hour")
	if got != "EXTRACT(HOUR FROM (s.created_at AT TIME ZONE 'UTC'))::int" {
		t.Errorf("TimePartSQL = %q", got)
	}
}
