package dimension

import (
	"fmt"
	"sort"
	"strings"
)

// The resolver and the fact loader must derive natural keys with identical
// SQL expressions, otherwise a fact row could miss the dimension row the
// resolver just ensured. The builders below are the single source of those
// expressions; both statements are assembled from them.

// OriginSQL returns the origin normalization expression for the given source
// table alias: NULL maps to the Unknown sentinel, everything else through
// INITCAP.
func OriginSQL(alias string) string {
	return fmt.Sprintf(
		"CASE WHEN %s.origin IS NULL THEN %s ELSE INITCAP(%s.origin) END",
		alias, quoteLiteral(Unknown), alias,
	)
}

// RoleSQL returns the role validation expression for the given source table
// alias, generated from RoleAllowList. Origins are emitted in sorted order so
// the statement text is stable across runs.
func RoleSQL(alias string) string {
	origins := make([]string, 0, len(RoleAllowList))
	for origin := range RoleAllowList {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	var b strings.Builder
	b.WriteString("CASE")
	for _, origin := range origins {
		roles := make([]string, len(RoleAllowList[origin]))
		for i, r := range RoleAllowList[origin] {
			roles[i] = quoteLiteral(r)
		}
		fmt.Fprintf(&b, " WHEN %s.origin ILIKE %s AND %s.role IN (%s) THEN %s.role",
			alias, quoteLiteral(origin), alias, strings.Join(roles, ", "), alias)
	}
	fmt.Fprintf(&b, " ELSE %s END", quoteLiteral(Unknown))
	return b.String()
}

// ServiceTypeSQL returns the service type classification expression for the
// given source table alias.
func ServiceTypeSQL(alias string) string {
	dests := make([]string, len(InternalDestinations))
	for i, d := range InternalDestinations {
		dests[i] = quoteLiteral(d)
	}
	return fmt.Sprintf(
		"CASE WHEN %s.destination IN (%s) THEN %s ELSE %s END",
		alias, strings.Join(dests, ", "),
		quoteLiteral(ServiceTypeInternal), quoteLiteral(ServiceTypeThirdParty),
	)
}

// TimePartSQL returns the integer extraction expression for one component of
// the time dimension (hour, day, month or year) of the alias's created_at.
// The timestamp is pinned to UTC before extraction: created_at is TIMESTAMPTZ,
// and a bare EXTRACT would follow the session TimeZone, letting two clients
// derive different keys for the same instant.
func TimePartSQL(alias, part string) string {
	return fmt.Sprintf("EXTRACT(%s FROM (%s.created_at AT TIME ZONE 'UTC'))::int", strings.ToUpper(part), alias)
}

// quoteLiteral renders a code-defined constant as a SQL string literal. The
// values come from the tables above, never from user input; doubling quotes
// keeps the statement well-formed regardless.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
