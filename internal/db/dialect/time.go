package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusMinutes returns the SQL expression for "current time minus N minutes",
// where minutesExpr is a column or expression producing the number of minutes.
// The reaper compares last_activity_at against this per-row cutoff.
//
//	SQLite:   datetime('now', '-' || minutesExpr || ' minutes')
//	Postgres: NOW() - (minutesExpr || ' minutes')::interval
func NowMinusMinutes(driver, minutesExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' minutes')::interval", minutesExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' minutes')", minutesExpr)
}
