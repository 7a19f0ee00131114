package store

import "strings"

// isUniqueViolation does a best-effort, driver-agnostic check for a unique
// constraint violation. GORM does not normalize this across sqlite and
// postgres, so this inspects the driver error text rather than a typed
// error (sqlite3.ErrConstraintUnique from modernc's driver and pgconn's
// "23505" SQLSTATE both stringify with "unique").
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique")
}
