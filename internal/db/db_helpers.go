package db

import (
	"database/sql"
	"strings"
	"time"
)

// ─── Time Helpers ────────────────────────────────────────────────────────────

// TimeFormat is the sortable UTC layout used for every timestamp column.
const TimeFormat = "2006-01-02 15:04:05.000000"

// ParseNullTime parses a nullable time column.
func ParseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	return ParseTime(ns.String)
}

// ParseTime parses a non-null time column; unparsable values become zero.
func ParseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NullTimeString converts a time to a nullable column value.
func NullTimeString(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return TimeString(t)
}

// TimeString formats t for storage.
func TimeString(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ─── Type Conversion Helpers ─────────────────────────────────────────────────

// BoolToInt converts a bool to int for SQLite storage
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
