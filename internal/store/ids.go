package store

import (
	"time"

	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// formatTime renders t in UTC as RFC3339 with a fixed nine-digit fraction,
// so values sort correctly as strings across both SQLite (TEXT) and
// Postgres (TEXT) columns.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
