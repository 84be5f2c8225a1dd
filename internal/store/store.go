// Package store is Baudrate's persistence layer: a dual-dialect SQL store
// (SQLite for single-node installs, PostgreSQL for horizontally-scaled
// delivery workers) backing every entity in the data model.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods
// used by the auth, federation, and notification components.
type Store struct {
	db      *sql.DB
	driver  string
	log     *slog.Logger
	baseURL string
}

// SetBaseURL records the instance's canonical origin so the store can build
// a local user's own actor URI when resolving local-to-local follow
// relationships (user_follows.follower_ap_id is always an actor URI, even
// for local followers). Called once at startup after Open.
func (s *Store) SetBaseURL(base string) {
	s.baseURL = strings.TrimRight(base, "/")
}

func (s *Store) userActorURI(username string) string {
	return s.baseURL + "/ap/users/" + username
}

// Open opens a database connection. The URL can be a bare file path
// ("baudrate.db"), "sqlite://path/to/file.db", or "postgres://...".
func Open(databaseURL string, log *slog.Logger) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if driver == "sqlite" {
		// SQLite serializes writers itself; a small pool plus WAL mode lets
		// reads (cache misses, feed queries, stats) proceed alongside the
		// single writer instead of queuing behind every insert. Deployments
		// expecting sustained inbox throughput beyond a few dozen activities
		// per second should switch DATABASE_URL to postgres://.
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("store: sqlite pragma (%s): %w", pragma, err)
			}
		}
	}

	return &Store{db: db, driver: driver, log: log}, nil
}

// Migrate runs all pending migrations. Safe to call on every startup.
func (s *Store) Migrate() error {
	s.log.Info("running database migrations")
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("store: migration failed: %w\nSQL: %s", err, m)
		}
	}
	s.log.Info("migrations complete")
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// ph returns the nth positional placeholder for the active driver.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// phList returns n sequential placeholders starting at offset, comma-joined.
func (s *Store) phList(offset, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = s.ph(offset + i)
	}
	return strings.Join(parts, ", ")
}

// insertOrIgnore returns the driver-appropriate insert-or-ignore keyword
// pair used by most entity upserts.
func (s *Store) insertOrIgnore() string {
	if s.driver == "postgres" {
		return "INSERT"
	}
	return "INSERT OR IGNORE"
}

func (s *Store) onConflictDoNothing() string {
	if s.driver == "postgres" {
		return "ON CONFLICT DO NOTHING"
	}
	return ""
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
