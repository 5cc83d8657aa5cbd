// Package store keeps fetched years of activities in SQLite so stats can be
// re-derived without calling the Strava API again.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joshdurbin/strava-stats/internal/logging"
	"github.com/joshdurbin/strava-stats/internal/strava"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrLocked is returned by CheckLock when another process holds the database
var ErrLocked = errors.New("database is locked by another instance")

// Store is a SQLite snapshot of fetched years
type Store struct {
	db *sql.DB
}

// YearStatus describes the last fetch stored for a year
type YearStatus struct {
	Year          int
	Complete      bool
	Error         string
	ActivityCount int
	Pages         int
	Duration      time.Duration
	FetchedAt     time.Time
}

// Stats summarizes the snapshot
type Stats struct {
	Years           int
	Activities      int
	IncompleteYears int
	OldestYear      int
	NewestYear      int
	LastFetchedAt   time.Time
}

// Open opens (creating if needed) the database at path and applies migrations
func Open(ctx context.Context, path string) (*Store, error) {
	log := logging.Logger

	log.Debug().Str("path", path).Msg("opening database")
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := configureSQLite(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("configuring SQLite: %w", err)
	}

	if err := migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &Store{db: sqlDB}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(ctx context.Context, sqlDB *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("creating goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		logging.Logger.Debug().Int64("version", r.Source.Version).Str("path", r.Source.Path).Msg("migration applied")
	}
	logging.Logger.Debug().Int("applied", len(results)).Msg("database migrations completed")
	return nil
}

// configureSQLite sets up SQLite for a single writer with concurrent readers
func configureSQLite(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	logging.Logger.Debug().
		Str("journal_mode", "WAL").
		Str("busy_timeout", "5000ms").
		Msg("SQLite configured")
	return nil
}

// CheckLock takes an exclusive lock on the database so a second long-running
// instance fails fast instead of contending for writes.
func (s *Store) CheckLock() error {
	if _, err := s.db.Exec("PRAGMA locking_mode=EXCLUSIVE"); err != nil {
		return fmt.Errorf("%w: %w", ErrLocked, err)
	}
	if _, err := s.db.Exec("BEGIN EXCLUSIVE"); err != nil {
		if strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy") {
			return ErrLocked
		}
		return fmt.Errorf("checking database lock: %w", err)
	}
	if _, err := s.db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("releasing lock check: %w", err)
	}
	logging.Logger.Debug().Msg("database lock check passed")
	return nil
}

// SaveYear replaces everything stored for the year with fetch. A partial
// fetch never replaces a year whose stored fetch is complete; it is logged
// and dropped.
func (s *Store) SaveYear(ctx context.Context, fetch strava.YearFetch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if fetch.Err != nil {
		var complete, count int
		err := tx.QueryRowContext(ctx, `SELECT complete, activity_count FROM fetches WHERE year = ?`, fetch.Year).Scan(&complete, &count)
		switch {
		case err == nil && complete != 0:
			logging.Logger.Warn().
				Err(fetch.Err).
				Int("year", fetch.Year).
				Int("stored", count).
				Int("fetched", len(fetch.Activities)).
				Msg("keeping complete year, partial fetch not saved")
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("reading stored fetch for %d: %w", fetch.Year, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE year = ?`, fetch.Year); err != nil {
		return fmt.Errorf("clearing year %d: %w", fetch.Year, err)
	}

	var errText string
	if fetch.Err != nil {
		errText = fetch.Err.Error()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fetches (year, complete, error, activity_count, pages, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(year) DO UPDATE SET
			complete = excluded.complete,
			error = excluded.error,
			activity_count = excluded.activity_count,
			pages = excluded.pages,
			duration_ms = excluded.duration_ms,
			fetched_at = excluded.fetched_at`,
		fetch.Year, boolToInt(fetch.Complete()), errText, len(fetch.Activities),
		fetch.Pages, fetch.Duration.Milliseconds(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving fetch for %d: %w", fetch.Year, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities (year, position, activity_id, activity_type, distance, elapsed_time, total_elevation_gain, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, a := range fetch.Activities {
		raw := a.Raw()
		if raw == nil {
			if raw, err = json.Marshal(a); err != nil {
				return fmt.Errorf("encoding activity %d of %d: %w", i, fetch.Year, err)
			}
		}
		var activityID any
		if a.ID != 0 {
			activityID = a.ID
		}
		if _, err := stmt.ExecContext(ctx, fetch.Year, i, activityID, a.Type, a.Distance, a.ElapsedTime, a.TotalElevationGain, string(raw)); err != nil {
			return fmt.Errorf("saving activity %d of %d: %w", i, fetch.Year, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing year %d: %w", fetch.Year, err)
	}

	logging.Logger.Debug().
		Int("year", fetch.Year).
		Int("activities", len(fetch.Activities)).
		Bool("complete", fetch.Complete()).
		Msg("year saved")
	return nil
}

// LoadRange returns the stored activities for every fetched year between the
// bounds, in their original order. Years that were never fetched are absent;
// fetched years with no activities map to an empty slice.
func (s *Store) LoadRange(ctx context.Context, yearFrom, yearTo int) (strava.ActivitiesByYear, error) {
	lo, hi := yearFrom, yearTo
	if lo > hi {
		lo, hi = hi, lo
	}

	byYear := make(strava.ActivitiesByYear)

	years, err := s.db.QueryContext(ctx, `SELECT year FROM fetches WHERE year BETWEEN ? AND ?`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("listing fetched years: %w", err)
	}
	for years.Next() {
		var year int
		if err := years.Scan(&year); err != nil {
			years.Close()
			return nil, fmt.Errorf("scanning year: %w", err)
		}
		byYear[year] = []strava.Activity{}
	}
	if err := years.Close(); err != nil {
		return nil, err
	}
	if err := years.Err(); err != nil {
		return nil, fmt.Errorf("listing fetched years: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT year, raw FROM activities
		WHERE year BETWEEN ? AND ?
		ORDER BY year, position`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("loading activities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			year int
			raw  string
		)
		if err := rows.Scan(&year, &raw); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		var a strava.Activity
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding stored activity in %d: %w", year, err)
		}
		byYear[year] = append(byYear[year], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading activities: %w", err)
	}
	return byYear, nil
}

// YearStatuses returns the fetch status of each stored year in the range, ascending
func (s *Store) YearStatuses(ctx context.Context, yearFrom, yearTo int) ([]YearStatus, error) {
	lo, hi := yearFrom, yearTo
	if lo > hi {
		lo, hi = hi, lo
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT year, complete, error, activity_count, pages, duration_ms, fetched_at
		FROM fetches WHERE year BETWEEN ? AND ? ORDER BY year`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("loading year statuses: %w", err)
	}
	defer rows.Close()

	var statuses []YearStatus
	for rows.Next() {
		var (
			st                   YearStatus
			complete             int
			durationMs, unixTime int64
		)
		if err := rows.Scan(&st.Year, &complete, &st.Error, &st.ActivityCount, &st.Pages, &durationMs, &unixTime); err != nil {
			return nil, fmt.Errorf("scanning year status: %w", err)
		}
		st.Complete = complete != 0
		st.Duration = time.Duration(durationMs) * time.Millisecond
		st.FetchedAt = time.Unix(unixTime, 0).UTC()
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// IncompleteYears lists stored years whose last fetch stopped early, ascending
func (s *Store) IncompleteYears(ctx context.Context, yearFrom, yearTo int) ([]int, error) {
	statuses, err := s.YearStatuses(ctx, yearFrom, yearTo)
	if err != nil {
		return nil, err
	}
	var years []int
	for _, st := range statuses {
		if !st.Complete {
			years = append(years, st.Year)
		}
	}
	return years, nil
}

// Stats returns counts over the whole snapshot
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st                     Stats
		oldest, newest, latest sql.NullInt64
		incomplete             sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN complete = 0 THEN 1 ELSE 0 END), MIN(year), MAX(year), MAX(fetched_at)
		FROM fetches`).Scan(&st.Years, &incomplete, &oldest, &newest, &latest)
	if err != nil {
		return Stats{}, fmt.Errorf("reading fetch stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&st.Activities); err != nil {
		return Stats{}, fmt.Errorf("counting activities: %w", err)
	}

	st.IncompleteYears = int(incomplete.Int64)
	st.OldestYear = int(oldest.Int64)
	st.NewestYear = int(newest.Int64)
	if latest.Valid {
		st.LastFetchedAt = time.Unix(latest.Int64, 0).UTC()
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
