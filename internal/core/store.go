package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "modernc.org/sqlite"
)

// ObservationRecord is the durable trigger state for one primary
// observation. GroupID zero means not yet assigned.
type ObservationRecord struct {
	SBID      int
	FirstSeen float64 // MJD at first contact
	GroupID   int64
	CalDone   bool
}

// Store is a SQLite-backed persistence layer. Every write is a
// single-statement idempotent upsert: calling any operation twice with the
// same arguments leaves the same state behind. A single engine instance owns
// a given sbid at a time; the store does not arbitrate concurrent owners.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// GetOrCreate returns the record for sbid, inserting a fresh one on first
// contact. The insert is a no-op when the record already exists, so restarts
// and duplicate notifications never produce a second record.
func (s *Store) GetOrCreate(ctx context.Context, sbid int, firstSeen float64) (*ObservationRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO observations (sbid, first_seen, group_id, cal_done) VALUES (?, ?, NULL, 0)`,
		sbid, firstSeen)
	if err != nil {
		return nil, fmt.Errorf("insert observation %d: %w", sbid, err)
	}
	return s.Get(ctx, sbid)
}

// Get reads the current record, or nil when none exists.
func (s *Store) Get(ctx context.Context, sbid int) (*ObservationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sbid, first_seen, group_id, cal_done FROM observations WHERE sbid = ?`, sbid)
	rec := &ObservationRecord{}
	var group sql.NullInt64
	var calDone int
	if err := row.Scan(&rec.SBID, &rec.FirstSeen, &group, &calDone); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query observation %d: %w", sbid, err)
	}
	if group.Valid {
		rec.GroupID = group.Int64
	}
	rec.CalDone = calDone != 0
	return rec, nil
}

// SetGroupID assigns the correlation group id, write-once: a record that
// already carries a group id is left untouched.
func (s *Store) SetGroupID(ctx context.Context, sbid int, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET group_id = ? WHERE sbid = ? AND group_id IS NULL`, groupID, sbid)
	if err != nil {
		return fmt.Errorf("set group id for %d: %w", sbid, err)
	}
	return nil
}

// MarkCalibrationDone flips cal_done to true. Monotonic: there is no way
// back to false.
func (s *Store) MarkCalibrationDone(ctx context.Context, sbid int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET cal_done = 1 WHERE sbid = ?`, sbid)
	if err != nil {
		return fmt.Errorf("mark calibration done for %d: %w", sbid, err)
	}
	return nil
}

// RecordCalibration appends one calibration event. The id is derived from
// instrument time at the trigger moment, so replays collapse into one row.
func (s *Store) RecordCalibration(ctx context.Context, calID int64, at float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO calibrations (cal_id, time) VALUES (?, ?)`, calID, at)
	if err != nil {
		return fmt.Errorf("record calibration %d: %w", calID, err)
	}
	return nil
}

// HasRecentCalibration reports whether any calibration event landed inside
// the window ending at asOf. Events are never updated or deleted here;
// pruning is an operational concern.
func (s *Store) HasRecentCalibration(ctx context.Context, asOf, window float64) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM calibrations WHERE time > ?)`, asOf-window)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("query recent calibrations: %w", err)
	}
	return exists != 0, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
