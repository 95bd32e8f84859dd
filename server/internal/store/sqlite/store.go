// Package sqlite provides a SQLite-backed store.Store using the pure-Go
// modernc.org/sqlite driver. The schema is applied from embedded migrations
// on Open.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/store"
	"github.com/rotortrack/rotortrack/server/internal/store/sqlite/migrations"
)

const busColumns = `id, bus_number, bus_type, location, current_mileage, is_articulating, min_rotor_thickness`

const measurementColumns = `id, bus_id, position, measurement_date, mileage_at_measurement, thickness_mm`

// Store persists buses and rotor measurements in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create dir %q: %w", dir, err)
		}
	}
	// Write transactions take the write lock at BEGIN so concurrent
	// read-then-write units wait on busy_timeout instead of failing on
	// lock upgrade.
	dsn := "file:" + clean + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", clean, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping %q: %w", clean, err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBus(row scanner) (types.Bus, error) {
	var (
		b           types.Bus
		articulated int
		minStr      string
	)
	if err := row.Scan(&b.ID, &b.Number, &b.Type, &b.Location, &b.CurrentMileage, &articulated, &minStr); err != nil {
		return types.Bus{}, err
	}
	minThickness, err := decimal.NewFromString(minStr)
	if err != nil {
		return types.Bus{}, fmt.Errorf("bus %d: min_rotor_thickness %q: %w", b.ID, minStr, err)
	}
	b.Articulated = articulated != 0
	b.MinRotorThickness = minThickness
	return b, nil
}

func scanMeasurement(row scanner) (types.RotorMeasurement, error) {
	var (
		m            types.RotorMeasurement
		position     string
		date         string
		thicknessStr string
	)
	if err := row.Scan(&m.ID, &m.BusID, &position, &date, &m.Mileage, &thicknessStr); err != nil {
		return types.RotorMeasurement{}, err
	}
	d, err := types.ParseDate(date)
	if err != nil {
		return types.RotorMeasurement{}, fmt.Errorf("measurement %d: date %q: %w", m.ID, date, err)
	}
	th, err := decimal.NewFromString(thicknessStr)
	if err != nil {
		return types.RotorMeasurement{}, fmt.Errorf("measurement %d: thickness %q: %w", m.ID, thicknessStr, err)
	}
	m.Position = types.Position(position)
	m.Date = d
	m.Thickness = th
	return m, nil
}

func getBus(ctx context.Context, q queryer, id int64) (types.Bus, error) {
	b, err := scanBus(q.QueryRowContext(ctx, `SELECT `+busColumns+` FROM buses WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Bus{}, fmt.Errorf("bus %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return types.Bus{}, fmt.Errorf("get bus %d: %w", id, err)
	}
	return b, nil
}

// ListBuses returns buses matching f ordered by number.
func (s *Store) ListBuses(ctx context.Context, f store.BusFilter) ([]types.Bus, error) {
	var (
		where []string
		args  []any
	)
	if q := strings.TrimSpace(f.Search); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		where = append(where, `(lower(bus_number) LIKE ? OR lower(location) LIKE ? OR lower(bus_type) LIKE ?)`)
		args = append(args, like, like, like)
	}
	if f.Location != "" {
		where = append(where, `lower(location) = lower(?)`)
		args = append(args, f.Location)
	}
	if f.Articulated != nil {
		where = append(where, `is_articulating = ?`)
		args = append(args, boolInt(*f.Articulated))
	}
	query := `SELECT ` + busColumns + ` FROM buses`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY bus_number`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list buses: %w", err)
	}
	defer rows.Close()

	out := make([]types.Bus, 0)
	for rows.Next() {
		b, err := scanBus(rows)
		if err != nil {
			return nil, fmt.Errorf("list buses: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buses: %w", err)
	}
	return out, nil
}

// GetBus returns the bus with id, or store.ErrNotFound.
func (s *Store) GetBus(ctx context.Context, id int64) (types.Bus, error) {
	return getBus(ctx, s.db, id)
}

// CreateBus inserts b and returns it with its assigned ID.
func (s *Store) CreateBus(ctx context.Context, b types.Bus) (types.Bus, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO buses (bus_number, bus_type, location, current_mileage, is_articulating, min_rotor_thickness)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`,
		b.Number, b.Type, b.Location, b.CurrentMileage, boolInt(b.Articulated), b.MinRotorThickness.StringFixed(2),
	).Scan(&b.ID)
	if isUniqueViolation(err) {
		return types.Bus{}, fmt.Errorf("bus number %q: %w", b.Number, store.ErrConflict)
	}
	if err != nil {
		return types.Bus{}, fmt.Errorf("create bus %q: %w", b.Number, err)
	}
	return b, nil
}

// UpdateBus overwrites every column of the bus with b.ID.
func (s *Store) UpdateBus(ctx context.Context, b types.Bus) (types.Bus, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE buses SET bus_number = ?, bus_type = ?, location = ?, current_mileage = ?,
			is_articulating = ?, min_rotor_thickness = ?
		WHERE id = ?`,
		b.Number, b.Type, b.Location, b.CurrentMileage, boolInt(b.Articulated), b.MinRotorThickness.StringFixed(2), b.ID,
	)
	if isUniqueViolation(err) {
		return types.Bus{}, fmt.Errorf("bus number %q: %w", b.Number, store.ErrConflict)
	}
	if err != nil {
		return types.Bus{}, fmt.Errorf("update bus %d: %w", b.ID, err)
	}
	if err := expectOneRow(res, "bus", b.ID); err != nil {
		return types.Bus{}, err
	}
	return b, nil
}

// DeleteBus removes the bus and its measurements in one transaction.
func (s *Store) DeleteBus(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete bus %d: begin: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM rotor_measurements WHERE bus_id = ?`, id); err != nil {
		return fmt.Errorf("delete bus %d: measurements: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM buses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bus %d: %w", id, err)
	}
	if err := expectOneRow(res, "bus", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete bus %d: commit: %w", id, err)
	}
	return nil
}

// ListMeasurements returns the bus's measurements ordered by (date, id).
func (s *Store) ListMeasurements(ctx context.Context, busID int64) ([]types.RotorMeasurement, error) {
	if _, err := getBus(ctx, s.db, busID); err != nil {
		return nil, err
	}
	return s.ListAllMeasurements(ctx, store.MeasurementFilter{BusID: busID})
}

// ListAllMeasurements returns measurements matching f ordered by (date, id).
func (s *Store) ListAllMeasurements(ctx context.Context, f store.MeasurementFilter) ([]types.RotorMeasurement, error) {
	var (
		where []string
		args  []any
	)
	if f.BusID != 0 {
		where = append(where, `bus_id = ?`)
		args = append(args, f.BusID)
	}
	if f.Position != "" {
		where = append(where, `position = ?`)
		args = append(args, string(f.Position))
	}
	query := `SELECT ` + measurementColumns + ` FROM rotor_measurements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY measurement_date, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer rows.Close()

	out := make([]types.RotorMeasurement, 0)
	for rows.Next() {
		m, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("list measurements: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	return out, nil
}

// DeleteMeasurement removes one measurement.
func (s *Store) DeleteMeasurement(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rotor_measurements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete measurement %d: %w", id, err)
	}
	return expectOneRow(res, "measurement", id)
}

// Update runs fn inside a single SQL transaction.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&tx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type tx struct {
	q queryer
}

func (t *tx) GetBus(ctx context.Context, id int64) (types.Bus, error) {
	return getBus(ctx, t.q, id)
}

func (t *tx) UpdateBusMileage(ctx context.Context, busID, mileage int64) error {
	res, err := t.q.ExecContext(ctx, `UPDATE buses SET current_mileage = MAX(current_mileage, ?) WHERE id = ?`, mileage, busID)
	if err != nil {
		return fmt.Errorf("update bus %d mileage: %w", busID, err)
	}
	return expectOneRow(res, "bus", busID)
}

func (t *tx) UpsertMeasurement(ctx context.Context, m types.RotorMeasurement) (types.RotorMeasurement, error) {
	if _, err := getBus(ctx, t.q, m.BusID); err != nil {
		return types.RotorMeasurement{}, err
	}
	m.Date = types.Date(m.Date)
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO rotor_measurements (bus_id, position, measurement_date, mileage_at_measurement, thickness_mm)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bus_id, position, measurement_date) DO UPDATE SET
			mileage_at_measurement = excluded.mileage_at_measurement,
			thickness_mm = excluded.thickness_mm
		RETURNING id`,
		m.BusID, string(m.Position), m.Date.Format(types.DateLayout), m.Mileage, m.Thickness.StringFixed(3),
	).Scan(&m.ID)
	if err != nil {
		return types.RotorMeasurement{}, fmt.Errorf("upsert measurement bus=%d position=%s date=%s: %w",
			m.BusID, m.Position, m.Date.Format(types.DateLayout), err)
	}
	return m, nil
}

func expectOneRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %d: rows affected: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)
