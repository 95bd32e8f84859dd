// Package postgres provides a PostgreSQL-backed store.Store on a pgx
// connection pool. The schema is created on Open if it does not exist.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const connectTimeout = 10 * time.Second

const busColumns = `id, bus_number, bus_type, location, current_mileage, is_articulating, min_rotor_thickness::text`

const measurementColumns = `id, bus_id, position, measurement_date, mileage_at_measurement, thickness_mm::text`

// Store persists buses and rotor measurements in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres store: dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = connectTimeout

	ctxTimeout, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctxTimeout, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctxTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := pool.Exec(ctxTimeout, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: apply schema: %w", err)
	}

	slog.Info("postgres store: connected",
		"host", cfg.ConnConfig.Host,
		"port", cfg.ConnConfig.Port,
		"database", cfg.ConnConfig.Database,
	)
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanBus(row pgx.Row) (types.Bus, error) {
	var (
		b      types.Bus
		minStr string
	)
	if err := row.Scan(&b.ID, &b.Number, &b.Type, &b.Location, &b.CurrentMileage, &b.Articulated, &minStr); err != nil {
		return types.Bus{}, err
	}
	minThickness, err := decimal.NewFromString(minStr)
	if err != nil {
		return types.Bus{}, fmt.Errorf("bus %d: min_rotor_thickness %q: %w", b.ID, minStr, err)
	}
	b.MinRotorThickness = minThickness
	return b, nil
}

func scanMeasurement(row pgx.Row) (types.RotorMeasurement, error) {
	var (
		m            types.RotorMeasurement
		position     string
		thicknessStr string
	)
	if err := row.Scan(&m.ID, &m.BusID, &position, &m.Date, &m.Mileage, &thicknessStr); err != nil {
		return types.RotorMeasurement{}, err
	}
	th, err := decimal.NewFromString(thicknessStr)
	if err != nil {
		return types.RotorMeasurement{}, fmt.Errorf("measurement %d: thickness %q: %w", m.ID, thicknessStr, err)
	}
	m.Position = types.Position(position)
	m.Date = types.Date(m.Date)
	m.Thickness = th
	return m, nil
}

func getBus(ctx context.Context, q querier, id int64) (types.Bus, error) {
	b, err := scanBus(q.QueryRow(ctx, `SELECT `+busColumns+` FROM buses WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		p := arg("%" + q + "%")
		where = append(where, fmt.Sprintf(`(bus_number ILIKE %s OR location ILIKE %s OR bus_type ILIKE %s)`, p, p, p))
	}
	if f.Location != "" {
		where = append(where, `lower(location) = lower(`+arg(f.Location)+`)`)
	}
	if f.Articulated != nil {
		where = append(where, `is_articulating = `+arg(*f.Articulated))
	}
	query := `SELECT ` + busColumns + ` FROM buses`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY bus_number COLLATE "C"`

	rows, err := s.pool.Query(ctx, query, args...)
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
	return getBus(ctx, s.pool, id)
}

// CreateBus inserts b and returns it with its assigned ID.
func (s *Store) CreateBus(ctx context.Context, b types.Bus) (types.Bus, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO buses (bus_number, bus_type, location, current_mileage, is_articulating, min_rotor_thickness)
		VALUES ($1, $2, $3, $4, $5, $6::numeric)
		RETURNING id`,
		b.Number, b.Type, b.Location, b.CurrentMileage, b.Articulated, b.MinRotorThickness.StringFixed(2),
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE buses SET bus_number = $1, bus_type = $2, location = $3, current_mileage = $4,
			is_articulating = $5, min_rotor_thickness = $6::numeric
		WHERE id = $7`,
		b.Number, b.Type, b.Location, b.CurrentMileage, b.Articulated, b.MinRotorThickness.StringFixed(2), b.ID,
	)
	if isUniqueViolation(err) {
		return types.Bus{}, fmt.Errorf("bus number %q: %w", b.Number, store.ErrConflict)
	}
	if err != nil {
		return types.Bus{}, fmt.Errorf("update bus %d: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return types.Bus{}, fmt.Errorf("bus %d: %w", b.ID, store.ErrNotFound)
	}
	return b, nil
}

// DeleteBus removes the bus; measurements follow through ON DELETE CASCADE.
func (s *Store) DeleteBus(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM buses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bus %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bus %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListMeasurements returns the bus's measurements ordered by (date, id).
func (s *Store) ListMeasurements(ctx context.Context, busID int64) ([]types.RotorMeasurement, error) {
	if _, err := getBus(ctx, s.pool, busID); err != nil {
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
		args = append(args, f.BusID)
		where = append(where, fmt.Sprintf(`bus_id = $%d`, len(args)))
	}
	if f.Position != "" {
		args = append(args, string(f.Position))
		where = append(where, fmt.Sprintf(`position = $%d`, len(args)))
	}
	query := `SELECT ` + measurementColumns + ` FROM rotor_measurements`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY measurement_date, id`

	rows, err := s.pool.Query(ctx, query, args...)
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM rotor_measurements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete measurement %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("measurement %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// Update runs fn inside a single transaction.
func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type tx struct {
	q querier
}

// GetBus locks the bus row until the transaction ends, so concurrent
// read-then-write units on one bus run one after another.
func (t *tx) GetBus(ctx context.Context, id int64) (types.Bus, error) {
	b, err := scanBus(t.q.QueryRow(ctx, `SELECT `+busColumns+` FROM buses WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Bus{}, fmt.Errorf("bus %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return types.Bus{}, fmt.Errorf("get bus %d: %w", id, err)
	}
	return b, nil
}

func (t *tx) UpdateBusMileage(ctx context.Context, busID, mileage int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE buses SET current_mileage = GREATEST(current_mileage, $1) WHERE id = $2`, mileage, busID)
	if err != nil {
		return fmt.Errorf("update bus %d mileage: %w", busID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bus %d: %w", busID, store.ErrNotFound)
	}
	return nil
}

func (t *tx) UpsertMeasurement(ctx context.Context, m types.RotorMeasurement) (types.RotorMeasurement, error) {
	if _, err := getBus(ctx, t.q, m.BusID); err != nil {
		return types.RotorMeasurement{}, err
	}
	m.Date = types.Date(m.Date)
	err := t.q.QueryRow(ctx, `
		INSERT INTO rotor_measurements (bus_id, position, measurement_date, mileage_at_measurement, thickness_mm)
		VALUES ($1, $2, $3::date, $4, $5::numeric)
		ON CONFLICT (bus_id, position, measurement_date) DO UPDATE SET
			mileage_at_measurement = EXCLUDED.mileage_at_measurement,
			thickness_mm = EXCLUDED.thickness_mm
		RETURNING id`,
		m.BusID, string(m.Position), m.Date.Format(types.DateLayout), m.Mileage, m.Thickness.StringFixed(3),
	).Scan(&m.ID)
	if err != nil {
		return types.RotorMeasurement{}, fmt.Errorf("upsert measurement bus=%d position=%s date=%s: %w",
			m.BusID, m.Position, m.Date.Format(types.DateLayout), err)
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ store.Store = (*Store)(nil)
