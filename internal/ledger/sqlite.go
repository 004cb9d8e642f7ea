package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default Store backend
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the database at dbPath
func NewSQLite(dbPath string) (*SQLite, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dbPath+sep+"_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// both watch jobs write; one connection keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			external_id TEXT PRIMARY KEY,
			amount_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			variable_symbol TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			payer TEXT NOT NULL DEFAULT '',
			pilot_id TEXT NOT NULL DEFAULT '',
			received_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_pilot_id ON payments(pilot_id)`,

		`CREATE TABLE IF NOT EXISTS flights (
			flight_id TEXT PRIMARY KEY,
			pilot_id TEXT NOT NULL,
			pilot_name TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL,
			uploaded_at INTEGER NOT NULL,
			payment_status TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flights_pilot_id ON flights(pilot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flights_status ON flights(payment_status, uploaded_at)`,

		`CREATE TABLE IF NOT EXISTS watermarks (
			source TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}

	return nil
}

// --- Payments ---

const paymentColumns = `external_id, amount_minor, currency, variable_symbol, reference, payer, pilot_id, received_at`

// InsertPayment stores a payment, returns true if it was new
func (s *SQLite) InsertPayment(ctx context.Context, p *Payment) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ExternalID, p.AmountMinor, p.Currency, p.VariableSymbol, p.Reference, p.Payer, p.PilotID,
		p.ReceivedAt.Unix(),
	)
	if err != nil {
		return false, storageErr("insert payment", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetPayment returns a payment by its bank id
func (s *SQLite) GetPayment(ctx context.Context, externalID string) (*Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_id = ?`,
		externalID,
	)
	if err != nil {
		return nil, storageErr("get payment", err)
	}

	payments, err := scanPayments(rows)
	if err != nil {
		return nil, storageErr("get payment", err)
	}
	if len(payments) == 0 {
		return nil, ErrNotFound
	}
	return &payments[0], nil
}

// AssignPaymentPilot pairs an unpaired payment with a pilot
func (s *SQLite) AssignPaymentPilot(ctx context.Context, externalID, pilotID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE payments SET pilot_id = ? WHERE external_id = ? AND pilot_id = ''",
		pilotID, externalID,
	)
	if err != nil {
		return false, storageErr("assign payment pilot", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// PaymentsByPilot returns the pilot's payments received at or before the given time
func (s *SQLite) PaymentsByPilot(ctx context.Context, pilotID string, receivedBefore time.Time) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE pilot_id = ? AND received_at <= ? ORDER BY received_at`,
		pilotID, receivedBefore.Unix(),
	)
	if err != nil {
		return nil, storageErr("payments by pilot", err)
	}

	payments, err := scanPayments(rows)
	if err != nil {
		return nil, storageErr("payments by pilot", err)
	}
	return payments, nil
}

// UnassignedPayments returns payments not yet paired with a pilot
func (s *SQLite) UnassignedPayments(ctx context.Context) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE pilot_id = '' ORDER BY received_at`,
	)
	if err != nil {
		return nil, storageErr("unassigned payments", err)
	}

	payments, err := scanPayments(rows)
	if err != nil {
		return nil, storageErr("unassigned payments", err)
	}
	return payments, nil
}

func scanPayments(rows *sql.Rows) ([]Payment, error) {
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		var receivedAt int64

		err := rows.Scan(&p.ExternalID, &p.AmountMinor, &p.Currency, &p.VariableSymbol,
			&p.Reference, &p.Payer, &p.PilotID, &receivedAt)
		if err != nil {
			return nil, err
		}

		p.ReceivedAt = time.Unix(receivedAt, 0).UTC()
		payments = append(payments, p)
	}

	return payments, rows.Err()
}

// --- Flights ---

const flightColumns = `flight_id, pilot_id, pilot_name, link, uploaded_at, payment_status, updated_at`

// InsertFlight stores a flight, returns true if it was new
func (s *SQLite) InsertFlight(ctx context.Context, f *Flight) (bool, error) {
	status := f.Status
	if status == "" {
		status = StatusUnknown
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO flights (`+flightColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.FlightID, f.PilotID, f.PilotName, f.Link, f.UploadedAt.Unix(), string(status), time.Now().Unix(),
	)
	if err != nil {
		return false, storageErr("insert flight", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// GetFlight returns a flight by id
func (s *SQLite) GetFlight(ctx context.Context, flightID string) (*Flight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE flight_id = ?`,
		flightID,
	)
	if err != nil {
		return nil, storageErr("get flight", err)
	}

	flights, err := scanFlights(rows)
	if err != nil {
		return nil, storageErr("get flight", err)
	}
	if len(flights) == 0 {
		return nil, ErrNotFound
	}
	return &flights[0], nil
}

// TransitionFlight compare-and-sets the payment status of a flight
func (s *SQLite) TransitionFlight(ctx context.Context, flightID string, from, to PaymentStatus) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE flights SET payment_status = ?, updated_at = ? WHERE flight_id = ? AND payment_status = ?",
		string(to), time.Now().Unix(), flightID, string(from),
	)
	if err != nil {
		return false, storageErr("transition flight", err)
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// FlightsByPilot returns the pilot's flights, optionally filtered by status
func (s *SQLite) FlightsByPilot(ctx context.Context, pilotID string, statuses ...PaymentStatus) ([]Flight, error) {
	query := `SELECT ` + flightColumns + ` FROM flights WHERE pilot_id = ?`
	args := []any{pilotID}
	if len(statuses) > 0 {
		query += " AND payment_status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY uploaded_at, flight_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("flights by pilot", err)
	}

	flights, err := scanFlights(rows)
	if err != nil {
		return nil, storageErr("flights by pilot", err)
	}
	return flights, nil
}

// FlightsByStatus returns all flights in a status, oldest first
func (s *SQLite) FlightsByStatus(ctx context.Context, status PaymentStatus) ([]Flight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE payment_status = ? ORDER BY uploaded_at, flight_id`,
		string(status),
	)
	if err != nil {
		return nil, storageErr("flights by status", err)
	}

	flights, err := scanFlights(rows)
	if err != nil {
		return nil, storageErr("flights by status", err)
	}
	return flights, nil
}

// PilotIDs returns every pilot seen on a flight
func (s *SQLite) PilotIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT pilot_id FROM flights ORDER BY pilot_id")
	if err != nil {
		return nil, storageErr("pilot ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("pilot ids", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("pilot ids", err)
	}
	return ids, nil
}

func scanFlights(rows *sql.Rows) ([]Flight, error) {
	defer rows.Close()

	var flights []Flight
	for rows.Next() {
		var f Flight
		var uploadedAt, updatedAt int64
		var status string

		err := rows.Scan(&f.FlightID, &f.PilotID, &f.PilotName, &f.Link, &uploadedAt, &status, &updatedAt)
		if err != nil {
			return nil, err
		}

		f.UploadedAt = time.Unix(uploadedAt, 0).UTC()
		f.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		f.Status = PaymentStatus(status)
		flights = append(flights, f)
	}

	return flights, rows.Err()
}

// --- Watermarks ---

// Watermark returns the last committed position of a source
func (s *SQLite) Watermark(ctx context.Context, source string) (time.Time, error) {
	var position int64
	err := s.db.QueryRowContext(ctx,
		"SELECT position FROM watermarks WHERE source = ?",
		source,
	).Scan(&position)

	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("get watermark", err)
	}
	return time.Unix(position, 0).UTC(), nil
}

// SetWatermark commits the position of a source
func (s *SQLite) SetWatermark(ctx context.Context, source string, position time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks (source, position, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at`,
		source, position.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return storageErr("set watermark", err)
	}
	return nil
}
