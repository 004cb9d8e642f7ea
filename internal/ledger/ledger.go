// Package ledger persists payments, flights and per-source watermarks.
//
// Two backends implement Store: SQLite (the default) and MongoDB. Both give
// insert-if-absent semantics keyed by the external identifiers and
// compare-and-set updates for every field mutated after creation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStorage           = errors.New("storage failure")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable state shared by the watch jobs
type Store interface {
	// InsertPayment stores p unless a payment with the same ExternalID exists.
	InsertPayment(ctx context.Context, p *Payment) (bool, error)
	GetPayment(ctx context.Context, externalID string) (*Payment, error)
	// AssignPaymentPilot sets the pilot of a payment that has none yet.
	AssignPaymentPilot(ctx context.Context, externalID, pilotID string) (bool, error)
	PaymentsByPilot(ctx context.Context, pilotID string, receivedBefore time.Time) ([]Payment, error)
	UnassignedPayments(ctx context.Context) ([]Payment, error)

	// InsertFlight stores f unless a flight with the same FlightID exists.
	InsertFlight(ctx context.Context, f *Flight) (bool, error)
	GetFlight(ctx context.Context, flightID string) (*Flight, error)
	// TransitionFlight moves a flight from one status to another only if it
	// is currently in the from status.
	TransitionFlight(ctx context.Context, flightID string, from, to PaymentStatus) (bool, error)
	FlightsByPilot(ctx context.Context, pilotID string, statuses ...PaymentStatus) ([]Flight, error)
	FlightsByStatus(ctx context.Context, status PaymentStatus) ([]Flight, error)
	PilotIDs(ctx context.Context) ([]string, error)

	// Watermark returns the zero time when the source has never been committed.
	Watermark(ctx context.Context, source string) (time.Time, error)
	SetWatermark(ctx context.Context, source string, position time.Time) error

	Close() error
}

// Open picks the backend from the connection string.
// mongodb:// and mongodb+srv:// select MongoDB, anything else is a SQLite path
// optionally prefixed with sqlite:// or file:.
func Open(ctx context.Context, dsn, mongoDatabase string) (Store, error) {
	switch {
	case dsn == "":
		return nil, errors.New("empty storage connection string")
	case strings.HasPrefix(dsn, "mongodb://"), strings.HasPrefix(dsn, "mongodb+srv://"):
		return NewMongo(ctx, dsn, mongoDatabase)
	default:
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "file:")
		return NewSQLite(path)
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func checkTransition(from, to PaymentStatus) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
