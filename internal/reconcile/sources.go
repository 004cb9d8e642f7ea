package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/suspectuso/cashier/internal/ledger"
)

var (
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrAlreadyPaired     = errors.New("payment already paired")
)

// PaymentSource yields incoming bank payments
type PaymentSource interface {
	FetchPaymentsSince(ctx context.Context, watermark time.Time) ([]ledger.Payment, error)
}

// FlightSource yields flights uploaded within the last windowDays days
type FlightSource interface {
	FetchFlightsWithin(ctx context.Context, windowDays int) ([]ledger.Flight, error)
}

// Offense is a flight flown without a matched payment past the grace period
type Offense struct {
	PilotID    string
	PilotName  string
	FlightID   string
	Link       string
	UploadedAt time.Time
}

// Notifier delivers alerts to the responsible chat
type Notifier interface {
	NotifyOffense(ctx context.Context, offense Offense) error
	NotifyPayment(ctx context.Context, payment ledger.Payment) error
}
