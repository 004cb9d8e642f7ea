// Package reconcile matches bank payments to pilots and flags flights
// flown without a paid starting fee.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/suspectuso/cashier/internal/ledger"
	"github.com/suspectuso/cashier/internal/metrics"
)

// Options tunes the matcher
type Options struct {
	// WindowDays is the trailing window passed to the flight source.
	WindowDays int
	// GracePeriod is how long after upload an unpaid flight becomes an offense.
	GracePeriod      time.Duration
	PairingThreshold int
	AnnouncePayments bool
	Now              func() time.Time
}

// Matcher runs the transaction and flight watch cycles
type Matcher struct {
	store    ledger.Store
	payments PaymentSource
	flights  FlightSource
	notifier Notifier
	resolver *Resolver
	metrics  *metrics.Metrics
	opts     Options
	log      *slog.Logger
}

// NewMatcher creates a new Matcher. A nil m records into unregistered metrics.
func NewMatcher(store ledger.Store, payments PaymentSource, flights FlightSource, notifier Notifier, m *metrics.Metrics, opts Options, log *slog.Logger) *Matcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.Unregistered()
	}

	return &Matcher{
		store:    store,
		payments: payments,
		flights:  flights,
		notifier: notifier,
		resolver: NewResolver(opts.PairingThreshold),
		metrics:  m,
		opts:     opts,
		log:      log,
	}
}

// WatchTransactions ingests payments received since the payment watermark.
// The watermark only moves once the whole batch is stored and settled.
func (m *Matcher) WatchTransactions(ctx context.Context) error {
	watermark, err := m.store.Watermark(ctx, ledger.SourcePayments)
	if err != nil {
		return err
	}

	payments, err := m.payments.FetchPaymentsSince(ctx, watermark)
	if err != nil {
		return err
	}
	if len(payments) == 0 {
		m.log.Info("no transactions downloaded", "since", watermark)
		return nil
	}
	m.log.Info("downloaded transactions", "count", len(payments), "since", watermark)

	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].ReceivedAt.Before(payments[j].ReceivedAt)
	})

	pilots, err := m.store.PilotIDs(ctx)
	if err != nil {
		return err
	}

	latest := watermark
	for i := range payments {
		p := payments[i]
		p.PilotID = ""

		inserted, err := m.store.InsertPayment(ctx, &p)
		if err != nil {
			return fmt.Errorf("store payment %s: %w", p.ExternalID, err)
		}
		if inserted {
			m.metrics.PaymentsIngested.Inc()
			m.log.Info("payment stored",
				"payment_id", p.ExternalID,
				"amount_minor", p.AmountMinor,
				"reference", p.Reference,
			)
		}

		pilot, err := m.pilotOf(ctx, p.ExternalID, pilots)
		if err != nil {
			return fmt.Errorf("resolve payment %s: %w", p.ExternalID, err)
		}

		if pilot != "" {
			if _, err := m.settle(ctx, pilot); err != nil {
				return fmt.Errorf("settle pilot %s: %w", pilot, err)
			}
		} else {
			m.log.Debug("payment not matched to any pilot", "payment_id", p.ExternalID)
		}

		if inserted && m.opts.AnnouncePayments {
			p.PilotID = pilot
			if err := m.notifier.NotifyPayment(ctx, p); err != nil {
				m.metrics.DeliveryFailures.Inc()
				m.log.Error("announce payment", "payment_id", p.ExternalID, "error", err)
			}
		}

		if p.ReceivedAt.After(latest) {
			latest = p.ReceivedAt
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if latest.After(watermark) {
		if err := m.store.SetWatermark(ctx, ledger.SourcePayments, latest); err != nil {
			return err
		}
	}

	return nil
}

// pilotOf returns the pilot a stored payment belongs to, resolving and
// recording it when the payment has none yet.
func (m *Matcher) pilotOf(ctx context.Context, externalID string, pilots []string) (string, error) {
	stored, err := m.store.GetPayment(ctx, externalID)
	if err != nil {
		return "", err
	}
	if stored.PilotID != "" {
		return stored.PilotID, nil
	}

	pilot, ok := m.resolver.Resolve(stored.References(), pilots)
	if !ok {
		return "", nil
	}

	assigned, err := m.store.AssignPaymentPilot(ctx, externalID, pilot)
	if err != nil {
		return "", err
	}
	if !assigned {
		// paired concurrently, trust whoever won
		stored, err = m.store.GetPayment(ctx, externalID)
		if err != nil {
			return "", err
		}
		return stored.PilotID, nil
	}

	m.log.Info("payment matched", "payment_id", externalID, "pilot_id", pilot)
	return pilot, nil
}

// settle marks the pilot's unsettled flights as paid and returns how many
// flights changed. Already notified flights are promoted for record keeping;
// the notification stays sent.
func (m *Matcher) settle(ctx context.Context, pilot string) (int, error) {
	flights, err := m.store.FlightsByPilot(ctx, pilot, ledger.StatusUnknown, ledger.StatusUnpaidNotified)
	if err != nil {
		return 0, err
	}

	now := m.opts.Now()
	settled := 0
	for _, f := range flights {
		if f.UploadedAt.After(now) {
			continue
		}

		ok, err := m.store.TransitionFlight(ctx, f.FlightID, f.Status, ledger.StatusPaid)
		if err != nil {
			return settled, err
		}
		if !ok {
			continue
		}

		settled++
		m.metrics.Transitions.WithLabelValues(string(ledger.StatusPaid)).Inc()
		if f.Status == ledger.StatusUnpaidNotified {
			m.log.Info("late payment for notified flight", "flight_id", f.FlightID, "pilot_id", pilot)
		} else {
			m.log.Info("flight paid", "flight_id", f.FlightID, "pilot_id", pilot)
		}
	}

	return settled, nil
}

// WatchFlights ingests flights from the trailing window and flags the unpaid
// ones past the grace period, oldest first.
func (m *Matcher) WatchFlights(ctx context.Context) error {
	// the window is fixed; the watermark only records the newest flight seen
	watermark, err := m.store.Watermark(ctx, ledger.SourceFlights)
	if err != nil {
		return err
	}

	observed, err := m.flights.FetchFlightsWithin(ctx, m.opts.WindowDays)
	if err != nil {
		return err
	}
	m.log.Info("downloaded flights",
		"count", len(observed),
		"window_days", m.opts.WindowDays,
		"last_seen", watermark,
	)

	latest := watermark
	for i := range observed {
		f := observed[i]
		f.PilotID = Normalize(f.PilotID)
		f.Status = ledger.StatusUnknown

		inserted, err := m.store.InsertFlight(ctx, &f)
		if err != nil {
			return fmt.Errorf("store flight %s: %w", f.FlightID, err)
		}
		if inserted {
			m.metrics.FlightsIngested.Inc()
			m.log.Debug("flight stored", "flight_id", f.FlightID, "pilot_id", f.PilotID)
		}

		if f.UploadedAt.After(latest) {
			latest = f.UploadedAt
		}
	}

	pending, err := m.store.FlightsByStatus(ctx, ledger.StatusUnknown)
	if err != nil {
		return err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].UploadedAt.Equal(pending[j].UploadedAt) {
			return pending[i].FlightID < pending[j].FlightID
		}
		return pending[i].UploadedAt.Before(pending[j].UploadedAt)
	})

	unassigned, err := m.store.UnassignedPayments(ctx)
	if err != nil {
		return err
	}
	pilots, err := m.store.PilotIDs(ctx)
	if err != nil {
		return err
	}

	now := m.opts.Now()
	for _, f := range pending {
		paid, err := m.hasPayment(ctx, f.PilotID, now, pilots, &unassigned)
		if err != nil {
			return fmt.Errorf("check payment for flight %s: %w", f.FlightID, err)
		}

		if paid {
			ok, err := m.store.TransitionFlight(ctx, f.FlightID, ledger.StatusUnknown, ledger.StatusPaid)
			if err != nil {
				return err
			}
			if ok {
				m.metrics.Transitions.WithLabelValues(string(ledger.StatusPaid)).Inc()
				m.log.Info("flight paid", "flight_id", f.FlightID, "pilot_id", f.PilotID)
			}
			continue
		}

		if now.Sub(f.UploadedAt) <= m.opts.GracePeriod {
			continue
		}

		ok, err := m.store.TransitionFlight(ctx, f.FlightID, ledger.StatusUnknown, ledger.StatusUnpaidNotified)
		if err != nil {
			return err
		}
		if !ok {
			// settled by the transaction watch in the meantime
			continue
		}

		m.metrics.Transitions.WithLabelValues(string(ledger.StatusUnpaidNotified)).Inc()
		m.metrics.Offenses.Inc()
		m.log.Info("offending flight", "flight_id", f.FlightID, "pilot_id", f.PilotID, "uploaded_at", f.UploadedAt)

		offense := Offense{
			PilotID:    f.PilotID,
			PilotName:  f.PilotName,
			FlightID:   f.FlightID,
			Link:       f.Link,
			UploadedAt: f.UploadedAt,
		}
		if err := m.notifier.NotifyOffense(ctx, offense); err != nil {
			m.metrics.DeliveryFailures.Inc()
			m.log.Error("notify offense", "flight_id", f.FlightID, "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if latest.After(watermark) {
		if err := m.store.SetWatermark(ctx, ledger.SourceFlights, latest); err != nil {
			return err
		}
	}

	return nil
}

// hasPayment reports whether the pilot has a payment received at or before
// now. Unassigned payments resolving to the pilot get paired on the way.
func (m *Matcher) hasPayment(ctx context.Context, pilot string, now time.Time, pilots []string, unassigned *[]ledger.Payment) (bool, error) {
	payments, err := m.store.PaymentsByPilot(ctx, pilot, now)
	if err != nil {
		return false, err
	}
	if len(payments) > 0 {
		return true, nil
	}

	found := false
	rest := make([]ledger.Payment, 0, len(*unassigned))
	for _, p := range *unassigned {
		if found || p.ReceivedAt.After(now) {
			rest = append(rest, p)
			continue
		}

		resolved, ok := m.resolver.Resolve(p.References(), pilots)
		if !ok || resolved != pilot {
			rest = append(rest, p)
			continue
		}

		assigned, err := m.store.AssignPaymentPilot(ctx, p.ExternalID, pilot)
		if err != nil {
			return false, err
		}
		if assigned {
			found = true
			m.log.Info("payment matched", "payment_id", p.ExternalID, "pilot_id", pilot)
		}
	}
	*unassigned = rest

	if found {
		if _, err := m.settle(ctx, pilot); err != nil {
			return false, err
		}
	}
	return found, nil
}

// Pair manually associates a stored payment with a pilot and settles the
// pilot's flights. It returns the number of flights marked paid.
func (m *Matcher) Pair(ctx context.Context, paymentID, pilot string) (int, error) {
	pilot = Normalize(pilot)
	if pilot == "" {
		return 0, errors.New("empty pilot username")
	}

	p, err := m.store.GetPayment(ctx, paymentID)
	if err != nil {
		return 0, err
	}
	if p.PilotID != "" {
		return 0, fmt.Errorf("%w to %s", ErrAlreadyPaired, p.PilotID)
	}

	assigned, err := m.store.AssignPaymentPilot(ctx, paymentID, pilot)
	if err != nil {
		return 0, err
	}
	if !assigned {
		return 0, ErrAlreadyPaired
	}
	m.log.Info("payment paired manually", "payment_id", paymentID, "pilot_id", pilot)

	return m.settle(ctx, pilot)
}

// Unpaid returns the flights already reported as unpaid
func (m *Matcher) Unpaid(ctx context.Context) ([]ledger.Flight, error) {
	return m.store.FlightsByStatus(ctx, ledger.StatusUnpaidNotified)
}
