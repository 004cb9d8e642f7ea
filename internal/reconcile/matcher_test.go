package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/suspectuso/cashier/internal/ledger"
	"github.com/suspectuso/cashier/internal/metrics"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakePayments struct {
	mu    sync.Mutex
	batch []ledger.Payment
	err   error
	since []time.Time
}

func (f *fakePayments) FetchPaymentsSince(_ context.Context, watermark time.Time) ([]ledger.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.since = append(f.since, watermark)
	if f.err != nil {
		return nil, f.err
	}
	return append([]ledger.Payment(nil), f.batch...), nil
}

type fakeFlights struct {
	batch []ledger.Flight
	err   error
}

func (f *fakeFlights) FetchFlightsWithin(_ context.Context, _ int) ([]ledger.Flight, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]ledger.Flight(nil), f.batch...), nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	offenses []Offense
	payments []ledger.Payment
	err      error
}

func (n *fakeNotifier) NotifyOffense(_ context.Context, o Offense) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.offenses = append(n.offenses, o)
	return n.err
}

func (n *fakeNotifier) NotifyPayment(_ context.Context, p ledger.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.payments = append(n.payments, p)
	return n.err
}

// cancellingStore cancels the invocation right after the nth insert
type cancellingStore struct {
	ledger.Store
	cancel context.CancelFunc
	after  int
	calls  int
}

func (s *cancellingStore) inserted() {
	s.calls++
	if s.calls == s.after {
		s.cancel()
	}
}

func (s *cancellingStore) InsertPayment(ctx context.Context, p *ledger.Payment) (bool, error) {
	ok, err := s.Store.InsertPayment(ctx, p)
	s.inserted()
	return ok, err
}

func (s *cancellingStore) InsertFlight(ctx context.Context, f *ledger.Flight) (bool, error) {
	ok, err := s.Store.InsertFlight(ctx, f)
	s.inserted()
	return ok, err
}

// failingStore fails the nth InsertPayment call
type failingStore struct {
	ledger.Store
	failAt int
	calls  int
}

func (s *failingStore) InsertPayment(ctx context.Context, p *ledger.Payment) (bool, error) {
	s.calls++
	if s.calls == s.failAt {
		return false, ledger.ErrStorage
	}
	return s.Store.InsertPayment(ctx, p)
}

type fixture struct {
	store    ledger.Store
	payments *fakePayments
	flights  *fakeFlights
	notifier *fakeNotifier
	opts     Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := ledger.NewSQLite(filepath.Join(t.TempDir(), "cashier.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return &fixture{
		store:    store,
		payments: &fakePayments{},
		flights:  &fakeFlights{},
		notifier: &fakeNotifier{},
		opts: Options{
			WindowDays:       3,
			GracePeriod:      24 * time.Hour,
			PairingThreshold: 90,
			Now:              func() time.Time { return now },
		},
	}
}

func (f *fixture) matcher() *Matcher {
	return f.matcherWith(f.store)
}

func (f *fixture) matcherWith(store ledger.Store) *Matcher {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New("test", prometheus.NewRegistry())
	return NewMatcher(store, f.payments, f.flights, f.notifier, m, f.opts, log)
}

func (f *fixture) status(t *testing.T, flightID string) ledger.PaymentStatus {
	t.Helper()

	fl, err := f.store.GetFlight(context.Background(), flightID)
	if err != nil {
		t.Fatalf("GetFlight(%s) failed: %v", flightID, err)
	}
	return fl.Status
}

func flight(id, pilot string, uploadedAt time.Time) ledger.Flight {
	return ledger.Flight{
		FlightID:   id,
		PilotID:    pilot,
		PilotName:  pilot,
		Link:       "https://www.xcontest.org/" + id,
		UploadedAt: uploadedAt,
	}
}

func payment(id, vs string, receivedAt time.Time) ledger.Payment {
	return ledger.Payment{
		ExternalID:     id,
		AmountMinor:    5000,
		Currency:       "CZK",
		VariableSymbol: vs,
		ReceivedAt:     receivedAt,
	}
}

func TestPaymentBeforeFlightIsPaidWithoutNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	t0 := now.Add(-2 * time.Hour)
	f.payments.batch = []ledger.Payment{payment("P1", "JOHN123", t0)}
	if err := m.WatchTransactions(ctx); err != nil {
		t.Fatalf("WatchTransactions failed: %v", err)
	}

	// the flight was uploaded before the payment and is already past grace
	f.opts.GracePeriod = 0
	m = f.matcher()
	f.flights.batch = []ledger.Flight{flight("F1", "JOHN123", t0.Add(-time.Hour))}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	if got := f.status(t, "F1"); got != ledger.StatusPaid {
		t.Errorf("F1 status = %s, want paid", got)
	}
	if len(f.notifier.offenses) != 0 {
		t.Errorf("offenses = %v, want none", f.notifier.offenses)
	}

	p, err := f.store.GetPayment(ctx, "P1")
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if p.PilotID != "john123" {
		t.Errorf("P1 pilot = %q, want john123", p.PilotID)
	}
}

func TestOldUnpaidFlightNotifiedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.opts.GracePeriod = 30 * 24 * time.Hour
	m := f.matcher()

	uploaded := now.Add(-40 * 24 * time.Hour)
	f.flights.batch = []ledger.Flight{flight("F2", "ALICE", uploaded)}

	for i := 0; i < 3; i++ {
		if err := m.WatchFlights(ctx); err != nil {
			t.Fatalf("WatchFlights #%d failed: %v", i, err)
		}
	}

	if got := f.status(t, "F2"); got != ledger.StatusUnpaidNotified {
		t.Errorf("F2 status = %s, want unpaid_notified", got)
	}
	if len(f.notifier.offenses) != 1 {
		t.Fatalf("offenses = %d, want 1", len(f.notifier.offenses))
	}

	o := f.notifier.offenses[0]
	if o.PilotID != "alice" || !o.UploadedAt.Equal(uploaded) {
		t.Errorf("offense = %+v, want alice at %v", o, uploaded)
	}
}

func TestFlightWithinGraceIsNotNotified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	f.flights.batch = []ledger.Flight{flight("F3", "bob", now.Add(-time.Hour))}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	if got := f.status(t, "F3"); got != ledger.StatusUnknown {
		t.Errorf("F3 status = %s, want unknown", got)
	}
	if len(f.notifier.offenses) != 0 {
		t.Errorf("offenses = %d, want 0", len(f.notifier.offenses))
	}
}

func TestOffensesOrderedByUploadTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	day1 := now.Add(-5 * 24 * time.Hour)
	day2 := now.Add(-4 * 24 * time.Hour)
	f.flights.batch = []ledger.Flight{
		flight("F-late", "carol", day2),
		flight("F-early", "dave", day1),
	}

	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	if len(f.notifier.offenses) != 2 {
		t.Fatalf("offenses = %d, want 2", len(f.notifier.offenses))
	}
	if f.notifier.offenses[0].FlightID != "F-early" || f.notifier.offenses[1].FlightID != "F-late" {
		t.Errorf("order = %s, %s; want F-early, F-late",
			f.notifier.offenses[0].FlightID, f.notifier.offenses[1].FlightID)
	}
}

func TestDeliveryFailureDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.err = ErrDeliveryFailed
	m := f.matcher()

	f.flights.batch = []ledger.Flight{
		flight("F1", "erin", now.Add(-72*time.Hour)),
		flight("F2", "frank", now.Add(-48*time.Hour)),
	}

	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	for _, id := range []string{"F1", "F2"} {
		if got := f.status(t, id); got != ledger.StatusUnpaidNotified {
			t.Errorf("%s status = %s, want unpaid_notified", id, got)
		}
	}
	if len(f.notifier.offenses) != 2 {
		t.Errorf("notify attempts = %d, want 2", len(f.notifier.offenses))
	}

	// a failed delivery is not retried on the next tick
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("second WatchFlights failed: %v", err)
	}
	if len(f.notifier.offenses) != 2 {
		t.Errorf("notify attempts after second tick = %d, want 2", len(f.notifier.offenses))
	}
}

func TestTransactionWatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.opts.AnnouncePayments = true
	m := f.matcher()

	f.flights.batch = []ledger.Flight{flight("F1", "john123", now.Add(-3*time.Hour))}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	f.payments.batch = []ledger.Payment{payment("P1", "john123", now.Add(-time.Hour))}
	for i := 0; i < 2; i++ {
		if err := m.WatchTransactions(ctx); err != nil {
			t.Fatalf("WatchTransactions #%d failed: %v", i, err)
		}
	}

	if got := f.status(t, "F1"); got != ledger.StatusPaid {
		t.Errorf("F1 status = %s, want paid", got)
	}
	if len(f.notifier.payments) != 1 {
		t.Errorf("payment announcements = %d, want 1", len(f.notifier.payments))
	}
	if f.notifier.payments[0].PilotID != "john123" {
		t.Errorf("announced pilot = %q, want john123", f.notifier.payments[0].PilotID)
	}

	unassigned, err := f.store.UnassignedPayments(ctx)
	if err != nil {
		t.Fatalf("UnassignedPayments failed: %v", err)
	}
	if len(unassigned) != 0 {
		t.Errorf("unassigned = %d, want 0", len(unassigned))
	}
}

func TestUnresolvedPaymentIsStoredButNotMatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	f.flights.batch = []ledger.Flight{flight("F1", "john123", now.Add(-3*time.Hour))}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	received := now.Add(-time.Hour)
	f.payments.batch = []ledger.Payment{payment("P9", "nobody-at-all", received)}
	if err := m.WatchTransactions(ctx); err != nil {
		t.Fatalf("WatchTransactions failed: %v", err)
	}

	p, err := f.store.GetPayment(ctx, "P9")
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if p.PilotID != "" {
		t.Errorf("P9 pilot = %q, want none", p.PilotID)
	}
	if got := f.status(t, "F1"); got != ledger.StatusUnknown {
		t.Errorf("F1 status = %s, want unknown", got)
	}

	wm, err := f.store.Watermark(ctx, ledger.SourcePayments)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !wm.Equal(received) {
		t.Errorf("watermark = %v, want %v", wm, received)
	}
}

func TestSourceUnavailableKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	f.payments.err = ErrSourceUnavailable
	if err := m.WatchTransactions(ctx); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("WatchTransactions error = %v, want ErrSourceUnavailable", err)
	}

	f.flights.err = ErrSourceUnavailable
	if err := m.WatchFlights(ctx); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("WatchFlights error = %v, want ErrSourceUnavailable", err)
	}

	for _, source := range []string{ledger.SourcePayments, ledger.SourceFlights} {
		wm, err := f.store.Watermark(ctx, source)
		if err != nil {
			t.Fatalf("Watermark(%s) failed: %v", source, err)
		}
		if !wm.IsZero() {
			t.Errorf("watermark %s = %v, want zero", source, wm)
		}
	}
}

func TestStorageFailureRetriesToSameState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.flights.batch = []ledger.Flight{
		flight("F1", "john123", now.Add(-5*time.Hour)),
		flight("F2", "alice", now.Add(-5*time.Hour)),
	}
	if err := f.matcher().WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	f.payments.batch = []ledger.Payment{
		payment("P1", "john123", now.Add(-3*time.Hour)),
		payment("P2", "alice", now.Add(-2*time.Hour)),
	}

	broken := &failingStore{Store: f.store, failAt: 2}
	err := f.matcherWith(broken).WatchTransactions(ctx)
	if !errors.Is(err, ledger.ErrStorage) {
		t.Fatalf("WatchTransactions error = %v, want ErrStorage", err)
	}

	wm, err := f.store.Watermark(ctx, ledger.SourcePayments)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !wm.IsZero() {
		t.Fatalf("watermark advanced to %v after failed batch", wm)
	}

	if err := f.matcher().WatchTransactions(ctx); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	for _, id := range []string{"F1", "F2"} {
		if got := f.status(t, id); got != ledger.StatusPaid {
			t.Errorf("%s status = %s, want paid", id, got)
		}
	}

	wm, err = f.store.Watermark(ctx, ledger.SourcePayments)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if want := now.Add(-2 * time.Hour); !wm.Equal(want) {
		t.Errorf("watermark = %v, want %v", wm, want)
	}
	if len(f.payments.since) != 2 || !f.payments.since[1].IsZero() {
		t.Errorf("retry fetched since %v, want zero watermark", f.payments.since)
	}
}

func TestLatePaymentPromotesNotifiedFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	f.flights.batch = []ledger.Flight{flight("F1", "greta", now.Add(-48*time.Hour))}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}
	if got := f.status(t, "F1"); got != ledger.StatusUnpaidNotified {
		t.Fatalf("F1 status = %s, want unpaid_notified", got)
	}

	f.payments.batch = []ledger.Payment{payment("P1", "Greta", now.Add(-time.Minute))}
	if err := m.WatchTransactions(ctx); err != nil {
		t.Fatalf("WatchTransactions failed: %v", err)
	}

	if got := f.status(t, "F1"); got != ledger.StatusPaid {
		t.Errorf("F1 status = %s, want paid", got)
	}
	if len(f.notifier.offenses) != 1 {
		t.Errorf("offenses = %d, want 1", len(f.notifier.offenses))
	}

	// a paid flight observed again never returns to unknown
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}
	if got := f.status(t, "F1"); got != ledger.StatusPaid {
		t.Errorf("F1 status after re-observation = %s, want paid", got)
	}
}

func TestFuturePaymentDoesNotSettleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	f.payments.batch = []ledger.Payment{payment("P1", "henry", now.Add(time.Hour))}
	if err := m.WatchTransactions(ctx); err != nil {
		t.Fatalf("WatchTransactions failed: %v", err)
	}

	f.flights.batch = []ledger.Flight{flight("F1", "henry", now.Add(-time.Hour))}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	if got := f.status(t, "F1"); got != ledger.StatusUnknown {
		t.Errorf("F1 status = %s, want unknown", got)
	}
}

func TestPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := f.matcher()

	f.flights.batch = []ledger.Flight{
		flight("F1", "ivan", now.Add(-48*time.Hour)),
		flight("F2", "ivan", now.Add(-2*time.Hour)),
	}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	f.payments.batch = []ledger.Payment{payment("P1", "", now.Add(-time.Hour))}
	if err := m.WatchTransactions(ctx); err != nil {
		t.Fatalf("WatchTransactions failed: %v", err)
	}

	unpaid, err := m.Unpaid(ctx)
	if err != nil {
		t.Fatalf("Unpaid failed: %v", err)
	}
	if len(unpaid) != 1 || unpaid[0].FlightID != "F1" {
		t.Fatalf("unpaid = %+v, want F1", unpaid)
	}

	settled, err := m.Pair(ctx, "P1", " IVAN ")
	if err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	if settled != 2 {
		t.Errorf("settled = %d, want 2", settled)
	}

	if _, err := m.Pair(ctx, "P1", "someone"); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("second Pair error = %v, want ErrAlreadyPaired", err)
	}
	if _, err := m.Pair(ctx, "missing", "ivan"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Pair of missing payment error = %v, want ErrNotFound", err)
	}

	unpaid, err = m.Unpaid(ctx)
	if err != nil {
		t.Fatalf("Unpaid failed: %v", err)
	}
	if len(unpaid) != 0 {
		t.Errorf("unpaid after pairing = %d, want 0", len(unpaid))
	}
}

func TestCancelledWatchKeepsWatermark(t *testing.T) {
	t.Run("transactions", func(t *testing.T) {
		f := newFixture(t)

		first := now.Add(-10 * time.Hour)
		f.payments.batch = []ledger.Payment{payment("P0", "", first)}
		if err := f.matcher().WatchTransactions(context.Background()); err != nil {
			t.Fatalf("WatchTransactions failed: %v", err)
		}

		f.payments.batch = []ledger.Payment{
			payment("P0", "", first),
			payment("P1", "", now.Add(-5*time.Hour)),
			payment("P2", "", now.Add(-time.Hour)),
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := &cancellingStore{Store: f.store, cancel: cancel, after: 2}

		err := f.matcherWith(store).WatchTransactions(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WatchTransactions error = %v, want context.Canceled", err)
		}

		wm, err := f.store.Watermark(context.Background(), ledger.SourcePayments)
		if err != nil {
			t.Fatalf("Watermark failed: %v", err)
		}
		if !wm.Equal(first) {
			t.Errorf("watermark = %v, want %v", wm, first)
		}
	})

	t.Run("flights", func(t *testing.T) {
		f := newFixture(t)
		f.flights.batch = []ledger.Flight{
			flight("F1", "john123", now.Add(-48*time.Hour)),
			flight("F2", "alice", now.Add(-30*time.Hour)),
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := &cancellingStore{Store: f.store, cancel: cancel, after: 1}

		err := f.matcherWith(store).WatchFlights(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WatchFlights error = %v, want context.Canceled", err)
		}

		wm, err := f.store.Watermark(context.Background(), ledger.SourceFlights)
		if err != nil {
			t.Fatalf("Watermark failed: %v", err)
		}
		if !wm.IsZero() {
			t.Errorf("watermark = %v, want zero", wm)
		}
		if len(f.notifier.offenses) != 0 {
			t.Errorf("offenses = %d, want 0 from a cancelled run", len(f.notifier.offenses))
		}
	})
}

func TestConcurrentWatchesNotifyEachFlightOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const pilots = 10
	for i := 0; i < pilots; i++ {
		pilot := fmt.Sprintf("pilot%02d", i)
		f.flights.batch = append(f.flights.batch,
			flight("F"+pilot, pilot, now.Add(-48*time.Hour+time.Duration(i)*time.Minute)))
		if i%2 == 1 {
			f.payments.batch = append(f.payments.batch,
				payment("P"+pilot, pilot, now.Add(-time.Hour+time.Duration(i)*time.Minute)))
		}
	}

	m := f.matcher()
	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		errs := make(chan error, 2)

		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- m.WatchTransactions(ctx)
		}()
		go func() {
			defer wg.Done()
			errs <- m.WatchFlights(ctx)
		}()
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: watch failed: %v", round, err)
			}
		}
	}

	notified := map[string]int{}
	for _, o := range f.notifier.offenses {
		notified[o.FlightID]++
	}

	for i := 0; i < pilots; i++ {
		id := fmt.Sprintf("Fpilot%02d", i)
		if notified[id] > 1 {
			t.Errorf("%s notified %d times", id, notified[id])
		}

		got := f.status(t, id)
		switch {
		case got == ledger.StatusUnknown:
			t.Errorf("%s left unknown", id)
		case i%2 == 1 && got != ledger.StatusPaid:
			t.Errorf("%s status = %s, want paid", id, got)
		case i%2 == 0 && (got != ledger.StatusUnpaidNotified || notified[id] != 1):
			t.Errorf("%s status = %s notified %d times, want unpaid_notified once", id, got, notified[id])
		}
	}
}

func TestWatchFlightsLogsLastSeenFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var buf bytes.Buffer
	m := NewMatcher(f.store, f.payments, f.flights, f.notifier, nil, f.opts, slog.New(slog.NewTextHandler(&buf, nil)))

	newest := time.Date(2024, 5, 31, 7, 30, 0, 0, time.UTC)
	f.flights.batch = []ledger.Flight{
		flight("F1", "john123", newest.Add(-time.Hour)),
		flight("F2", "alice", newest),
	}
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("WatchFlights failed: %v", err)
	}

	buf.Reset()
	if err := m.WatchFlights(ctx); err != nil {
		t.Fatalf("second WatchFlights failed: %v", err)
	}
	if want := "last_seen=" + newest.Format("2006-01-02T15:04"); !strings.Contains(buf.String(), want) {
		t.Errorf("log %q does not contain %q", buf.String(), want)
	}
}

func TestPairWithoutMetrics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMatcher(f.store, f.payments, f.flights, f.notifier, nil, f.opts, log)

	f.payments.batch = []ledger.Payment{payment("P1", "", now.Add(-time.Hour))}
	if err := m.WatchTransactions(ctx); err != nil {
		t.Fatalf("WatchTransactions failed: %v", err)
	}
	if _, err := m.Pair(ctx, "P1", "ivan"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
}
