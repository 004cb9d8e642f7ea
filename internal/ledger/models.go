package ledger

import "time"

// PaymentStatus is the settlement state of a flight
type PaymentStatus string

const (
	StatusUnknown        PaymentStatus = "unknown"
	StatusPaid           PaymentStatus = "paid"
	StatusUnpaidNotified PaymentStatus = "unpaid_notified"
)

// CanTransition reports whether a flight may move from s to next.
// unpaid_notified -> paid is the late promotion for record keeping.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	switch s {
	case StatusUnknown:
		return next == StatusPaid || next == StatusUnpaidNotified
	case StatusUnpaidNotified:
		return next == StatusPaid
	default:
		return false
	}
}

// Watermark sources
const (
	SourcePayments = "fio"
	SourceFlights  = "xcontest"
)

// Payment is an incoming bank transaction
type Payment struct {
	ExternalID     string    `bson:"externalId"`
	AmountMinor    int64     `bson:"amountMinor"` // minor currency units
	Currency       string    `bson:"currency"`
	VariableSymbol string    `bson:"variableSymbol,omitempty"`
	Reference      string    `bson:"reference,omitempty"`
	Payer          string    `bson:"payer,omitempty"`
	PilotID        string    `bson:"pilotId"` // empty until resolved
	ReceivedAt     time.Time `bson:"receivedAt"`
}

// References returns the non-empty free-text fields usable for pilot matching
func (p Payment) References() []string {
	var refs []string
	for _, r := range []string{p.Reference, p.VariableSymbol} {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// Flight is a flight observed on the league's flight list
type Flight struct {
	FlightID   string        `bson:"flightId"`
	PilotID    string        `bson:"pilotId"`
	PilotName  string        `bson:"pilotName,omitempty"`
	Link       string        `bson:"link"`
	UploadedAt time.Time     `bson:"uploadedAt"`
	Status     PaymentStatus `bson:"paymentStatus"`
	UpdatedAt  time.Time     `bson:"updatedAt"`
}
