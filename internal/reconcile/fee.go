package reconcile

import "github.com/shopspring/decimal"

// FeeKind is the starting fee a payment most likely covers
type FeeKind string

const (
	FeeUnknown FeeKind = "unknown"
	FeeDaily   FeeKind = "daily"
	FeeYearly  FeeKind = "yearly"
)

// FeeSchedule holds the fee amounts in whole currency units
type FeeSchedule struct {
	Daily  decimal.Decimal
	Yearly decimal.Decimal
}

// Classify guesses the fee kind from an amount in minor units
func (s FeeSchedule) Classify(amountMinor int64) FeeKind {
	amount := decimal.New(amountMinor, -2)
	switch {
	case !s.Daily.IsZero() && amount.Equal(s.Daily):
		return FeeDaily
	case !s.Yearly.IsZero() && amount.GreaterThanOrEqual(s.Yearly):
		return FeeYearly
	default:
		return FeeUnknown
	}
}
