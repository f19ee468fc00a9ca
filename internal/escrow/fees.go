package escrow

import "github.com/shopspring/decimal"

// FeeSchedule computes the advisory service fee for a trade amount.
// Amounts under Threshold pay FlatFee; everything else pays Percentage of
// the amount. This is display data only — the engine never charges it, and
// the settled amount is whatever the gateway reports paid.
type FeeSchedule struct {
	FlatFee    decimal.Decimal
	Threshold  decimal.Decimal
	Percentage decimal.Decimal // fraction, e.g. 0.05 for 5%
}

// DefaultFeeSchedule mirrors the production defaults: $5 flat under $100,
// 5% above.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		FlatFee:    decimal.NewFromInt(5),
		Threshold:  decimal.NewFromInt(100),
		Percentage: decimal.NewFromFloat(0.05),
	}
}

// Quote returns the fee and the amount-plus-fee total.
func (f FeeSchedule) Quote(amount decimal.Decimal) (fee, total decimal.Decimal) {
	if amount.LessThan(f.Threshold) {
		fee = f.FlatFee
	} else {
		fee = amount.Mul(f.Percentage)
	}
	return fee, amount.Add(fee)
}
