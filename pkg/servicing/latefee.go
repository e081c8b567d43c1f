package servicing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/money"
)

// dateOf truncates a timestamp to its UTC calendar date.
func dateOf(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// daysBetween counts whole calendar days from a to b (zero when b <= a).
func daysBetween(a, b time.Time) int {
	d := int(dateOf(b).Sub(dateOf(a)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// pastGrace reports whether asOf is beyond the due date plus grace period.
func (e *Engine) pastGrace(dueDate, asOf time.Time) bool {
	return daysBetween(dueDate, asOf) > e.cfg.FeePolicy.GraceDays
}

// ComputeLateFee returns the late fee accrued on an installment as of the
// given date under the policy. The fee is simple, not compounding: outstanding
// scheduled capital+interest times the daily rate times days late, counted
// from the end of the grace period. Recomputing for the same date yields the
// same fee, so batch runs can safely repeat.
func ComputeLateFee(inst *models.Installment, asOf time.Time, policy models.FeePolicy) decimal.Decimal {
	if policy.Type != models.FeePercentageDaily {
		return decimal.Zero
	}
	daysLate := daysBetween(inst.DueDate, asOf) - policy.GraceDays
	if daysLate <= 0 {
		return decimal.Zero
	}
	base := inst.OutstandingCapital().Add(inst.OutstandingInterest())
	if !base.IsPositive() {
		return decimal.Zero
	}
	fee := base.Mul(policy.Value).Mul(decimal.NewFromInt(int64(daysLate)))
	return money.RoundCents(fee)
}

// refreshLateFees recomputes the accrued fee on every unsettled installment
// as of the given date, replacing (never stacking) the previous value.
// It returns the installments whose accrual changed and the total fee now
// carried by the loan.
func (e *Engine) refreshLateFees(installments []*models.Installment, asOf time.Time) (touched []*models.Installment, total decimal.Decimal) {
	total = decimal.Zero
	for _, inst := range installments {
		if inst.OutstandingCapital().IsZero() && inst.OutstandingInterest().IsZero() {
			continue
		}
		fee := ComputeLateFee(inst, asOf, e.cfg.FeePolicy)
		// Never accrue below what has already been collected.
		if fee.LessThan(inst.PaidLateFee) {
			fee = inst.PaidLateFee
		}
		total = total.Add(fee)
		if !fee.Equal(inst.LateFeeAccrued) {
			inst.LateFeeAccrued = fee
			inst.UpdatedAt = time.Now()
			touched = append(touched, inst)
		}
	}
	return touched, total
}
