// Package schedule builds the full installment plan for a loan at creation
// time. Generation is pure: it never touches storage and is safe to call
// speculatively (e.g. for a quote preview).
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/money"
)

// ErrInvalidTerms rejects malformed loan terms before any state is created.
var ErrInvalidTerms = errors.New("invalid loan terms")

var one = decimal.NewFromInt(1)

// AnnuityPayment computes the level periodic payment amortizing principal at
// a fixed periodic rate over n periods.
func AnnuityPayment(principal decimal.Decimal, n int64, rate decimal.Decimal) decimal.Decimal {
	base := rate.Add(one)
	basePowN := base.Pow(decimal.NewFromInt(n))
	numerator := principal.Mul(basePowN).Mul(rate)
	denominator := basePowN.Sub(one)
	return numerator.Div(denominator)
}

// Generate produces the ordered installment sequence for the given terms.
// Installment IDs are assigned here so the plan can be persisted as-is.
func Generate(terms models.LoanTerms, loanID uuid.UUID) ([]models.Installment, error) {
	if err := Validate(terms); err != nil {
		return nil, err
	}

	switch terms.Structure {
	case models.StructureFlatRate:
		return flatRateSchedule(terms, loanID), nil
	case models.StructureFrench:
		return frenchSchedule(terms, loanID), nil
	default:
		return nil, fmt.Errorf("%w: unknown structure %q", ErrInvalidTerms, terms.Structure)
	}
}

// Validate checks the terms without generating anything. Monetary terms must
// be cent-exact: a sub-cent principal could never reconcile against a
// cent-exact schedule, so it is rejected here rather than silently truncated.
func Validate(terms models.LoanTerms) error {
	if !terms.Principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidTerms)
	}
	if !money.CentExact(terms.Principal) {
		return fmt.Errorf("%w: principal must not have sub-cent precision", ErrInvalidTerms)
	}
	if terms.InstallmentCount <= 0 {
		return fmt.Errorf("%w: installment count must be positive", ErrInvalidTerms)
	}
	if terms.Frequency.PeriodDays() == 0 {
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidTerms, terms.Frequency)
	}
	switch terms.Structure {
	case models.StructureFlatRate:
		if !terms.TotalCharge.IsPositive() {
			return fmt.Errorf("%w: flat-rate structure requires a total finance charge", ErrInvalidTerms)
		}
		if !money.CentExact(terms.TotalCharge) {
			return fmt.Errorf("%w: total finance charge must not have sub-cent precision", ErrInvalidTerms)
		}
	case models.StructureFrench:
		if !terms.AnnualRate.IsPositive() {
			return fmt.Errorf("%w: french amortization requires an annual rate", ErrInvalidTerms)
		}
	default:
		return fmt.Errorf("%w: unknown structure %q", ErrInvalidTerms, terms.Structure)
	}
	return nil
}

// flatRateSchedule splits principal and the total finance charge evenly
// across installments; remainder cents land on the final installment so both
// sums reconcile exactly.
func flatRateSchedule(terms models.LoanTerms, loanID uuid.UUID) []models.Installment {
	n := terms.InstallmentCount
	capitals := money.SplitEven(terms.Principal, n)
	charges := money.SplitEven(terms.TotalCharge, n)

	installments := make([]models.Installment, n)
	for i := 0; i < n; i++ {
		installments[i] = newInstallment(terms, loanID, i+1, capitals[i], charges[i])
	}
	return installments
}

// frenchSchedule amortizes with a level payment. Interest is computed on the
// declining balance; the final installment's capital absorbs rounding drift
// so the balance lands on exactly zero.
func frenchSchedule(terms models.LoanTerms, loanID uuid.UUID) []models.Installment {
	n := terms.InstallmentCount
	rate := terms.AnnualRate.Div(decimal.NewFromInt(terms.Frequency.PeriodsPerYear()))
	payment := money.RoundCents(AnnuityPayment(terms.Principal, int64(n), rate))

	installments := make([]models.Installment, n)
	balance := terms.Principal
	for i := 0; i < n; i++ {
		interest := money.RoundCents(balance.Mul(rate))
		capital := payment.Sub(interest)
		if i == n-1 || capital.GreaterThan(balance) {
			capital = balance
		}
		balance = balance.Sub(capital)
		installments[i] = newInstallment(terms, loanID, i+1, capital, interest)
	}
	return installments
}

func newInstallment(terms models.LoanTerms, loanID uuid.UUID, seq int, capital, interest decimal.Decimal) models.Installment {
	due := terms.StartDate.AddDate(0, 0, seq*terms.Frequency.PeriodDays())
	// Rounding can zero out an installment entirely (tiny principal spread
	// over many periods). Such installments have nothing to collect and start
	// out PAID rather than lingering PENDING.
	status := models.InstallmentPending
	if capital.Add(interest).IsZero() {
		status = models.InstallmentPaid
	}
	return models.Installment{
		ID:                uuid.New(),
		LoanID:            loanID,
		Sequence:          seq,
		DueDate:           due,
		ScheduledCapital:  capital,
		ScheduledInterest: interest,
		ScheduledTotal:    capital.Add(interest),
		PaidCapital:       decimal.Zero,
		PaidInterest:      decimal.Zero,
		PaidLateFee:       decimal.Zero,
		LateFeeAccrued:    decimal.Zero,
		Status:            status,
		UpdatedAt:         time.Now(),
	}
}
