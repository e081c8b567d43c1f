package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStructure selects the interest-accrual scheme used to build a schedule.
type LoanStructure string

const (
	StructureFrench   LoanStructure = "FRENCH_AMORTIZATION"
	StructureFlatRate LoanStructure = "FLAT_RATE"
)

// Frequency is the spacing between consecutive installments.
type Frequency string

const (
	FrequencyDaily    Frequency = "DAILY"
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
)

// PeriodsPerYear returns how many periods of this frequency fit in a year,
// used to convert an annual rate into a periodic one.
func (f Frequency) PeriodsPerYear() int64 {
	switch f {
	case FrequencyDaily:
		return 365
	case FrequencyWeekly:
		return 52
	case FrequencyBiweekly:
		return 26
	default:
		return 0
	}
}

// PeriodDays returns the number of days between consecutive due dates.
func (f Frequency) PeriodDays() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyBiweekly:
		return 14
	default:
		return 0
	}
}

type LoanStatus string

const (
	LoanActive    LoanStatus = "ACTIVE"
	LoanPaid      LoanStatus = "PAID"
	LoanCancelled LoanStatus = "CANCELLED"
	LoanOverdue   LoanStatus = "OVERDUE"
)

// Terminal reports whether no further allocation is accepted against the
// loan. PAID can still be reopened by reversing a payment.
func (s LoanStatus) Terminal() bool {
	return s == LoanPaid || s == LoanCancelled
}

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentPartial InstallmentStatus = "PARTIAL"
	InstallmentPaid    InstallmentStatus = "PAID"
	InstallmentOverdue InstallmentStatus = "OVERDUE"
)

type PaymentType string

const (
	PaymentTypeRegular PaymentType = "REGULAR"
)

// PaymentState tracks logical reversal; payments are never deleted.
type PaymentState string

const (
	PaymentActive   PaymentState = "ACTIVE"
	PaymentReversed PaymentState = "REVERSED"
)

type FeePolicyType string

const FeePercentageDaily FeePolicyType = "PERCENTAGE_DAILY"

// FeePolicy is the active late-fee policy, normally read from system config.
type FeePolicy struct {
	Type      FeePolicyType   `json:"type"`
	Value     decimal.Decimal `json:"value"` // daily rate applied to the outstanding scheduled amount
	GraceDays int             `json:"grace_days"`
}

// LoanTerms is the validated input to schedule generation.
type LoanTerms struct {
	ClientKey        string          `json:"client_key"` // link to the external client system
	Principal        decimal.Decimal `json:"principal"`
	Structure        LoanStructure   `json:"structure"`
	AnnualRate       decimal.Decimal `json:"annual_rate"`  // required for FRENCH_AMORTIZATION
	TotalCharge      decimal.Decimal `json:"total_charge"` // required for FLAT_RATE
	InstallmentCount int             `json:"installment_count"`
	Frequency        Frequency       `json:"frequency"`
	StartDate        time.Time       `json:"start_date"`
}

type Loan struct {
	ID               uuid.UUID       `json:"id"`
	ClientKey        string          `json:"client_key"`
	Principal        decimal.Decimal `json:"principal"`
	Structure        LoanStructure   `json:"structure"`
	AnnualRate       decimal.Decimal `json:"annual_rate"`
	TotalCharge      decimal.Decimal `json:"total_charge"`
	InstallmentCount int             `json:"installment_count"`
	Frequency        Frequency       `json:"frequency"`
	RemainingCapital decimal.Decimal `json:"remaining_capital"`
	RemainingCharge  decimal.Decimal `json:"remaining_charge"`
	Status           LoanStatus      `json:"status"`
	Version          int64           `json:"version"` // optimistic-lock guard, bumped on every mutation
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CancelledBy      string          `json:"cancelled_by,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
}

// Installment is one schedule entry. Scheduled amounts are fixed at loan
// creation; paid amounts and the accrued late fee are mutated in place by
// allocations and batch runs. Sequence order is the authoritative allocation
// order.
type Installment struct {
	ID                uuid.UUID         `json:"id"`
	LoanID            uuid.UUID         `json:"loan_id"`
	Sequence          int               `json:"sequence"`
	DueDate           time.Time         `json:"due_date"`
	ScheduledCapital  decimal.Decimal   `json:"scheduled_capital"`
	ScheduledInterest decimal.Decimal   `json:"scheduled_interest"`
	ScheduledTotal    decimal.Decimal   `json:"scheduled_total"`
	PaidCapital       decimal.Decimal   `json:"paid_capital"`
	PaidInterest      decimal.Decimal   `json:"paid_interest"`
	PaidLateFee       decimal.Decimal   `json:"paid_late_fee"`
	LateFeeAccrued    decimal.Decimal   `json:"late_fee_accrued"` // recomputed per evaluation date, never additively stacked
	Status            InstallmentStatus `json:"status"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// OutstandingCapital is the scheduled capital not yet covered by payments.
func (i *Installment) OutstandingCapital() decimal.Decimal {
	return i.ScheduledCapital.Sub(i.PaidCapital)
}

// OutstandingInterest is the scheduled interest not yet covered by payments.
func (i *Installment) OutstandingInterest() decimal.Decimal {
	return i.ScheduledInterest.Sub(i.PaidInterest)
}

// OutstandingLateFee is the accrued fee not yet covered by payments. Fees
// have no scheduled cap, but paid fee never exceeds what has accrued.
func (i *Installment) OutstandingLateFee() decimal.Decimal {
	out := i.LateFeeAccrued.Sub(i.PaidLateFee)
	if out.IsNegative() {
		return decimal.Zero
	}
	return out
}

// Settled reports whether the scheduled components and any accrued fee are
// fully covered.
func (i *Installment) Settled() bool {
	return i.OutstandingCapital().IsZero() &&
		i.OutstandingInterest().IsZero() &&
		i.OutstandingLateFee().IsZero()
}

// DeriveStatus recomputes the installment status from its paid amounts.
// overdue marks installments that are past grace and not settled.
func (i *Installment) DeriveStatus(overdue bool) InstallmentStatus {
	if i.Settled() {
		return InstallmentPaid
	}
	if overdue {
		return InstallmentOverdue
	}
	if i.PaidCapital.IsPositive() || i.PaidInterest.IsPositive() || i.PaidLateFee.IsPositive() {
		return InstallmentPartial
	}
	return InstallmentPending
}

// AllocationLine records the portion of one payment applied to one
// installment, split by component. Lines are the unit of reversal.
type AllocationLine struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	InstallmentID uuid.UUID       `json:"installment_id"`
	Sequence      int             `json:"sequence"`
	LateFee       decimal.Decimal `json:"late_fee"`
	Interest      decimal.Decimal `json:"interest"`
	Capital       decimal.Decimal `json:"capital"`
}

// Total is the full amount this line applied to its installment.
func (l AllocationLine) Total() decimal.Decimal {
	return l.LateFee.Add(l.Interest).Add(l.Capital)
}

type Payment struct {
	ID             uuid.UUID        `json:"id"`
	LoanID         uuid.UUID        `json:"loan_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Type           PaymentType      `json:"type"`
	State          PaymentState     `json:"state"`
	Lines          []AllocationLine `json:"lines"`
	CreatedBy      string           `json:"created_by"`
	PaymentDate    time.Time        `json:"payment_date"`
	CreatedAt      time.Time        `json:"created_at"`
	ReversedBy     string           `json:"reversed_by,omitempty"`
	ReversalReason string           `json:"reversal_reason,omitempty"`
	ReversedAt     *time.Time       `json:"reversed_at,omitempty"`
}
