package servicing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/money"
	"github.com/crediflow/crediflow/pkg/store"
)

// AllocationResult reports how a payment was spread across installments and
// the loan status it produced.
type AllocationResult struct {
	Payment       *models.Payment   `json:"payment"`
	NewLoanStatus models.LoanStatus `json:"new_loan_status"`
}

// ApplyPayment allocates an incoming payment across the loan's outstanding
// obligations, oldest installment first, paying accrued late fee, then the
// scheduled interest component, then the capital component. The allocation
// either fully commits or fails with no mutation.
func (e *Engine) ApplyPayment(loanID uuid.UUID, amount decimal.Decimal, actorID string, date time.Time) (*AllocationResult, error) {
	amount = money.RoundCents(amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if date.IsZero() {
		date = time.Now()
	}

	mutation, err := e.mutateLoan(loanID, func(loan *models.Loan, installments []*models.Installment) (*store.Mutation, error) {
		if loan.Status.Terminal() {
			return nil, fmt.Errorf("%w: loan is %s", ErrLoanNotPayable, loan.Status)
		}

		touched := make(map[uuid.UUID]*models.Installment)
		feeTouched, _ := e.refreshLateFees(installments, date)
		for _, inst := range feeTouched {
			touched[inst.ID] = inst
		}

		totalOutstanding := decimal.Zero
		dueNow := decimal.Zero
		for _, inst := range installments {
			out := inst.OutstandingLateFee().Add(inst.OutstandingInterest()).Add(inst.OutstandingCapital())
			totalOutstanding = totalOutstanding.Add(out)
			if !dateOf(inst.DueDate).After(dateOf(date)) {
				dueNow = dueNow.Add(out)
			}
		}
		if amount.GreaterThan(totalOutstanding) {
			return nil, fmt.Errorf("%w: amount %s exceeds outstanding %s",
				ErrOverpayment, amount.StringFixed(2), totalOutstanding.StringFixed(2))
		}
		if e.cfg.RejectExcess && amount.GreaterThan(dueNow) {
			return nil, fmt.Errorf("%w: amount %s exceeds amount due %s",
				ErrOverpayment, amount.StringFixed(2), dueNow.StringFixed(2))
		}

		now := time.Now()
		payment := &models.Payment{
			ID:          uuid.New(),
			LoanID:      loan.ID,
			Amount:      amount,
			Type:        models.PaymentTypeRegular,
			State:       models.PaymentActive,
			CreatedBy:   actorID,
			PaymentDate: date,
			CreatedAt:   now,
		}

		remaining := amount
		for _, inst := range installments {
			if remaining.IsZero() {
				break
			}
			if inst.Settled() {
				continue
			}

			line := models.AllocationLine{
				ID:            uuid.New(),
				PaymentID:     payment.ID,
				InstallmentID: inst.ID,
				Sequence:      inst.Sequence,
			}

			line.LateFee = money.Min(remaining, inst.OutstandingLateFee())
			inst.PaidLateFee = inst.PaidLateFee.Add(line.LateFee)
			remaining = remaining.Sub(line.LateFee)

			line.Interest = money.Min(remaining, inst.OutstandingInterest())
			inst.PaidInterest = inst.PaidInterest.Add(line.Interest)
			remaining = remaining.Sub(line.Interest)

			line.Capital = money.Min(remaining, inst.OutstandingCapital())
			inst.PaidCapital = inst.PaidCapital.Add(line.Capital)
			remaining = remaining.Sub(line.Capital)

			loan.RemainingCharge = loan.RemainingCharge.Sub(line.Interest)
			loan.RemainingCapital = loan.RemainingCapital.Sub(line.Capital)

			inst.Status = inst.DeriveStatus(e.pastGrace(inst.DueDate, date))
			inst.UpdatedAt = now
			touched[inst.ID] = inst

			if line.Total().IsPositive() {
				payment.Lines = append(payment.Lines, line)
			}
		}

		loan.Status = e.evaluateLoanStatus(loan, installments, date)
		loan.UpdatedAt = now

		mutation := &store.Mutation{Loan: loan, NewPayment: payment}
		for _, inst := range touched {
			mutation.Installments = append(mutation.Installments, inst)
		}
		return mutation, nil
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record(actorID, "payment.apply", "payment", mutation.NewPayment.ID.String(), map[string]string{
		"loan_id": loanID.String(),
		"amount":  amount.StringFixed(2),
		"status":  string(mutation.Loan.Status),
	})
	e.logger.Info("payment applied", "loan_id", loanID, "payment_id", mutation.NewPayment.ID,
		"amount", amount.StringFixed(2), "lines", len(mutation.NewPayment.Lines),
		"loan_status", mutation.Loan.Status)

	return &AllocationResult{Payment: mutation.NewPayment, NewLoanStatus: mutation.Loan.Status}, nil
}
