package servicing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crediflow/crediflow/pkg/models"
	"github.com/crediflow/crediflow/pkg/store"
)

// ReversalResult reports the reversed payment and the loan status after the
// undo.
type ReversalResult struct {
	Payment       *models.Payment   `json:"payment"`
	NewLoanStatus models.LoanStatus `json:"new_loan_status"`
}

// ReversePayment undoes a payment line by line: exactly the amounts that
// payment applied are subtracted from the corresponding installments' paid
// totals. Allocations belonging to other payments are untouched, so a
// reversal is correct even after later payments have modified the same
// installments. The payment itself is kept, flagged REVERSED.
func (e *Engine) ReversePayment(paymentID uuid.UUID, actorID, reason string) (*ReversalResult, error) {
	payment, err := e.storage.GetPayment(paymentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	mutation, err := e.mutateLoan(payment.LoanID, func(loan *models.Loan, installments []*models.Installment) (*store.Mutation, error) {
		// Re-read under the loan lock so a concurrent reversal of the same
		// payment cannot slip through.
		payment, err := e.storage.GetPayment(paymentID)
		if err != nil {
			return nil, err
		}
		if payment.State == models.PaymentReversed {
			return nil, fmt.Errorf("%w: payment %s", ErrAlreadyReversed, paymentID)
		}

		byID := make(map[uuid.UUID]*models.Installment, len(installments))
		for _, inst := range installments {
			byID[inst.ID] = inst
		}

		touched := make([]*models.Installment, 0, len(payment.Lines))
		for _, line := range payment.Lines {
			inst, ok := byID[line.InstallmentID]
			if !ok {
				return nil, fmt.Errorf("allocation line references unknown installment %s", line.InstallmentID)
			}
			inst.PaidLateFee = inst.PaidLateFee.Sub(line.LateFee)
			inst.PaidInterest = inst.PaidInterest.Sub(line.Interest)
			inst.PaidCapital = inst.PaidCapital.Sub(line.Capital)
			loan.RemainingCharge = loan.RemainingCharge.Add(line.Interest)
			loan.RemainingCapital = loan.RemainingCapital.Add(line.Capital)

			inst.Status = inst.DeriveStatus(e.pastGrace(inst.DueDate, now))
			inst.UpdatedAt = now
			touched = append(touched, inst)
		}

		payment.State = models.PaymentReversed
		payment.ReversedBy = actorID
		payment.ReversalReason = reason
		payment.ReversedAt = &now

		loan.Status = e.evaluateLoanStatus(loan, installments, now)
		loan.UpdatedAt = now

		return &store.Mutation{Loan: loan, Installments: touched, UpdatedPayment: payment}, nil
	})
	if err != nil {
		return nil, err
	}

	e.audit.Record(actorID, "payment.reverse", "payment", paymentID.String(), map[string]string{
		"loan_id": mutation.Loan.ID.String(),
		"reason":  reason,
		"status":  string(mutation.Loan.Status),
	})
	e.logger.Info("payment reversed", "payment_id", paymentID, "loan_id", mutation.Loan.ID,
		"loan_status", mutation.Loan.Status)

	return &ReversalResult{Payment: mutation.UpdatedPayment, NewLoanStatus: mutation.Loan.Status}, nil
}
